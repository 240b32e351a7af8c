package types

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidTxHash = errors.New("invalid transaction hash")

// LockEvent is a verified TokensLocked emission on the source chain.
// It is only ever built by the verifier from a confirmed receipt.
type LockEvent struct {
	SourceTxHash       string
	SourceChainID      int64
	LockedAmount       *big.Int // smallest token unit
	SourceAccount      string
	DestinationAccount string
	DestinationNetwork string
	BlockNumber        uint64
	Confirmations      uint64
	LockedAt           time.Time // block timestamp reported by the event
}

type MintStatus string

const (
	MintStatusPending MintStatus = "pending"
	MintStatusMinted  MintStatus = "minted"
	MintStatusFailed  MintStatus = "failed"
)

func (s MintStatus) Terminal() bool {
	return s == MintStatusMinted || s == MintStatusFailed
}

func (s MintStatus) Valid() bool {
	return s == MintStatusPending || s.Terminal()
}

// MintRecord is the ledger's unit of durable state, one per source transaction.
type MintRecord struct {
	SourceTxHash       string     `json:"sourceTxHash"`
	Status             MintStatus `json:"status"`
	SourceChainID      int64      `json:"sourceChainId"`
	DestinationChainID int64      `json:"destinationChainId"`
	DestinationAccount string     `json:"destinationAccount"`
	LockedAmount       *big.Int   `json:"lockedAmount,omitempty"`
	MintedAmount       *big.Int   `json:"mintedAmount,omitempty"`
	DestinationTxHash  string     `json:"destinationTxHash,omitempty"`
	FailureReason      string     `json:"failureReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share big.Int pointers with a store.
func (r *MintRecord) Clone() *MintRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LockedAmount != nil {
		c.LockedAmount = new(big.Int).Set(r.LockedAmount)
	}
	if r.MintedAmount != nil {
		c.MintedAmount = new(big.Int).Set(r.MintedAmount)
	}
	return &c
}

// BridgeRequest is what a client submits after its lock transaction confirmed.
// ClaimedAmount is only used for early rejection.
type BridgeRequest struct {
	SourceTxHash  string `json:"sourceTxHash"`
	UserAddress   string `json:"userAddress"`
	ClaimedAmount string `json:"claimedAmount"`
}

type ResponseStatus string

const (
	ResponseMinted  ResponseStatus = "minted"
	ResponsePending ResponseStatus = "pending"
	ResponseFailed  ResponseStatus = "failed"
)

type BridgeResponse struct {
	Status            ResponseStatus `json:"status"`
	SourceTxHash      string         `json:"sourceTxHash,omitempty"`
	DestinationTxHash string         `json:"destinationTxHash,omitempty"`
	MintedAmount      string         `json:"mintedAmount,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Retryable         bool           `json:"retryable,omitempty"`
	Reference         string         `json:"reference,omitempty"`

	// Set on a verified lock that has no mint record yet, so a client that
	// lost its own copy can still request the mint.
	LockedAmount string `json:"lockedAmount,omitempty"`
	UserAddress  string `json:"userAddress,omitempty"`
}

type ReceiptStatus int

const (
	ReceiptSuccess ReceiptStatus = iota
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	if s == ReceiptSuccess {
		return "success"
	}
	return "reverted"
}

// Receipt is a transaction receipt decoded once at the chain boundary.
type Receipt struct {
	TxHash      string
	Status      ReceiptStatus
	BlockNumber uint64
	Logs        []DecodedLog
}

const (
	EventTokensLocked = "TokensLocked"
	EventTokensMinted = "TokensMinted"
)

// DecodedLog is one receipt log. Event is empty for logs that are not bridge events.
// When the topic matched a bridge event but the payload did not decode, DecodeErr is set
// and the typed payload is nil.
type DecodedLog struct {
	Address     string
	TxHash      string
	BlockNumber uint64
	Index       uint
	Event       string
	Locked      *TokensLocked
	Minted      *TokensMinted
	DecodeErr   string
}

type TokensLocked struct {
	User               string
	Amount             *big.Int
	DestinationNetwork string
	DestinationAddress string
	Timestamp          *big.Int
}

type TokensMinted struct {
	User         string
	Amount       *big.Int
	SourceTxHash string
}

// NormalizeTxHash validates a 32-byte 0x-prefixed hex hash and lowercases it.
func NormalizeTxHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") && !strings.HasPrefix(hash, "0X") {
		return "", ErrInvalidTxHash
	}
	hash = "0x" + strings.ToLower(hash[2:])
	if _, err := hexutil.Decode(hash); err != nil {
		return "", ErrInvalidTxHash
	}
	return hash, nil
}
