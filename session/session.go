// Package session drives one user's bridge journey: approve, lock, then wait
// for the mint. It is advisory only; the server ledger decides settlement and
// a session can always be rebuilt from it with Resume.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"pyusdbridge/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type State string

const (
	StateInput          State = "input"
	StateApproving      State = "approving"
	StateApproved       State = "approved"
	StateLocking        State = "locking"
	StateAwaitingMint   State = "awaiting_mint"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
	StateManualFollowUp State = "manual_follow_up"
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateManualFollowUp
}

var transitions = map[State][]State{
	StateInput:        {StateApproving, StateApproved},
	StateApproving:    {StateApproved, StateInput},
	StateApproved:     {StateLocking},
	StateLocking:      {StateAwaitingMint, StateFailed},
	StateAwaitingMint: {StateSuccess, StateFailed, StateManualFollowUp},
}

func canMove(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	MinPollInterval = 2 * time.Second
	MaxPollInterval = 5 * time.Second
)

var (
	ErrWrongState   = errors.New("operation not allowed in current state")
	ErrInvalidInput = errors.New("invalid bridge input")
)

// Wallet signs on the source chain. WaitForReceipt returns only once the
// transaction is confirmed, or fails.
type Wallet interface {
	Address() common.Address
	Allowance(ctx context.Context) (*big.Int, error)
	Approve(ctx context.Context, amount *big.Int) (string, error)
	Lock(ctx context.Context, amount *big.Int, destination string) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

// BridgeAPI is the client side of the bridge request handler.
type BridgeAPI interface {
	SubmitMint(ctx context.Context, req types.BridgeRequest) (*types.BridgeResponse, error)
	Status(ctx context.Context, sourceTxHash string) (*types.BridgeResponse, error)
}

type Opts struct {
	Wallet          Wallet
	API             BridgeAPI
	Logger          *zap.Logger
	PollInterval    time.Duration // clamped to [MinPollInterval, MaxPollInterval]
	MaxPollDuration time.Duration
}

// View is a copy of the session fields, safe to render.
type View struct {
	State          State  `json:"state"`
	Amount         string `json:"amount,omitempty"`
	Destination    string `json:"destination,omitempty"`
	ApprovalTxHash string `json:"approvalTxHash,omitempty"`
	LockTxHash     string `json:"lockTxHash,omitempty"`
	MintTxHash     string `json:"mintTxHash,omitempty"`
	MintedAmount   string `json:"mintedAmount,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type Session struct {
	mu sync.Mutex

	state          State
	amount         *big.Int
	user           string
	destination    string
	approvalTxHash string
	lockTxHash     string
	mintTxHash     string
	mintedAmount   string
	reason         string

	wallet       Wallet
	api          BridgeAPI
	logger       *zap.Logger
	pollInterval time.Duration
	maxPoll      time.Duration
}

func newSession(opts Opts) *Session {
	interval := opts.PollInterval
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	if interval > MaxPollInterval {
		interval = MaxPollInterval
	}
	return &Session{
		state:        StateInput,
		wallet:       opts.Wallet,
		api:          opts.API,
		logger:       opts.Logger.Named("session"),
		pollInterval: interval,
		maxPoll:      opts.MaxPollDuration,
	}
}

// New starts a session in Input for bridging amount (smallest units) to destination.
func New(opts Opts, amount *big.Int, destination string) (*Session, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !common.IsHexAddress(destination) || ethav.Validate(common.HexToAddress(destination).Hex()) != nil {
		return nil, fmt.Errorf("%w: destination %q is not an address", ErrInvalidInput, destination)
	}
	s := newSession(opts)
	s.amount = new(big.Int).Set(amount)
	s.destination = common.HexToAddress(destination).Hex()
	return s, nil
}

// Resume rebuilds a session for lockTxHash from the server's answer alone.
// When the server reports a verified lock with no mint yet, it also returns
// the locked amount, and Poll then requests the mint itself.
func Resume(ctx context.Context, opts Opts, lockTxHash string) (*Session, error) {
	hash, err := types.NormalizeTxHash(lockTxHash)
	if err != nil {
		return nil, err
	}
	resp, err := opts.API.Status(ctx, hash)
	if err != nil {
		return nil, err
	}
	s := newSession(opts)
	s.lockTxHash = hash
	s.state = StateAwaitingMint
	s.apply(resp)
	s.logger.Info("Session resumed", zap.String("lock_tx", hash), zap.String("state", string(s.state)))
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		State:          s.state,
		Destination:    s.destination,
		ApprovalTxHash: s.approvalTxHash,
		LockTxHash:     s.lockTxHash,
		MintTxHash:     s.mintTxHash,
		MintedAmount:   s.mintedAmount,
		Reason:         s.reason,
	}
	if s.amount != nil {
		v.Amount = s.amount.String()
	}
	return v
}

func (s *Session) move(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveLocked(to)
}

func (s *Session) moveLocked(to State) {
	if !canMove(s.state, to) {
		s.logger.DPanic("Illegal session transition", zap.String("from", string(s.state)), zap.String("to", string(to)))
		return
	}
	s.logger.Debug("Session transition", zap.String("from", string(s.state)), zap.String("to", string(to)))
	s.state = to
}

func (s *Session) require(want State) error {
	if got := s.State(); got != want {
		return fmt.Errorf("%w: in %s, need %s", ErrWrongState, got, want)
	}
	return nil
}

// SubmitApproval lets the bridge pull the amount. An existing allowance that
// covers it skips the transaction. Any error returns the session to Input.
func (s *Session) SubmitApproval(ctx context.Context) error {
	if err := s.require(StateInput); err != nil {
		return err
	}

	allowance, err := s.wallet.Allowance(ctx)
	if err == nil && allowance.Cmp(s.amount) >= 0 {
		s.move(StateApproved)
		return nil
	}

	s.move(StateApproving)
	txHash, err := s.wallet.Approve(ctx, s.amount)
	if err != nil {
		s.move(StateInput)
		return fmt.Errorf("approval: %w", err)
	}
	s.mu.Lock()
	s.approvalTxHash = txHash
	s.mu.Unlock()

	receipt, err := s.wallet.WaitForReceipt(ctx, txHash)
	if err == nil && receipt.Status == types.ReceiptReverted {
		err = fmt.Errorf("approval %s reverted", txHash)
	}
	if err != nil {
		s.mu.Lock()
		s.approvalTxHash = ""
		s.moveLocked(StateInput)
		s.mu.Unlock()
		return fmt.Errorf("approval: %w", err)
	}
	s.move(StateApproved)
	return nil
}

// SubmitLock locks the amount on the source chain. A rejected or reverted lock
// fails the session. When waiting for the receipt is interrupted the session
// stays in Locking with the hash recorded, so Resume can pick it up.
func (s *Session) SubmitLock(ctx context.Context) error {
	if err := s.require(StateApproved); err != nil {
		return err
	}
	s.move(StateLocking)

	txHash, err := s.wallet.Lock(ctx, s.amount, s.destination)
	if err != nil {
		s.fail(fmt.Sprintf("lock submission: %v", err))
		return fmt.Errorf("lock: %w", err)
	}
	s.mu.Lock()
	s.lockTxHash = txHash
	s.mu.Unlock()

	receipt, err := s.wallet.WaitForReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("lock %s not confirmed: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptReverted {
		s.fail(fmt.Sprintf("lock %s reverted", txHash))
		return fmt.Errorf("lock %s reverted", txHash)
	}
	s.move(StateAwaitingMint)
	return nil
}

func (s *Session) fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	s.moveLocked(StateFailed)
}

// Poll asks the bridge for the mint until it settles or the maximum poll
// duration passes, which ends in ManualFollowUp. Cancelling ctx returns
// ctx.Err() and leaves the state as it was.
func (s *Session) Poll(ctx context.Context) error {
	if err := s.require(StateAwaitingMint); err != nil {
		return err
	}
	deadline := time.Now().Add(s.maxPoll)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := s.ask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Bridge poll failed", zap.String("lock_tx", s.lockTxHash), zap.Error(err))
		} else {
			s.mu.Lock()
			s.apply(resp)
			s.mu.Unlock()
		}
		if s.State().Terminal() {
			return nil
		}

		if !time.Now().Before(deadline) {
			s.mu.Lock()
			s.reason = fmt.Sprintf("mint not settled after %s, manual follow-up required for %s", s.maxPoll, s.lockTxHash)
			s.moveLocked(StateManualFollowUp)
			s.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ask submits the mint request once the session knows the amount and the
// locking account, and otherwise reads the status.
func (s *Session) ask(ctx context.Context) (*types.BridgeResponse, error) {
	s.mu.Lock()
	user, amount := s.user, s.amount
	if user == "" && s.wallet != nil {
		user = s.wallet.Address().Hex()
	}
	s.mu.Unlock()

	if amount == nil || user == "" {
		return s.api.Status(ctx, s.lockTxHash)
	}
	return s.api.SubmitMint(ctx, types.BridgeRequest{
		SourceTxHash:  s.lockTxHash,
		UserAddress:   user,
		ClaimedAmount: amount.String(),
	})
}

// apply folds a bridge response into an AwaitingMint session. Callers hold mu
// or own the session exclusively.
func (s *Session) apply(resp *types.BridgeResponse) {
	if s.amount == nil && resp.LockedAmount != "" && common.IsHexAddress(resp.UserAddress) {
		if amount, ok := new(big.Int).SetString(resp.LockedAmount, 10); ok && amount.Sign() > 0 {
			s.amount = amount
			s.user = common.HexToAddress(resp.UserAddress).Hex()
		}
	}
	switch {
	case resp.Status == types.ResponseMinted:
		s.mintTxHash = resp.DestinationTxHash
		s.mintedAmount = resp.MintedAmount
		s.moveLocked(StateSuccess)
	case resp.Status == types.ResponseFailed && !resp.Retryable:
		s.reason = resp.Reason
		s.moveLocked(StateFailed)
	}
}
