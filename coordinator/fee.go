package coordinator

import (
	"math/big"

	"pyusdbridge/config"
)

// ProtocolFee is floor(amount * bps / 10000).
func ProtocolFee(amount *big.Int, basisPoints int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(basisPoints))
	return fee.Quo(fee, big.NewInt(config.BasisPointsDenominator))
}

// MintAmount is what the destination receives for a lock of amount.
func MintAmount(amount *big.Int, basisPoints int64) *big.Int {
	return new(big.Int).Sub(amount, ProtocolFee(amount, basisPoints))
}
