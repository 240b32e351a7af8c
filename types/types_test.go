package types

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTxHash(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0xABCDEF0000000000000000000000000000000000000000000000000000000001", want: "0xabcdef0000000000000000000000000000000000000000000000000000000001"},
		{in: " 0XABCDEF0000000000000000000000000000000000000000000000000000000001 ", want: "0xabcdef0000000000000000000000000000000000000000000000000000000001"},
		{in: "abcdef0000000000000000000000000000000000000000000000000000000001", wantErr: true},
		{in: "0x1234", wantErr: true},
		{in: "0xzzcdef0000000000000000000000000000000000000000000000000000000001", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeTxHash(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTxHash)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCloneDoesNotShareAmounts(t *testing.T) {
	rec := &MintRecord{SourceTxHash: "0x01", LockedAmount: big.NewInt(100), MintedAmount: big.NewInt(99)}
	c := rec.Clone()
	c.LockedAmount.SetInt64(1)
	c.MintedAmount.SetInt64(1)

	assert.Equal(t, "100", rec.LockedAmount.String())
	assert.Equal(t, "99", rec.MintedAmount.String())
	assert.Nil(t, (*MintRecord)(nil).Clone())
}

func TestMintStatus(t *testing.T) {
	assert.False(t, MintStatusPending.Terminal())
	assert.True(t, MintStatusMinted.Terminal())
	assert.True(t, MintStatusFailed.Terminal())
	assert.True(t, MintStatusPending.Valid())
	assert.False(t, MintStatus("returning").Valid())
}
