package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestProtectionInstructionClone(t *testing.T) {
	original := &ProtectionInstruction{
		ID:                    common.HexToHash("0x01"),
		Borrower:              common.HexToAddress("0x02"),
		ThresholdHealthFactor: big.NewInt(5e18),
		WantedHealthFactor:    big.NewInt(9e18),
		TriggerPayload:        []byte{0x01, 0x02},
	}

	clone := original.Clone()
	clone.ThresholdHealthFactor.SetInt64(1)
	clone.TriggerPayload[0] = 0xff

	assert.Equal(t, "5000000000000000000", original.ThresholdHealthFactor.String())
	assert.Equal(t, byte(0x01), original.TriggerPayload[0])
}

func TestFixedPointConstants(t *testing.T) {
	assert.Equal(t, "1000000000000000000", Scale.String())
	assert.Equal(t, "10000", BpsDenominator.String())

	// BpsToScale * BpsDenominator == Scale, so bps rates land on the 1e18
	// scale exactly.
	product := new(big.Int).Mul(BpsToScale, BpsDenominator)
	assert.Equal(t, 0, product.Cmp(Scale))
}
