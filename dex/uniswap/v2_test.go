package uniswap

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAmountOut(t *testing.T) {
	t.Run("AppliesThePoolFee", func(t *testing.T) {
		out := getAmountOut(big.NewInt(1000), big.NewInt(100_000), big.NewInt(100_000))
		assert.Equal(t, "987", out.String())
	})

	t.Run("TinySwap", func(t *testing.T) {
		out := getAmountOut(big.NewInt(1), big.NewInt(1_000_000), big.NewInt(1_000_000))
		assert.Equal(t, 0, out.Sign())
	})
}

func TestPairFor(t *testing.T) {
	u := &UniswapV2{
		factory:  MainnetFactory,
		initCode: common.FromHex("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
	}

	weth := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	t.Run("MatchesTheCanonicalDeployment", func(t *testing.T) {
		pair := u.pairFor(weth, usdc)
		assert.Equal(t, common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"), pair)
	})

	t.Run("OrderIndependent", func(t *testing.T) {
		assert.Equal(t, u.pairFor(weth, usdc), u.pairFor(usdc, weth))
	})
}

func TestSortsBefore(t *testing.T) {
	a := common.HexToAddress("0x0000000000000000000000000000000000000001")
	b := common.HexToAddress("0x0000000000000000000000000000000000000002")
	require.True(t, sortsBefore(a, b))
	require.False(t, sortsBefore(b, a))
}
