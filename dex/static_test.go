package dex

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticVenue(t *testing.T) {
	ctx := context.Background()
	venue := NewStaticVenue()

	tokenA := common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	tokenB := common.HexToAddress("0x0000000000000000000000000000000000000bbb")

	t.Run("MissingRate", func(t *testing.T) {
		_, err := venue.SwapExactIn(ctx, tokenA, tokenB, big.NewInt(100))
		assert.Error(t, err)
	})

	t.Run("RatesAreDirectional", func(t *testing.T) {
		// 1 unit of A buys 2 units of B; the reverse pair stays unset.
		venue.SetRate(tokenA, tokenB, big.NewInt(2e18))

		out, err := venue.SwapExactIn(ctx, tokenA, tokenB, big.NewInt(100))
		require.NoError(t, err)
		assert.Equal(t, "200", out.String())

		_, err = venue.SwapExactIn(ctx, tokenB, tokenA, big.NewInt(100))
		assert.Error(t, err)
	})

	t.Run("FloorsTheOutput", func(t *testing.T) {
		rate, _ := new(big.Int).SetString("500000000000000000", 10) // 0.5
		venue.SetRate(tokenB, tokenA, rate)

		out, err := venue.SwapExactIn(ctx, tokenB, tokenA, big.NewInt(3))
		require.NoError(t, err)
		assert.Equal(t, "1", out.String())
	})

	t.Run("Reserves", func(t *testing.T) {
		_, err := venue.GetReserves(ctx, tokenA, tokenB)
		assert.Error(t, err)

		venue.SetReserves(tokenA, tokenB, big.NewInt(1000), big.NewInt(2000))
		r, err := venue.GetReserves(ctx, tokenA, tokenB)
		require.NoError(t, err)
		assert.Equal(t, "1000", r.Reserve0.String())
		assert.Equal(t, "2000", r.Reserve1.String())
	})
}
