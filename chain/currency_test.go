// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	require := require.New(t)

	currency, ok := Parse("flop")
	require.True(ok)
	require.Equal(FLOP, currency)

	currency, ok = Parse("Eth")
	require.True(ok)
	require.Equal(ETH, currency)

	_, ok = Parse("SHIB")
	require.False(ok)

	_, ok = Parse("")
	require.False(ok)
}

func TestDecimals(t *testing.T) {
	require := require.New(t)

	require.Equal(uint8(8), FLOP.Decimals())
	require.Equal(uint8(8), BTC.Decimals())
	require.Equal(uint8(8), DOGE.Decimals())
	require.Equal(uint8(18), ETH.Decimals())
	require.Equal(uint8(18), BNB.Decimals())
	require.Equal(uint8(9), SOL.Decimals())
	require.Equal(uint8(6), XRP.Decimals())
	require.Equal(uint8(6), USDT.Decimals())
}
