// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"strings"

	"github.com/duxnet/duxnetd/utils/set"
)

// Currency names a supported settlement currency. The set is closed; escrow
// creation rejects anything outside it.
type Currency string

const (
	FLOP Currency = "FLOP"
	BTC  Currency = "BTC"
	ETH  Currency = "ETH"
	USDT Currency = "USDT"
	BNB  Currency = "BNB"
	XRP  Currency = "XRP"
	SOL  Currency = "SOL"
	ADA  Currency = "ADA"
	DOGE Currency = "DOGE"
	TON  Currency = "TON"
	TRX  Currency = "TRX"
)

var supported = set.Of(FLOP, BTC, ETH, USDT, BNB, XRP, SOL, ADA, DOGE, TON, TRX)

// Parse normalizes [s] to upper case and reports whether it names a supported
// currency.
func Parse(s string) (Currency, bool) {
	c := Currency(strings.ToUpper(s))
	return c, supported.Contains(c)
}

func (c Currency) Supported() bool {
	return supported.Contains(c)
}

func (c Currency) String() string {
	return string(c)
}

// Decimals returns the number of decimal places between the currency's
// display unit and its minor unit. Amounts cross the core in minor units and
// are converted only at the chain-adapter boundary.
func (c Currency) Decimals() uint8 {
	switch c {
	case ETH, BNB:
		return 18
	case SOL:
		return 9
	case XRP, TON, TRX, USDT:
		return 6
	default:
		// Bitcoin-style chains, FLOP and DOGE included, use 8.
		return 8
	}
}
