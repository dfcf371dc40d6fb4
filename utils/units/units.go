// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package units converts between a currency's display amounts and the
// integer minor units the core carries everywhere else.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

var (
	ErrNegativeAmount = errors.New("negative amount")
	ErrTooManyDigits  = errors.New("too many fractional digits")
	ErrAmountTooLarge = errors.New("amount overflows minor units")
)

// FromDecimal parses a decimal string such as "1.50" into minor units given
// the currency's number of decimal places.
func FromDecimal(s string, decimals uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("%w: %q has more than %d", ErrTooManyDigits, s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	if whole == "" {
		whole = "0"
	}

	amount, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, fmt.Errorf("invalid decimal amount %q", s)
	}
	if !amount.IsUint64() {
		return 0, ErrAmountTooLarge
	}
	return amount.Uint64(), nil
}

// ToDecimal renders minor units as a decimal string with the full fractional
// width, e.g. 150000000 with 8 decimals -> "1.50000000".
func ToDecimal(minor uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", minor)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	amount := new(big.Int).SetUint64(minor)
	whole, frac := new(big.Int).QuoRem(amount, scale, new(big.Int))
	return fmt.Sprintf("%s.%0*d", whole, decimals, frac)
}

// FromFloat converts a daemon-reported float amount into minor units,
// rounding to the nearest minor unit. Mirrors how bitcoind balances are
// consumed.
func FromFloat(v float64, decimals uint8) (uint64, error) {
	if v < 0 {
		return 0, ErrNegativeAmount
	}
	scaled := v * math.Pow10(int(decimals))
	if scaled >= math.MaxUint64 {
		return 0, ErrAmountTooLarge
	}
	return uint64(math.Round(scaled)), nil
}

// ToFloat converts minor units into the display amount the daemons expect.
func ToFloat(minor uint64, decimals uint8) float64 {
	return float64(minor) / math.Pow10(int(decimals))
}
