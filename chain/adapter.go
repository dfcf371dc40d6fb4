// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chain is the only part of the core that performs network I/O
// against cryptocurrency daemons. Every other component settles value through
// the Adapter interface.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChainUnavailable  = errors.New("chain unavailable")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownCurrency   = errors.New("unsupported currency")
	ErrTxNotFound        = errors.New("transaction not found")
)

// Balance reports a wallet balance in minor units, split by confirmation.
type Balance struct {
	Confirmed   uint64
	Unconfirmed uint64
}

// TxState is the adapter-level view of an on-chain transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TxStatus carries the confirmation count and the derived state. A
// transaction is confirmed once it reaches the adapter's minimum
// confirmation count.
type TxStatus struct {
	TxID          string
	Confirmations uint64
	State         TxState
}

// HistoryEntry is one row of a wallet's transfer history.
type HistoryEntry struct {
	TxID          string
	Address       string
	Amount        uint64
	Category      string
	Confirmations uint64
	Time          time.Time
}

// Adapter is the uniform interface to a per-currency daemon. Amounts enter
// and leave in minor units; each implementation converts to the chain's wire
// encoding. All methods honor context cancellation and classify failures as
// External errors so the caller's state transition aborts cleanly.
type Adapter interface {
	// Currency this adapter settles.
	Currency() Currency

	// MinConfirmations required before a transaction counts as confirmed.
	MinConfirmations() uint64

	// Balance returns the confirmed and unconfirmed balance of the daemon's
	// wallet. Fails with ErrChainUnavailable on timeout or daemon error.
	Balance(ctx context.Context) (Balance, error)

	// NewAddress returns a receiving address. Idempotent only when [label]
	// is non-empty; an empty label produces a fresh address each call.
	NewAddress(ctx context.Context, label string) (string, error)

	// Send transfers [amount] minor units to [to] and returns the txid.
	// Fails with ErrInvalidAddress, ErrInsufficientFunds, or
	// ErrChainUnavailable.
	Send(ctx context.Context, to string, amount uint64) (string, error)

	// Status reports the confirmation state of [txid].
	Status(ctx context.Context, txid string) (TxStatus, error)

	// History lists recent wallet transactions, newest first.
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
}
