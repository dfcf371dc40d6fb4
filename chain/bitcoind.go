// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/units"
)

const btcMinConfirmations = 6

// bitcoind application error codes we classify for callers.
const (
	btcErrInvalidAddress    = -5
	btcErrInsufficientFunds = -6
	btcErrWalletUnavailable = -18
)

var _ Adapter = (*Bitcoind)(nil)

// BitcoindConfig describes one bitcoin-style daemon endpoint. FLOP, DOGE and
// the other UTXO chains all speak this JSON-RPC 1.0 dialect.
type BitcoindConfig struct {
	Currency         Currency
	URL              string
	User             string
	Password         string
	MinConfirmations uint64
	Timeout          time.Duration
	MaxRetries       int
}

// Bitcoind settles a currency against a bitcoin-style daemon over
// JSON-RPC 1.0 with HTTP basic auth.
type Bitcoind struct {
	currency Currency
	minConf  uint64
	decimals uint8
	client   *rpcClient
}

func NewBitcoind(config BitcoindConfig, log logging.Logger, metrics *Metrics) *Bitcoind {
	if config.MinConfirmations == 0 {
		config.MinConfirmations = btcMinConfirmations
	}
	if config.Timeout == 0 {
		config.Timeout = defaultRPCTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	return &Bitcoind{
		currency: config.Currency,
		minConf:  config.MinConfirmations,
		decimals: config.Currency.Decimals(),
		client: &rpcClient{
			version:    "1.0",
			url:        config.URL,
			user:       config.User,
			password:   config.Password,
			currency:   config.Currency,
			http:       &http.Client{Timeout: config.Timeout},
			maxRetries: config.MaxRetries,
			metrics:    metrics,
			log:        log,
		},
	}
}

func (b *Bitcoind) Currency() Currency {
	return b.currency
}

func (b *Bitcoind) MinConfirmations() uint64 {
	return b.minConf
}

func (b *Bitcoind) Balance(ctx context.Context) (Balance, error) {
	var confirmed float64
	if err := b.client.call(ctx, "getbalance", []interface{}{"*", int(b.minConf)}, &confirmed); err != nil {
		return Balance{}, b.classify(err)
	}
	var total float64
	if err := b.client.call(ctx, "getbalance", []interface{}{"*", 0}, &total); err != nil {
		return Balance{}, b.classify(err)
	}

	confirmedMinor, err := units.FromFloat(confirmed, b.decimals)
	if err != nil {
		return Balance{}, err
	}
	totalMinor, err := units.FromFloat(total, b.decimals)
	if err != nil {
		return Balance{}, err
	}
	unconfirmed := uint64(0)
	if totalMinor > confirmedMinor {
		unconfirmed = totalMinor - confirmedMinor
	}
	return Balance{Confirmed: confirmedMinor, Unconfirmed: unconfirmed}, nil
}

func (b *Bitcoind) NewAddress(ctx context.Context, label string) (string, error) {
	params := []interface{}{}
	if label != "" {
		params = append(params, label)
	}
	var address string
	if err := b.client.call(ctx, "getnewaddress", params, &address); err != nil {
		return "", b.classify(err)
	}
	return address, nil
}

func (b *Bitcoind) Send(ctx context.Context, to string, amount uint64) (string, error) {
	if to == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	var txid string
	err := b.client.call(ctx, "sendtoaddress", []interface{}{to, units.ToFloat(amount, b.decimals)}, &txid)
	if err != nil {
		return "", b.classify(err)
	}
	return txid, nil
}

func (b *Bitcoind) Status(ctx context.Context, txid string) (TxStatus, error) {
	var result struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := b.client.call(ctx, "gettransaction", []interface{}{txid}, &result); err != nil {
		return TxStatus{}, b.classify(err)
	}

	status := TxStatus{TxID: txid, State: TxPending}
	if result.Confirmations < 0 {
		// A conflicted transaction reports negative confirmations.
		status.State = TxFailed
		return status, nil
	}
	status.Confirmations = uint64(result.Confirmations)
	if status.Confirmations >= b.minConf {
		status.State = TxConfirmed
	}
	return status, nil
}

func (b *Bitcoind) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []struct {
		TxID          string  `json:"txid"`
		Address       string  `json:"address"`
		Amount        float64 `json:"amount"`
		Category      string  `json:"category"`
		Confirmations int64   `json:"confirmations"`
		Time          int64   `json:"time"`
	}
	if err := b.client.call(ctx, "listtransactions", []interface{}{"*", limit}, &rows); err != nil {
		return nil, b.classify(err)
	}

	entries := make([]HistoryEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // daemon returns oldest first
		row := rows[i]
		amount := row.Amount
		if amount < 0 {
			amount = -amount
		}
		minor, err := units.FromFloat(amount, b.decimals)
		if err != nil {
			return nil, err
		}
		confirmations := uint64(0)
		if row.Confirmations > 0 {
			confirmations = uint64(row.Confirmations)
		}
		entries = append(entries, HistoryEntry{
			TxID:          row.TxID,
			Address:       row.Address,
			Amount:        minor,
			Category:      row.Category,
			Confirmations: confirmations,
			Time:          time.Unix(row.Time, 0).UTC(),
		})
	}
	return entries, nil
}

// classify maps daemon error codes onto the adapter's sentinel errors.
func (b *Bitcoind) classify(err error) error {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case btcErrInvalidAddress:
		return fmt.Errorf("%w: %s", ErrInvalidAddress, rpcErr.Message)
	case btcErrInsufficientFunds:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, rpcErr.Message)
	case btcErrWalletUnavailable:
		return fmt.Errorf("%w: %s", ErrChainUnavailable, rpcErr.Message)
	default:
		return err
	}
}
