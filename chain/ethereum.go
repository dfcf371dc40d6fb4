// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/duxnet/duxnetd/utils/logging"
)

const ethMinConfirmations = 12

var (
	_ Adapter = (*Ethereum)(nil)

	ethAddressRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// TxSigner produces a raw signed transaction for broadcast. Wallet logic
// lives outside the core; the adapter only carries the signed blob to the
// daemon.
type TxSigner func(nonce uint64, gasPrice *big.Int, to string, amount *big.Int) ([]byte, error)

// EthereumConfig describes one ethereum-style daemon endpoint.
type EthereumConfig struct {
	Currency         Currency
	URL              string
	Account          string // 0x address whose balance and nonce are queried
	Signer           TxSigner
	MinConfirmations uint64
	Timeout          time.Duration
	MaxRetries       int
}

// Ethereum settles a currency against an ethereum-style daemon over
// JSON-RPC 2.0. Amounts are wei on the wire, hex encoded.
type Ethereum struct {
	currency Currency
	account  string
	signer   TxSigner
	minConf  uint64
	client   *rpcClient
}

func NewEthereum(config EthereumConfig, log logging.Logger, metrics *Metrics) *Ethereum {
	if config.MinConfirmations == 0 {
		config.MinConfirmations = ethMinConfirmations
	}
	if config.Timeout == 0 {
		config.Timeout = defaultRPCTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	return &Ethereum{
		currency: config.Currency,
		account:  config.Account,
		signer:   config.Signer,
		minConf:  config.MinConfirmations,
		client: &rpcClient{
			version:    "2.0",
			url:        config.URL,
			currency:   config.Currency,
			http:       &http.Client{Timeout: config.Timeout},
			maxRetries: config.MaxRetries,
			metrics:    metrics,
			log:        log,
		},
	}
}

func (e *Ethereum) Currency() Currency {
	return e.currency
}

func (e *Ethereum) MinConfirmations() uint64 {
	return e.minConf
}

func (e *Ethereum) Balance(ctx context.Context) (Balance, error) {
	confirmed, err := e.balanceAt(ctx, "latest")
	if err != nil {
		return Balance{}, err
	}
	pending, err := e.balanceAt(ctx, "pending")
	if err != nil {
		return Balance{}, err
	}
	unconfirmed := uint64(0)
	if pending > confirmed {
		unconfirmed = pending - confirmed
	}
	return Balance{Confirmed: confirmed, Unconfirmed: unconfirmed}, nil
}

func (e *Ethereum) balanceAt(ctx context.Context, block string) (uint64, error) {
	var result string
	if err := e.client.call(ctx, "eth_getBalance", []interface{}{e.account, block}, &result); err != nil {
		return 0, err
	}
	wei, err := parseHexBig(result)
	if err != nil {
		return 0, err
	}
	if !wei.IsUint64() {
		return 0, fmt.Errorf("balance %s overflows minor units", wei)
	}
	return wei.Uint64(), nil
}

// NewAddress on an ethereum-style chain always returns the configured
// account; account derivation is wallet logic and out of scope.
func (e *Ethereum) NewAddress(_ context.Context, _ string) (string, error) {
	if e.account == "" {
		return "", fmt.Errorf("%w: no account configured", ErrChainUnavailable)
	}
	return e.account, nil
}

func (e *Ethereum) Send(ctx context.Context, to string, amount uint64) (string, error) {
	if !ethAddressRegexp.MatchString(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	if e.signer == nil {
		return "", fmt.Errorf("%w: no transaction signer configured", ErrChainUnavailable)
	}

	balance, err := e.balanceAt(ctx, "latest")
	if err != nil {
		return "", err
	}
	if balance < amount {
		return "", fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, balance, amount)
	}

	var nonceHex string
	if err := e.client.call(ctx, "eth_getTransactionCount", []interface{}{e.account, "pending"}, &nonceHex); err != nil {
		return "", err
	}
	nonce, err := parseHexBig(nonceHex)
	if err != nil {
		return "", err
	}

	var gasPriceHex string
	if err := e.client.call(ctx, "eth_gasPrice", nil, &gasPriceHex); err != nil {
		return "", err
	}
	gasPrice, err := parseHexBig(gasPriceHex)
	if err != nil {
		return "", err
	}

	raw, err := e.signer(nonce.Uint64(), gasPrice, to, new(big.Int).SetUint64(amount))
	if err != nil {
		return "", fmt.Errorf("%w: signer: %s", ErrChainUnavailable, err)
	}

	var txid string
	if err := e.client.call(ctx, "eth_sendRawTransaction", []interface{}{"0x" + hex.EncodeToString(raw)}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

func (e *Ethereum) Status(ctx context.Context, txid string) (TxStatus, error) {
	var receipt *struct {
		BlockNumber string `json:"blockNumber"`
		Status      string `json:"status"`
	}
	if err := e.client.call(ctx, "eth_getTransactionReceipt", []interface{}{txid}, &receipt); err != nil {
		return TxStatus{}, err
	}
	if receipt == nil || receipt.BlockNumber == "" {
		return TxStatus{TxID: txid, State: TxPending}, nil
	}
	if receipt.Status == "0x0" {
		return TxStatus{TxID: txid, State: TxFailed}, nil
	}

	var headHex string
	if err := e.client.call(ctx, "eth_blockNumber", nil, &headHex); err != nil {
		return TxStatus{}, err
	}
	head, err := parseHexBig(headHex)
	if err != nil {
		return TxStatus{}, err
	}
	mined, err := parseHexBig(receipt.BlockNumber)
	if err != nil {
		return TxStatus{}, err
	}

	confirmations := new(big.Int).Sub(head, mined)
	confirmations.Add(confirmations, big.NewInt(1))
	status := TxStatus{TxID: txid, State: TxPending}
	if confirmations.Sign() > 0 {
		status.Confirmations = confirmations.Uint64()
	}
	if status.Confirmations >= e.minConf {
		status.State = TxConfirmed
	}
	return status, nil
}

// History is not served by bare ethereum-style daemons; an indexer is
// required. The adapter reports an empty history rather than failing.
func (e *Ethereum) History(_ context.Context, _ int) ([]HistoryEntry, error) {
	return nil, nil
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex quantity %q", s)
	}
	return v, nil
}
