// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/duxnet/duxnetd/utils/logging"
)

type rpcHandler func(params []interface{}) (interface{}, *rpcError)

// newDaemon serves the JSON-RPC dialect both daemon styles share: one method
// table, basic auth when configured, errors as a 500 with a JSON-RPC body.
func newDaemon(t *testing.T, user, password string, handlers map[string]rpcHandler) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user != "" {
			gotUser, gotPassword, ok := r.BasicAuth()
			if !ok || gotUser != user || gotPassword != password {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler, ok := handlers[req.Method]
		require.True(t, ok, "unexpected method %s", req.Method)

		result, rpcErr := handler(req.Params)
		if rpcErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
			require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    req.ID,
				"error": rpcErr,
			}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     req.ID,
			"result": result,
		}))
	}))
}

func newBitcoind(url string) *Bitcoind {
	return NewBitcoind(BitcoindConfig{
		Currency: FLOP,
		URL:      url,
		User:     "rpcuser",
		Password: "rpcpass",
	}, logging.NoLog{}, nil)
}

func TestBitcoindBalance(t *testing.T) {
	require := require.New(t)
	daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
		"getbalance": func(params []interface{}) (interface{}, *rpcError) {
			require.Equal("*", params[0])
			if params[1] == float64(0) {
				return 2.0, nil
			}
			require.Equal(float64(btcMinConfirmations), params[1])
			return 1.5, nil
		},
	})
	defer daemon.Close()

	balance, err := newBitcoind(daemon.URL).Balance(context.Background())
	require.NoError(err)
	require.Equal(uint64(150_000_000), balance.Confirmed)
	require.Equal(uint64(50_000_000), balance.Unconfirmed)
}

func TestBitcoindBadCredentials(t *testing.T) {
	require := require.New(t)
	daemon := newDaemon(t, "rpcuser", "rpcpass", nil)
	defer daemon.Close()

	b := NewBitcoind(BitcoindConfig{
		Currency:   FLOP,
		URL:        daemon.URL,
		User:       "rpcuser",
		Password:   "wrong",
		MaxRetries: 1,
	}, logging.NoLog{}, nil)
	_, err := b.Balance(context.Background())
	require.ErrorIs(err, ErrChainUnavailable)
}

func TestBitcoindNewAddress(t *testing.T) {
	require := require.New(t)
	daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
		"getnewaddress": func(params []interface{}) (interface{}, *rpcError) {
			if len(params) > 0 {
				require.Equal("escrow-1", params[0])
			}
			return "FLOPnewaddr", nil
		},
	})
	defer daemon.Close()

	b := newBitcoind(daemon.URL)
	address, err := b.NewAddress(context.Background(), "escrow-1")
	require.NoError(err)
	require.Equal("FLOPnewaddr", address)

	address, err = b.NewAddress(context.Background(), "")
	require.NoError(err)
	require.Equal("FLOPnewaddr", address)
}

func TestBitcoindSend(t *testing.T) {
	require := require.New(t)
	daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
		"sendtoaddress": func(params []interface{}) (interface{}, *rpcError) {
			require.Equal("FLOPdest", params[0])
			require.InDelta(0.00000095, params[1], 1e-12)
			return "txid-send", nil
		},
	})
	defer daemon.Close()

	txid, err := newBitcoind(daemon.URL).Send(context.Background(), "FLOPdest", 95)
	require.NoError(err)
	require.Equal("txid-send", txid)
}

func TestBitcoindSendErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"invalid address", btcErrInvalidAddress, ErrInvalidAddress},
		{"insufficient funds", btcErrInsufficientFunds, ErrInsufficientFunds},
		{"wallet unavailable", btcErrWalletUnavailable, ErrChainUnavailable},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)
			daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
				"sendtoaddress": func([]interface{}) (interface{}, *rpcError) {
					return nil, &rpcError{Code: test.code, Message: test.name}
				},
			})
			defer daemon.Close()

			_, err := newBitcoind(daemon.URL).Send(context.Background(), "FLOPdest", 10)
			require.ErrorIs(err, test.want)
		})
	}

	t.Run("empty address", func(t *testing.T) {
		require := require.New(t)
		_, err := newBitcoind("http://localhost:0").Send(context.Background(), "", 10)
		require.ErrorIs(err, ErrInvalidAddress)
	})

	t.Run("unclassified code passes through", func(t *testing.T) {
		require := require.New(t)
		daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
			"sendtoaddress": func([]interface{}) (interface{}, *rpcError) {
				return nil, &rpcError{Code: -13, Message: "wallet locked"}
			},
		})
		defer daemon.Close()

		_, err := newBitcoind(daemon.URL).Send(context.Background(), "FLOPdest", 10)
		var rpcErr *rpcError
		require.ErrorAs(err, &rpcErr)
		require.Equal(-13, rpcErr.Code)
	})
}

func TestBitcoindStatus(t *testing.T) {
	require := require.New(t)
	confirmations := int64(0)
	daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
		"gettransaction": func(params []interface{}) (interface{}, *rpcError) {
			require.Equal("txid-1", params[0])
			return map[string]interface{}{"confirmations": confirmations}, nil
		},
	})
	defer daemon.Close()
	b := newBitcoind(daemon.URL)

	status, err := b.Status(context.Background(), "txid-1")
	require.NoError(err)
	require.Equal(TxPending, status.State)

	confirmations = 3
	status, err = b.Status(context.Background(), "txid-1")
	require.NoError(err)
	require.Equal(TxPending, status.State)
	require.Equal(uint64(3), status.Confirmations)

	confirmations = btcMinConfirmations
	status, err = b.Status(context.Background(), "txid-1")
	require.NoError(err)
	require.Equal(TxConfirmed, status.State)

	// A conflicted transaction reports negative confirmations.
	confirmations = -1
	status, err = b.Status(context.Background(), "txid-1")
	require.NoError(err)
	require.Equal(TxFailed, status.State)
}

func TestBitcoindHistory(t *testing.T) {
	require := require.New(t)
	daemon := newDaemon(t, "rpcuser", "rpcpass", map[string]rpcHandler{
		"listtransactions": func(params []interface{}) (interface{}, *rpcError) {
			require.Equal(float64(2), params[1])
			// Oldest first, as bitcoind returns them.
			return []map[string]interface{}{
				{"txid": "tx-old", "address": "a1", "amount": 1.0, "category": "receive", "confirmations": 10, "time": 1000},
				{"txid": "tx-new", "address": "a2", "amount": -0.5, "category": "send", "confirmations": 2, "time": 2000},
			}, nil
		},
	})
	defer daemon.Close()

	entries, err := newBitcoind(daemon.URL).History(context.Background(), 2)
	require.NoError(err)
	require.Len(entries, 2)

	// Newest first, spends reported as positive amounts.
	require.Equal("tx-new", entries[0].TxID)
	require.Equal(uint64(50_000_000), entries[0].Amount)
	require.Equal("send", entries[0].Category)
	require.Equal("tx-old", entries[1].TxID)
	require.Equal(uint64(100_000_000), entries[1].Amount)
}

func TestRPCConcurrentSends(t *testing.T) {
	require := require.New(t)

	var (
		mu      sync.Mutex
		seenIDs = map[uint64]struct{}{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		seenIDs[req.ID] = struct{}{}
		mu.Unlock()
		require.NoError(json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     req.ID,
			"result": "txid-concurrent",
		}))
	}))
	defer server.Close()

	// One adapter shared across goroutines, the way the community fund
	// fans out airdrop transfers.
	b := newBitcoind(server.URL)
	eg, ctx := errgroup.WithContext(context.Background())
	const sends = 16
	for i := 0; i < sends; i++ {
		eg.Go(func() error {
			txid, err := b.Send(ctx, "FLOPdest", 10)
			if err != nil {
				return err
			}
			if txid != "txid-concurrent" {
				return fmt.Errorf("unexpected txid %q", txid)
			}
			return nil
		})
	}
	require.NoError(eg.Wait())
	require.Len(seenIDs, sends)
}

func TestRPCRetriesTransientOutage(t *testing.T) {
	require := require.New(t)
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			// An empty 5xx is a daemon outage and retries.
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.NoError(json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     1,
			"result": "FLOPaddr",
		}))
	}))
	defer server.Close()

	b := NewBitcoind(BitcoindConfig{
		Currency:   FLOP,
		URL:        server.URL,
		MaxRetries: 2,
	}, logging.NoLog{}, nil)
	address, err := b.NewAddress(context.Background(), "")
	require.NoError(err)
	require.Equal("FLOPaddr", address)
	require.Equal(2, hits)
}

func TestRPCExhaustsRetries(t *testing.T) {
	require := require.New(t)
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b := NewBitcoind(BitcoindConfig{
		Currency:   FLOP,
		URL:        server.URL,
		MaxRetries: 2,
	}, logging.NoLog{}, nil)
	_, err := b.NewAddress(context.Background(), "")
	require.ErrorIs(err, ErrChainUnavailable)
	require.Equal(3, hits) // the first attempt plus two retries
}
