// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/utils/logging"
)

const (
	defaultRPCTimeout = 30 * time.Second
	defaultMaxRetries = 3
	retryBaseDelay    = 250 * time.Millisecond
)

// rpcError is the error object daemons return inside an otherwise successful
// HTTP response. These are application failures and are never retried.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcClient posts JSON-RPC requests with basic auth, bounded exponential
// backoff on transport failures, and per-call latency metrics. Daemon-level
// errors pass through untouched so callers can classify them.
type rpcClient struct {
	version  string // "1.0" for bitcoin-style daemons, "2.0" for ethereum-style
	url      string
	user     string
	password string

	currency   Currency
	http       *http.Client
	maxRetries int
	metrics    *Metrics
	log        logging.Logger

	nextID uint64
}

func (c *rpcClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	// One client serves every caller of its adapter; the fund's airdrop
	// fan-out sends from many goroutines at once.
	id := atomic.AddUint64(&c.nextID, 1)
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: c.version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	raw, err := c.post(ctx, method, body)
	c.metrics.observe(c.currency, method, err, time.Since(start))
	if err != nil {
		return err
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: malformed response: %s", ErrChainUnavailable, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (c *rpcClient) post(ctx context.Context, method string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.retries.Inc()
			}
			delay := retryBaseDelay << (attempt - 1)
			c.log.Debug("retrying daemon rpc",
				zap.String("currency", string(c.currency)),
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s", ErrChainUnavailable, ctx.Err())
			}
		}

		raw, retryable, err := c.postOnce(ctx, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrChainUnavailable, lastErr)
}

func (c *rpcClient) postOnce(ctx context.Context, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures are retryable unless the caller gave up.
		return nil, ctx.Err() == nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	// bitcoind reports application errors with a 500 status and a JSON-RPC
	// error body. Only an empty 5xx is a daemon outage worth retrying.
	if resp.StatusCode >= http.StatusInternalServerError && len(raw) == 0 {
		return nil, true, fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && len(raw) == 0 {
		return nil, false, fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return raw, false, nil
}
