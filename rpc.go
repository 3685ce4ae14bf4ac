package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"
)

// allowedRPCMethods whitelists the daemon calls this pool ever issues. Any
// other method is rejected at the client boundary before a request is sent.
var allowedRPCMethods = map[string]bool{
	"getblocktemplate":  true,
	"submitblock":       true,
	"getblock":          true,
	"getblockchaininfo": true,
	"getnetworkinfo":    true,
	"getmininginfo":     true,
	"getdifficulty":     true,
	"getinfo":           true,
	"validateaddress":   true,
	"getpeerinfo":       true,
}

type rpcRequest struct {
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	JSONRPC string        `json:"jsonrpc,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcClient talks JSON-RPC HTTP to a single coin daemon with HTTP Basic
// auth, a whitelist of accepted methods, batch support, and bounded retries
// with exponential backoff on transport-level failures.
type rpcClient struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
	metrics    *PoolMetrics
	idCounter  uint64
}

func newRPCClient(url, user, pass string, timeout time.Duration, metrics *PoolMetrics) *rpcClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &rpcClient{
		url:  url,
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: metrics,
	}
}

func (c *rpcClient) nextID() string {
	return strconv.FormatUint(atomic.AddUint64(&c.idCounter, 1), 10)
}

// Call issues a single RPC method and unmarshals the result into out (if
// non-nil). It retries transport-level failures (timeout, connection
// refused) up to 3 times with exponential backoff and jitter.
func (c *rpcClient) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	results, err := c.Batch(ctx, []rpcCallSpec{{Method: method, Params: params}})
	if err != nil {
		return err
	}
	res := results[0]
	if res.Error != nil {
		return res.Error
	}
	if out != nil && len(res.Result) > 0 {
		if err := fastJSONUnmarshal(coerceNaN(res.Result), out); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

type rpcCallSpec struct {
	Method string
	Params []interface{}
}

// Batch issues multiple RPC calls as a single HTTP request with unique IDs,
// returning one rpcResponse per input spec in the same order.
func (c *rpcClient) Batch(ctx context.Context, specs []rpcCallSpec) ([]rpcResponse, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	reqs := make([]rpcRequest, len(specs))
	idToIndex := make(map[string]int, len(specs))
	for i, spec := range specs {
		if !allowedRPCMethods[spec.Method] {
			return nil, fmt.Errorf("rpc method %q is not whitelisted", spec.Method)
		}
		id := c.nextID()
		reqs[i] = rpcRequest{ID: id, Method: spec.Method, Params: spec.Params, JSONRPC: "1.0"}
		idToIndex[id] = i
	}

	var payload []byte
	var err error
	if len(reqs) == 1 {
		payload, err = fastJSONMarshal(reqs[0])
	} else {
		payload, err = fastJSONMarshal(reqs)
	}
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}

	body, err := c.doWithRetry(ctx, payload)
	if err != nil {
		c.metrics.RecordRPCError()
		return nil, err
	}

	if len(reqs) == 1 {
		var single rpcResponse
		if err := fastJSONUnmarshal(coerceNaN(body), &single); err != nil {
			c.metrics.RecordRPCError()
			return nil, fmt.Errorf("decode rpc response: %w", err)
		}
		return []rpcResponse{single}, nil
	}

	var batch []rpcResponse
	if err := fastJSONUnmarshal(coerceNaN(body), &batch); err != nil {
		c.metrics.RecordRPCError()
		return nil, fmt.Errorf("decode rpc batch response: %w", err)
	}
	ordered := make([]rpcResponse, len(specs))
	for _, res := range batch {
		if idx, ok := idToIndex[res.ID]; ok {
			ordered[idx] = res
		}
	}
	return ordered, nil
}

var nanFieldPattern = regexp.MustCompile(`:\s*-?nan\b`)

// coerceNaN rewrites the JSON-incompatible `:-nan` some daemons emit (e.g.
// for difficulty fields on regtest) to `:0` so the decoder doesn't choke.
func coerceNaN(b []byte) []byte {
	if !bytes.Contains(b, []byte("nan")) {
		return b
	}
	return nanFieldPattern.ReplaceAll(b, []byte(": 0"))
}

const (
	rpcMaxRetries  = 3
	rpcBaseBackoff = 250 * time.Millisecond
)

func (c *rpcClient) doWithRetry(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= rpcMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := rpcBaseBackoff * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		start := time.Now()
		body, status, err := c.doOnce(ctx, payload)
		if err == nil {
			c.metrics.ObserveRPCLatency("submitblock", false, time.Since(start))
			return body, nil
		}
		lastErr = err
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("rpc auth rejected (401): %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("rpc request failed after %d attempts: %w", rpcMaxRetries+1, lastErr)
}

func (c *rpcClient) doOnce(ctx context.Context, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.pass != "" {
		req.Header.Set("Authorization", "Basic "+basicAuth(c.user, c.pass))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, fmt.Errorf("unauthorized")
	}
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
