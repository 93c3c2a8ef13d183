package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-dex/liquidityd/pkg/utils"
)

const (
	withdrawalPath = "/v1/query/lp-withdrawal"
	settlePath     = "/v1/tx/settle-lp-withdrawal"
	poolPath       = "/v1/query/pool"
)

// HTTPClient talks JSON-over-HTTP to the ledger program's query/tx gateway.
// It carries a token-bucket so the daemon never floods the gateway, and a
// per-endpoint circuit-breaker so a dead replica is skipped while it cools off.
type HTTPClient struct {
	endpoints []string
	client    *http.Client

	// per-call deadline applied on top of the transport timeout; a hung
	// gateway must not stall the whole batch
	callTimeout time.Duration

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	CallTimeout     time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		callTimeout:      o.CallTimeout,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

var _ Client = (*HTTPClient)(nil)

// refill refills the token-bucket with new tokens if necessary.
func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire acquires a token from the token-bucket, blocking if necessary.
func (c *HTTPClient) acquire() {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return
		}
		time.Sleep(c.refillEvery / 2)
	}
}

// isOpen returns true if the endpoint's breaker is in the OPEN state.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the circuit-breaker if
// the failure count exceeds the threshold.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

// doJSON sends a JSON request to a configured endpoint and decodes the JSON
// response into out. It fails over across endpoints on transport and
// server-side errors. A 404 is authoritative and returned as ErrNotFound
// without failover; every other failure mode surfaces as a TransientError.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return Transient("config", fmt.Errorf("no endpoints configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[i%len(c.endpoints)]
		// Skip endpoints whose breaker is OPEN.
		if c.isOpen(ep) {
			continue
		}

		c.acquire()

		var body *bytes.Reader
		if payload != nil {
			b, mErr := json.Marshal(payload)
			if mErr != nil {
				// Fatal for this attempt; don't mark the endpoint as failed.
				return mErr
			}
			body = bytes.NewReader(b)
		} else {
			body = bytes.NewReader(nil)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, ep+path, body)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			_ = utils.DrainAndClose(resp.Body)
			return ErrNotFound
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server %d", resp.StatusCode)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		case resp.StatusCode >= 300:
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				lastErr = err
				continue
			}
		}

		if cerr := utils.DrainAndClose(resp.Body); cerr != nil {
			return Transient("close", cerr)
		}
		return nil
	}

	return Transient("exhausted endpoints", lastErr)
}

// WithdrawalRequest fetches a pending withdrawal request by id.
func (c *HTTPClient) WithdrawalRequest(ctx context.Context, requestID uint64) (*OnchainWithdrawal, error) {
	args := map[string]any{"request_id": requestID}

	var w OnchainWithdrawal
	if err := c.doJSON(ctx, http.MethodPost, withdrawalPath, args, &w); err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch withdrawal %d: %w", requestID, err)
	}
	return &w, nil
}

// submitResponse is the gateway's acceptance envelope for tx submissions.
type submitResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// SubmitSettlement submits a settlement instruction for execution.
func (c *HTTPClient) SubmitSettlement(ctx context.Context, instruction SettlementInstruction) error {
	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, settlePath, instruction, &resp); err != nil {
		return fmt.Errorf("submit settlement for %s: %w", instruction.Provider, err)
	}
	if !resp.Accepted {
		// The gateway answered but declined (e.g. insufficient liquidity
		// right now); the request stays queued for the next tick.
		return Transient("rejected", fmt.Errorf("%s", resp.Reason))
	}
	return nil
}

// Pool fetches the aggregate liquidity pool state at the current head.
func (c *HTTPClient) Pool(ctx context.Context) (*PoolState, error) {
	var pool PoolState
	if err := c.doJSON(ctx, http.MethodPost, poolPath, nil, &pool); err != nil {
		return nil, fmt.Errorf("fetch pool: %w", err)
	}
	return &pool, nil
}
