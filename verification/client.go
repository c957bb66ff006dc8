// Package verification asks the customer and merchant bank oracles whether a
// disputed payment moved money on their side.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"disputeflow/retry"
	"disputeflow/telemetry"
)

// Config holds oracle endpoints and call limits.
type Config struct {
	CustomerURL string
	MerchantURL string
	APIKey      string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Retry   retry.Config
	// MaxInFlight bounds concurrent oracle calls across the process.
	MaxInFlight int64
	RateLimit   rate.Limit
	RateBurst   int
}

// DefaultConfig points both parties at the unified mock endpoint.
func DefaultConfig() Config {
	return Config{
		CustomerURL: "http://localhost:9000/mock-bank/verify",
		MerchantURL: "http://localhost:9000/mock-bank/verify",
		Timeout:     5 * time.Second,
		Retry:       retry.DefaultConfig(),
		MaxInFlight: 16,
		RateLimit:   rate.Limit(50),
		RateBurst:   10,
	}
}

// Client calls the bank oracles over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	inFlight   *semaphore.Weighted
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, metrics *telemetry.Metrics) *Client {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaults.RateBurst
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		inFlight:   semaphore.NewWeighted(cfg.MaxInFlight),
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     logger.With("component", "verification-client"),
		metrics:    metrics,
		now:        time.Now,
	}
}

type oracleRequest struct {
	Type                   Party  `json:"type"`
	TransactionID          string `json:"transactionId"`
	Amount                 int64  `json:"amount"`
	AccountOrUPIIdentifier string `json:"accountOrUpiIdentifier"`
}

type oracleResponse struct {
	Verified  *bool        `json:"verified"`
	Debited   *bool        `json:"debited"`
	Credited  *bool        `json:"credited"`
	Amount    *json.Number `json:"amount"`
	Status    string       `json:"status"`
	ErrorCode string       `json:"errorCode"`
}

// callError classifies a failed attempt.
type callError struct {
	code      string
	retryable bool
	err       error
}

func (e *callError) Error() string { return e.code + ": " + e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// Verify asks one oracle about one transaction. It never returns an error;
// failures are reported through Result.ErrorCode.
func (c *Client) Verify(ctx context.Context, req Request) Result {
	started := c.now()
	attempts := 0

	isRetryable := func(err error) bool {
		var ce *callError
		return errors.As(err, &ce) && ce.retryable
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Warn("oracle call failed, retrying",
			"party", req.Party,
			"transaction_id", req.TransactionID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
	}

	result, err := retry.Do(ctx, c.cfg.Retry, isRetryable, onRetry, func(ctx context.Context) (Result, error) {
		attempts++
		return c.attempt(ctx, req)
	})
	if err != nil {
		result = Result{Party: req.Party, ErrorCode: errorCode(ctx, err)}
		c.logger.Warn("oracle verification inconclusive",
			"party", req.Party,
			"transaction_id", req.TransactionID,
			"code", result.ErrorCode,
			"error", err,
		)
	}
	result.Attempts = attempts
	result.ObservedAt = c.now().UTC()

	code := result.ErrorCode
	if code == "" {
		code = "OK"
	}
	c.metrics.RecordVerification(ctx, string(req.Party), code, c.now().Sub(started))
	return result
}

func errorCode(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return CodeTimeout
		}
		return CodeCancelled
	}
	var ce *callError
	if errors.As(err, &ce) && !ce.retryable {
		return ce.code
	}
	// Exhausted transient failures surface as a timeout.
	return CodeTimeout
}

func (c *Client) attempt(ctx context.Context, req Request) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, &callError{code: CodeTimeout, retryable: false, err: fmt.Errorf("rate limiter: %w", err)}
	}
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return Result{}, &callError{code: CodeTimeout, retryable: false, err: fmt.Errorf("acquire slot: %w", err)}
	}
	defer c.inFlight.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(oracleRequest{
		Type:                   req.Party,
		TransactionID:          req.TransactionID,
		Amount:                 req.Amount,
		AccountOrUPIIdentifier: req.Counterparty,
	})
	if err != nil {
		return Result{}, &callError{code: CodeRejected, err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint(req.Party), bytes.NewReader(body))
	if err != nil {
		return Result{}, &callError{code: CodeRejected, err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &callError{code: CodeTimeout, retryable: transportRetryable(ctx, err), err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &callError{code: CodeTimeout, retryable: true, err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, &callError{code: CodeTimeout, retryable: true, err: fmt.Errorf("oracle HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Result{}, &callError{code: CodeRejected, err: fmt.Errorf("oracle HTTP %d: %s", resp.StatusCode, truncate(raw))}
	}

	return parseResponse(req, raw)
}

func (c *Client) endpoint(party Party) string {
	if party == PartyMerchant {
		return c.cfg.MerchantURL
	}
	return c.cfg.CustomerURL
}

func transportRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Per-attempt deadline expired while the parent context is still live.
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func parseResponse(req Request, raw []byte) (Result, error) {
	var resp oracleResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return Result{}, &callError{code: CodeMalformedResponse, err: fmt.Errorf("decode response: %w", err)}
	}

	moved := resp.Debited
	if req.Party == PartyMerchant {
		moved = resp.Credited
	}
	if resp.Verified == nil || moved == nil {
		return Result{}, &callError{code: CodeIncompleteResponse, err: fmt.Errorf("response missing verified/%s flag", movedField(req.Party))}
	}

	out := Result{
		Party:      req.Party,
		Verified:   *resp.Verified,
		Confirmed:  *moved,
		BankStatus: resp.Status,
		BankCode:   resp.ErrorCode,
	}
	if !out.Verified {
		out.ErrorCode = CodeUnverified
		return out, nil
	}
	if out.Confirmed && resp.Amount != nil {
		amount, err := parseAmount(*resp.Amount)
		if err != nil {
			return Result{}, &callError{code: CodeMalformedResponse, err: err}
		}
		out.AmountConfirmed = &amount
	}
	return out, nil
}

func parseAmount(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid amount %q", n.String())
	}
	return int64(math.Round(f)), nil
}

func movedField(p Party) string {
	if p == PartyMerchant {
		return "credited"
	}
	return "debited"
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
