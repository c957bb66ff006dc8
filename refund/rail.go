package refund

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rail moves money. Implementations must replay the original reference when
// called again with the same DisputeID.
type Rail interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// RailError classifies a failed transfer call.
type RailError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *RailError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("refund rail HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("refund rail: %v", e.Err)
}

func (e *RailError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient rail failure.
func IsRetryable(err error) bool {
	var re *RailError
	return errors.As(err, &re) && re.Retryable
}

type HTTPRailConfig struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	RateLimit rate.Limit
	RateBurst int
}

// HTTPRail posts transfer instructions to a refund rail endpoint.
type HTTPRail struct {
	cfg        HTTPRailConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewHTTPRail(cfg HTTPRailConfig, httpClient *http.Client) *HTTPRail {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Limit(20)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPRail{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

type transferResponse struct {
	ReferenceNumber string `json:"referenceNumber"`
}

func (r *HTTPRail) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", &RailError{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return "", &RailError{Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", &RailError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.DisputeID)
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", r.cfg.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", &RailError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &RailError{Retryable: true, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &RailError{StatusCode: resp.StatusCode, Retryable: true, Err: errors.New(string(raw))}
	case resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict:
		return "", &RailError{StatusCode: resp.StatusCode, Err: errors.New(string(raw))}
	}

	// 409 carries the original reference on idempotent replay.
	var out transferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &RailError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ReferenceNumber == "" {
		return "", &RailError{StatusCode: resp.StatusCode, Err: errors.New("response missing referenceNumber")}
	}
	return out.ReferenceNumber, nil
}

// SimulatedRail issues NEFT references in-process. It replays references per
// dispute the way a real rail honours an idempotency key.
type SimulatedRail struct {
	mu        sync.Mutex
	issued    map[string]string
	transfers int
}

func NewSimulatedRail() *SimulatedRail {
	return &SimulatedRail{issued: make(map[string]string)}
}

func (r *SimulatedRail) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &RailError{Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.issued[req.DisputeID]; ok {
		return ref, nil
	}
	ref := NewReference()
	r.issued[req.DisputeID] = ref
	r.transfers++
	return ref, nil
}

// Transfers returns how many distinct transfers were issued.
func (r *SimulatedRail) Transfers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers
}
