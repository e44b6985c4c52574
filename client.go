package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// APIKeyHeader carries the shared secret between proxy and authority.
const APIKeyHeader = "X-API-Key"

// ClientConfig configures an ApprovalClient.
type ClientConfig struct {
	// BaseURL of the approval authority, e.g. "http://localhost:5000".
	BaseURL string

	// APIKey is sent in the X-API-Key header when non-empty.
	APIKey string

	// Retries is the number of attempts for Submit (default 3).
	Retries int

	// RetryInitial and RetryMax bound the exponential backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// BreakerFailures consecutive failures open the breaker (default 5).
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open (default 60s).
	BreakerCooldown time.Duration

	// WaitWindow is the longest single blocking wait request (default 30s).
	WaitWindow time.Duration

	// PollInterval is used when the blocking wait endpoint fails (default 1s).
	PollInterval time.Duration

	// HealthTimeout bounds the liveness probe (default 2s).
	HealthTimeout time.Duration

	// RequestTimeout bounds non-blocking calls (default 10s).
	RequestTimeout time.Duration
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:         "http://localhost:5000",
		Retries:         3,
		RetryInitial:    time.Second,
		RetryMax:        10 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
		WaitWindow:      30 * time.Second,
		PollInterval:    time.Second,
		HealthTimeout:   2 * time.Second,
		RequestTimeout:  10 * time.Second,
	}
}

// StatusError is returned for unexpected authority status codes.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: authority returned %d: %s", e.Op, e.Code, e.Body)
}

// errAbandoned marks calls cut short by the caller's own context. They
// say nothing about the authority and never count against the breaker.
var errAbandoned = errors.New("abandoned by caller")

// minWaitWindow is the shortest blocking wait worth sending.
const minWaitWindow = 10 * time.Millisecond

// transient reports whether err is worth retrying and counts against the breaker.
func transient(err error) bool {
	if err == nil || errors.Is(err, errAbandoned) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrUnknownFlow) && !errors.Is(err, ErrUnauthorized) &&
		!errors.Is(err, ErrWaitTimeout) && !errors.Is(err, ErrInvalidDecision)
}

// AwaitResult is the outcome of AwaitDecision. Decision is always
// Approve or Deny; TimedOut distinguishes an expiry from a verdict.
type AwaitResult struct {
	Decision Decision
	TimedOut bool
	Err      error
}

type apiResponse struct {
	code int
	body []byte
}

// ApprovalClient talks to the approval authority. Every call runs
// through one circuit breaker; Submit is additionally retried with
// exponential backoff.
type ApprovalClient struct {
	cfg ClientConfig

	// HTTPClient performs requests. It should not set a global Timeout
	// since wait requests are long lived.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *Metrics

	breaker *gobreaker.CircuitBreaker[apiResponse]
}

// NewApprovalClient creates a client. Zero config fields take defaults.
func NewApprovalClient(cfg ClientConfig) *ApprovalClient {
	def := DefaultClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = def.WaitWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	c := &ApprovalClient{
		cfg:        cfg,
		HTTPClient: &http.Client{},
		Logger:     slog.Default(),
	}
	c.breaker = gobreaker.NewCircuitBreaker[apiResponse](gobreaker.Settings{
		Name:        "approval-authority",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.Logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if c.Metrics != nil {
				c.Metrics.SetBreakerState(int(to))
			}
		},
	})
	return c
}

// Config returns the effective configuration.
func (c *ApprovalClient) Config() ClientConfig { return c.cfg }

// BreakerState returns "closed", "half-open" or "open".
func (c *ApprovalClient) BreakerState() string { return c.breaker.State().String() }

// call performs one HTTP request through the breaker, bounded by timeout.
// Non-2xx statuses become *StatusError, except those mapped to sentinels.
// A request that fails because ctx itself ended is reported as
// errAbandoned; only the timeout set here counts as the authority's fault.
func (c *ApprovalClient) call(ctx context.Context, timeout time.Duration, op, method, path string, body any) (apiResponse, error) {
	resp, err := c.breaker.Execute(func() (apiResponse, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var rdr io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return apiResponse{}, fmt.Errorf("%s: encode body: %w", op, err)
			}
			rdr = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.cfg.BaseURL+path, rdr)
		if err != nil {
			return apiResponse{}, fmt.Errorf("%s: build request: %w", op, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set(APIKeyHeader, c.cfg.APIKey)
		}

		hr, err := c.HTTPClient.Do(req)
		if err != nil {
			if aerr := abandoned(ctx, op); aerr != nil {
				return apiResponse{}, aerr
			}
			return apiResponse{}, fmt.Errorf("%s: %w", op, err)
		}
		defer func() { _ = hr.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(hr.Body, 1<<20))
		if err != nil {
			if aerr := abandoned(ctx, op); aerr != nil {
				return apiResponse{}, aerr
			}
			return apiResponse{}, fmt.Errorf("%s: read response: %w", op, err)
		}

		out := apiResponse{code: hr.StatusCode, body: data}
		switch {
		case hr.StatusCode >= 200 && hr.StatusCode < 300:
			return out, nil
		case hr.StatusCode == http.StatusNotFound:
			return out, fmt.Errorf("%s: %w", op, ErrUnknownFlow)
		case hr.StatusCode == http.StatusUnauthorized || hr.StatusCode == http.StatusForbidden:
			return out, fmt.Errorf("%s: %w", op, ErrUnauthorized)
		case hr.StatusCode == http.StatusRequestTimeout:
			return out, fmt.Errorf("%s: %w", op, ErrWaitTimeout)
		default:
			return out, &StatusError{Op: op, Code: hr.StatusCode, Body: strings.TrimSpace(string(data))}
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%s: %w", op, ErrBreakerOpen)
	}
	if err != nil && transient(err) && c.Metrics != nil {
		c.Metrics.RecordAuthorityError(op)
	}
	return resp, err
}

// abandoned returns an errAbandoned error when ctx is done or past its
// deadline, nil otherwise. The deadline check covers a request timeout
// that fires at the same instant as the caller's.
func abandoned(ctx context.Context, op string) error {
	cause := ctx.Err()
	if cause == nil {
		dl, ok := ctx.Deadline()
		if !ok || time.Now().Before(dl) {
			return nil
		}
		cause = context.DeadlineExceeded
	}
	return fmt.Errorf("%s: %w: %w", op, errAbandoned, cause)
}

// Submit posts d to the intake endpoint. Transient failures are retried
// with exponential backoff; an open breaker fails immediately.
func (c *ApprovalClient) Submit(ctx context.Context, d *Descriptor) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInitial
	eb.MaxInterval = c.cfg.RetryMax
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(c.cfg.Retries-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		attempt++
		_, err := c.call(ctx, c.cfg.RequestTimeout, "submit", http.MethodPost, "/intercepted", d)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBreakerOpen) || !transient(err) {
			return backoff.Permanent(err)
		}
		c.Logger.Debug("submit failed, retrying", "id", d.ID, "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("submit %s after %d attempt(s): %w", d.ID, attempt, err)
	}
	return nil
}

type decisionBody struct {
	Decision *Decision `json:"decision"`
	Error    string    `json:"error,omitempty"`
}

// Poll checks for a decision without blocking. ok is false while pending.
func (c *ApprovalClient) Poll(ctx context.Context, id string) (d Decision, ok bool, err error) {
	resp, err := c.call(ctx, c.cfg.RequestTimeout, "poll", http.MethodGet, "/decision/"+url.PathEscape(id), nil)
	if err != nil {
		return "", false, err
	}
	return parseDecisionBody(resp.body)
}

func parseDecisionBody(data []byte) (Decision, bool, error) {
	var body decisionBody
	if err := json.Unmarshal(data, &body); err != nil {
		return "", false, fmt.Errorf("decode decision: %w", err)
	}
	if body.Decision == nil {
		return "", false, nil
	}
	if !body.Decision.Valid() {
		return "", false, fmt.Errorf("decode decision: %w", ErrInvalidDecision)
	}
	return *body.Decision, true, nil
}

// wait issues one blocking wait request bounded by window. The authority
// gets HealthTimeout beyond the window to deliver its 408.
func (c *ApprovalClient) wait(ctx context.Context, id string, window time.Duration) (Decision, bool, error) {
	path := "/wait_decision/" + url.PathEscape(id) + "?timeout=" + url.QueryEscape(window.Round(time.Millisecond).String())
	resp, err := c.call(ctx, window+c.cfg.HealthTimeout, "wait", http.MethodGet, path, nil)
	if err != nil {
		return "", false, err
	}
	return parseDecisionBody(resp.body)
}

// AwaitDecision blocks until the authority answers or timeout elapses.
// It prefers the blocking wait endpoint and falls back to polling every
// PollInterval when that endpoint fails. It never waits longer than
// timeout and always yields Approve or Deny.
func (c *ApprovalClient) AwaitDecision(ctx context.Context, id string, timeout time.Duration) AwaitResult {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	expired := func(err error) AwaitResult {
		return AwaitResult{Decision: Deny, TimedOut: true, Err: err}
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return expired(ctx.Err())
		}
		// the authority's 408 must land before our own deadline
		window := min(remaining-min(c.cfg.HealthTimeout, remaining/2), c.cfg.WaitWindow)
		if window < minWaitWindow {
			return expired(context.DeadlineExceeded)
		}

		d, ok, err := c.wait(ctx, id, window)
		switch {
		case err == nil && ok:
			return AwaitResult{Decision: d}
		case errors.Is(err, ErrWaitTimeout):
			continue
		case ctx.Err() != nil:
			return expired(ctx.Err())
		case fatalAwaitErr(err):
			return AwaitResult{Decision: Deny, Err: err}
		}

		c.Logger.Debug("wait failed, polling", "id", id, "error", err)
		select {
		case <-ctx.Done():
			return expired(ctx.Err())
		case <-time.After(min(c.cfg.PollInterval, time.Until(deadline))):
		}

		d, ok, err = c.Poll(ctx, id)
		switch {
		case err == nil && ok:
			return AwaitResult{Decision: d}
		case fatalAwaitErr(err):
			return AwaitResult{Decision: Deny, Err: err}
		}
	}
}

// fatalAwaitErr reports errors that end a wait early with a deny.
func fatalAwaitErr(err error) bool {
	return errors.Is(err, ErrUnknownFlow) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBreakerOpen)
}

// Cancel tells the authority the flow was abandoned. Best effort.
func (c *ApprovalClient) Cancel(ctx context.Context, id string) error {
	_, err := c.call(ctx, c.cfg.RequestTimeout, "cancel", http.MethodDelete, "/requests/"+url.PathEscape(id), nil)
	if errors.Is(err, ErrUnknownFlow) {
		return nil
	}
	return err
}

// Decide records a verdict. Used by reviewer tooling.
func (c *ApprovalClient) Decide(ctx context.Context, id string, d Decision) error {
	if !d.Valid() {
		return ErrInvalidDecision
	}
	_, err := c.call(ctx, c.cfg.RequestTimeout, "decide", http.MethodPost, "/decision", DecisionRequest{ID: id, Action: string(d)})
	return err
}

// Pending lists the flows awaiting review.
func (c *ApprovalClient) Pending(ctx context.Context) ([]PendingItem, error) {
	resp, err := c.call(ctx, c.cfg.RequestTimeout, "list", http.MethodGet, "/requests", nil)
	if err != nil {
		return nil, err
	}
	var items []PendingItem
	if err := json.Unmarshal(resp.body, &items); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}
	return items, nil
}

// Health probes GET /health. It goes through the breaker, so repeated
// failures open it and later calls fail fast.
func (c *ApprovalClient) Health(ctx context.Context) bool {
	resp, err := c.call(ctx, c.cfg.HealthTimeout, "health", http.MethodGet, "/health", nil)
	if err != nil {
		c.Logger.Debug("authority health check failed", "error", err)
		return false
	}
	var h AuthorityHealth
	if err := json.Unmarshal(resp.body, &h); err != nil {
		return false
	}
	return h.Status == "healthy"
}
