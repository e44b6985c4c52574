package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:      baseURL,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func newTestClient(cfg ClientConfig) *ApprovalClient {
	c := NewApprovalClient(cfg)
	c.Logger = discardLogger()
	return c
}

func TestNewApprovalClient_Defaults(t *testing.T) {
	c := NewApprovalClient(ClientConfig{BaseURL: "http://authority.internal:5000/"})
	cfg := c.Config()

	if cfg.BaseURL != "http://authority.internal:5000" {
		t.Errorf("BaseURL = %q, trailing slash should be trimmed", cfg.BaseURL)
	}
	if cfg.Retries != 3 || cfg.BreakerFailures != 5 || cfg.BreakerCooldown != time.Minute {
		t.Errorf("retry/breaker defaults = %d %d %v", cfg.Retries, cfg.BreakerFailures, cfg.BreakerCooldown)
	}
	if cfg.WaitWindow != 30*time.Second || cfg.PollInterval != time.Second {
		t.Errorf("wait defaults = %v %v", cfg.WaitWindow, cfg.PollInterval)
	}
	if c.BreakerState() != "closed" {
		t.Errorf("BreakerState = %q, want closed", c.BreakerState())
	}
}

func TestApprovalClient_Submit(t *testing.T) {
	f := newAuthorityFixture(t, func(s *AuthorityServer) { s.APIKeys = []string{"secret"} })

	cfg := testClientConfig(f.ts.URL)
	cfg.APIKey = "secret"
	c := newTestClient(cfg)

	if err := c.Submit(context.Background(), testFlow("f1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := f.authority.Get("f1"); !ok {
		t.Error("authority should hold the submitted flow")
	}

	c = newTestClient(testClientConfig(f.ts.URL))
	err := c.Submit(context.Background(), testFlow("f2"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Submit without key = %v, want ErrUnauthorized", err)
	}
}

// flakyAuthority fails the first n requests with status, then accepts.
func flakyAuthority(t *testing.T, n int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			http.Error(w, `{"error":"unavailable"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"waiting","id":"f1"}`))
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func TestApprovalClient_Submit_Retry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		wantErr   bool
		wantCalls int32
	}{
		{"recovers after 5xx", 2, http.StatusServiceUnavailable, false, 3},
		{"retries 429", 1, http.StatusTooManyRequests, false, 2},
		{"gives up after retries", 10, http.StatusInternalServerError, true, 3},
		{"does not retry 400", 10, http.StatusBadRequest, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, calls := flakyAuthority(t, tt.failures, tt.status)
			c := newTestClient(testClientConfig(ts.URL))

			err := c.Submit(context.Background(), testFlow("f1"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Submit err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server saw %d calls, want %d", got, tt.wantCalls)
			}
			if err != nil {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != tt.status {
					t.Errorf("err = %v, want StatusError %d", err, tt.status)
				}
			}
		})
	}
}

func TestApprovalClient_BreakerOpens(t *testing.T) {
	ts, calls := flakyAuthority(t, 1000, http.StatusBadGateway)

	cfg := testClientConfig(ts.URL)
	cfg.Retries = 1
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	c := newTestClient(cfg)
	c.Metrics = NewMetrics()

	for range 2 {
		if err := c.Submit(context.Background(), testFlow("f1")); err == nil {
			t.Fatal("Submit should fail")
		}
	}
	if c.BreakerState() != "open" {
		t.Fatalf("BreakerState = %q, want open", c.BreakerState())
	}

	before := calls.Load()
	err := c.Submit(context.Background(), testFlow("f1"))
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Submit = %v, want ErrBreakerOpen", err)
	}
	if calls.Load() != before {
		t.Error("an open breaker must not reach the authority")
	}
	if c.Health(context.Background()) {
		t.Error("Health should report false while the breaker is open")
	}

	out := scrape(t, c.Metrics.Handler())
	if !strings.Contains(out, "paygate_authority_breaker_state 2") {
		t.Error("breaker state gauge should read open")
	}
	if !strings.Contains(out, `paygate_authority_errors_total{op="submit"}`) {
		t.Error("submit errors should be counted")
	}
}

func TestApprovalClient_BreakerIgnoresClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"request not found"}`, http.StatusNotFound)
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	cfg.BreakerFailures = 1
	c := newTestClient(cfg)

	for range 3 {
		if _, _, err := c.Poll(context.Background(), "missing"); !errors.Is(err, ErrUnknownFlow) {
			t.Fatalf("Poll = %v, want ErrUnknownFlow", err)
		}
	}
	if c.BreakerState() != "closed" {
		t.Errorf("BreakerState = %q, 404s must not trip the breaker", c.BreakerState())
	}
}

func TestApprovalClient_AwaitDecision(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	_, _ = f.authority.Intake(testFlow("f1"))
	c := newTestClient(testClientConfig(f.ts.URL))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _, _ = f.authority.Decide("f1", Approve)
	}()

	res := c.AwaitDecision(context.Background(), "f1", 5*time.Second)
	if res.Decision != Approve || res.TimedOut || res.Err != nil {
		t.Errorf("AwaitDecision = %+v, want approve", res)
	}
}

func TestApprovalClient_AwaitDecision_Timeout(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	_, _ = f.authority.Intake(testFlow("f1"))
	c := newTestClient(testClientConfig(f.ts.URL))

	start := time.Now()
	res := c.AwaitDecision(context.Background(), "f1", 150*time.Millisecond)
	if res.Decision != Deny || !res.TimedOut {
		t.Errorf("AwaitDecision = %+v, want timed out deny", res)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("AwaitDecision took %v, should respect its timeout", elapsed)
	}
}

func TestApprovalClient_AwaitDecision_UnknownFlow(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	c := newTestClient(testClientConfig(f.ts.URL))

	res := c.AwaitDecision(context.Background(), "missing", 5*time.Second)
	if res.Decision != Deny || res.TimedOut || !errors.Is(res.Err, ErrUnknownFlow) {
		t.Errorf("AwaitDecision = %+v, want deny with ErrUnknownFlow", res)
	}
}

func TestApprovalClient_AwaitDecision_PollFallback(t *testing.T) {
	var polls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/wait_decision/"):
			http.Error(w, `{"error":"not supported"}`, http.StatusNotImplemented)
		case r.URL.Path == "/decision/f1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"decision":null}`))
				return
			}
			_, _ = w.Write([]byte(`{"decision":"deny"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	cfg.BreakerFailures = 100
	c := newTestClient(cfg)

	res := c.AwaitDecision(context.Background(), "f1", 5*time.Second)
	if res.Decision != Deny || res.TimedOut || res.Err != nil {
		t.Errorf("AwaitDecision = %+v, want reviewer deny", res)
	}
	if polls.Load() < 2 {
		t.Errorf("polled %d times, want at least 2", polls.Load())
	}
}

func TestApprovalClient_AwaitDecision_ContextCancelled(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	_, _ = f.authority.Intake(testFlow("f1"))
	c := newTestClient(testClientConfig(f.ts.URL))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := c.AwaitDecision(ctx, "f1", 10*time.Second)
	if res.Decision != Deny || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("AwaitDecision = %+v, want deny with context.Canceled", res)
	}
}

func TestApprovalClient_CancelDecidePending(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	_, _ = f.authority.Intake(testFlow("f1"))
	_, _ = f.authority.Intake(testFlow("f2"))
	c := newTestClient(testClientConfig(f.ts.URL))
	ctx := context.Background()

	items, err := c.Pending(ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("Pending = %v, %v", items, err)
	}

	if err := c.Decide(ctx, "f1", Approve); err != nil {
		t.Errorf("Decide: %v", err)
	}
	if err := c.Decide(ctx, "f1", Decision("maybe")); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("Decide(maybe) = %v, want ErrInvalidDecision", err)
	}
	if err := c.Decide(ctx, "missing", Deny); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("Decide(missing) = %v, want ErrUnknownFlow", err)
	}

	if err := c.Cancel(ctx, "f2"); err != nil {
		t.Errorf("Cancel: %v", err)
	}
	if err := c.Cancel(ctx, "f2"); err != nil {
		t.Errorf("Cancel of a removed flow should succeed, got %v", err)
	}

	items, _ = c.Pending(ctx)
	if len(items) != 0 {
		t.Errorf("Pending after decide and cancel = %d items", len(items))
	}
}

func TestApprovalClient_Health(t *testing.T) {
	f := newAuthorityFixture(t, nil)
	c := newTestClient(testClientConfig(f.ts.URL))
	if !c.Health(context.Background()) {
		t.Error("Health = false against a running authority")
	}

	f.ts.Close()
	if c.Health(context.Background()) {
		t.Error("Health = true against a stopped authority")
	}
}

func TestTransient(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &StatusError{Code: http.StatusBadGateway}, true},
		{"rate limited", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"bad request", &StatusError{Code: http.StatusBadRequest}, false},
		{"request timeout", fmt.Errorf("submit: %w", context.DeadlineExceeded), true},
		{"caller deadline", abandoned(expired, "wait"), false},
		{"caller cancelled", fmt.Errorf("wait: %w", context.Canceled), false},
		{"wait expired", fmt.Errorf("wait: %w", ErrWaitTimeout), false},
		{"unknown flow", fmt.Errorf("poll: %w", ErrUnknownFlow), false},
		{"network", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transient(tt.err); got != tt.want {
				t.Errorf("transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if abandoned(context.Background(), "wait") != nil {
		t.Error("a live context is not abandoned")
	}
	if err := abandoned(expired, "wait"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("abandoned = %v, want to wrap context.DeadlineExceeded", err)
	}
}

func TestApprovalClient_UnansweredFlowsKeepBreakerClosed(t *testing.T) {
	f := newAuthorityFixture(t, nil)

	cfg := testClientConfig(f.ts.URL)
	cfg.BreakerFailures = 2
	cfg.HealthTimeout = 100 * time.Millisecond
	c := newTestClient(cfg)
	c.Metrics = NewMetrics()

	var wg sync.WaitGroup
	for i := range 3 {
		id := fmt.Sprintf("f%d", i)
		if err := c.Submit(context.Background(), testFlow(id)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.AwaitDecision(context.Background(), id, 300*time.Millisecond)
			if res.Decision != Deny || !res.TimedOut {
				t.Errorf("AwaitDecision(%s) = %+v, want timed out deny", id, res)
			}
		}()
	}
	wg.Wait()

	if c.BreakerState() != "closed" {
		t.Fatalf("BreakerState = %q, expired waits are not authority failures", c.BreakerState())
	}
	if err := c.Submit(context.Background(), testFlow("next")); err != nil {
		t.Errorf("Submit after unanswered flows = %v", err)
	}
	if out := scrape(t, c.Metrics.Handler()); strings.Contains(out, `paygate_authority_errors_total{op="wait"}`) {
		t.Error("expired waits should not be counted as authority errors")
	}
}

func TestApprovalClient_HungWaitIsNotAFailure(t *testing.T) {
	// the server never answers; only the caller's deadline ends the wait
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	cfg.BreakerFailures = 1
	cfg.HealthTimeout = 50 * time.Millisecond
	c := newTestClient(cfg)

	res := c.AwaitDecision(context.Background(), "f1", 200*time.Millisecond)
	if res.Decision != Deny || !res.TimedOut {
		t.Errorf("AwaitDecision = %+v, want timed out deny", res)
	}
	if c.BreakerState() != "closed" {
		t.Errorf("BreakerState = %q after a wait cut short by its own deadline", c.BreakerState())
	}
}

func TestApprovalClient_HungSubmitOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	cfg.Retries = 1
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	cfg.RequestTimeout = 30 * time.Millisecond
	c := newTestClient(cfg)

	for range 2 {
		if err := c.Submit(context.Background(), testFlow("f1")); err == nil {
			t.Fatal("Submit against a hung authority should fail")
		}
	}
	if c.BreakerState() != "open" {
		t.Errorf("BreakerState = %q, request timeouts are authority failures", c.BreakerState())
	}
}

func TestApprovalClient_HealthOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	cfg.BreakerCooldown = time.Hour
	c := newTestClient(cfg)

	for i := range 5 {
		if c.Health(context.Background()) {
			t.Fatalf("Health #%d = true against a failing authority", i+1)
		}
	}
	if c.BreakerState() != "open" {
		t.Fatalf("BreakerState = %q after 5 failed health checks, want open", c.BreakerState())
	}

	before := calls.Load()
	start := time.Now()
	err := c.Submit(context.Background(), testFlow("f1"))
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Submit = %v, want ErrBreakerOpen", err)
	}
	if calls.Load() != before {
		t.Error("Submit reached the authority through an open breaker")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Submit took %v, an open breaker should fail immediately", elapsed)
	}
}
