package paygate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDecisionTimeout is how long a payment flow is held before it is
// denied. It is slightly longer than the authority's own wait window so
// the server side expiry is observed first.
const DefaultDecisionTimeout = 35 * time.Second

// State is the lifecycle position of a gated flow.
type State int32

const (
	StateObserving State = iota
	StateAwaitingDecision
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateObserving:
		return "observing"
	case StateAwaitingDecision:
		return "awaiting_decision"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome is how a flow was resolved.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeDeny    Outcome = "deny"
	OutcomeTimeout Outcome = "timeout"
)

// Source says which path produced a resolution.
type Source string

const (
	SourcePassthrough Source = "passthrough"
	SourceCache       Source = "cache"
	SourceAuthority   Source = "authority"
	SourceUnavailable Source = "unavailable"
	SourceCapacity    Source = "capacity"
	SourceExpired     Source = "expired"
	SourceCancelled   Source = "cancelled"
)

// Resolution is the terminal result of gating one flow.
type Resolution struct {
	Outcome        Outcome
	Source         Source
	Classification Classification
	// Reason is a human readable explanation for the block page and logs.
	Reason   string
	Duration time.Duration
}

// Allowed reports whether the request may be forwarded upstream.
func (r Resolution) Allowed() bool { return r.Outcome == OutcomeApprove }

// Approver is the proxy side of the approval protocol. *ApprovalClient
// implements it.
type Approver interface {
	Health(ctx context.Context) bool
	Submit(ctx context.Context, d *Descriptor) error
	AwaitDecision(ctx context.Context, id string, timeout time.Duration) AwaitResult
	Cancel(ctx context.Context, id string) error
}

// Gate runs the per flow state machine: classify, consult the cache,
// and otherwise hold the flow until the authority decides or the
// timeout elapses. It is safe for concurrent use.
type Gate struct {
	Classifier Classifier
	Approver   Approver

	// Cache is consulted before asking the authority (optional).
	Cache DecisionCache

	// CacheTTL is applied to verdicts written to Cache.
	CacheTTL time.Duration

	// Timeout bounds how long a flow is held.
	Timeout time.Duration

	// Pool bounds concurrently held flows (optional).
	Pool *Pool

	// AcquireTimeout bounds the wait for a Pool slot before denying.
	AcquireTimeout time.Duration

	Logger    *slog.Logger
	AccessLog *AccessLogger
	Metrics   *Metrics
	Tracer    trace.Tracer
}

// NewGate creates a Gate with default timeouts, an in-memory cache and
// a default sized pool.
func NewGate(c Classifier, a Approver) *Gate {
	return &Gate{
		Classifier:     c,
		Approver:       a,
		Cache:          NewMemoryCache(),
		CacheTTL:       DefaultCacheTTL,
		Timeout:        DefaultDecisionTimeout,
		Pool:           NewPool(DefaultPoolSize),
		AcquireTimeout: 5 * time.Second,
		Logger:         slog.Default(),
		Tracer:         otel.Tracer("github.com/acmacalister/paygate"),
	}
}

// flow is the state of one gated request. Transitions are CAS based so
// a flow resolves at most once no matter how many results race in.
type flow struct {
	d     *Descriptor
	start time.Time
	cls   Classification

	state atomic.Int32
	mu    sync.Mutex
	res   Resolution
}

func (f *flow) advance(from, to State) bool {
	return f.state.CompareAndSwap(int32(from), int32(to))
}

func (f *flow) resolve(res Resolution) bool {
	for {
		cur := State(f.state.Load())
		if cur == StateResolved {
			return false
		}
		if f.advance(cur, StateResolved) {
			f.mu.Lock()
			res.Classification = f.cls
			res.Duration = time.Since(f.start)
			f.res = res
			f.mu.Unlock()
			return true
		}
	}
}

func (f *flow) resolution() Resolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res
}

// Evaluate gates d and returns its resolution. It blocks while the flow
// awaits a decision. Cancelling ctx (the client went away) resolves the
// flow as a timeout and withdraws it from the authority.
func (g *Gate) Evaluate(ctx context.Context, d *Descriptor) Resolution {
	tracer := g.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/acmacalister/paygate")
	}
	ctx, span := tracer.Start(ctx, "paygate.gate",
		trace.WithAttributes(
			attribute.String("flow.id", d.ID),
			attribute.String("http.method", d.Method),
			attribute.String("net.host.name", d.Host),
		))
	defer span.End()

	f := &flow{d: d, start: time.Now()}
	f.cls = g.Classifier.Classify(ctx, d)
	span.SetAttributes(attribute.Bool("paygate.payment", f.cls.Payment), attribute.String("paygate.reason", string(f.cls.Reason)))

	if !f.cls.Payment {
		f.resolve(Resolution{Outcome: OutcomeApprove, Source: SourcePassthrough})
		g.Logger.Debug("non-payment request passed through", "id", d.ID, "host", d.Host, "reason", f.cls.Reason)
		return f.resolution()
	}

	g.Logger.Info("payment request detected", "id", d.ID, "host", d.Host, "reason", f.cls.Reason, "match", f.cls.Match)

	if res, ok := g.fromCache(ctx, f); ok {
		return g.finish(ctx, span, f, res)
	}

	if !f.advance(StateObserving, StateAwaitingDecision) {
		return f.resolution()
	}
	return g.finish(ctx, span, f, g.await(ctx, f))
}

func (g *Gate) fromCache(ctx context.Context, f *flow) (Resolution, bool) {
	if g.Cache == nil {
		return Resolution{}, false
	}
	dec, ok := g.Cache.Get(ctx, f.d.Host, f.d.Path())
	if g.Metrics != nil {
		g.Metrics.RecordCacheLookup(ok)
	}
	if !ok {
		return Resolution{}, false
	}
	res := Resolution{Outcome: OutcomeApprove, Source: SourceCache, Reason: "previously approved"}
	if dec == Deny {
		res = Resolution{Outcome: OutcomeDeny, Source: SourceCache, Reason: "previously denied by reviewer"}
	}
	return res, true
}

// await holds the flow until a verdict, an expiry or a cancellation.
func (g *Gate) await(ctx context.Context, f *flow) Resolution {
	if g.Pool != nil {
		release, ok := g.Pool.AcquireTimeout(ctx, g.AcquireTimeout)
		if !ok {
			return Resolution{Outcome: OutcomeDeny, Source: SourceCapacity, Reason: "too many payments awaiting approval"}
		}
		defer release()
	}
	if g.Metrics != nil {
		g.Metrics.IncHeldFlows()
		defer g.Metrics.DecHeldFlows()
	}

	if !g.Approver.Health(ctx) {
		return Resolution{Outcome: OutcomeDeny, Source: SourceUnavailable, Reason: "approval service unavailable"}
	}
	if err := g.Approver.Submit(ctx, f.d); err != nil {
		g.Logger.Error("submit to approval service failed", "id", f.d.ID, "error", err)
		return Resolution{Outcome: OutcomeDeny, Source: SourceUnavailable, Reason: "approval service unavailable"}
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan AwaitResult, 1)
	go func() {
		results <- g.Approver.AwaitDecision(waitCtx, f.d.ID, timeout)
	}()

	// the client enforces timeout itself; the timer only guards against
	// an Approver that does not
	timer := time.NewTimer(timeout + time.Second)
	defer timer.Stop()

	select {
	case r := <-results:
		switch {
		case ctx.Err() != nil:
			g.withdraw(f.d.ID)
			return Resolution{Outcome: OutcomeTimeout, Source: SourceCancelled, Reason: "client disconnected"}
		case r.TimedOut:
			g.withdraw(f.d.ID)
			return Resolution{Outcome: OutcomeTimeout, Source: SourceExpired, Reason: "no decision before timeout"}
		case r.Err != nil:
			g.Logger.Warn("awaiting decision failed", "id", f.d.ID, "error", r.Err)
			return Resolution{Outcome: OutcomeDeny, Source: SourceUnavailable, Reason: "approval service unavailable"}
		case r.Decision == Approve:
			return Resolution{Outcome: OutcomeApprove, Source: SourceAuthority, Reason: "approved by reviewer"}
		default:
			return Resolution{Outcome: OutcomeDeny, Source: SourceAuthority, Reason: "denied by reviewer"}
		}
	case <-ctx.Done():
		cancel()
		g.discardLate(f, results)
		g.withdraw(f.d.ID)
		return Resolution{Outcome: OutcomeTimeout, Source: SourceCancelled, Reason: "client disconnected"}
	case <-timer.C:
		cancel()
		g.discardLate(f, results)
		g.withdraw(f.d.ID)
		return Resolution{Outcome: OutcomeTimeout, Source: SourceExpired, Reason: "no decision before timeout"}
	}
}

// discardLate logs a result that arrives after the flow resolved.
func (g *Gate) discardLate(f *flow, results <-chan AwaitResult) {
	go func() {
		r := <-results
		if !r.TimedOut && r.Err == nil {
			g.Logger.Info("late decision discarded", "id", f.d.ID, "decision", r.Decision)
		}
	}()
}

// withdraw removes an abandoned flow from the authority's pending list.
func (g *Gate) withdraw(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Approver.Cancel(ctx, id); err != nil {
		g.Logger.Debug("withdraw flow failed", "id", id, "error", err)
	}
}

// finish applies res exactly once: one cache write for a reviewer
// verdict, one log entry and one metrics record.
func (g *Gate) finish(ctx context.Context, span trace.Span, f *flow, res Resolution) Resolution {
	if !f.resolve(res) {
		g.Logger.Warn("duplicate resolution discarded", "id", f.d.ID, "outcome", res.Outcome, "source", res.Source)
		return f.resolution()
	}
	res = f.resolution()

	if res.Source == SourceAuthority && g.Cache != nil {
		dec := Deny
		if res.Outcome == OutcomeApprove {
			dec = Approve
		}
		// the request context may already be done once the client has its answer
		g.Cache.Put(context.WithoutCancel(ctx), f.d.Host, f.d.Path(), dec, g.CacheTTL)
	}

	if g.Metrics != nil {
		g.Metrics.RecordFlow(string(res.Outcome), string(res.Source), res.Duration)
	}
	if g.AccessLog != nil {
		g.AccessLog.LogFlow(f.d, res)
	} else {
		g.Logger.Info("payment flow resolved", "id", f.d.ID, "host", f.d.Host, "outcome", res.Outcome, "source", res.Source, "duration", res.Duration)
	}

	span.SetAttributes(attribute.String("paygate.outcome", string(res.Outcome)), attribute.String("paygate.source", string(res.Source)))
	if !res.Allowed() {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}
