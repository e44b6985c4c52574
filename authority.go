package paygate

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Authority defaults.
const (
	DefaultWaitWindow = 30 * time.Second
	DefaultRetention  = 5 * time.Minute
	DefaultPendingTTL = 10 * time.Minute
)

// EventType identifies an authority state change.
type EventType string

const (
	EventIntake    EventType = "intake"
	EventDecided   EventType = "decided"
	EventCancelled EventType = "cancelled"
	EventExpired   EventType = "expired"
)

// Event is published to subscribers on every state change.
type Event struct {
	Type       EventType   `json:"type"`
	ID         string      `json:"id"`
	Decision   *Decision   `json:"decision,omitempty"`
	Descriptor *Descriptor `json:"details,omitempty"`
	Time       time.Time   `json:"time"`
}

// Record is a snapshot of a pending approval record.
type Record struct {
	Descriptor *Descriptor
	Decision   *Decision
	CreatedAt  time.Time
	DecidedAt  time.Time
}

type record struct {
	desc      *Descriptor
	decision  *Decision
	createdAt time.Time
	decidedAt time.Time
	// done is closed exactly once, when decided or removed.
	done chan struct{}
}

func (r *record) snapshot() Record {
	out := Record{Descriptor: r.desc, CreatedAt: r.createdAt, DecidedAt: r.decidedAt}
	if r.decision != nil {
		d := *r.decision
		out.Decision = &d
	}
	return out
}

// Authority holds pending approval records and the reviewer verdicts for
// them. Every mutation of a record happens under one mutex, so a verdict
// is applied exactly once and every waiter observes the same value.
// The first decision for a flow wins; later ones are accepted and ignored.
type Authority struct {
	mu      sync.Mutex
	records map[string]*record
	subs    map[chan Event]struct{}

	// Retention is how long decided records answer late polls.
	Retention time.Duration

	// PendingTTL expires records that were never decided.
	PendingTTL time.Duration

	Logger  *slog.Logger
	Metrics *AuthorityMetrics

	now func() time.Time
}

// NewAuthority creates an empty Authority.
func NewAuthority() *Authority {
	return &Authority{
		records:    make(map[string]*record),
		subs:       make(map[chan Event]struct{}),
		Retention:  DefaultRetention,
		PendingTTL: DefaultPendingTTL,
		Logger:     slog.Default(),
		now:        time.Now,
	}
}

// Intake stores d as a pending record. A repeated id is a no-op and
// created is false.
func (a *Authority) Intake(d *Descriptor) (created bool, err error) {
	if d == nil {
		return false, ErrInvalidDescriptor
	}
	if err := d.Validate(); err != nil {
		return false, err
	}

	a.mu.Lock()
	if _, ok := a.records[d.ID]; ok {
		a.mu.Unlock()
		a.Logger.Debug("duplicate intake ignored", "id", d.ID)
		return false, nil
	}
	now := a.now()
	a.records[d.ID] = &record{desc: d, createdAt: now, done: make(chan struct{})}
	a.publishLocked(Event{Type: EventIntake, ID: d.ID, Descriptor: d, Time: now})
	pending := a.pendingLocked()
	a.mu.Unlock()

	a.Logger.Info("payment request awaiting approval", "id", d.ID, "method", d.Method, "url", d.URL)
	if a.Metrics != nil {
		a.Metrics.RecordIntake()
		a.Metrics.SetPending(pending)
	}
	return true, nil
}

// ListPending returns undecided descriptors, oldest first.
func (a *Authority) ListPending() []*Descriptor {
	a.mu.Lock()
	recs := make([]*record, 0, len(a.records))
	for _, r := range a.records {
		if r.decision == nil {
			recs = append(recs, r)
		}
	}
	a.mu.Unlock()

	slices.SortFunc(recs, func(x, y *record) int {
		if c := x.createdAt.Compare(y.createdAt); c != 0 {
			return c
		}
		if x.desc.ID < y.desc.ID {
			return -1
		}
		return 1
	})

	out := make([]*Descriptor, len(recs))
	for i, r := range recs {
		out[i] = r.desc
	}
	return out
}

// Decide records the verdict for id. If the flow was already decided the
// stored verdict is returned unchanged and first is false.
func (a *Authority) Decide(id string, d Decision) (effective Decision, first bool, err error) {
	if !d.Valid() {
		return "", false, ErrInvalidDecision
	}

	a.mu.Lock()
	r, ok := a.records[id]
	if !ok {
		a.mu.Unlock()
		return "", false, ErrUnknownFlow
	}
	if r.decision != nil {
		stored := *r.decision
		a.mu.Unlock()
		a.Logger.Warn("duplicate decision ignored", "id", id, "stored", stored, "received", d)
		return stored, false, nil
	}
	now := a.now()
	r.decision = &d
	r.decidedAt = now
	close(r.done)
	a.publishLocked(Event{Type: EventDecided, ID: id, Decision: &d, Time: now})
	pending := a.pendingLocked()
	a.mu.Unlock()

	a.Logger.Info("decision recorded", "id", id, "decision", d)
	if a.Metrics != nil {
		a.Metrics.RecordDecision(string(d))
		a.Metrics.SetPending(pending)
	}
	return d, true, nil
}

// GetDecision returns the verdict for id, or nil while pending.
func (a *Authority) GetDecision(id string) (*Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[id]
	if !ok {
		return nil, ErrUnknownFlow
	}
	if r.decision == nil {
		return nil, nil
	}
	d := *r.decision
	return &d, nil
}

// Get returns a snapshot of the record for id.
func (a *Authority) Get(id string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[id]
	if !ok {
		return Record{}, false
	}
	return r.snapshot(), true
}

// WaitDecision blocks until id is decided, timeout elapses or ctx is
// done. On expiry it returns Deny together with ErrWaitTimeout so callers
// can tell it apart from a reviewer's deny.
func (a *Authority) WaitDecision(ctx context.Context, id string, timeout time.Duration) (Decision, error) {
	a.mu.Lock()
	r, ok := a.records[id]
	if !ok {
		a.mu.Unlock()
		return "", ErrUnknownFlow
	}
	if r.decision != nil {
		d := *r.decision
		a.mu.Unlock()
		return d, nil
	}
	done := r.done
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return Deny, ErrWaitTimeout
	case <-ctx.Done():
		return Deny, ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if r.decision == nil {
		// removed by Cancel or expiry
		return "", ErrUnknownFlow
	}
	return *r.decision, nil
}

// Cancel withdraws an undecided flow. Decided flows are kept so late
// polls still see the verdict. It reports whether a record was removed.
func (a *Authority) Cancel(id string) bool {
	a.mu.Lock()
	r, ok := a.records[id]
	if !ok || r.decision != nil {
		a.mu.Unlock()
		return false
	}
	delete(a.records, id)
	close(r.done)
	a.publishLocked(Event{Type: EventCancelled, ID: id, Time: a.now()})
	pending := a.pendingLocked()
	a.mu.Unlock()

	a.Logger.Info("payment request withdrawn", "id", id)
	if a.Metrics != nil {
		a.Metrics.SetPending(pending)
	}
	return true
}

// Sweep drops decided records older than Retention and pending records
// older than PendingTTL. It returns the number removed.
func (a *Authority) Sweep() int {
	a.mu.Lock()
	now := a.now()
	removed := 0
	for id, r := range a.records {
		switch {
		case r.decision != nil && a.Retention > 0 && now.Sub(r.decidedAt) >= a.Retention:
			delete(a.records, id)
			removed++
		case r.decision == nil && a.PendingTTL > 0 && now.Sub(r.createdAt) >= a.PendingTTL:
			delete(a.records, id)
			close(r.done)
			a.publishLocked(Event{Type: EventExpired, ID: id, Time: now})
			removed++
		}
	}
	pending := a.pendingLocked()
	a.mu.Unlock()

	if removed > 0 {
		a.Logger.Debug("swept approval records", "removed", removed)
	}
	if a.Metrics != nil {
		a.Metrics.SetPending(pending)
	}
	return removed
}

// StartJanitor sweeps every interval until the returned stop function is called.
func (a *Authority) StartJanitor(interval time.Duration) (stop func()) {
	return startJanitor(interval, func() { a.Sweep() })
}

// Stats returns the number of pending and decided records.
func (a *Authority) Stats() (pending, decided int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending = a.pendingLocked()
	return pending, len(a.records) - pending
}

func (a *Authority) pendingLocked() int {
	n := 0
	for _, r := range a.records {
		if r.decision == nil {
			n++
		}
	}
	return n
}

// Subscribe returns a channel receiving every Event and a function that
// unsubscribes. Slow subscribers miss events rather than block the store.
func (a *Authority) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, ch)
			a.mu.Unlock()
			close(ch)
		})
	}
}

func (a *Authority) publishLocked(ev Event) {
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
