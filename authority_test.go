package paygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestAuthority() *Authority {
	a := NewAuthority()
	a.Logger = discardLogger()
	return a
}

func testFlow(id string) *Descriptor {
	return &Descriptor{ID: id, Method: "POST", URL: "https://api.stripe.com/v1/charges", Host: "api.stripe.com"}
}

func TestAuthority_Intake(t *testing.T) {
	a := newTestAuthority()

	created, err := a.Intake(testFlow("f1"))
	if err != nil || !created {
		t.Fatalf("Intake = %v, %v; want true, nil", created, err)
	}
	created, err = a.Intake(testFlow("f1"))
	if err != nil || created {
		t.Errorf("duplicate Intake = %v, %v; want false, nil", created, err)
	}

	if _, err := a.Intake(&Descriptor{ID: "bad"}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("Intake(invalid) = %v, want ErrInvalidDescriptor", err)
	}
	if _, err := a.Intake(nil); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("Intake(nil) = %v, want ErrInvalidDescriptor", err)
	}

	if pending, decided := a.Stats(); pending != 1 || decided != 0 {
		t.Errorf("Stats = %d, %d; want 1, 0", pending, decided)
	}
}

func TestAuthority_ListPending_Order(t *testing.T) {
	a := newTestAuthority()
	base := time.Unix(1_700_000_000, 0)
	var tick int
	a.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"c", "a", "b"} {
		if _, err := a.Intake(testFlow(id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := a.Decide("a", Approve); err != nil {
		t.Fatal(err)
	}

	got := a.ListPending()
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		ids := make([]string, len(got))
		for i, d := range got {
			ids[i] = d.ID
		}
		t.Errorf("ListPending = %v, want [c b]", ids)
	}
}

func TestAuthority_Decide_FirstWins(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))

	d, first, err := a.Decide("f1", Deny)
	if err != nil || !first || d != Deny {
		t.Fatalf("Decide = %q, %v, %v; want deny, true, nil", d, first, err)
	}
	d, first, err = a.Decide("f1", Approve)
	if err != nil || first || d != Deny {
		t.Errorf("second Decide = %q, %v, %v; want stored deny, false, nil", d, first, err)
	}

	got, err := a.GetDecision("f1")
	if err != nil || got == nil || *got != Deny {
		t.Errorf("GetDecision = %v, %v; want deny", got, err)
	}
}

func TestAuthority_Decide_Errors(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))

	if _, _, err := a.Decide("missing", Approve); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("Decide(missing) = %v, want ErrUnknownFlow", err)
	}
	if _, _, err := a.Decide("f1", Decision("maybe")); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("Decide(maybe) = %v, want ErrInvalidDecision", err)
	}
	if d, err := a.GetDecision("f1"); err != nil || d != nil {
		t.Errorf("GetDecision(pending) = %v, %v; want nil, nil", d, err)
	}
	if _, err := a.GetDecision("missing"); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("GetDecision(missing) = %v, want ErrUnknownFlow", err)
	}
}

func TestAuthority_Decide_Concurrent(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
		seen   = make(map[Decision]int)
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := Approve
			if i%2 == 0 {
				want = Deny
			}
			d, first, err := a.Decide("f1", want)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			seen[d]++
			if first {
				firsts++
			}
		}()
	}
	wg.Wait()

	if firsts != 1 {
		t.Errorf("%d callers saw first=true, want 1", firsts)
	}
	if len(seen) != 1 {
		t.Errorf("callers observed different verdicts: %v", seen)
	}
}

func TestAuthority_WaitDecision(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))

	type result struct {
		d   Decision
		err error
	}
	results := make(chan result, 3)
	for range 3 {
		go func() {
			d, err := a.WaitDecision(context.Background(), "f1", 5*time.Second)
			results <- result{d, err}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	_, _, _ = a.Decide("f1", Approve)

	for range 3 {
		select {
		case r := <-results:
			if r.err != nil || r.d != Approve {
				t.Errorf("WaitDecision = %q, %v; want approve", r.d, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiters were not released")
		}
	}

	// already decided returns immediately
	if d, err := a.WaitDecision(context.Background(), "f1", time.Millisecond); err != nil || d != Approve {
		t.Errorf("WaitDecision(decided) = %q, %v", d, err)
	}
}

func TestAuthority_WaitDecision_Timeout(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))

	d, err := a.WaitDecision(context.Background(), "f1", 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) || d != Deny {
		t.Errorf("WaitDecision = %q, %v; want deny, ErrWaitTimeout", d, err)
	}
	if got, _ := a.GetDecision("f1"); got != nil {
		t.Error("a wait timeout must not record a decision")
	}

	if _, err := a.WaitDecision(context.Background(), "missing", time.Millisecond); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("WaitDecision(missing) = %v, want ErrUnknownFlow", err)
	}
}

func TestAuthority_WaitDecision_ContextDone(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.WaitDecision(ctx, "f1", time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitDecision = %v, want context.Canceled", err)
	}
}

func TestAuthority_Cancel(t *testing.T) {
	a := newTestAuthority()
	_, _ = a.Intake(testFlow("f1"))
	_, _ = a.Intake(testFlow("f2"))
	_, _, _ = a.Decide("f2", Approve)

	waitErr := make(chan error, 1)
	go func() {
		_, err := a.WaitDecision(context.Background(), "f1", 5*time.Second)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if !a.Cancel("f1") {
		t.Error("Cancel(pending) should remove the record")
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrUnknownFlow) {
			t.Errorf("waiter got %v, want ErrUnknownFlow", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by Cancel")
	}

	if a.Cancel("f2") {
		t.Error("Cancel should keep decided records")
	}
	if a.Cancel("missing") {
		t.Error("Cancel(missing) should report false")
	}
	if _, _, err := a.Decide("f1", Approve); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("Decide after Cancel = %v, want ErrUnknownFlow", err)
	}
}

func TestAuthority_Sweep(t *testing.T) {
	a := newTestAuthority()
	a.Retention = time.Minute
	a.PendingTTL = 10 * time.Minute
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a.now = clock.now

	_, _ = a.Intake(testFlow("decided"))
	_, _ = a.Intake(testFlow("pending"))
	_, _, _ = a.Decide("decided", Deny)

	clock.advance(30 * time.Second)
	if n := a.Sweep(); n != 0 {
		t.Errorf("Sweep removed %d before retention, want 0", n)
	}

	clock.advance(time.Minute)
	if n := a.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d after retention, want 1", n)
	}
	if _, err := a.GetDecision("decided"); !errors.Is(err, ErrUnknownFlow) {
		t.Error("decided record should be gone after retention")
	}

	events, unsubscribe := a.Subscribe(4)
	defer unsubscribe()

	clock.advance(10 * time.Minute)
	if n := a.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d after pending ttl, want 1", n)
	}
	select {
	case ev := <-events:
		if ev.Type != EventExpired || ev.ID != "pending" {
			t.Errorf("event = %+v, want expired pending", ev)
		}
	default:
		t.Error("expiry should publish an event")
	}
}

func TestAuthority_Subscribe(t *testing.T) {
	a := newTestAuthority()
	events, unsubscribe := a.Subscribe(8)

	_, _ = a.Intake(testFlow("f1"))
	_, _, _ = a.Decide("f1", Approve)
	_, _ = a.Intake(testFlow("f2"))
	a.Cancel("f2")

	want := []EventType{EventIntake, EventDecided, EventIntake, EventCancelled}
	for i, typ := range want {
		ev := <-events
		if ev.Type != typ {
			t.Errorf("event %d = %s, want %s", i, ev.Type, typ)
		}
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestAuthority_Subscribe_SlowSubscriber(t *testing.T) {
	a := newTestAuthority()
	_, unsubscribe := a.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10 {
			_, _ = a.Intake(testFlow(fmt.Sprintf("f%d", i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a full subscriber blocked the store")
	}
}

func TestAuthority_Metrics(t *testing.T) {
	a := newTestAuthority()
	a.Metrics = NewAuthorityMetrics()

	_, _ = a.Intake(testFlow("f1"))
	_, _ = a.Intake(testFlow("f2"))
	_, _, _ = a.Decide("f1", Approve)

	out := scrape(t, a.Metrics.Handler())
	for _, want := range []string{
		"paygate_authority_intake_total 2",
		"paygate_authority_pending_requests 1",
		`paygate_authority_decisions_total{decision="approve"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
