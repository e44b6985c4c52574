package paygate

import (
	"context"
	"testing"
	"time"
)

func TestNewPool(t *testing.T) {
	if got := NewPool(0).Cap(); got != DefaultPoolSize {
		t.Errorf("Cap = %d, want %d", got, DefaultPoolSize)
	}
	if got := NewPool(3).Cap(); got != 3 {
		t.Errorf("Cap = %d, want 3", got)
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()

	r1, ok := p.Acquire(ctx)
	if !ok {
		t.Fatal("first acquire failed")
	}
	r2, ok := p.Acquire(ctx)
	if !ok {
		t.Fatal("second acquire failed")
	}
	if p.InUse() != 2 {
		t.Errorf("InUse = %d, want 2", p.InUse())
	}

	if _, ok := p.AcquireTimeout(ctx, 20*time.Millisecond); ok {
		t.Error("acquire on a full pool should time out")
	}

	r1()
	r3, ok := p.AcquireTimeout(ctx, time.Second)
	if !ok {
		t.Fatal("acquire after release failed")
	}
	r2()
	r3()
	if p.InUse() != 0 {
		t.Errorf("InUse = %d, want 0", p.InUse())
	}
}

func TestPool_AcquireCancelled(t *testing.T) {
	p := NewPool(1)
	release, _ := p.Acquire(context.Background())
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := p.Acquire(ctx)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Acquire should fail once ctx is cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after cancel")
	}
}
