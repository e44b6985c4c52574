package paygate

import (
	"context"
	"time"
)

// DefaultPoolSize is the default number of flows that may be held
// awaiting a decision at once.
const DefaultPoolSize = 256

// Pool bounds the number of concurrently held flows. It is a counting
// semaphore backed by a buffered channel.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a pool with size slots. size <= 0 uses DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Acquire takes a slot, blocking until one is free or ctx is done. The
// returned release function must be called exactly once when ok is true.
func (p *Pool) Acquire(ctx context.Context) (release func(), ok bool) {
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// AcquireTimeout is Acquire bounded by d.
func (p *Pool) AcquireTimeout(ctx context.Context, d time.Duration) (func(), bool) {
	if d <= 0 {
		return p.Acquire(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return p.Acquire(ctx)
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int { return len(p.sem) }

// Cap returns the pool size.
func (p *Pool) Cap() int { return cap(p.sem) }
