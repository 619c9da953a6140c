// Package concurrency provides the bounded-parallelism primitives used by
// the model clients and the ingestion pipeline.
package concurrency

import (
	"context"
	"sync"
)

// Semaphore caps concurrent operations at a fixed limit. Acquire blocks
// until a slot frees or the context is done.
type Semaphore struct {
	ch      chan struct{}
	mu      sync.Mutex
	max     int
	current int
}

// NewSemaphore creates a semaphore with the given capacity. A non-positive
// max is treated as 1.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	return &Semaphore{
		ch:  make(chan struct{}, max),
		max: max,
	}
}

// Acquire takes a slot, blocking until one is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		s.mu.Lock()
		s.current++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing more than was acquired is a no-op.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
		s.mu.Lock()
		if s.current > 0 {
			s.current--
		}
		s.mu.Unlock()
	default:
	}
}

// InFlight returns the number of held slots.
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.current
}

// AdmissionGate bounds both the number of in-flight operations and the
// number waiting behind them. Admit fails immediately when the wait queue
// is full, letting callers shed load instead of queueing unboundedly.
type AdmissionGate struct {
	work  *Semaphore
	queue *Semaphore
}

// NewAdmissionGate creates a gate allowing maxInFlight concurrent
// operations and maxQueued waiters beyond them.
func NewAdmissionGate(maxInFlight, maxQueued int) *AdmissionGate {
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &AdmissionGate{
		work:  NewSemaphore(maxInFlight),
		queue: NewSemaphore(maxInFlight + maxQueued),
	}
}

// Admit reserves a place. It returns false without blocking when the gate
// is saturated; otherwise it blocks until a work slot frees or ctx is done.
// On success the caller must call Done exactly once.
func (g *AdmissionGate) Admit(ctx context.Context) (bool, error) {
	if !g.Reserve() {
		return false, nil
	}
	if err := g.Begin(ctx); err != nil {
		g.queue.Release()
		return false, err
	}
	return true, nil
}

// Reserve takes a queue place without blocking, returning false when the
// gate is saturated. A successful Reserve must be followed by Begin (and
// then Done) or by Abandon.
func (g *AdmissionGate) Reserve() bool {
	return g.queue.TryAcquire()
}

// Begin waits for a work slot after a successful Reserve.
func (g *AdmissionGate) Begin(ctx context.Context) error {
	return g.work.Acquire(ctx)
}

// Abandon releases a reserved queue place when the work was never begun.
func (g *AdmissionGate) Abandon() {
	g.queue.Release()
}

// Done releases the place reserved by a successful Admit.
func (g *AdmissionGate) Done() {
	g.work.Release()
	g.queue.Release()
}

// InFlight returns currently executing admissions.
func (g *AdmissionGate) InFlight() int {
	return g.work.InFlight()
}

// Waiting returns admissions queued behind the in-flight set.
func (g *AdmissionGate) Waiting() int {
	waiting := g.queue.InFlight() - g.work.InFlight()
	if waiting < 0 {
		return 0
	}
	return waiting
}
