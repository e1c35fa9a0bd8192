// Package semaphore provides a FIFO counting semaphore used for admission
// control around codec calls and outbound fetches.
//
// Unlike a plain weighted semaphore, Release reports whether its permit was
// handed directly to a queued waiter or returned to the free pool, and a
// released permit always goes to the longest-waiting caller.
package semaphore

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// ReleaseOutcome reports what happened to a released permit.
type ReleaseOutcome int

const (
	// Returned means no one was waiting and the permit went back to the pool.
	Returned ReleaseOutcome = iota
	// HandedOff means the head waiter now owns the permit.
	HandedOff
)

func (o ReleaseOutcome) String() string {
	if o == HandedOff {
		return "handed-off"
	}
	return "returned"
}

type waiter struct {
	ready chan struct{} // closed when the permit is handed over
}

// Semaphore is a FIFO counting semaphore. The zero value is not usable; call New.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	held     int
	waiters  list.List
}

// New returns a semaphore with capacity permits. It panics if capacity < 1.
func New(capacity int) *Semaphore {
	if capacity < 1 {
		panic(fmt.Sprintf("semaphore: capacity must be at least 1, got %d", capacity))
	}
	return &Semaphore{capacity: capacity}
}

// Acquire blocks until the caller owns a permit or ctx is done. A caller that
// finds a free permit but sees others already queued joins the queue tail.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.held < s.capacity && s.waiters.Len() == 0 {
		s.held++
		s.mu.Unlock()
		return nil
	}

	w := waiter{ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Handed a permit while cancelling; pass it on instead of leaking it.
			s.mu.Unlock()
			s.Release()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking. It never jumps the queue.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held < s.capacity && s.waiters.Len() == 0 {
		s.held++
		return true
	}
	return false
}

// Release gives up one permit. If a waiter is queued the permit moves to it
// directly and held is unchanged. Release without a held permit panics.
func (s *Semaphore) Release() ReleaseOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == 0 {
		panic("semaphore: release without a held permit")
	}
	if front := s.waiters.Front(); front != nil {
		w := s.waiters.Remove(front).(waiter)
		close(w.ready)
		return HandedOff
	}
	s.held--
	return Returned
}

// Do runs fn while holding a permit. The permit is released on every exit
// path, including a panic in fn.
func (s *Semaphore) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}

// Capacity returns the configured number of permits.
func (s *Semaphore) Capacity() int { return s.capacity }

// Held returns the number of permits currently owned.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Waiting returns the number of queued callers.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
