// Package scheduler provides a coalescing run-at-most-once async primitive.
//
// A Scheduler wraps an action that must never run twice concurrently but must
// also never drop a requested refresh: invalidations arriving while the action
// runs coalesce into exactly one follow-up run. The sync client uses one
// scheduler for inbound catch-up fetches and one for outbound flushes.
package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned to waiters when the scheduler is stopped before
// their run completes.
var ErrStopped = errors.New("scheduler: stopped")

type waiter struct {
	target int64
	ch     chan error
}

// Scheduler serializes executions of a single action.
type Scheduler struct {
	fn     func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dirty   bool
	stopped bool
	seq     int64 // invalidation counter
	waiters []waiter
}

// New starts a scheduler around fn. fn observes cancellation through the
// passed context once Stop is called.
func New(fn func(context.Context) error) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Invalidate requests that the action run at least once more than it already
// has. Safe to call from any goroutine; never blocks.
func (s *Scheduler) Invalidate() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.dirty = true
	s.seq++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InvalidateAndAwait invalidates and blocks until a run that started at or
// after this call completes, returning that run's error. Returns ctx.Err()
// if ctx is done first, or ErrStopped if the scheduler stops first.
func (s *Scheduler) InvalidateAndAwait(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.dirty = true
	s.seq++
	w := waiter{target: s.seq, ch: make(chan error, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels any pending re-run, waits for an in-flight run to return, and
// fails any remaining waiters with ErrStopped. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	pending := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range pending {
		w.ch <- ErrStopped
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if !s.dirty {
				s.mu.Unlock()
				break
			}
			s.dirty = false
			startSeq := s.seq
			s.mu.Unlock()

			err := s.fn(s.ctx)
			s.settle(startSeq, err)

			if s.ctx.Err() != nil {
				return
			}
		}
	}
}

// settle resolves every waiter whose invalidation was observed by the run
// that just finished. Later waiters stay queued for the follow-up run.
func (s *Scheduler) settle(startSeq int64, err error) {
	s.mu.Lock()
	var remaining []waiter
	var done []waiter
	for _, w := range s.waiters {
		if w.target <= startSeq {
			done = append(done, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()

	for _, w := range done {
		w.ch <- err
	}
}
