// Package retry reruns short-lived deliveries with exponential backoff.
// The caller's context is the overall bound; a Backoff only shapes the
// delays between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Permanent marks err as not worth retrying. Do unwraps the marker and
// returns the original error.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Backoff shapes the delays between attempts. The zero value retries
// until ctx expires, starting at 500ms and capped at 30s.
type Backoff struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// Tries is the attempt budget. Zero means retry until ctx expires.
	Tries int
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget runs out or ctx expires. Delays double per attempt with jitter.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := b.Initial
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if b.Tries > 0 && attempt >= b.Tries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		timer := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last attempt: %w)", ctx.Err(), err)
		case <-timer.C:
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(maxDelay)))
	}
}
