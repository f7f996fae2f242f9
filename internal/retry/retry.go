// Package retry holds the backoff policy and retry hints shared by the
// generation client, the orchestrator and the delivery sink.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Policy is a jittered exponential backoff: Base * 2^(attempt-1), capped at
// Max, then scaled by a random factor in [1-Jitter, 1+Jitter].
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 15 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterFactor(j float64) float64 {
	if j <= 0 {
		return 1
	}
	rngMu.Lock()
	r := rng.Float64()
	rngMu.Unlock()
	return 1 + (r*2-1)*j
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	d = time.Duration(float64(d) * jitterFactor(p.Jitter))
	return min(max(d, 0), p.Max)
}

// DelayFor is Delay, but an error carrying a RetryAfter hint wins (bounded by Max).
func (p Policy) DelayFor(attempt int, err error) time.Duration {
	if d, ok := HintFrom(err); ok {
		p = p.withDefaults()
		return min(max(d, 0), p.Max)
	}
	return p.Delay(attempt)
}

// NoRetry marks an error as permanent.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// After attaches a suggested delay (e.g. an HTTP Retry-After) to err.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(d, 0)}
}

// AfterError is implemented by errors that carry an explicit retry delay.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

// HintFrom extracts a positive retry delay hint from err.
func HintFrom(err error) (time.Duration, bool) {
	var ra AfterError
	if err != nil && errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
