// Package ratelimit decides whether a new generation job may start.
//
// Three limits apply, checked in this order under one critical section:
// per-user concurrency, global concurrency and per-user admissions within a
// sliding window. A zero limit disables that check.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Reason string

const (
	PerUserConcurrencyExceeded Reason = "per_user_concurrency_exceeded"
	GlobalConcurrencyExceeded  Reason = "global_concurrency_exceeded"
	PerUserRateExceeded        Reason = "per_user_rate_exceeded"
)

var ErrRejected = errors.New("admission rejected")

// Rejection is the admission error. RetryAfter is set for rate rejections.
type Rejection struct {
	Reason     Reason
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("admission rejected: %s (retry in %s)", r.Reason, r.RetryAfter.Round(time.Second))
	}
	return "admission rejected: " + string(r.Reason)
}

func (r *Rejection) Is(target error) bool { return target == ErrRejected }

// ReasonOf returns the rejection reason, if err is a Rejection.
func ReasonOf(err error) (Reason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}

// Token is one unit of held capacity, keyed by job id.
type Token struct {
	Key    string
	UserID int64
}

func (t Token) Valid() bool { return t.Key != "" }

type Limits struct {
	PerUserConcurrency int
	GlobalConcurrency  int
	PerUserRate        int
	Window             time.Duration
}

type Limiter interface {
	// Admit reserves capacity for key. Admitting a key that is already held
	// returns the same token without consuming more capacity.
	Admit(ctx context.Context, userID int64, key string) (Token, error)
	// Release returns capacity. Releasing twice is a no-op.
	Release(ctx context.Context, tok Token) error
	// Restore re-acquires capacity for a job resumed after restart, without
	// applying limits or counting toward the rate window.
	Restore(ctx context.Context, userID int64, key string) (Token, error)
	// InFlight is the number of held tokens.
	InFlight(ctx context.Context) (int, error)
	SetLimits(l Limits)
}
