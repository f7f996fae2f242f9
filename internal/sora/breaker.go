package sora

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// Only transient failures count; a rejected prompt says nothing about the
// health of the service.
type breaker struct {
	mu sync.Mutex

	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// BreakerConfig holds breaker settings. Trip < 0 disables the breaker.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func newBreaker(c BreakerConfig) *breaker {
	if c.Trip < 0 {
		return nil
	}
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return &breaker{trip: c.Trip, baseDelay: c.BaseDelay, maxDelay: c.MaxDelay, resetAfter: c.ResetAfter}
}

// resetIfIdleLocked forgets failures that are older than resetAfter.
func (b *breaker) resetIfIdleLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

// open reports whether calls should be refused, and until when.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfIdleLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfIdleLocked(now)

	if !failed {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := b.baseDelay
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.openUntil = now.Add(min(d, b.maxDelay))
}
