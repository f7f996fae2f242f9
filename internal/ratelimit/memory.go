package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Limiter. All checks and the reservation happen
// under one mutex so concurrent admissions never overshoot.
type Memory struct {
	mu      sync.Mutex
	limits  Limits
	now     func() time.Time
	held    map[string]int64 // key -> user
	perUser map[int64]int
	admits  map[int64][]time.Time
}

func NewMemory(l Limits) *Memory {
	return &Memory{
		limits:  l,
		now:     time.Now,
		held:    map[string]int64{},
		perUser: map[int64]int{},
		admits:  map[int64][]time.Time{},
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *Memory) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
}

func (m *Memory) Admit(ctx context.Context, userID int64, key string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := Token{Key: key, UserID: userID}
	if _, ok := m.held[key]; ok {
		return tok, nil
	}
	l := m.limits
	if l.PerUserConcurrency > 0 && m.perUser[userID] >= l.PerUserConcurrency {
		return Token{}, &Rejection{Reason: PerUserConcurrencyExceeded}
	}
	if l.GlobalConcurrency > 0 && len(m.held) >= l.GlobalConcurrency {
		return Token{}, &Rejection{Reason: GlobalConcurrencyExceeded}
	}
	if l.PerUserRate > 0 && l.Window > 0 {
		now := m.now()
		recent := m.pruneLocked(userID, now)
		if len(recent) >= l.PerUserRate {
			return Token{}, &Rejection{Reason: PerUserRateExceeded, RetryAfter: recent[0].Add(l.Window).Sub(now)}
		}
		m.admits[userID] = append(recent, now)
	}
	m.held[key] = userID
	m.perUser[userID]++
	return tok, nil
}

// pruneLocked drops admissions that left the window.
func (m *Memory) pruneLocked(userID int64, now time.Time) []time.Time {
	cutoff := now.Add(-m.limits.Window)
	ts := m.admits[userID]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) == 0 {
		delete(m.admits, userID)
	}
	return ts
}

func (m *Memory) Release(ctx context.Context, tok Token) error {
	if !tok.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.held[tok.Key]
	if !ok {
		return nil
	}
	delete(m.held, tok.Key)
	if m.perUser[userID] <= 1 {
		delete(m.perUser, userID)
	} else {
		m.perUser[userID]--
	}
	return nil
}

func (m *Memory) Restore(ctx context.Context, userID int64, key string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; !ok {
		m.held[key] = userID
		m.perUser[userID]++
	}
	return Token{Key: key, UserID: userID}, nil
}

func (m *Memory) InFlight(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held), nil
}
