package sora

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingAPIKey = errors.New("sora: api key is required")
	ErrEmptyPrompt   = errors.New("sora: prompt is required")
	ErrCircuitOpen   = errors.New("sora: circuit open")
	// ErrBadResponse is a 200 whose body could not be decoded.
	ErrBadResponse = errors.New("sora: undecodable response")
)

// SubmissionError is returned by Submit. Transient errors (network, timeout,
// 5xx, 429, open circuit) may be retried; the rest may not.
type SubmissionError struct {
	Transient  bool
	StatusCode int
	Wait       time.Duration
	Err        error
}

func (e *SubmissionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("sora submit (%s, http %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sora submit (%s): %v", kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RetryAfter exposes the server's Retry-After hint, if any.
func (e *SubmissionError) RetryAfter() time.Duration { return e.Wait }

// PollError is a failure to learn a job's status. It never means the job
// itself failed; that is reported as PhaseFailed.
type PollError struct {
	Transient  bool
	StatusCode int
	Wait       time.Duration
	Err        error
}

func (e *PollError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("sora poll (%s, http %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sora poll (%s): %v", kind, e.Err)
}

func (e *PollError) Unwrap() error             { return e.Err }
func (e *PollError) RetryAfter() time.Duration { return e.Wait }

// IsTransient reports whether err is a retryable submission or poll error.
func IsTransient(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Transient
	}
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// transientStatus classifies an HTTP status code.
func transientStatus(code int) bool {
	return code == 408 || code == 425 || code == 429 || code >= 500
}
