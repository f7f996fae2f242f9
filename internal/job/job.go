// Package job defines the generation job record and its lifecycle rules.
//
// A job moves strictly forward:
//
//	pending -> submitted -> polling -> succeeded|failed -> delivered
//
// Every mutation goes through Job.Apply so all store backends enforce the
// same rules.
package job

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDelivered State = "delivered"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateSubmitted, StatePolling, StateSucceeded, StateFailed, StateDelivered}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StatePolling, StateSucceeded, StateFailed, StateDelivered:
		return true
	}
	return false
}

// Terminal reports whether the generation outcome is known (succeeded or failed).
// Delivered is also terminal.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDelivered
}

// InFlight reports whether the job still holds generation capacity.
func (s State) InFlight() bool {
	return s == StatePending || s == StateSubmitted || s == StatePolling
}

type FailReason string

const (
	FailUpstream        FailReason = "upstream"
	FailSubmitRejected  FailReason = "submit_rejected"
	FailSubmitExhausted FailReason = "submit_exhausted"
	FailPollExhausted   FailReason = "poll_exhausted"
	FailTimeout         FailReason = "timeout"
	FailCancelled       FailReason = "cancelled"
)

// Params are the generation parameters sent to the video service.
// They are immutable once the job is created.
type Params struct {
	Model       string `json:"model,omitempty"`
	Duration    int    `json:"duration"`
	Resolution  string `json:"resolution,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Supported clip lengths in seconds.
const (
	DurationShort = 10
	DurationLong  = 15
)

// NormalizeDuration maps anything other than a supported clip length to the
// short default.
func NormalizeDuration(sec int) int {
	if sec == DurationLong {
		return DurationLong
	}
	return DurationShort
}

type Job struct {
	ID             string `json:"id"`
	UserID         int64  `json:"user_id"`
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Prompt         string `json:"prompt"`
	Params         Params `json:"params"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	ExternalID string `json:"external_id,omitempty"`
	State      State  `json:"state"`
	Progress   int    `json:"progress,omitempty"`

	// SubmitAttempts counts submission calls, PollErrors counts consecutive
	// transient poll failures, DeliveryAttempts counts sink calls.
	SubmitAttempts   int `json:"submit_attempts"`
	PollErrors       int `json:"poll_errors"`
	DeliveryAttempts int `json:"delivery_attempts"`

	ResultRef   string     `json:"result_ref,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	FailReason  FailReason `json:"fail_reason,omitempty"`
	Caption     string     `json:"caption,omitempty"`

	// LeaseOwner is the orchestrator instance allowed to drive the job until
	// LeaseUntil. An expired lease is free for anyone to take.
	LeaseOwner string    `json:"lease_owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitzero"`

	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds a pending job with a fresh id.
func New(userID, chatID int64, threadID int, prompt string, p Params, idemKey string, now time.Time) *Job {
	p.Duration = NormalizeDuration(p.Duration)
	return &Job{
		ID:             uuid.NewString(),
		UserID:         userID,
		ChatID:         chatID,
		ThreadID:       threadID,
		Prompt:         strings.TrimSpace(prompt),
		Params:         p,
		IdempotencyKey: strings.TrimSpace(idemKey),
		State:          StatePending,
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// LeasedToOther reports whether an instance other than owner holds a live
// lease at now.
func (j *Job) LeasedToOther(owner string, now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseOwner != owner && now.Before(j.LeaseUntil)
}

// ShortID is the prefix shown to users.
func (j *Job) ShortID() string { return ShortID(j.ID) }

func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
