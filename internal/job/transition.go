package job

import (
	"fmt"
	"strings"
	"time"
)

var allowed = map[State][]State{
	StatePending:   {StateSubmitted, StateFailed},
	StateSubmitted: {StatePolling, StateSucceeded, StateFailed},
	StatePolling:   {StateSucceeded, StateFailed},
	StateSucceeded: {StateDelivered},
	StateFailed:    {StateDelivered},
}

// CanTransition reports whether from -> to is a legal state change.
// Staying in the same state is legal for everything except delivered.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return from != StateDelivered
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes one atomic update of a job record.
//
// Zero fields are left untouched. ExpectRevision, when non-zero, makes the
// update conditional on the stored revision (compare-and-swap).
//
// LeaseOwner makes the update conditional on nobody else holding a live
// lease. With LeaseUntil set it takes or extends the lease; with
// ReleaseLease it gives the lease up.
type Transition struct {
	ExpectRevision int64
	To             State

	ExternalID  string
	ResultRef   string
	ErrorDetail string
	FailReason  FailReason
	Caption     string
	Progress    int

	AddSubmitAttempts   int
	AddPollErrors       int
	ResetPollErrors     bool
	AddDeliveryAttempts int

	LeaseOwner   string
	LeaseUntil   time.Time
	ReleaseLease bool
}

// Apply validates tr against j and mutates j in place. On error j is unchanged.
func (j *Job) Apply(tr Transition, now time.Time) error {
	if tr.ExpectRevision != 0 && tr.ExpectRevision != j.Revision {
		return fmt.Errorf("%w: job %s at revision %d, expected %d", ErrStale, j.ShortID(), j.Revision, tr.ExpectRevision)
	}
	if tr.LeaseOwner != "" && j.LeasedToOther(tr.LeaseOwner, now) {
		return fmt.Errorf("%w: job %s held by %s until %s", ErrLeased, j.ShortID(), j.LeaseOwner, j.LeaseUntil.Format(time.RFC3339))
	}
	to := tr.To
	if to == "" {
		to = j.State
	}
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}

	next := *j
	next.State = to

	if ext := strings.TrimSpace(tr.ExternalID); ext != "" {
		if next.ExternalID != "" && next.ExternalID != ext {
			return fmt.Errorf("%w: external id already set", ErrInvalidTransition)
		}
		next.ExternalID = ext
	}

	if tr.ResultRef != "" {
		if to != StateSucceeded {
			return fmt.Errorf("%w: result_ref requires state %s", ErrInvalidTransition, StateSucceeded)
		}
		if next.ResultRef != "" && next.ResultRef != tr.ResultRef {
			return fmt.Errorf("%w: result_ref already set", ErrInvalidTransition)
		}
		next.ResultRef = tr.ResultRef
	}
	if tr.ErrorDetail != "" {
		if to != StateFailed {
			return fmt.Errorf("%w: error_detail requires state %s", ErrInvalidTransition, StateFailed)
		}
		if next.ErrorDetail != "" && next.ErrorDetail != tr.ErrorDetail {
			return fmt.Errorf("%w: error_detail already set", ErrInvalidTransition)
		}
		next.ErrorDetail = tr.ErrorDetail
		if tr.FailReason != "" {
			next.FailReason = tr.FailReason
		}
	}
	if to == StateSucceeded && next.ResultRef == "" {
		return fmt.Errorf("%w: succeeded without result_ref", ErrInvalidTransition)
	}
	if to == StateFailed && next.ErrorDetail == "" {
		return fmt.Errorf("%w: failed without error_detail", ErrInvalidTransition)
	}
	if (to == StateSubmitted || to == StatePolling) && next.ExternalID == "" {
		return fmt.Errorf("%w: %s without external id", ErrInvalidTransition, to)
	}

	if tr.Caption != "" && next.Caption == "" {
		next.Caption = tr.Caption
	}
	if tr.Progress > next.Progress {
		next.Progress = min(tr.Progress, 100)
	}

	next.SubmitAttempts += tr.AddSubmitAttempts
	if tr.ResetPollErrors {
		next.PollErrors = 0
	}
	next.PollErrors += tr.AddPollErrors
	next.DeliveryAttempts += tr.AddDeliveryAttempts

	switch {
	case tr.LeaseOwner == "":
	case tr.ReleaseLease:
		if next.LeaseOwner == tr.LeaseOwner {
			next.LeaseOwner, next.LeaseUntil = "", time.Time{}
		}
	case !tr.LeaseUntil.IsZero():
		next.LeaseOwner, next.LeaseUntil = tr.LeaseOwner, tr.LeaseUntil
	}

	next.Revision = j.Revision + 1
	next.UpdatedAt = now
	*j = next
	return nil
}
