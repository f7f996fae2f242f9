package job

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateSubmitted, true},
		{StatePending, StateFailed, true},
		{StatePending, StatePolling, false},
		{StatePending, StateSucceeded, false},
		{StateSubmitted, StatePolling, true},
		{StateSubmitted, StatePending, false},
		{StatePolling, StateSucceeded, true},
		{StatePolling, StateFailed, true},
		{StatePolling, StatePolling, true},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateSucceeded, false},
		{StateSucceeded, StateDelivered, true},
		{StateFailed, StateDelivered, true},
		{StatePolling, StateDelivered, false},
		{StateDelivered, StateDelivered, false},
		{StateDelivered, StateFailed, false},
		{State("bogus"), StateFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func newTestJob() *Job {
	return New(7, 100, 0, "  cat on a skateboard ", Params{Duration: 12}, "", time.Unix(0, 0))
}

func TestNewNormalizes(t *testing.T) {
	t.Parallel()
	j := newTestJob()
	if j.Prompt != "cat on a skateboard" {
		t.Fatalf("prompt not trimmed: %q", j.Prompt)
	}
	if j.Params.Duration != DurationShort {
		t.Fatalf("duration = %d, want %d", j.Params.Duration, DurationShort)
	}
	if j.State != StatePending || j.Revision != 1 || j.ID == "" {
		t.Fatalf("unexpected initial job: %+v", j)
	}
}

func TestApplyHappyPath(t *testing.T) {
	t.Parallel()
	j := newTestJob()
	now := time.Unix(10, 0)

	steps := []Transition{
		{To: StateSubmitted, ExternalID: "ext-1", AddSubmitAttempts: 1},
		{To: StatePolling},
		{Progress: 40},
		{To: StateSucceeded, ResultRef: "r1"},
		{To: StateDelivered, AddDeliveryAttempts: 1},
	}
	for i, tr := range steps {
		if err := j.Apply(tr, now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if j.State != StateDelivered || j.ResultRef != "r1" || j.ExternalID != "ext-1" {
		t.Fatalf("unexpected final job: %+v", j)
	}
	if j.Revision != int64(1+len(steps)) {
		t.Fatalf("revision = %d, want %d", j.Revision, 1+len(steps))
	}
	if j.Progress != 40 || j.DeliveryAttempts != 1 || j.SubmitAttempts != 1 {
		t.Fatalf("counters not applied: %+v", j)
	}
}

func TestApplyRejects(t *testing.T) {
	t.Parallel()
	now := time.Unix(10, 0)

	t.Run("stale revision", func(t *testing.T) {
		j := newTestJob()
		err := j.Apply(Transition{ExpectRevision: 5, AddSubmitAttempts: 1}, now)
		if !errors.Is(err, ErrStale) {
			t.Fatalf("expected ErrStale, got %v", err)
		}
		if j.Revision != 1 || j.SubmitAttempts != 0 {
			t.Fatalf("job mutated on error: %+v", j)
		}
	})

	t.Run("external id set twice", func(t *testing.T) {
		j := newTestJob()
		if err := j.Apply(Transition{To: StateSubmitted, ExternalID: "a"}, now); err != nil {
			t.Fatal(err)
		}
		if err := j.Apply(Transition{ExternalID: "b"}, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if err := j.Apply(Transition{ExternalID: "a"}, now); err != nil {
			t.Fatalf("same external id should be accepted: %v", err)
		}
	})

	t.Run("result without success", func(t *testing.T) {
		j := newTestJob()
		_ = j.Apply(Transition{To: StateSubmitted, ExternalID: "a"}, now)
		if err := j.Apply(Transition{ResultRef: "r"}, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("success without result", func(t *testing.T) {
		j := newTestJob()
		_ = j.Apply(Transition{To: StateSubmitted, ExternalID: "a"}, now)
		if err := j.Apply(Transition{To: StateSucceeded}, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("submitted without external id", func(t *testing.T) {
		j := newTestJob()
		if err := j.Apply(Transition{To: StateSubmitted}, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("delivered is final", func(t *testing.T) {
		j := newTestJob()
		_ = j.Apply(Transition{To: StateFailed, ErrorDetail: "boom", FailReason: FailSubmitRejected}, now)
		_ = j.Apply(Transition{To: StateDelivered}, now)
		if err := j.Apply(Transition{AddDeliveryAttempts: 1}, now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestDuplicateError(t *testing.T) {
	t.Parallel()
	err := error(&DuplicateError{ExistingID: "abcdef0123"})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatal("DuplicateError should match ErrDuplicateRequest")
	}
	id, ok := ExistingID(err)
	if !ok || id != "abcdef0123" {
		t.Fatalf("ExistingID = %q, %v", id, ok)
	}
}

func TestApplyLease(t *testing.T) {
	t.Parallel()
	j := newTestJob()
	now := time.Unix(1000, 0)
	until := now.Add(time.Minute)

	if err := j.Apply(Transition{LeaseOwner: "a", LeaseUntil: until}, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.LeaseOwner != "a" || !j.LeaseUntil.Equal(until) {
		t.Fatalf("lease not taken: %q %v", j.LeaseOwner, j.LeaseUntil)
	}

	rev := j.Revision
	err := j.Apply(Transition{LeaseOwner: "b", LeaseUntil: until.Add(time.Minute), AddSubmitAttempts: 1}, now)
	if !errors.Is(err, ErrLeased) {
		t.Fatalf("want ErrLeased, got %v", err)
	}
	if j.Revision != rev || j.SubmitAttempts != 0 || j.LeaseOwner != "a" {
		t.Fatalf("rejected claim mutated job: %+v", j)
	}

	// Updates without an owner are not lease-checked and keep the lease.
	if err := j.Apply(Transition{Progress: 10}, now); err != nil {
		t.Fatalf("plain update: %v", err)
	}
	if j.LeaseOwner != "a" {
		t.Fatalf("plain update dropped the lease")
	}

	// Once expired, anyone can take it.
	later := until.Add(time.Second)
	if err := j.Apply(Transition{LeaseOwner: "b", LeaseUntil: later.Add(time.Minute)}, later); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if j.LeaseOwner != "b" {
		t.Fatalf("owner = %q, want b", j.LeaseOwner)
	}

	// Releasing someone else's lease is rejected while it is live.
	if err := j.Apply(Transition{LeaseOwner: "a", ReleaseLease: true}, later); !errors.Is(err, ErrLeased) {
		t.Fatalf("foreign release: %v", err)
	}
	if err := j.Apply(Transition{LeaseOwner: "b", ReleaseLease: true}, later); err != nil {
		t.Fatalf("release: %v", err)
	}
	if j.LeaseOwner != "" || !j.LeaseUntil.IsZero() {
		t.Fatalf("lease not released: %q %v", j.LeaseOwner, j.LeaseUntil)
	}
}
