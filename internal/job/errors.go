package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrStale             = errors.New("job revision changed")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrLeased            = errors.New("job leased by another instance")
)

// DuplicateError is returned by Create when a live job already exists for the
// same user and idempotency key.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate request: job %s is still active", ShortID(e.ExistingID))
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateRequest }

// ExistingID extracts the id of the live job from a duplicate error.
func ExistingID(err error) (string, bool) {
	var de *DuplicateError
	if errors.As(err, &de) && de.ExistingID != "" {
		return de.ExistingID, true
	}
	return "", false
}
