// Package storage persists generation jobs.
//
// Backends:
//   - "memory": process-local, for tests and throwaway runs
//   - "file":   snapshot + JSON Lines journal, no external dependencies
//   - "sqlite": single-file database (default)
//   - "postgres": shared database for multi-instance deployments
//
// Every backend validates updates with job.Job.Apply so the lifecycle rules
// are identical everywhere.
package storage

import (
	"context"
	"iter"
	"time"

	"sorabot/internal/job"
)

var (
	ErrNotFound = job.ErrNotFound
	ErrStale    = job.ErrStale
)

// Store is the durable job_id -> Job map.
type Store interface {
	// Create inserts a pending job. If the same user already has a live job
	// with the same idempotency key, it returns *job.DuplicateError.
	Create(ctx context.Context, j *job.Job) (string, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	// Update applies tr atomically and returns the new record.
	Update(ctx context.Context, id string, tr job.Transition) (*job.Job, error)
	// ListActive yields every job that is not yet delivered, oldest first.
	// The sequence is lazy and may be iterated more than once.
	ListActive(ctx context.Context) iter.Seq2[*job.Job, error]
	ListByUser(ctx context.Context, userID int64, limit int) ([]*job.Job, error)
	FindByExternalID(ctx context.Context, externalID string) (*job.Job, error)
	CountByState(ctx context.Context) (map[job.State]int, error)
	Close() error
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres". Empty means sqlite.
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	PageSize    int           // ListActive page size; 0 means 100
}

const defaultPageSize = 100

func (c Config) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return defaultPageSize
}

// liveStates are the states that hold an idempotency key.
var liveStates = []job.State{job.StatePending, job.StateSubmitted, job.StatePolling}

// activeStates are the states ListActive returns.
var activeStates = []job.State{job.StatePending, job.StateSubmitted, job.StatePolling, job.StateSucceeded, job.StateFailed}
