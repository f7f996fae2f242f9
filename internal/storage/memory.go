package storage

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"sorabot/internal/job"
)

// memStore keeps jobs in a map. The file backend wraps it with a journal by
// setting persist, which runs under the lock before a change becomes visible.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	persist func(*job.Job) error
	now     func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*job.Job{}, now: time.Now}
}

func (s *memStore) Create(ctx context.Context, j *job.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.IdempotencyKey != "" {
		for _, cur := range s.jobs {
			if cur.UserID == j.UserID && cur.IdempotencyKey == j.IdempotencyKey && cur.State.InFlight() {
				return "", &job.DuplicateError{ExistingID: cur.ID}
			}
		}
	}
	rec := j.Clone()
	if err := s.write(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cur.Clone(), nil
}

func (s *memStore) Update(ctx context.Context, id string, tr job.Transition) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := next.Apply(tr, s.now()); err != nil {
		return nil, err
	}
	if err := s.write(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// write must be called with mu held.
func (s *memStore) write(rec *job.Job) error {
	if s.persist != nil {
		if err := s.persist(rec); err != nil {
			return err
		}
	}
	s.jobs[rec.ID] = rec
	return nil
}

func (s *memStore) ListActive(ctx context.Context) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		// Snapshot ids in creation order, then fetch each one lazily so jobs
		// that reach delivered mid-iteration are skipped.
		s.mu.Lock()
		ids := make([]*job.Job, 0, len(s.jobs))
		for _, j := range s.jobs {
			if j.State != job.StateDelivered {
				ids = append(ids, j)
			}
		}
		s.mu.Unlock()
		sortByCreated(ids)

		for _, ref := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			s.mu.Lock()
			cur, ok := s.jobs[ref.ID]
			var cp *job.Job
			if ok && cur.State != job.StateDelivered {
				cp = cur.Clone()
			}
			s.mu.Unlock()
			if cp == nil {
				continue
			}
			if !yield(cp, nil) {
				return
			}
		}
	}
}

func (s *memStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]*job.Job, 0)
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j.Clone())
		}
	}
	s.mu.Unlock()
	sortByCreated(out)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FindByExternalID(ctx context.Context, externalID string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ExternalID == externalID {
			return j.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) CountByState(ctx context.Context) (map[job.State]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[job.State]int, len(job.States))
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func sortByCreated(js []*job.Job) {
	slices.SortFunc(js, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
