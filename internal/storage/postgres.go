package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sorabot/internal/job"
	logx "sorabot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	page int
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log, page: cfg.pageSize()}, nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func stateArgs(states []job.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func (s *postgresStore) Create(ctx context.Context, j *job.Job) (string, error) {
	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22);
`
	_, err := s.pool.Exec(ctx, q,
		j.ID, j.UserID, j.ChatID, j.ThreadID, j.Prompt, j.Params, j.IdempotencyKey, j.ExternalID, string(j.State),
		j.Progress, j.SubmitAttempts, j.PollErrors, j.DeliveryAttempts, j.ResultRef, j.ErrorDetail, string(j.FailReason),
		j.Caption, j.LeaseOwner, nullTime(j.LeaseUntil), j.Revision, j.CreatedAt, j.UpdatedAt,
	)
	if err == nil {
		return j.ID, nil
	}

	// The partial unique index guards live idempotency keys.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && j.IdempotencyKey != "" {
		var existing string
		qerr := s.pool.QueryRow(ctx,
			`SELECT id FROM jobs WHERE user_id = $1 AND idempotency_key = $2 AND state = ANY($3) LIMIT 1;`,
			j.UserID, j.IdempotencyKey, stateArgs(liveStates),
		).Scan(&existing)
		if qerr == nil {
			return "", &job.DuplicateError{ExistingID: existing}
		}
	}
	return "", err
}

func (s *postgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	return scanPgJob(row)
}

func (s *postgresStore) Update(ctx context.Context, id string, tr job.Transition) (*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanPgJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE;`, id))
	if err != nil {
		return nil, err
	}
	prev := cur.Revision
	if err := cur.Apply(tr, time.Now().UTC()); err != nil {
		return nil, err
	}

	const q = `
UPDATE jobs SET external_id=$3, state=$4, progress=$5, submit_attempts=$6, poll_errors=$7,
	delivery_attempts=$8, result_ref=$9, error_detail=$10, fail_reason=$11, caption=$12,
	lease_owner=$13, lease_until=$14, revision=$15, updated_at=$16
WHERE id=$1 AND revision=$2;
`
	tag, err := tx.Exec(ctx, q, id, prev,
		cur.ExternalID, string(cur.State), cur.Progress, cur.SubmitAttempts, cur.PollErrors,
		cur.DeliveryAttempts, cur.ResultRef, cur.ErrorDetail, string(cur.FailReason), cur.Caption,
		cur.LeaseOwner, nullTime(cur.LeaseUntil), cur.Revision, cur.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrStale, job.ShortID(id))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *postgresStore) ListActive(ctx context.Context) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		var (
			afterAt time.Time
			afterID string
		)
		for {
			rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE state = ANY($1) AND (created_at, id) > ($2, $3)
ORDER BY created_at, id LIMIT $4;`, stateArgs(activeStates), afterAt, afterID, s.page)
			if err != nil {
				yield(nil, err)
				return
			}
			page, err := collectPgRows(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, j := range page {
				if !yield(j, nil) {
					return
				}
			}
			if len(page) < s.page {
				return
			}
			last := page[len(page)-1]
			afterAt, afterID = last.CreatedAt, last.ID
		}
	}
}

func (s *postgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = s.page
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1
ORDER BY created_at DESC, id DESC LIMIT $2;`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectPgRows(rows)
}

func (s *postgresStore) FindByExternalID(ctx context.Context, externalID string) (*job.Job, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_id = $1 LIMIT 1;`, externalID)
	return scanPgJob(row)
}

func (s *postgresStore) CountByState(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[job.State]int, len(job.States))
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[job.State(st)] = n
	}
	return out, rows.Err()
}

func scanPgJob(r pgx.Row) (*job.Job, error) {
	var (
		j          job.Job
		state      string
		failReason string
		leaseUntil *time.Time
	)
	err := r.Scan(&j.ID, &j.UserID, &j.ChatID, &j.ThreadID, &j.Prompt, &j.Params, &j.IdempotencyKey, &j.ExternalID, &state,
		&j.Progress, &j.SubmitAttempts, &j.PollErrors, &j.DeliveryAttempts, &j.ResultRef, &j.ErrorDetail, &failReason,
		&j.Caption, &j.LeaseOwner, &leaseUntil, &j.Revision, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.FailReason = job.FailReason(failReason)
	if leaseUntil != nil {
		j.LeaseUntil = *leaseUntil
	}
	return &j, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func collectPgRows(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
