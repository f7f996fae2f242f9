package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sorabot/internal/job"
	logx "sorabot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const jobColumns = `id, user_id, chat_id, thread_id, prompt, params, idempotency_key, external_id, state,
	progress, submit_attempts, poll_errors, delivery_attempts, result_ref, error_detail, fail_reason,
	caption, lease_owner, lease_until, revision, created_at, updated_at`

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	page int
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes read-modify-write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, page: cfg.pageSize()}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addLeaseColumns(ctx)
}

// addLeaseColumns upgrades databases created before jobs carried a lease.
func (s *sqliteStore) addLeaseColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('jobs')`)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, col := range []struct{ name, def string }{
		{"lease_owner", "TEXT NOT NULL DEFAULT ''"},
		{"lease_until", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if have[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN `+col.name+` `+col.def); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, j *job.Job) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if j.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE user_id = ? AND idempotency_key = ? AND state IN (?, ?, ?) LIMIT 1`,
			j.UserID, j.IdempotencyKey, liveStates[0], liveStates[1], liveStates[2],
		).Scan(&existing)
		switch {
		case err == nil:
			return "", &job.DuplicateError{ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return "", err
		}
	}

	params, err := json.Marshal(j.Params)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, j.ChatID, j.ThreadID, j.Prompt, string(params), j.IdempotencyKey, j.ExternalID, string(j.State),
		j.Progress, j.SubmitAttempts, j.PollErrors, j.DeliveryAttempts, j.ResultRef, j.ErrorDetail, string(j.FailReason),
		j.Caption, j.LeaseOwner, unixMilliOrZero(j.LeaseUntil), j.Revision, j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

func (s *sqliteStore) Update(ctx context.Context, id string, tr job.Transition) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	prev := cur.Revision
	if err := cur.Apply(tr, time.Now()); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET external_id = ?, state = ?, progress = ?, submit_attempts = ?,
		poll_errors = ?, delivery_attempts = ?, result_ref = ?, error_detail = ?, fail_reason = ?, caption = ?,
		lease_owner = ?, lease_until = ?, revision = ?, updated_at = ?
		WHERE id = ? AND revision = ?`,
		cur.ExternalID, string(cur.State), cur.Progress, cur.SubmitAttempts,
		cur.PollErrors, cur.DeliveryAttempts, cur.ResultRef, cur.ErrorDetail, string(cur.FailReason), cur.Caption,
		cur.LeaseOwner, unixMilliOrZero(cur.LeaseUntil), cur.Revision, cur.UpdatedAt.UnixMilli(),
		id, prev,
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrStale, job.ShortID(id))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *sqliteStore) ListActive(ctx context.Context) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		var (
			afterAt int64 = -1
			afterID string
		)
		for {
			rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
				WHERE state IN (?, ?, ?, ?, ?) AND (created_at > ? OR (created_at = ? AND id > ?))
				ORDER BY created_at, id LIMIT ?`,
				activeStates[0], activeStates[1], activeStates[2], activeStates[3], activeStates[4],
				afterAt, afterAt, afterID, s.page,
			)
			if err != nil {
				yield(nil, err)
				return
			}
			page, err := collectSQLiteRows(rows)
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
			afterAt, afterID = last.CreatedAt.UnixMilli(), last.ID
		}
	}
}

func (s *sqliteStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = s.page
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteRows(rows)
}

func (s *sqliteStore) FindByExternalID(ctx context.Context, externalID string) (*job.Job, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_id = ? LIMIT 1`, externalID)
	return scanSQLiteJob(row)
}

func (s *sqliteStore) CountByState(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(r rowScanner) (*job.Job, error) {
	var (
		j          job.Job
		params     string
		state      string
		failReason string
		leaseUntil int64
		createdAt  int64
		updatedAt  int64
	)
	err := r.Scan(&j.ID, &j.UserID, &j.ChatID, &j.ThreadID, &j.Prompt, &params, &j.IdempotencyKey, &j.ExternalID, &state,
		&j.Progress, &j.SubmitAttempts, &j.PollErrors, &j.DeliveryAttempts, &j.ResultRef, &j.ErrorDetail, &failReason,
		&j.Caption, &j.LeaseOwner, &leaseUntil, &j.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("job %s params: %w", job.ShortID(j.ID), err)
	}
	j.State = job.State(state)
	j.FailReason = job.FailReason(failReason)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	if leaseUntil > 0 {
		j.LeaseUntil = time.UnixMilli(leaseUntil)
	}
	return &j, nil
}

func collectSQLiteRows(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
