// Package store implements the typed CRUD and balance-CAS operations of
// the state layer (spec.md §3, §4.5) over PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxscribe/internal/joberr"
)

// Schema is the DDL for the tables this package manages. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    display_name    TEXT NOT NULL DEFAULT '',
    balance_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    trial_used      BOOLEAN NOT NULL DEFAULT false,
    settings        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audio_jobs (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL REFERENCES users(id),
    chat_id          TEXT NOT NULL DEFAULT '',
    file_handle      TEXT NOT NULL DEFAULT '',
    declared_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    progress_message_id BIGINT NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'pending',
    status_message   TEXT NOT NULL DEFAULT '',
    trace_id         TEXT NOT NULL DEFAULT '',
    error_text       TEXT NOT NULL DEFAULT '',
    result_summary   TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audio_jobs_user ON audio_jobs(user_id);
CREATE INDEX IF NOT EXISTS idx_audio_jobs_status ON audio_jobs(status);

CREATE TABLE IF NOT EXISTS transcription_logs (
    id               BIGSERIAL PRIMARY KEY,
    job_id           TEXT NOT NULL,
    user_id          TEXT NOT NULL REFERENCES users(id),
    billed_seconds   DOUBLE PRECISION NOT NULL DEFAULT 0,
    character_count  INTEGER NOT NULL DEFAULT 0,
    outcome          TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transcription_logs_job ON transcription_logs(job_id);
`

// JobStatus enumerates the dedup status tag of an audio job (spec.md §3).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// User mirrors the User entity of spec.md §3.
type User struct {
	ID             string
	DisplayName    string
	BalanceSeconds float64
	TrialUsed      bool
	Settings       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Job mirrors the Job entity of spec.md §3.
type Job struct {
	ID                string
	UserID            string
	ChatID            string
	FileHandle        string
	DeclaredSeconds   float64
	ProgressMessageID int64
	Status            JobStatus
	StatusMessage     string
	TraceID           string
	ErrorText         string
	ResultSummary     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TranscriptionLog mirrors the append-only transcription-log entity of
// spec.md §3.
type TranscriptionLog struct {
	ID             int64
	JobID          string
	UserID         string
	BilledSeconds  float64
	CharacterCount int
	Outcome        string
	CreatedAt      time.Time
}

// balanceCASAttempts and balanceCASBackoff implement the retry-with-linear-
// backoff policy of spec.md §4.5: up to 3 attempts at 100ms/200ms/300ms.
const balanceCASAttempts = 3

var balanceCASBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed state adapter of spec.md §4.5.
type Store struct {
	db DB
}

// New creates a Store over the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open constructs a connection pool from dsn, pings it, migrates the
// schema, and returns a ready-to-use Store together with its pool. The
// caller should close the returned pool when done.
func Open(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes [Schema] against the database, creating tables and
// indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateUser inserts a new user row with the given trial grant. It fails
// if a user with the same id already exists (spec.md §4.5 "create_user
// fails on existing").
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	const query = `
		INSERT INTO users (id, display_name, balance_seconds, trial_used, settings)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`

	settingsJSON, err := marshalSettings(u.Settings)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, query, u.ID, u.DisplayName, u.BalanceSeconds, u.TrialUsed, settingsJSON).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: user %q already exists", u.ID)
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id. It returns (nil, nil) if no such user
// exists.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, display_name, balance_seconds, trial_used, settings, created_at, updated_at
		FROM users WHERE id = $1`

	var u User
	var settingsJSON []byte
	err := s.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.DisplayName, &u.BalanceSeconds, &u.TrialUsed, &settingsJSON, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get user %q: %w", id, err)
	}
	if err := unmarshalSettings(&u, settingsJSON); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserSettings replaces a user's settings map. It fails if the user
// does not exist (spec.md §4.5 "update_* fails on missing").
func (s *Store) UpdateUserSettings(ctx context.Context, id string, settings map[string]any) error {
	const query = `
		UPDATE users SET settings = $2, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	settingsJSON, err := marshalSettings(settings)
	if err != nil {
		return err
	}

	var updatedAt time.Time
	err = s.db.QueryRow(ctx, query, id, settingsJSON).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: user %q not found", id)
		}
		return fmt.Errorf("store: update user settings: %w", err)
	}
	return nil
}

// GetAllUsers reads up to limit users ordered by id, a range scan per
// spec.md §4.5 ("no secondary indexes are assumed").
func (s *Store) GetAllUsers(ctx context.Context, limit int) ([]User, error) {
	const query = `
		SELECT id, display_name, balance_seconds, trial_used, settings, created_at, updated_at
		FROM users ORDER BY id LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get all users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var settingsJSON []byte
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.BalanceSeconds, &u.TrialUsed, &settingsJSON, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: get all users scan: %w", err)
		}
		if err := unmarshalSettings(&u, settingsJSON); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get all users: %w", err)
	}
	return out, nil
}

// UpdateBalance applies delta to a user's balance with optimistic
// concurrency per spec.md §4.5: read the current balance, compute
// new = max(0, current + delta), then issue a conditional update that
// succeeds only if the row's balance still equals the observed value. On
// conflict, retry with linear backoff up to balanceCASAttempts times.
// A missing user row is not retried: the initial read fails at once with a
// "not found" error, so the caller's create-on-demand path must run first.
func (s *Store) UpdateBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	const selectQuery = `SELECT balance_seconds FROM users WHERE id = $1`
	const casQuery = `
		UPDATE users SET balance_seconds = $3, updated_at = now()
		WHERE id = $1 AND balance_seconds = $2
		RETURNING balance_seconds`

	for attempt := 0; attempt < balanceCASAttempts; attempt++ {
		var current float64
		err := s.db.QueryRow(ctx, selectQuery, userID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("store: update balance: user %q not found", userID)
			}
			return 0, fmt.Errorf("store: update balance: read: %w", err)
		}

		newBalance := current + delta
		if newBalance < 0 {
			newBalance = 0
		}

		var result float64
		err = s.db.QueryRow(ctx, casQuery, userID, current, newBalance).Scan(&result)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("store: update balance: cas: %w", err)
		}

		// pgx.ErrNoRows here means the conditional UPDATE matched nothing:
		// another writer changed the balance between our read and our
		// write. Back off and retry against the now-current value.
		if attempt < balanceCASAttempts-1 {
			select {
			case <-time.After(balanceCASBackoff[attempt]):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return 0, joberr.ErrBalanceCASExhausted
}

// CreateJob inserts a new job row. It fails if a job with the same id
// already exists, used as the dedup check (spec.md §3, §4.5).
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	const query = `
		INSERT INTO audio_jobs (
			id, user_id, chat_id, file_handle, declared_seconds, progress_message_id,
			status, status_message, trace_id, error_text, result_summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`

	status := j.Status
	if status == "" {
		status = JobPending
	}

	err := s.db.QueryRow(ctx, query,
		j.ID, j.UserID, j.ChatID, j.FileHandle, j.DeclaredSeconds, j.ProgressMessageID,
		status, j.StatusMessage, j.TraceID, j.ErrorText, j.ResultSummary,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: job %q already exists", joberr.ErrDuplicateJob, j.ID)
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	j.Status = status
	return nil
}

// GetJob retrieves a job by id. It returns (nil, nil) if no such job
// exists.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	const query = `
		SELECT id, user_id, chat_id, file_handle, declared_seconds, progress_message_id,
		       status, status_message, trace_id, error_text, result_summary,
		       created_at, updated_at
		FROM audio_jobs WHERE id = $1`

	var j Job
	err := s.db.QueryRow(ctx, query, id).Scan(
		&j.ID, &j.UserID, &j.ChatID, &j.FileHandle, &j.DeclaredSeconds, &j.ProgressMessageID,
		&j.Status, &j.StatusMessage, &j.TraceID, &j.ErrorText, &j.ResultSummary,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get job %q: %w", id, err)
	}
	return &j, nil
}

// UpdateJobStatus transitions a job's status and associated fields. It
// fails if the job does not exist.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status JobStatus, statusMessage, errorText, resultSummary string) error {
	const query = `
		UPDATE audio_jobs SET
			status = $2, status_message = $3, error_text = $4, result_summary = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	var updatedAt time.Time
	err := s.db.QueryRow(ctx, query, id, status, statusMessage, errorText, resultSummary).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: job %q not found", id)
		}
		return fmt.Errorf("store: update job status: %w", err)
	}
	return nil
}

// GetPendingJobs reads up to limit jobs in the pending status, a range
// scan filtered client-side is not needed here since status is indexed,
// but no further secondary index is assumed (spec.md §4.5).
func (s *Store) GetPendingJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.getJobsByStatus(ctx, JobPending, limit)
}

// GetStuckJobs reads up to limit jobs that have been pending or processing
// since before olderThan, the input to the orphan sweep of spec.md
// §4.4.4/§5.
func (s *Store) GetStuckJobs(ctx context.Context, olderThan time.Time, limit int) ([]Job, error) {
	const query = `
		SELECT id, user_id, chat_id, file_handle, declared_seconds, progress_message_id,
		       status, status_message, trace_id, error_text, result_summary,
		       created_at, updated_at
		FROM audio_jobs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`

	rows, err := s.db.Query(ctx, query, JobPending, JobProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get stuck jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) getJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	const query = `
		SELECT id, user_id, chat_id, file_handle, declared_seconds, progress_message_id,
		       status, status_message, trace_id, error_text, result_summary,
		       created_at, updated_at
		FROM audio_jobs
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get jobs by status: %w", err)
	}
	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.UserID, &j.ChatID, &j.FileHandle, &j.DeclaredSeconds, &j.ProgressMessageID,
			&j.Status, &j.StatusMessage, &j.TraceID, &j.ErrorText, &j.ResultSummary,
			&j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan jobs: %w", err)
	}
	return out, nil
}

// CreateTranscriptionLog inserts the single append-only log row written
// after a completed job is delivered (spec.md §3's "exactly one
// transcription-log row" invariant). A unique index on job_id makes a
// second attempt for the same job a duplicate-key error rather than a
// silent double-write.
func (s *Store) CreateTranscriptionLog(ctx context.Context, l *TranscriptionLog) error {
	const query = `
		INSERT INTO transcription_logs (job_id, user_id, billed_seconds, character_count, outcome)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`

	err := s.db.QueryRow(ctx, query, l.JobID, l.UserID, l.BilledSeconds, l.CharacterCount, l.Outcome).
		Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: transcription log for job %q already exists", l.JobID)
		}
		return fmt.Errorf("store: create transcription log: %w", err)
	}
	return nil
}

func marshalSettings(settings map[string]any) ([]byte, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("store: marshal settings: %w", err)
	}
	return b, nil
}

func unmarshalSettings(u *User, raw []byte) error {
	if err := json.Unmarshal(raw, &u.Settings); err != nil {
		return fmt.Errorf("store: unmarshal settings: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
