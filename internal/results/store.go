package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("job record not found")

	// ErrTerminalState is returned when a transition is attempted out of
	// Succeeded, DeadLettered or Cancelled.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// Record is the durable view of one job's lifecycle, queried by the HTTP
// layer through the status API.
type Record struct {
	JobID          string
	Type           string
	State          job.State
	IdempotencyKey string
	Priority       job.Priority
	Attempts       int
	Result         []byte
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Detail carries the outcome attached to a state transition.
type Detail struct {
	Attempt int
	Result  []byte
	Err     string
}

type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres with bounded retries before surfacing a fatal
// startup error.
func Open(ctx context.Context, databaseURL string, retries int, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= retries; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return &Store{db: db, logger: logger}, nil
		}
		logger.Warn("Postgres connection failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("ping postgres: %w", err)
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the tables this store owns.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_records (
			job_id          TEXT PRIMARY KEY,
			job_type        TEXT NOT NULL,
			state           TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			priority        INT NOT NULL DEFAULT 1,
			attempts        INT NOT NULL DEFAULT 0,
			result          BYTEA,
			last_error      TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_transitions (
			id         BIGSERIAL PRIMARY KEY,
			job_id     TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			detail     TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_transitions_job_id ON job_transitions (job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_records_state ON job_records (state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Create inserts the Pending record for a freshly submitted job.
func (s *Store) Create(ctx context.Context, j job.Job) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records (job_id, job_type, state, idempotency_key, priority, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, j.ID, j.Type, job.StatePending, j.IdempotencyKey, int(j.Priority), now)
	if err != nil {
		return fmt.Errorf("create job record: %w", err)
	}
	return nil
}

// Transition moves the record to a new state and appends to the transition
// log. Transitions out of a terminal state are rejected with
// ErrTerminalState; every terminal state is recorded exactly once.
func (s *Store) Transition(ctx context.Context, jobID string, to job.State, detail Detail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from job.State
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM job_records WHERE job_id = $1 FOR UPDATE`, jobID).Scan(&from)
	if err == sql.ErrNoRows {
		return fmt.Errorf("transition %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job record: %w", err)
	}
	if from.Terminal() {
		return fmt.Errorf("transition %s to %s: %w", jobID, to, ErrTerminalState)
	}

	var lastErr *string
	if detail.Err != "" {
		lastErr = &detail.Err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE job_records
		SET state = $2,
		    attempts = GREATEST(attempts, $3),
		    result = COALESCE($4, result),
		    last_error = COALESCE($5, last_error),
		    updated_at = $6
		WHERE job_id = $1
	`, jobID, to, detail.Attempt, detail.Result, lastErr, time.Now())
	if err != nil {
		return fmt.Errorf("update job record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_transitions (job_id, from_state, to_state, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, from, to, detail.Err, time.Now())
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (Record, error) {
	var rec Record
	var prio int
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, job_type, state, idempotency_key, priority, attempts, result, last_error, created_at, updated_at
		FROM job_records WHERE job_id = $1
	`, jobID).Scan(&rec.JobID, &rec.Type, &rec.State, &rec.IdempotencyKey, &prio,
		&rec.Attempts, &rec.Result, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("get %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get job record: %w", err)
	}
	rec.Priority = job.Priority(prio)
	return rec, nil
}

// ListDeadLettered returns terminal dead-lettered records, newest first, for
// the operational surface.
func (s *Store) ListDeadLettered(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, job_type, state, idempotency_key, priority, attempts, result, last_error, created_at, updated_at
		FROM job_records WHERE state = $1
		ORDER BY updated_at DESC LIMIT $2
	`, job.StateDeadLettered, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var prio int
		if err := rows.Scan(&rec.JobID, &rec.Type, &rec.State, &rec.IdempotencyKey, &prio,
			&rec.Attempts, &rec.Result, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Priority = job.Priority(prio)
		out = append(out, rec)
	}
	return out, rows.Err()
}
