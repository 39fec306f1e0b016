package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule is a recurring (cron) or one-shot trigger. Exactly one of
// CronExpr / FireAt is set.
type Schedule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CronExpr        string          `json:"cron_expr,omitempty"`
	FireAt          *time.Time      `json:"fire_at,omitempty"`
	JobType         string          `json:"job_type"`
	PayloadTemplate json.RawMessage `json:"payload_template"`
	Priority        job.Priority    `json:"priority"`
	Enabled         bool            `json:"enabled"`
	LastFired       *time.Time      `json:"last_fired,omitempty"`
	NextFire        *time.Time      `json:"next_fire,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Store persists schedules in Postgres. Mutations are atomic row replaces,
// so the fire loop needs no coordination with the admin surface beyond
// reading fresh rows each tick.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schedules (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			cron_expr        TEXT NOT NULL DEFAULT '',
			fire_at          TIMESTAMPTZ,
			job_type         TEXT NOT NULL,
			payload_template JSONB NOT NULL DEFAULT '{}',
			priority         INT NOT NULL DEFAULT 1,
			enabled          BOOLEAN NOT NULL DEFAULT TRUE,
			last_fired       TIMESTAMPTZ,
			next_fire        TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure schedules schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, sc Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, fire_at, job_type, payload_template, priority, enabled, last_fired, next_fire, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sc.ID, sc.Name, sc.CronExpr, sc.FireAt, sc.JobType, []byte(sc.PayloadTemplate),
		int(sc.Priority), sc.Enabled, sc.LastFired, sc.NextFire, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// Update replaces the whole row.
func (s *Store) Update(ctx context.Context, sc Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = $2, cron_expr = $3, fire_at = $4, job_type = $5, payload_template = $6,
		    priority = $7, enabled = $8, last_fired = $9, next_fire = $10, updated_at = $11
		WHERE id = $1
	`, sc.ID, sc.Name, sc.CronExpr, sc.FireAt, sc.JobType, []byte(sc.PayloadTemplate),
		int(sc.Priority), sc.Enabled, sc.LastFired, sc.NextFire, time.Now())
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", sc.ID, ErrScheduleNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrScheduleNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return Schedule{}, fmt.Errorf("get %s: %w", id, ErrScheduleNotFound)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) List(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListDue returns enabled schedules whose next fire time has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM schedules WHERE enabled AND next_fire IS NOT NULL AND next_fire <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// MarkFired records a fire and the recomputed next fire time. A nil next
// disables the schedule (one-shot exhausted).
func (s *Store) MarkFired(ctx context.Context, id string, fired time.Time, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_fired = $2, next_fire = $3, enabled = ($3 IS NOT NULL), updated_at = $2
		WHERE id = $1
	`, id, fired, next)
	if err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, name, cron_expr, fire_at, job_type, payload_template, priority, enabled, last_fired, next_fire, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var sc Schedule
	var payload []byte
	var prio int
	err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.FireAt, &sc.JobType, &payload,
		&prio, &sc.Enabled, &sc.LastFired, &sc.NextFire, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return Schedule{}, err
	}
	sc.PayloadTemplate = payload
	sc.Priority = job.Priority(prio)
	return sc, nil
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
