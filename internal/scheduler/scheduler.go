// Package scheduler fires cron and one-shot schedules into the job engine.
//
// Catch-up policy for operators: when the process was down across one or
// more scheduled fire times, each schedule fires AT MOST ONCE on restart,
// however many fires were missed. The missed count is logged, never
// replayed, to avoid a thundering herd after downtime.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/cache"
	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"
	"github.com/biswas2200/mechant-pwr-ai/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrScheduleConfig is a configuration error (malformed cron expression,
// missing trigger): surfaced immediately, never retried.
var ErrScheduleConfig = errors.New("invalid schedule configuration")

const leaderLockName = "scheduler-leader"

// Source is the schedule persistence the fire loop reads and updates.
type Source interface {
	ListDue(ctx context.Context, now time.Time) ([]Schedule, error)
	MarkFired(ctx context.Context, id string, fired time.Time, next *time.Time) error
}

// Submitter is the engine-side entry point the fire loop enqueues through.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload []byte, idempotencyKey string, priority job.Priority) (jobID string, duplicate bool, err error)
}

// Validate checks a schedule's trigger definition.
func Validate(sc Schedule) error {
	if sc.JobType == "" {
		return fmt.Errorf("%w: job type is required", ErrScheduleConfig)
	}
	if sc.CronExpr == "" && sc.FireAt == nil {
		return fmt.Errorf("%w: either cron expression or fire time is required", ErrScheduleConfig)
	}
	if sc.CronExpr != "" && sc.FireAt != nil {
		return fmt.Errorf("%w: cron expression and fire time are mutually exclusive", ErrScheduleConfig)
	}
	if sc.CronExpr != "" {
		if _, err := cron.ParseStandard(sc.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrScheduleConfig, err)
		}
	}
	return nil
}

// NextFire computes the first fire time at or after now.
func NextFire(sc Schedule, now time.Time) (*time.Time, error) {
	if sc.FireAt != nil {
		t := *sc.FireAt
		return &t, nil
	}
	spec, err := cron.ParseStandard(sc.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScheduleConfig, err)
	}
	next := spec.Next(now)
	return &next, nil
}

// missedFires counts fire times in (from, now]. Only used for logging the
// catch-up decision.
func missedFires(sc Schedule, from, now time.Time) int {
	if sc.CronExpr == "" {
		if from.Before(now) || from.Equal(now) {
			return 1
		}
		return 0
	}
	spec, err := cron.ParseStandard(sc.CronExpr)
	if err != nil {
		return 0
	}
	count := 0
	for t := from; !t.After(now) && count < 10000; {
		count++
		t = spec.Next(t)
	}
	return count
}

type Scheduler struct {
	store   Source
	submit  Submitter
	leader  *cache.Lock
	metrics *metrics.EngineMetrics
	tick    time.Duration
	logger  *log.Logger
	now     func() time.Time
}

func New(store Source, submit Submitter, c *cache.Cache, m *metrics.EngineMetrics, instanceID string, tick, lockTTL time.Duration, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		submit:  submit,
		leader:  cache.NewLock(c, leaderLockName, instanceID, lockTTL),
		metrics: m,
		tick:    tick,
		logger:  logger,
		now:     time.Now,
	}
}

// Run drives the fire loop. Multiple instances may run it; the leader lock
// ensures only one fires per tick while the rest stand by.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down")
			if err := s.leader.Release(context.Background()); err != nil {
				s.logger.Warn("Failed to release leader lock", zap.Error(err))
			}
			return
		case <-ticker.C:
			held, err := s.leader.Acquire(ctx)
			if err != nil {
				s.logger.Error("Leader lock check failed", zap.Error(err))
				continue
			}
			if !held {
				continue
			}
			if _, err := s.leader.Renew(ctx); err != nil {
				s.logger.Error("Leader lock renewal failed", zap.Error(err))
				continue
			}
			if err := s.fireDue(ctx); err != nil {
				s.logger.Error("Fire pass failed", zap.Error(err))
			}
		}
	}
}

// fireDue runs one Idle -> Firing -> Idle pass over every due schedule.
func (s *Scheduler) fireDue(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, sc := range due {
		if err := s.fire(ctx, sc, now); err != nil {
			s.logger.Error("Failed to fire schedule",
				zap.String("schedule_id", sc.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sc Schedule, now time.Time) error {
	if sc.NextFire != nil {
		if missed := missedFires(sc, *sc.NextFire, now); missed > 1 {
			s.logger.Warn("Catching up missed fires with a single job",
				zap.String("schedule_id", sc.ID), zap.Int("missed", missed))
		}
	}

	payload := renderTemplate(sc.PayloadTemplate, now)
	idemKey := fmt.Sprintf("sched:%s:%d", sc.ID, now.Unix())
	jobID, duplicate, err := s.submit.Submit(ctx, sc.JobType, payload, idemKey, sc.Priority)
	if err != nil {
		return fmt.Errorf("submit scheduled job: %w", err)
	}

	var next *time.Time
	if sc.CronExpr != "" {
		// Recompute from now, not from the missed slot: one catch-up only.
		next, err = NextFire(Schedule{CronExpr: sc.CronExpr}, now)
		if err != nil {
			return err
		}
	}
	if err := s.store.MarkFired(ctx, sc.ID, now, next); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ScheduleFiredTotal.WithLabelValues(sc.ID).Inc()
	}
	s.logger.Info("Fired schedule",
		zap.String("schedule_id", sc.ID),
		zap.String("job_id", jobID),
		zap.Bool("duplicate", duplicate))
	return nil
}

// renderTemplate substitutes the fire time into payload templates that
// reference it via {{fire_time}}.
func renderTemplate(template []byte, fireTime time.Time) []byte {
	if len(template) == 0 {
		return []byte("{}")
	}
	out := strings.ReplaceAll(string(template), "{{fire_time}}", fireTime.UTC().Format(time.RFC3339))
	return []byte(out)
}
