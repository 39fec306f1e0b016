// Package engine is the submission front of the job system: it assigns IDs,
// applies idempotency at the door, journals accepted work and hands it to
// the broker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/cache"
	"github.com/biswas2200/mechant-pwr-ai/internal/id"
	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/journal"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"
	"github.com/biswas2200/mechant-pwr-ai/internal/metrics"
	"github.com/biswas2200/mechant-pwr-ai/internal/registry"
	"github.com/biswas2200/mechant-pwr-ai/internal/results"

	"go.uber.org/zap"
)

// Queue is the broker surface submissions flow into.
type Queue interface {
	Enqueue(ctx context.Context, j job.Job) error
}

// Marker is the cache surface used for submission-time deduplication.
type Marker interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Recorder is the result-store surface.
type Recorder interface {
	Create(ctx context.Context, j job.Job) error
	Get(ctx context.Context, jobID string) (results.Record, error)
	Transition(ctx context.Context, jobID string, to job.State, detail results.Detail) error
}

type Engine struct {
	queue    Queue
	marker   Marker
	recorder Recorder
	registry *registry.Registry
	journal  *journal.Journal
	ids      *id.Generator
	metrics  *metrics.EngineMetrics
	dedupTTL time.Duration
	logger   *log.Logger
}

func New(queue Queue, marker Marker, recorder Recorder, reg *registry.Registry, jr *journal.Journal, ids *id.Generator, m *metrics.EngineMetrics, dedupTTL time.Duration, logger *log.Logger) *Engine {
	return &Engine{
		queue:    queue,
		marker:   marker,
		recorder: recorder,
		registry: reg,
		journal:  jr,
		ids:      ids,
		metrics:  m,
		dedupTTL: dedupTTL,
		logger:   logger,
	}
}

// Submit durably queues one job. The guarantee is queued, not executed.
// When the idempotency key already maps to a job, that job's ID is returned
// with duplicate=true and nothing is enqueued.
func (e *Engine) Submit(ctx context.Context, jobType string, payload []byte, idempotencyKey string, priority job.Priority) (string, bool, error) {
	_, policy, err := e.registry.Resolve(jobType)
	if err != nil {
		return "", false, err
	}

	key := idempotencyKey
	if key == "" && policy.IdempotencyMode == registry.IdempotencyCacheMarker {
		key = job.DeriveKey(jobType, payload)
	}

	jobID := e.ids.Next()

	markerOwned := false
	if key != "" {
		created, err := e.marker.SetIfAbsent(ctx, cache.IdemKey(key), []byte(jobID), e.dedupTTL)
		if err != nil {
			return "", false, fmt.Errorf("submit %s: %w", jobType, err)
		}
		markerOwned = created
		if !created {
			owner, err := e.marker.Get(ctx, cache.IdemKey(key))
			if err != nil && err != cache.ErrNotFound {
				return "", false, fmt.Errorf("submit %s: %w", jobType, err)
			}
			if len(owner) > 0 {
				e.metrics.DuplicatesTotal.WithLabelValues(jobType).Inc()
				e.logger.Info("Duplicate submission collapsed",
					zap.String("job_type", jobType), zap.String("job_id", string(owner)))
				return string(owner), true, nil
			}
			// Marker expired between SetNX and Get; proceed as a fresh intent.
			created, err := e.marker.SetIfAbsent(ctx, cache.IdemKey(key), []byte(jobID), e.dedupTTL)
			if err != nil {
				return "", false, fmt.Errorf("submit %s: %w", jobType, err)
			}
			markerOwned = created
		}
	}

	j := job.Job{
		ID:             jobID,
		Type:           jobType,
		Payload:        payload,
		IdempotencyKey: key,
		Priority:       priority,
		MaxAttempts:    policy.MaxAttempts,
		CreatedAt:      time.Now(),
	}

	if err := e.recorder.Create(ctx, j); err != nil {
		e.releaseMarker(ctx, key, markerOwned)
		return "", false, fmt.Errorf("submit %s: %w", jobType, err)
	}
	if e.journal != nil {
		if err := e.journal.Append(j); err != nil {
			e.releaseMarker(ctx, key, markerOwned)
			return "", false, fmt.Errorf("submit %s: journal: %w", jobType, err)
		}
	}
	if err := e.queue.Enqueue(ctx, j); err != nil {
		e.releaseMarker(ctx, key, markerOwned)
		return "", false, fmt.Errorf("submit %s: %w", jobType, err)
	}

	e.metrics.SubmittedTotal.WithLabelValues(jobType).Inc()
	e.logger.Info("Job submitted", zap.String("job_id", jobID),
		zap.String("job_type", jobType), zap.String("priority", priority.String()))
	return jobID, false, nil
}

// releaseMarker undoes a marker this submission created when a later step
// fails. Left in place it would answer retries with a job that was never
// queued, turning a transient outage into a lost intent.
func (e *Engine) releaseMarker(ctx context.Context, key string, owned bool) {
	if !owned || key == "" {
		return
	}
	if err := e.marker.Delete(ctx, cache.IdemKey(key)); err != nil {
		e.logger.Error("Failed to release idempotency marker",
			zap.String("key", key), zap.Error(err))
	}
}

// Status returns the durable record for one job.
func (e *Engine) Status(ctx context.Context, jobID string) (results.Record, error) {
	return e.recorder.Get(ctx, jobID)
}

// Cancel marks a Pending or InFlight job Cancelled. Workers observe the
// transition cooperatively; terminal jobs are left untouched.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	err := e.recorder.Transition(ctx, jobID, job.StateCancelled, results.Detail{Err: "cancelled by caller"})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	e.logger.Info("Job cancelled", zap.String("job_id", jobID))
	return nil
}

// Recover re-enqueues journaled jobs whose records never left Pending,
// repairing a crash between journal append and broker push. Idempotency
// markers make over-replay harmless.
func (e *Engine) Recover(ctx context.Context) error {
	if e.journal == nil {
		return nil
	}
	entries, err := e.journal.Entries()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	requeued := 0
	for _, j := range entries {
		rec, err := e.recorder.Get(ctx, j.ID)
		if errors.Is(err, results.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("recover %s: %w", j.ID, err)
		}
		if rec.State != job.StatePending {
			continue
		}
		if err := e.queue.Enqueue(ctx, j); err != nil {
			return fmt.Errorf("recover %s: %w", j.ID, err)
		}
		requeued++
	}
	if requeued > 0 {
		e.logger.Info("Recovered journaled jobs", zap.Int("count", requeued))
	}
	return nil
}
