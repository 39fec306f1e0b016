package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/broker"
	"github.com/biswas2200/mechant-pwr-ai/internal/cache"
	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"
	"github.com/biswas2200/mechant-pwr-ai/internal/metrics"
	"github.com/biswas2200/mechant-pwr-ai/internal/registry"
	"github.com/biswas2200/mechant-pwr-ai/internal/results"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrHandlerTimeout marks an execution abandoned by the hard deadline.
var ErrHandlerTimeout = errors.New("handler timeout")

// Queue is the broker surface the pool consumes.
type Queue interface {
	Dequeue(ctx context.Context, wait, visibility time.Duration, workerID string) (*broker.Delivery, error)
	Ack(ctx context.Context, d *broker.Delivery) error
	Nack(ctx context.Context, d *broker.Delivery, delay time.Duration) error
	ExtendLease(ctx context.Context, d *broker.Delivery, additional time.Duration) error
}

// Marker is the cache surface used for idempotency gating.
type Marker interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Recorder is the result-store surface the pool writes outcomes to.
type Recorder interface {
	Get(ctx context.Context, jobID string) (results.Record, error)
	Transition(ctx context.Context, jobID string, to job.State, detail results.Detail) error
}

type Config struct {
	Workers          int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	LeaseRenewPeriod time.Duration
	DedupTTL         time.Duration
	InstanceID       string
}

// Pool runs a fixed set of workers, each owning one in-flight job at a time.
// Exclusivity between workers is the broker's lease, not pool state; workers
// share nothing in memory.
type Pool struct {
	queue    Queue
	registry *registry.Registry
	marker   Marker
	recorder Recorder
	metrics  *metrics.EngineMetrics
	cfg      Config
	logger   *log.Logger
}

func NewPool(queue Queue, reg *registry.Registry, marker Marker, recorder Recorder, m *metrics.EngineMetrics, cfg Config, logger *log.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		queue:    queue,
		registry: reg,
		marker:   marker,
		recorder: recorder,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
	}
}

func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.cfg.InstanceID, i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("Worker shutting down", zap.String("worker_id", workerID))
			return
		}
		d, err := p.queue.Dequeue(ctx, p.cfg.PollInterval, p.cfg.LeaseTTL, workerID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("Dequeue failed", zap.String("worker_id", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if d == nil {
			continue // poll window elapsed, no work
		}
		p.process(ctx, d, workerID)
	}
}

// process drives one delivery through the full policy pipeline.
func (p *Pool) process(ctx context.Context, d *broker.Delivery, workerID string) {
	j := d.Job
	handler, policy, err := p.registry.Resolve(j.Type)
	if err != nil {
		// Unregistered types can never succeed; dead-letter immediately.
		p.logger.Error("Dead-lettering job with unknown type",
			zap.String("job_id", j.ID), zap.String("job_type", j.Type))
		p.record(ctx, j.ID, job.StateDeadLettered, results.Detail{Attempt: j.Attempt, Err: err.Error()})
		p.metrics.DeadLetteredTotal.WithLabelValues(j.Type).Inc()
		p.ack(ctx, d)
		return
	}

	rec, err := p.recorder.Get(ctx, j.ID)
	if err == nil && rec.State == job.StateCancelled {
		p.logger.Info("Skipping cancelled job", zap.String("job_id", j.ID))
		p.ack(ctx, d)
		return
	}

	if policy.IdempotencyMode == registry.IdempotencyCacheMarker && j.IdempotencyKey != "" {
		proceed := p.idempotencyGate(ctx, d, policy)
		if !proceed {
			return
		}
	}

	attempt := j.Attempt + 1
	p.record(ctx, j.ID, job.StateInFlight, results.Detail{Attempt: attempt})

	result, execErr := p.execute(ctx, d, handler, policy)

	if execErr == nil {
		p.record(ctx, j.ID, job.StateSucceeded, results.Detail{Attempt: attempt, Result: result})
		p.metrics.SucceededTotal.WithLabelValues(j.Type).Inc()
		if j.IdempotencyKey != "" {
			// Keep the marker alive past the execution window so late
			// duplicates memoize instead of re-running.
			if err := p.marker.Expire(ctx, cache.IdemKey(j.IdempotencyKey), p.cfg.DedupTTL); err != nil {
				p.logger.Warn("Failed to refresh idempotency marker", zap.Error(err))
			}
		}
		p.ack(ctx, d)
		p.logger.Info("Job succeeded", zap.String("job_id", j.ID),
			zap.String("job_type", j.Type), zap.Int("attempt", attempt))
		return
	}

	// Cooperative cancellation surfaced mid-flight: the record is already
	// terminal, just drop the lease.
	if cur, err := p.recorder.Get(ctx, j.ID); err == nil && cur.State == job.StateCancelled {
		p.logger.Info("Job cancelled during execution", zap.String("job_id", j.ID))
		p.ack(ctx, d)
		return
	}

	// Shutdown interrupted the handler; that is not a handler failure and
	// must not burn an attempt. Release the lease so another instance picks
	// the job up fresh. The pool context is gone, so nack on a clean one.
	if ctx.Err() != nil {
		if err := p.queue.Nack(context.Background(), d, 0); err != nil && err != broker.ErrLeaseLost {
			p.logger.Error("Failed to release job on shutdown",
				zap.String("job_id", j.ID), zap.Error(err))
		}
		p.logger.Info("Released job on shutdown", zap.String("job_id", j.ID),
			zap.String("worker_id", workerID))
		return
	}

	p.metrics.FailedTotal.WithLabelValues(j.Type).Inc()

	if attempt < policy.MaxAttempts {
		delay := policy.Backoff.NextDelay(attempt)
		p.record(ctx, j.ID, job.StateFailed, results.Detail{Attempt: attempt, Err: execErr.Error()})
		d.Job.Attempt = attempt
		if err := p.queue.Nack(ctx, d, delay); err != nil && err != broker.ErrLeaseLost {
			p.logger.Error("Nack failed", zap.String("job_id", j.ID), zap.Error(err))
		}
		p.logger.Warn("Job failed, will retry",
			zap.String("job_id", j.ID), zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("backoff", delay), zap.Error(execErr))
		return
	}

	p.record(ctx, j.ID, job.StateDeadLettered, results.Detail{Attempt: attempt, Err: execErr.Error()})
	p.metrics.DeadLetteredTotal.WithLabelValues(j.Type).Inc()
	p.ack(ctx, d)
	p.logger.Error("Job dead-lettered",
		zap.String("job_id", j.ID), zap.Int("attempts", attempt), zap.Error(execErr))
}

// idempotencyGate enforces the cache-marker contract. Returns true when the
// delivery should execute.
func (p *Pool) idempotencyGate(ctx context.Context, d *broker.Delivery, policy registry.Policy) bool {
	j := d.Job
	key := cache.IdemKey(j.IdempotencyKey)
	ttl := policy.Timeout * time.Duration(policy.MaxAttempts)

	created, err := p.marker.SetIfAbsent(ctx, key, []byte(j.ID), ttl)
	if err != nil {
		// Without an atomic marker the dedup guarantee is gone; back off
		// and let redelivery retry once the cache is reachable.
		p.logger.Error("Idempotency marker unavailable", zap.String("job_id", j.ID), zap.Error(err))
		if nErr := p.queue.Nack(ctx, d, p.cfg.PollInterval); nErr != nil && nErr != broker.ErrLeaseLost {
			p.logger.Error("Nack failed", zap.String("job_id", j.ID), zap.Error(nErr))
		}
		return false
	}
	if created {
		return true
	}

	owner, err := p.marker.Get(ctx, key)
	if err == nil && string(owner) == j.ID {
		return true // redelivery of our own job
	}

	// Another job owns this intent. Completed owner: copy its result and
	// short-circuit. Owner still in flight: suppress this duplicate.
	if err == nil {
		if ownerRec, recErr := p.recorder.Get(ctx, string(owner)); recErr == nil && ownerRec.State == job.StateSucceeded {
			p.record(ctx, j.ID, job.StateSucceeded, results.Detail{Attempt: j.Attempt, Result: ownerRec.Result})
			p.metrics.DuplicatesTotal.WithLabelValues(j.Type).Inc()
			p.ack(ctx, d)
			p.logger.Info("Duplicate short-circuited with prior result",
				zap.String("job_id", j.ID), zap.String("owner_job_id", string(owner)))
			return false
		}
	}

	p.record(ctx, j.ID, job.StateCancelled, results.Detail{Attempt: j.Attempt, Err: "duplicate suppressed"})
	p.metrics.DuplicatesTotal.WithLabelValues(j.Type).Inc()
	p.ack(ctx, d)
	p.logger.Info("Duplicate suppressed", zap.String("job_id", j.ID))
	return false
}

// execute runs the handler under its policy deadline while a keeper
// goroutine renews the lease and watches for cancellation. A handler that
// outlives the deadline is abandoned, not interrupted; its goroutine drains
// into the buffered channel.
func (p *Pool) execute(ctx context.Context, d *broker.Delivery, handler registry.HandlerFunc, policy registry.Policy) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	keeperDone := make(chan struct{})
	go p.keepLease(execCtx, d, cancel, keeperDone)
	defer func() {
		cancel()
		<-keeperDone
	}()

	start := time.Now()
	type outcome struct {
		result []byte
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := handler(execCtx, d.Job.Payload)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		p.metrics.HandlerDuration.WithLabelValues(d.Job.Type).Observe(time.Since(start).Seconds())
		if out.err != nil {
			return nil, fmt.Errorf("handler error: %w", out.err)
		}
		return out.result, nil
	case <-execCtx.Done():
		p.metrics.HandlerDuration.WithLabelValues(d.Job.Type).Observe(time.Since(start).Seconds())
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrHandlerTimeout, policy.Timeout)
		}
		return nil, execCtx.Err()
	}
}

// keepLease renews the broker lease while execution is active and cancels
// the handler context when the job is cancelled out from under it or the
// lease is lost to redelivery.
func (p *Pool) keepLease(ctx context.Context, d *broker.Delivery, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.LeaseRenewPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, d, p.cfg.LeaseTTL); err != nil {
				if err == broker.ErrLeaseLost {
					p.logger.Warn("Lease lost mid-execution, abandoning",
						zap.String("job_id", d.Job.ID))
					cancel()
					return
				}
				p.logger.Error("Failed to extend lease",
					zap.String("job_id", d.Job.ID), zap.Error(err))
			}
			if rec, err := p.recorder.Get(ctx, d.Job.ID); err == nil && rec.State == job.StateCancelled {
				p.logger.Info("Cancellation observed, signalling handler",
					zap.String("job_id", d.Job.ID))
				cancel()
				return
			}
		}
	}
}

func (p *Pool) record(ctx context.Context, jobID string, to job.State, detail results.Detail) {
	if err := p.recorder.Transition(ctx, jobID, to, detail); err != nil && !errors.Is(err, results.ErrTerminalState) {
		p.logger.Error("Failed to record transition",
			zap.String("job_id", jobID), zap.String("to", string(to)), zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, d *broker.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil && err != broker.ErrLeaseLost {
		p.logger.Error("Ack failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
}
