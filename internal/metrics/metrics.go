package metrics

import (
	"context"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// QueueDepths is implemented by the broker.
type QueueDepths interface {
	Depths(ctx context.Context) (ready map[job.Priority]int64, delayed, inflight int64, err error)
}

type EngineMetrics struct {
	SubmittedTotal      *prometheus.CounterVec
	SucceededTotal      *prometheus.CounterVec
	FailedTotal         *prometheus.CounterVec
	DeadLetteredTotal   *prometheus.CounterVec
	DuplicatesTotal     *prometheus.CounterVec
	ScheduleFiredTotal  *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	ReadyQueueDepth     *prometheus.GaugeVec
	DelayedQueueDepth   prometheus.Gauge
	InflightQueueDepth  prometheus.Gauge
	depths              QueueDepths
	logger              *log.Logger
}

func NewEngineMetrics(reg prometheus.Registerer, depths QueueDepths, logger *log.Logger) *EngineMetrics {
	m := &EngineMetrics{
		SubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_submitted_total",
				Help: "Total number of submitted jobs",
			},
			[]string{"job_type"},
		),
		SucceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_succeeded_total",
				Help: "Total number of jobs that completed successfully",
			},
			[]string{"job_type"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_failed_total",
				Help: "Total number of failed handler attempts",
			},
			[]string{"job_type"},
		),
		DeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_dead_lettered_total",
				Help: "Total number of jobs that exhausted their retry budget",
			},
			[]string{"job_type"},
		),
		DuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_duplicate_suppressed_total",
				Help: "Total number of duplicate submissions suppressed by idempotency markers",
			},
			[]string{"job_type"},
		),
		ScheduleFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_schedule_fired_total",
				Help: "Total number of schedule fires",
			},
			[]string{"schedule_id"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_handler_duration_seconds",
				Help:    "Handler execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job_type"},
		),
		ReadyQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_ready_queue_depth",
				Help: "Number of ready jobs per priority class",
			},
			[]string{"priority"},
		),
		DelayedQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_delayed_queue_depth",
				Help: "Number of jobs waiting on a requeue delay",
			},
		),
		InflightQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_inflight_queue_depth",
				Help: "Number of leased jobs currently in flight",
			},
		),
		depths: depths,
		logger: logger,
	}

	reg.MustRegister(
		m.SubmittedTotal,
		m.SucceededTotal,
		m.FailedTotal,
		m.DeadLetteredTotal,
		m.DuplicatesTotal,
		m.ScheduleFiredTotal,
		m.HandlerDuration,
		m.ReadyQueueDepth,
		m.DelayedQueueDepth,
		m.InflightQueueDepth,
	)

	return m
}

// Run samples queue depths until ctx is cancelled.
func (m *EngineMetrics) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			ready, delayed, inflight, err := m.depths.Depths(ctx)
			if err != nil {
				m.logger.Error("Failed to sample queue depths", zap.Error(err))
				continue
			}
			for prio, n := range ready {
				m.ReadyQueueDepth.WithLabelValues(prio.String()).Set(float64(n))
			}
			m.DelayedQueueDepth.Set(float64(delayed))
			m.InflightQueueDepth.Set(float64(inflight))
		}
	}
}
