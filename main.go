package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/broker"
	"github.com/biswas2200/mechant-pwr-ai/internal/cache"
	"github.com/biswas2200/mechant-pwr-ai/internal/config"
	"github.com/biswas2200/mechant-pwr-ai/internal/engine"
	"github.com/biswas2200/mechant-pwr-ai/internal/handlers"
	"github.com/biswas2200/mechant-pwr-ai/internal/id"
	"github.com/biswas2200/mechant-pwr-ai/internal/journal"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"
	"github.com/biswas2200/mechant-pwr-ai/internal/metrics"
	"github.com/biswas2200/mechant-pwr-ai/internal/providers"
	"github.com/biswas2200/mechant-pwr-ai/internal/registry"
	"github.com/biswas2200/mechant-pwr-ai/internal/results"
	"github.com/biswas2200/mechant-pwr-ai/internal/scheduler"
	"github.com/biswas2200/mechant-pwr-ai/internal/server"
	"github.com/biswas2200/mechant-pwr-ai/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Provider adapters are injected here; the engine itself never talks to a
// concrete AI, messaging or rendering vendor. The stub implementations keep
// a standalone deployment functional for smoke testing.
func buildProviders() (providers.TextGenerator, providers.Messenger, providers.DocumentRenderer) {
	return providers.WithBreakers(stubGenerator{}, stubMessenger{}, stubRenderer{})
}

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	queue, err := broker.Connect(ctx, redisClient, cfg.ConnectRetries, logger)
	if err != nil {
		logger.Fatal("Failed to connect to broker", zap.Error(err))
	}
	engineCache := cache.New(redisClient)

	resultStore, err := results.Open(ctx, cfg.DatabaseURL, cfg.ConnectRetries, logger)
	if err != nil {
		logger.Fatal("Failed to open result store", zap.Error(err))
	}
	defer resultStore.Close()
	if err := resultStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure result store schema", zap.Error(err))
	}

	schedStore := scheduler.NewStore(resultStore.DB())
	if err := schedStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure schedule schema", zap.Error(err))
	}

	jr, err := journal.Open(cfg.JournalDir)
	if err != nil {
		logger.Fatal("Failed to open journal", zap.Error(err))
	}
	defer jr.Close()

	ids, err := id.NewGenerator(1)
	if err != nil {
		logger.Fatal("Failed to initialize ID generator", zap.Error(err))
	}

	reg := registry.New()
	gen, msg, doc := buildProviders()
	err = handlers.RegisterAll(reg, handlers.Deps{
		Generator: gen,
		Messenger: msg,
		Renderer:  doc,
		Memo:      engineCache,
		MemoTTL:   cfg.MemoTTL,
		Backoff:   registry.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffCap),
	})
	if err != nil {
		logger.Fatal("Failed to register job handlers", zap.Error(err))
	}

	engineMetrics := metrics.NewEngineMetrics(prometheus.DefaultRegisterer, queue, logger)
	eng := engine.New(queue, engineCache, resultStore, reg, jr, ids, engineMetrics, cfg.DedupTTL, logger)

	if err := eng.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover journaled jobs", zap.Error(err))
	}

	pool := worker.NewPool(queue, reg, engineCache, resultStore, engineMetrics, worker.Config{
		Workers:          cfg.WorkerCount,
		PollInterval:     cfg.PollInterval,
		LeaseTTL:         cfg.LeaseTTL,
		LeaseRenewPeriod: cfg.LeaseRenewPeriod,
		DedupTTL:         cfg.DedupTTL,
		InstanceID:       cfg.InstanceID,
	}, logger)

	sched := scheduler.New(schedStore, eng, engineCache, engineMetrics, cfg.InstanceID,
		cfg.SchedulerTick, cfg.LeaderLockTTL, logger)
	redelivery := broker.NewRedelivery(queue, cfg.SchedulerTick)

	go func() {
		if err := pool.Run(ctx); err != nil {
			logger.Error("Worker pool stopped", zap.Error(err))
		}
	}()
	go sched.Run(ctx)
	go redelivery.Run(ctx)
	go engineMetrics.Run(ctx)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := jr.Cleanup(24 * time.Hour); err != nil {
					logger.Error("Failed to clean up journal", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, eng, resultStore, schedStore,
		[]server.Health{resultStore, queue, engineCache})
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	logger.Info("Engine started", zap.String("instance_id", cfg.InstanceID))
	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
