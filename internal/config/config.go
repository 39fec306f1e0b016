package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	JournalDir       string
	HTTPAddr         string
	JWTSecret        string
	InstanceID       string
	WorkerCount      int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	LeaseRenewPeriod time.Duration
	SchedulerTick    time.Duration
	LeaderLockTTL    time.Duration
	DefaultAttempts  int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	DedupTTL         time.Duration
	MemoTTL          time.Duration
	ConnectRetries   int
}

func Load() (*Config, error) {
	// .env is optional if variables are set elsewhere
	if err := godotenv.Load(); err != nil {
		logger := log.NewLogger()
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	logger := log.NewLogger()
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		JournalDir:       os.Getenv("JOURNAL_DIR"),
		HTTPAddr:         ":8080",
		JWTSecret:        os.Getenv("JWT_SECRET"),
		InstanceID:       os.Getenv("INSTANCE_ID"),
		WorkerCount:      8,
		PollInterval:     2 * time.Second,
		LeaseTTL:         30 * time.Second,
		LeaseRenewPeriod: 10 * time.Second,
		SchedulerTick:    time.Second,
		LeaderLockTTL:    15 * time.Second,
		DefaultAttempts:  3,
		BackoffBase:      1 * time.Second,
		BackoffCap:       60 * time.Second,
		DedupTTL:         time.Hour,
		MemoTTL:          15 * time.Minute,
		ConnectRetries:   5,
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Error("Invalid WORKER_COUNT", zap.String("value", v))
			return nil, fmt.Errorf("invalid WORKER_COUNT: %s", v)
		}
		cfg.WorkerCount = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"LEASE_TTL", &cfg.LeaseTTL},
		{"LEASE_RENEW_PERIOD", &cfg.LeaseRenewPeriod},
		{"SCHEDULER_TICK", &cfg.SchedulerTick},
		{"LEADER_LOCK_TTL", &cfg.LeaderLockTTL},
		{"BACKOFF_BASE", &cfg.BackoffBase},
		{"BACKOFF_CAP", &cfg.BackoffCap},
		{"DEDUP_TTL", &cfg.DedupTTL},
		{"MEMO_TTL", &cfg.MemoTTL},
	} {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				logger.Error("Invalid duration", zap.String("var", d.env), zap.Error(err))
				return nil, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JournalDir == "" {
		logger.Error("JOURNAL_DIR is required")
		return nil, fmt.Errorf("JOURNAL_DIR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "engine-" + uuid.NewString()[:8]
		logger.Info("Using generated InstanceID", zap.String("instance_id", cfg.InstanceID))
	}
	if cfg.LeaseRenewPeriod >= cfg.LeaseTTL {
		logger.Error("LEASE_RENEW_PERIOD must be shorter than LEASE_TTL")
		return nil, fmt.Errorf("LEASE_RENEW_PERIOD must be shorter than LEASE_TTL")
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}
