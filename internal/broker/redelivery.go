package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const moveBatch = 200

// Redelivery moves due delayed jobs and expired leases back into the ready
// queues. It is safe to run on every instance: ZREM is the claim, so only
// the instance that removes a member requeues it.
type Redelivery struct {
	broker   *Broker
	interval time.Duration
}

func NewRedelivery(broker *Broker, interval time.Duration) *Redelivery {
	return &Redelivery{broker: broker, interval: interval}
}

func (r *Redelivery) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.broker.logger.Info("Redelivery daemon shutting down")
			return
		case <-ticker.C:
			if err := r.sweep(ctx, delayedKey, "delayed"); err != nil {
				r.broker.logger.Error("Failed to sweep delayed jobs", zap.Error(err))
			}
			if err := r.sweep(ctx, inflightKey, "expired lease"); err != nil {
				r.broker.logger.Error("Failed to sweep expired leases", zap.Error(err))
			}
		}
	}
}

func (r *Redelivery) sweep(ctx context.Context, key, kind string) error {
	now := time.Now().UnixMilli()
	members, err := r.broker.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: moveBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range members {
		removed, err := r.broker.client.ZRem(ctx, key, raw).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another instance claimed it
		}
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			r.broker.logger.Error("Dropping undecodable entry during sweep",
				zap.String("set", key), zap.Error(err))
			continue
		}
		if err := r.broker.client.LPush(ctx, queueKey(j.Priority), raw).Err(); err != nil {
			return err
		}
		r.broker.logger.Info("Requeued job", zap.String("job_id", j.ID), zap.String("reason", kind))
	}
	return nil
}
