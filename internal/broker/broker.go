package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrBrokerUnavailable is returned when Redis cannot be reached after
	// the configured connection retries.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrLeaseLost is returned by Ack/Nack/ExtendLease when the lease
	// already expired and the job was made visible again.
	ErrLeaseLost = errors.New("lease lost")
)

const (
	queueKeyPrefix = "engine:queue:"
	delayedKey     = "engine:delayed"
	inflightKey    = "engine:inflight"
)

func queueKey(p job.Priority) string { return queueKeyPrefix + p.String() }

// nackRequeueScript releases the lease and requeues the job in one atomic
// step, so the job is always in exactly one of the two structures.
var nackRequeueScript = redis.NewScript(`
if redis.call("zrem", KEYS[1], ARGV[1]) == 1 then
	redis.call("lpush", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// nackDelayScript is nackRequeueScript's delayed twin: lease out, job into
// the delayed set scored by ready time.
var nackDelayScript = redis.NewScript(`
if redis.call("zrem", KEYS[1], ARGV[1]) == 1 then
	redis.call("zadd", KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

// dequeueOrder is the BRPOP key order; Redis checks keys left to right, so
// high drains before normal before low.
var dequeueOrder = []string{
	queueKey(job.PriorityHigh),
	queueKey(job.PriorityNormal),
	queueKey(job.PriorityLow),
}

// Delivery is a leased job handed to exactly one consumer. The raw bytes are
// the in-flight set member; Ack/Nack/ExtendLease identify the lease by them.
type Delivery struct {
	Job      job.Job
	Raw      string
	Expires  time.Time
	WorkerID string
}

// Broker is a durable at-least-once queue on Redis. Ready jobs live in one
// list per priority class, delayed jobs in a sorted set scored by ready
// time, and leased jobs in a sorted set scored by lease expiry. A leased job
// that is never acked or nacked is requeued by the redelivery daemon once
// its score passes.
type Broker struct {
	client *redis.Client
	logger *log.Logger
}

// Connect pings Redis with exponential backoff before giving up, per the
// transient-infrastructure policy: bounded local retries, then fatal.
func Connect(ctx context.Context, client *redis.Client, retries int, logger *log.Logger) (*Broker, error) {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return &Broker{client: client, logger: logger}, nil
		}
		logger.Warn("Broker connection failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Enqueue makes the job visible immediately.
func (b *Broker) Enqueue(ctx context.Context, j job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.client.LPush(ctx, queueKey(j.Priority), data).Err(); err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", ErrBrokerUnavailable, j.ID, err)
	}
	return nil
}

// EnqueueDelayed parks the job until deliverAt.
func (b *Broker) EnqueueDelayed(ctx context.Context, j job.Job, deliverAt time.Time) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	z := redis.Z{Score: float64(deliverAt.UnixMilli()), Member: string(data)}
	if err := b.client.ZAdd(ctx, delayedKey, z).Err(); err != nil {
		return fmt.Errorf("%w: enqueue delayed %s: %v", ErrBrokerUnavailable, j.ID, err)
	}
	return nil
}

// Dequeue blocks up to wait for the next ready job, highest priority first,
// and leases it for visibility. A nil Delivery with nil error means the poll
// window elapsed with no work.
func (b *Broker) Dequeue(ctx context.Context, wait, visibility time.Duration, workerID string) (*Delivery, error) {
	res, err := b.client.BRPop(ctx, wait, dequeueOrder...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dequeue: %v", ErrBrokerUnavailable, err)
	}
	raw := res[1]

	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		// Poison entry; drop it rather than wedge the queue.
		b.logger.Error("Dropping undecodable queue entry", zap.Error(err))
		return nil, nil
	}

	expires := time.Now().Add(visibility)
	z := redis.Z{Score: float64(expires.UnixMilli()), Member: raw}
	if err := b.client.ZAdd(ctx, inflightKey, z).Err(); err != nil {
		// Lease registration failed: push the job back so it is not lost.
		if pushErr := b.client.LPush(ctx, queueKey(j.Priority), raw).Err(); pushErr != nil {
			b.logger.Error("Failed to return job after lease registration failure",
				zap.String("job_id", j.ID), zap.Error(pushErr))
		}
		return nil, fmt.Errorf("%w: register lease %s: %v", ErrBrokerUnavailable, j.ID, err)
	}

	return &Delivery{Job: j, Raw: raw, Expires: expires, WorkerID: workerID}, nil
}

// Ack removes the job permanently.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	removed, err := b.client.ZRem(ctx, inflightKey, d.Raw).Result()
	if err != nil {
		return fmt.Errorf("%w: ack %s: %v", ErrBrokerUnavailable, d.Job.ID, err)
	}
	if removed == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack releases the lease and requeues the job, immediately or after delay.
// The requeued copy carries the (possibly mutated) d.Job, so attempt counts
// survive the round trip.
func (b *Broker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	data, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var removed int
	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		removed, err = nackDelayScript.Run(ctx, b.client,
			[]string{inflightKey, delayedKey}, d.Raw, score, data).Int()
	} else {
		removed, err = nackRequeueScript.Run(ctx, b.client,
			[]string{inflightKey, queueKey(d.Job.Priority)}, d.Raw, data).Int()
	}
	if err != nil {
		return fmt.Errorf("%w: nack %s: %v", ErrBrokerUnavailable, d.Job.ID, err)
	}
	if removed == 0 {
		// Redelivery daemon got there first; do not enqueue a second copy.
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the lease expiry out by additional time from now.
func (b *Broker) ExtendLease(ctx context.Context, d *Delivery, additional time.Duration) error {
	expires := time.Now().Add(additional)
	z := redis.Z{Score: float64(expires.UnixMilli()), Member: d.Raw}
	res, err := b.client.ZAddXX(ctx, inflightKey, z).Result()
	if err != nil {
		return fmt.Errorf("%w: extend lease %s: %v", ErrBrokerUnavailable, d.Job.ID, err)
	}
	_ = res // ZADD XX returns 0 for updated members; detect loss via ZScore
	score, err := b.client.ZScore(ctx, inflightKey, d.Raw).Result()
	if err == redis.Nil {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("%w: extend lease %s: %v", ErrBrokerUnavailable, d.Job.ID, err)
	}
	d.Expires = time.UnixMilli(int64(score))
	return nil
}

// Depths reports queue sizes for the metrics collector.
func (b *Broker) Depths(ctx context.Context) (ready map[job.Priority]int64, delayed, inflight int64, err error) {
	ready = make(map[job.Priority]int64, 3)
	for _, p := range []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow} {
		n, err := b.client.LLen(ctx, queueKey(p)).Result()
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: depths: %v", ErrBrokerUnavailable, err)
		}
		ready[p] = n
	}
	if delayed, err = b.client.ZCard(ctx, delayedKey).Result(); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: depths: %v", ErrBrokerUnavailable, err)
	}
	if inflight, err = b.client.ZCard(ctx, inflightKey).Result(); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: depths: %v", ErrBrokerUnavailable, err)
	}
	return ready, delayed, inflight, nil
}
