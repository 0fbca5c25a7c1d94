package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/showtimehq/showtime/internal/redis"
)

const (
	delayedKey  = "jobs:delayed"
	payloadsKey = "jobs:payloads"
	dedupPrefix = "jobs:key:"

	// dedupRetention keeps a fired job's key reserved past its fire time,
	// so a generator sweep running shortly after delivery cannot re-create
	// the same reminder.
	dedupRetention = 24 * time.Hour

	defaultPollInterval = time.Second
	defaultBatchSize    = 100
)

// RedisQueue is a delayed job queue on a Redis sorted set: the score is
// the fire time, members are job keys, payloads live in a hash, and a
// SET NX reservation per key provides de-duplication. Multiple instances
// may poll the same queue; ZREM is the claim that makes exactly one of
// them fire a ready job.
type RedisQueue struct {
	client       *redis.Client
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// RedisQueueConfig tunes the queue poller.
type RedisQueueConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// NewRedisQueue creates a queue on the shared Redis client.
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig, logger *zap.Logger) *RedisQueue {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}

	return &RedisQueue{
		client:       client,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		stopCh:       make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, key string, p Payload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	reserved, err := q.client.RDB().SetNX(ctx, dedupPrefix+key, "1", delay+dedupRetention).Result()
	if err != nil {
		return fmt.Errorf("reserve job key: %w", err)
	}
	if !reserved {
		return ErrDuplicateJob
	}

	fireAt := time.Now().Add(delay)
	pipe := q.client.RDB().TxPipeline()
	pipe.HSet(ctx, payloadsKey, key, body)
	pipe.ZAdd(ctx, delayedKey, goredis.Z{Score: float64(fireAt.UnixMilli()), Member: key})

	if _, err := pipe.Exec(ctx); err != nil {
		// Release the reservation so the caller can retry.
		q.client.RDB().Del(ctx, dedupPrefix+key)
		return fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_key", key),
		zap.Duration("delay", delay),
	)

	return nil
}

// Remove implements Queue.
func (q *RedisQueue) Remove(ctx context.Context, key string) error {
	pipe := q.client.RDB().TxPipeline()
	pipe.ZRem(ctx, delayedKey, key)
	pipe.HDel(ctx, payloadsKey, key)
	pipe.Del(ctx, dedupPrefix+key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}

	return nil
}

// Start launches the poller that fires ready jobs through handler.
// The handler runs inline on the poller goroutine per job; a panic in one
// job is recovered and logged so a bad payload cannot take the poller down.
func (q *RedisQueue) Start(ctx context.Context, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				q.logger.Info("job queue poller stopping")
				return
			case <-q.stopCh:
				q.logger.Info("job queue poller stopped")
				return
			case <-ticker.C:
				if err := q.fireReady(ctx, handler); err != nil {
					q.logger.Error("failed to fire ready jobs", zap.Error(err))
				}
			}
		}
	}()

	q.logger.Info("job queue poller started",
		zap.Duration("poll_interval", q.pollInterval),
	)
}

// Close stops the poller and waits for the in-flight tick to finish.
func (q *RedisQueue) Close() {
	q.mu.Lock()
	if q.started {
		close(q.stopCh)
		q.started = false
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// fireReady claims and executes every job whose fire time has passed.
func (q *RedisQueue) fireReady(ctx context.Context, handler Handler) error {
	now := time.Now().UnixMilli()

	keys, err := q.client.RDB().ZRangeByScore(ctx, delayedKey, &goredis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", now),
		Count: int64(q.batchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan ready jobs: %w", err)
	}

	for _, key := range keys {
		removed, err := q.client.RDB().ZRem(ctx, delayedKey, key).Result()
		if err != nil {
			return fmt.Errorf("claim job %s: %w", key, err)
		}
		if removed == 0 {
			// Another instance claimed it first.
			continue
		}

		body, err := q.client.RDB().HGet(ctx, payloadsKey, key).Result()
		if err == goredis.Nil {
			q.logger.Warn("claimed job has no payload", zap.String("job_key", key))
			continue
		}
		if err != nil {
			return fmt.Errorf("load job payload %s: %w", key, err)
		}
		q.client.RDB().HDel(ctx, payloadsKey, key)

		var p Payload
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			q.logger.Error("dropping malformed job payload",
				zap.String("job_key", key),
				zap.Error(err),
			)
			continue
		}

		q.invoke(ctx, handler, key, p)
	}

	return nil
}

func (q *RedisQueue) invoke(ctx context.Context, handler Handler, key string, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job handler panicked",
				zap.String("job_key", key),
				zap.Any("panic", r),
			)
		}
	}()

	if err := handler(ctx, p); err != nil {
		q.logger.Error("job handler failed",
			zap.String("job_key", key),
			zap.String("kind", p.Kind),
			zap.Error(err),
		)
		return
	}

	q.logger.Info("job fired",
		zap.String("job_key", key),
		zap.String("kind", p.Kind),
	)
}
