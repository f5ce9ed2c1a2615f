package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey          = "jobs:pending"
	processingKeyPrefix = "jobs:processing:"
)

// Queue is a Redis list pair: a shared pending list every replica's
// producer pushes onto, and one processing list per worker slot that
// BRPOPLPUSH atomically moves a job into. A job sits in its processing
// list until the worker acks it (removeOnSuccess/removeOnFailure both
// map to the same removal, since retries=0). A job whose processing list
// still holds it past its own timeout is assumed to belong to a dead
// worker and is requeued by ReapStalled.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a Queue over the given Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func processingKey(workerSlot string) string { return processingKeyPrefix + workerSlot }

// Enqueue pushes a job onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobs: encoding job: %w", err)
	}
	if err := q.rdb.RPush(ctx, pendingKey, raw).Err(); err != nil {
		return fmt.Errorf("jobs: enqueueing: %w", err)
	}
	return nil
}

// Dequeue blocks up to blockFor waiting for a pending job, atomically
// moving it into workerSlot's processing list. It returns a nil job (no
// error) on a timeout with nothing waiting.
func (q *Queue) Dequeue(ctx context.Context, workerSlot string, blockFor time.Duration) (*Job, error) {
	raw, err := q.rdb.BRPopLPush(ctx, pendingKey, processingKey(workerSlot), blockFor).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: dequeueing: %w", err)
	}

	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		// A malformed entry can never be processed; drop it rather than
		// wedge the worker on it forever.
		_ = q.rdb.LRem(ctx, processingKey(workerSlot), 1, raw).Err()
		return nil, fmt.Errorf("jobs: decoding dequeued job: %w", err)
	}
	return &j, nil
}

// Ack removes j from workerSlot's processing list, marking it done
// regardless of whether the handler succeeded or failed.
func (q *Queue) Ack(ctx context.Context, workerSlot string, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobs: encoding job for ack: %w", err)
	}
	if err := q.rdb.LRem(ctx, processingKey(workerSlot), 1, raw).Err(); err != nil {
		return fmt.Errorf("jobs: acking job: %w", err)
	}
	return nil
}

// Waiting reports the number of jobs currently in the pending list, for
// the queue_waiting gauge.
func (q *Queue) Waiting(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("jobs: counting pending: %w", err)
	}
	return n, nil
}

// ReapStalled scans every worker slot's processing list for jobs whose
// timeout has elapsed and moves them back onto the pending list, so a
// job left behind by a worker that died mid-processing is picked up by
// another. It returns the number of jobs reaped.
func (q *Queue) ReapStalled(ctx context.Context, now time.Time) (int, error) {
	reaped := 0

	iter := q.rdb.Scan(ctx, 0, processingKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		raws, err := q.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return reaped, fmt.Errorf("jobs: scanning processing list %q: %w", key, err)
		}

		for _, raw := range raws {
			var j Job
			if err := json.Unmarshal([]byte(raw), &j); err != nil {
				continue
			}
			if now.Sub(j.EnqueuedAt) <= j.Timeout() {
				continue
			}
			if err := q.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
				continue
			}
			if err := q.rdb.RPush(ctx, pendingKey, raw).Err(); err != nil {
				continue
			}
			reaped++
		}
	}
	if err := iter.Err(); err != nil {
		return reaped, fmt.Errorf("jobs: scanning processing lists: %w", err)
	}
	return reaped, nil
}
