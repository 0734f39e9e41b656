package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/llbot-im/llgate/internal/store"
)

const (
	jobsKey       = "sq:jobs"
	processingKey = "sq:processing"
)

// queueEnvelope wraps a job with its queue id so Ack can LREM the exact
// payload from the processing list.
type queueEnvelope struct {
	ID  string            `json:"id"`
	Job *store.SessionJob `json:"job"`
}

// Queue is the Redis-backed SessionQueue. Enqueue LPUSHes; Reserve moves a
// job to a processing list with BRPOPLPUSH, so a worker crash leaves the job
// recoverable instead of lost (at-least-once).
type Queue struct {
	rdb *redis.Client

	mu  sync.Mutex
	raw map[*store.SessionJob]string // reserved job → serialized envelope
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, raw: make(map[*store.SessionJob]string)}
}

func (q *Queue) Enqueue(ctx context.Context, job *store.SessionJob) (string, error) {
	env := queueEnvelope{ID: uuid.NewString(), Job: job}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, jobsKey, data).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return env.ID, nil
}

func (q *Queue) Reserve(ctx context.Context) (*store.SessionJob, error) {
	for {
		// Short block so ctx cancellation is honored between polls.
		raw, err := q.rdb.BRPopLPush(ctx, jobsKey, processingKey, 5*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reserve job: %w", err)
		}
		var env queueEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Poison payload: drop it from processing and keep going.
			q.rdb.LRem(ctx, processingKey, 1, raw)
			continue
		}
		q.mu.Lock()
		q.raw[env.Job] = raw
		q.mu.Unlock()
		return env.Job, nil
	}
}

func (q *Queue) Ack(ctx context.Context, job *store.SessionJob) error {
	q.mu.Lock()
	raw, ok := q.raw[job]
	delete(q.raw, job)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.rdb.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Recover moves any jobs a previous run left on the processing list back to
// the main queue. Called once at startup.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, processingKey, jobsKey).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		n++
	}
}
