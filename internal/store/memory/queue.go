package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/llbot-im/llgate/internal/store"
)

// Queue is the in-memory SessionQueue. Jobs sit in a FIFO; Reserve blocks on
// a condition until a job arrives or the context ends. Reserved jobs move to
// a pending set until acked, mirroring the Redis processing list.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []*store.SessionJob
	pending map[string]*store.SessionJob // queue id → job
	ids     map[*store.SessionJob]string
	closed  bool
}

func NewQueue() *Queue {
	q := &Queue{
		pending: make(map[string]*store.SessionJob),
		ids:     make(map[*store.SessionJob]string),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Close wakes blocked reservers; further operations fail with store.ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Enqueue(_ context.Context, job *store.SessionJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", store.ErrClosed
	}
	id := uuid.NewString()
	q.ids[job] = id
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	return id, nil
}

func (q *Queue) Reserve(ctx context.Context) (*store.SessionJob, error) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() { q.cond.Broadcast() })
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, store.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.pending[q.ids[job]] = job
			return job, nil
		}
		q.cond.Wait()
	}
}

func (q *Queue) Ack(_ context.Context, job *store.SessionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.ids[job]
	if !ok {
		return nil
	}
	delete(q.pending, id)
	delete(q.ids, job)
	return nil
}

// Len reports queued (not reserved) jobs. Tests use it.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
