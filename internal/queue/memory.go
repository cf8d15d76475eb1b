package queue

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes a job in-process. Used by the memory queue for local mode
// and tests; a production deployment runs workers behind the Redis queue.
type Handler func(ctx context.Context, job *Job) (*Outcome, error)

type memoryJob struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	outcome *Outcome
	err     error
}

// MemoryQueue runs jobs on in-process handlers, one goroutine per job.
type MemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler // queue name -> handler
	fallback Handler
	jobs     map[string]*memoryJob
	closed   bool
}

// NewMemoryQueue creates an in-process queue. fallback handles jobs whose
// queue has no registered handler; it may be nil.
func NewMemoryQueue(fallback Handler) *MemoryQueue {
	return &MemoryQueue{
		handlers: make(map[string]Handler),
		fallback: fallback,
		jobs:     make(map[string]*memoryJob),
	}
}

// RegisterHandler binds a handler to a queue name.
func (q *MemoryQueue) RegisterHandler(queueName string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = h
}

func (q *MemoryQueue) Submit(ctx context.Context, job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	handler := q.handlers[job.Queue()]
	if handler == nil {
		handler = q.fallback
	}
	if handler == nil {
		q.mu.Unlock()
		return fmt.Errorf("no handler for queue %q", job.Queue())
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	mj := &memoryJob{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.jobs[job.ID] = mj
	q.mu.Unlock()

	go func() {
		defer close(mj.done)
		outcome, err := handler(jobCtx, job)

		mj.mu.Lock()
		defer mj.mu.Unlock()
		if jobCtx.Err() != nil && outcome == nil {
			mj.outcome = &Outcome{JobID: job.ID, State: OutcomeRevoked}
			return
		}
		if err != nil {
			mj.err = err
			return
		}
		if outcome != nil && outcome.JobID == "" {
			outcome.JobID = job.ID
		}
		mj.outcome = outcome
	}()

	return nil
}

func (q *MemoryQueue) Await(ctx context.Context, jobID string) (*Outcome, error) {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	select {
	case <-ctx.Done():
		// The awaiter gave up; nobody will collect this outcome. Revoke
		// the job and drop the entry.
		q.prune(jobID)
		mj.cancel()
		return nil, ctx.Err()
	case <-mj.done:
	}

	// The outcome is handed over exactly once; drop the entry so long-lived
	// processes do not accumulate finished jobs.
	q.prune(jobID)

	mj.mu.Lock()
	defer mj.mu.Unlock()
	if mj.err != nil {
		return nil, mj.err
	}
	return mj.outcome, nil
}

func (q *MemoryQueue) prune(jobID string) {
	q.mu.Lock()
	delete(q.jobs, jobID)
	q.mu.Unlock()
}

// Cancel revokes a running job. The entry stays until its Await reaps it.
func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	mj.cancel()
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for _, mj := range q.jobs {
		mj.cancel()
	}
	return nil
}

var _ WorkQueue = (*MemoryQueue)(nil)
