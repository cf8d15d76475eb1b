package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue dispatches jobs over Redis lists. Workers BRPOP the queue list
// for their class, run the job, and write the outcome to a per-job result
// key. Cancel sets a revoke flag workers check cooperatively.
type RedisQueue struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration

	mu     sync.Mutex
	closed bool
}

// RedisQueueConfig holds queue configuration.
type RedisQueueConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "fluxline:queue")
	Prefix string

	// TTL for job and result keys (default: 24h)
	TTL time.Duration

	// PollInterval between result checks in Await (default: 250ms)
	PollInterval time.Duration
}

// DefaultRedisQueueConfig returns sensible defaults.
func DefaultRedisQueueConfig() *RedisQueueConfig {
	return &RedisQueueConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "fluxline:queue",
		TTL:          24 * time.Hour,
		PollInterval: 250 * time.Millisecond,
	}
}

// NewRedisQueue creates a Redis-backed WorkQueue.
func NewRedisQueue(cfg *RedisQueueConfig) (*RedisQueue, error) {
	if cfg == nil {
		cfg = DefaultRedisQueueConfig()
	}

	opts := &redis.Options{
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fluxline:queue"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	return &RedisQueue{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   poll,
	}, nil
}

// Key helpers
func (q *RedisQueue) keyQueue(name string) string {
	return fmt.Sprintf("%s:pending:%s", q.prefix, name)
}
func (q *RedisQueue) keyResult(jobID string) string {
	return fmt.Sprintf("%s:result:%s", q.prefix, jobID)
}
func (q *RedisQueue) keyRevoked(jobID string) string {
	return fmt.Sprintf("%s:revoked:%s", q.prefix, jobID)
}

func (q *RedisQueue) Submit(ctx context.Context, job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, q.keyQueue(job.Queue()), string(payload)).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	q.client.Expire(ctx, q.keyQueue(job.Queue()), q.ttl)
	return nil
}

func (q *RedisQueue) Await(ctx context.Context, jobID string) (*Outcome, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		raw, err := q.client.Get(ctx, q.keyResult(jobID)).Result()
		if err == nil {
			var outcome Outcome
			if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
				return nil, fmt.Errorf("unmarshal outcome: %w", err)
			}
			if outcome.JobID == "" {
				outcome.JobID = jobID
			}
			return &outcome, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get outcome: %w", err)
		}

		// A revoked job may never produce a worker-side result.
		revoked, err := q.client.Exists(ctx, q.keyRevoked(jobID)).Result()
		if err == nil && revoked > 0 {
			return &Outcome{JobID: jobID, State: OutcomeRevoked}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	if err := q.client.Set(ctx, q.keyRevoked(jobID), "1", q.ttl).Err(); err != nil {
		return fmt.Errorf("set revoked: %w", err)
	}
	return nil
}

// CompleteJob writes a job outcome. Exposed for worker-side use and tests.
func (q *RedisQueue) CompleteJob(ctx context.Context, outcome *Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := q.client.Set(ctx, q.keyResult(outcome.JobID), string(payload), q.ttl).Err(); err != nil {
		return fmt.Errorf("set outcome: %w", err)
	}
	return nil
}

// DequeueJob pops the next job from a queue, blocking up to timeout.
// Exposed for worker-side use and tests.
func (q *RedisQueue) DequeueJob(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	vals, err := q.client.BRPop(ctx, timeout, q.keyQueue(queueName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}
	if len(vals) != 2 {
		return nil, ErrJobNotFound
	}

	var job Job
	if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// IsRevoked reports whether a job has been cancelled.
func (q *RedisQueue) IsRevoked(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.keyRevoked(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked: %w", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

var _ WorkQueue = (*RedisQueue)(nil)
