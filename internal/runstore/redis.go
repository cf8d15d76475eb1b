package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fluxline/fluxline/internal/metrics"
	"github.com/fluxline/fluxline/pkg/types"
)

// observeOp records a store operation outcome for metrics.
func observeOp(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(op, result).Inc()
}

// RedisStore implements Store backed by Redis. Run state lives in hashes and
// strings; the event stream uses Redis Streams so restarts can replay it.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.Mutex
	closed bool

	// Subscriber management
	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{} // runID -> set of channels

	eventMaxLen int64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "fluxline:runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen bounds the event stream length per run
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "fluxline:runs",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
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
		prefix = "fluxline:runs"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}

	return &RedisStore{
		client:      client,
		prefix:      prefix,
		ttl:         cfg.TTL,
		subs:        make(map[string]map[chan *types.Event]struct{}),
		eventMaxLen: maxLen,
	}, nil
}

// Key helpers
func (s *RedisStore) keyContext(runID string) string {
	return fmt.Sprintf("%s:%s:context", s.prefix, runID)
}
func (s *RedisStore) keyDAG(runID string) string { return fmt.Sprintf("%s:%s:dag", s.prefix, runID) }
func (s *RedisStore) keyExecs(runID string) string {
	return fmt.Sprintf("%s:%s:executions", s.prefix, runID)
}
func (s *RedisStore) keyResults(runID string) string {
	return fmt.Sprintf("%s:%s:results", s.prefix, runID)
}
func (s *RedisStore) keyEvents(runID string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, runID)
}
func (s *RedisStore) keySeq(runID string) string { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyContext(runID), s.ttl)
	pipe.Expire(ctx, s.keyDAG(runID), s.ttl)
	pipe.Expire(ctx, s.keyExecs(runID), s.ttl)
	pipe.Expire(ctx, s.keyResults(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CreateRun(ctx context.Context, pipelineName string, dag *types.ExecutionDAG) (string, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()

	octx := &types.OrchestrationContext{
		RunID:          runID,
		PipelineName:   pipelineName,
		Status:         types.RunStatusIdle,
		TotalNodes:     len(dag.Nodes),
		QualityGates:   dag.QualityGates,
		AutoRepair:     dag.AutoRepair,
		RepairAttempts: make(map[string]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctxJSON, err := json.Marshal(octx)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	dagJSON, err := json.Marshal(dag)
	if err != nil {
		return "", fmt.Errorf("marshal dag: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyContext(runID), string(ctxJSON), 0)
	pipe.Set(ctx, s.keyDAG(runID), string(dagJSON), 0)
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	_, err = pipe.Exec(ctx)
	observeOp("create", err)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, runID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}

	return runID, nil
}

func (s *RedisStore) GetContext(ctx context.Context, runID string) (*types.OrchestrationContext, error) {
	raw, err := s.client.Get(ctx, s.keyContext(runID)).Result()
	observeOp("get", err)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get context: %w", err)
	}

	var octx types.OrchestrationContext
	if err := json.Unmarshal([]byte(raw), &octx); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return &octx, nil
}

func (s *RedisStore) SaveContext(ctx context.Context, octx *types.OrchestrationContext) error {
	exists, err := s.client.Exists(ctx, s.keyContext(octx.RunID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	copied := *octx
	copied.UpdatedAt = time.Now().UTC()
	ctxJSON, err := json.Marshal(&copied)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	err = s.client.Set(ctx, s.keyContext(octx.RunID), string(ctxJSON), 0).Err()
	observeOp("save", err)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}

	s.setTTL(ctx, octx.RunID)
	return nil
}

func (s *RedisStore) GetDAG(ctx context.Context, runID string) (*types.ExecutionDAG, error) {
	raw, err := s.client.Get(ctx, s.keyDAG(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get dag: %w", err)
	}

	var dag types.ExecutionDAG
	if err := json.Unmarshal([]byte(raw), &dag); err != nil {
		return nil, fmt.Errorf("unmarshal dag: %w", err)
	}
	return &dag, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:context", s.prefix)
	prefixParts := strings.Count(s.prefix, ":") + 1
	var runIDs []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}

		for _, key := range keys {
			// Key shape: prefix:runID:context
			parts := strings.Split(key, ":")
			if len(parts) == prefixParts+2 {
				runIDs = append(runIDs, parts[prefixParts])
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return runIDs, nil
}

func (s *RedisStore) SaveExecution(ctx context.Context, exec *types.TaskExecution) error {
	execJSON, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	if err := s.client.HSet(ctx, s.keyExecs(exec.RunID), exec.ID, string(execJSON)).Err(); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}

	s.setTTL(ctx, exec.RunID)
	return nil
}

func (s *RedisStore) GetExecutions(ctx context.Context, runID string) ([]*types.TaskExecution, error) {
	entries, err := s.client.HGetAll(ctx, s.keyExecs(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get executions: %w", err)
	}

	out := make([]*types.TaskExecution, 0, len(entries))
	for _, raw := range entries {
		var exec types.TaskExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			slog.Warn("skipping corrupt execution record", slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		out = append(out, &exec)
	}
	return out, nil
}

func (s *RedisStore) SaveResult(ctx context.Context, runID string, result *types.TaskResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := s.client.RPush(ctx, s.keyResults(runID), string(resultJSON)).Err(); err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) GetResults(ctx context.Context, runID string) ([]*types.TaskResult, error) {
	entries, err := s.client.LRange(ctx, s.keyResults(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}

	out := make([]*types.TaskResult, 0, len(entries))
	for _, raw := range entries {
		var result types.TaskResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			slog.Warn("skipping corrupt result record", slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		out = append(out, &result)
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: now,
		Data:      dataBytes,
	}

	streamFields := map[string]interface{}{
		"seq":    eventID,
		"ts":     now.Format(time.RFC3339),
		"type":   string(input.Type),
		"data":   string(dataBytes),
		"nodeId": input.NodeID,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.eventMaxLen,
		Approx: true,
		Values: streamFields,
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	s.notifySubscribers(runID, event)

	return event, nil
}

func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		seqStr, _ := entry.Values["seq"].(string)
		seq, _ := strconv.ParseInt(seqStr, 10, 64)

		if lastSeq > 0 && seq <= lastSeq {
			continue
		}

		ts, _ := entry.Values["ts"].(string)
		timestamp, _ := time.Parse(time.RFC3339, ts)

		eventType, _ := entry.Values["type"].(string)
		data, _ := entry.Values["data"].(string)
		nodeID, _ := entry.Values["nodeId"].(string)

		events = append(events, &types.Event{
			ID:        seqStr,
			RunID:     runID,
			Type:      types.EventType(eventType),
			NodeID:    nodeID,
			Timestamp: timestamp,
			Data:      json.RawMessage(data),
		})
	}

	return events, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyContext(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, 100)

	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[chan *types.Event]struct{})
	}
	s.subs[runID][ch] = struct{}{}
	s.subsMu.Unlock()

	// Tail the stream so events written by other processes are delivered too.
	go s.streamReader(ctx, runID, ch)

	cleanup := func() {
		s.subsMu.Lock()
		delete(s.subs[runID], ch)
		if len(s.subs[runID]) == 0 {
			delete(s.subs, runID)
		}
		s.subsMu.Unlock()
		close(ch)
	}

	return ch, cleanup, nil
}

// streamReader reads from the run's Redis Stream and pushes to the channel.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	lastID := "$" // start from latest

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID

				seqStr, _ := entry.Values["seq"].(string)
				ts, _ := entry.Values["ts"].(string)
				timestamp, _ := time.Parse(time.RFC3339, ts)
				eventType, _ := entry.Values["type"].(string)
				data, _ := entry.Values["data"].(string)
				nodeID, _ := entry.Values["nodeId"].(string)

				event := &types.Event{
					ID:        seqStr,
					RunID:     runID,
					Type:      types.EventType(eventType),
					NodeID:    nodeID,
					Timestamp: timestamp,
					Data:      json.RawMessage(data),
				}

				select {
				case ch <- event:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

// notifySubscribers sends an event to all in-process subscribers for a run.
func (s *RedisStore) notifySubscribers(runID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs[runID] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
