package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxline/fluxline/pkg/types"
)

const (
	taskKeyPrefix = "taskdef:"
	taskIndexKey  = "taskdefs:all"
)

// RedisRegistry is the durable TaskRegistry backend.
type RedisRegistry struct {
	client *redis.Client
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisRegistry creates a Redis-backed task registry.
func NewRedisRegistry(cfg *RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient creates a registry from an existing client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func taskKey(name string) string {
	return taskKeyPrefix + name
}

func (r *RedisRegistry) Register(ctx context.Context, def *types.TaskDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := *def
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal task definition: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, taskKey(def.Name), data, 0)
	pipe.SAdd(ctx, taskIndexKey, def.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register task %q: %w", def.Name, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, name string) (*types.TaskDefinition, error) {
	data, err := r.client.Get(ctx, taskKey(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task %q: %w", name, err)
	}

	var def types.TaskDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal task %q: %w", name, err)
	}
	return &def, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*types.TaskDefinition, error) {
	names, err := r.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]*types.TaskDefinition, 0, len(names))
	for _, name := range names {
		def, err := r.Get(ctx, name)
		if err == ErrTaskNotFound {
			// Index entry without a value; self-heal the index.
			r.client.SRem(ctx, taskIndexKey, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (r *RedisRegistry) Exists(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, taskKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check task %q: %w", name, err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, name string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, taskKey(name))
	pipe.SRem(ctx, taskIndexKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task %q: %w", name, err)
	}
	if del.Val() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Verify interface compliance
var _ TaskRegistry = (*RedisRegistry)(nil)
