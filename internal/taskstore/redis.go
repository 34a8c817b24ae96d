package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// RedisStore is a Store backed by Redis lists and strings. Each write
// refreshes the key's TTL.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. A non-positive ttl means DefaultTTL.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) push(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", key, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) list(ctx context.Context, key string) ([]string, error) {
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

// AppendHistory implements Store.
func (s *RedisStore) AppendHistory(ctx context.Context, paperID string, entry domain.TaskHistoryEntry) error {
	return s.push(ctx, HistoryKey(paperID), entry)
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, paperID string) ([]domain.TaskHistoryEntry, error) {
	values, err := s.list(ctx, HistoryKey(paperID))
	if err != nil {
		return nil, err
	}
	return decodeStrings[domain.TaskHistoryEntry](values)
}

// AppendError implements Store.
func (s *RedisStore) AppendError(ctx context.Context, paperID string, entry domain.TaskErrorEntry) error {
	return s.push(ctx, ErrorsKey(paperID), entry)
}

// Errors implements Store.
func (s *RedisStore) Errors(ctx context.Context, paperID string) ([]domain.TaskErrorEntry, error) {
	values, err := s.list(ctx, ErrorsKey(paperID))
	if err != nil {
		return nil, err
	}
	return decodeStrings[domain.TaskErrorEntry](values)
}

// SetProgress implements Store.
func (s *RedisStore) SetProgress(ctx context.Context, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := s.client.Set(ctx, ProgressKey(p.TaskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// Progress implements Store.
func (s *RedisStore) Progress(ctx context.Context, taskID string) (*Progress, error) {
	data, err := s.client.Get(ctx, ProgressKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.NewNotFoundError("task progress", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress from redis: %w", err)
	}

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &p, nil
}

func decodeStrings[T any](values []string) ([]T, error) {
	out := make([]T, 0, len(values))
	for _, raw := range values {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
