package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keel/internal/replay/models"
	id "keel/pkg/domain"
	"keel/pkg/platform/sentinel"
)

const replayKeyPrefix = "keel:replay:"

// Redis stores replay results as JSON values so multiple hosts can share
// one result cache. Results expire after the configured TTL; a replay is
// always re-runnable, so expiry loses nothing durable.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisOption func(*Redis)

// WithTTL overrides the default 7-day expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *Redis) {
		s.ttl = ttl
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		client: client,
		ttl:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) Get(ctx context.Context, namespace id.Namespace) (*models.Result, error) {
	raw, err := s.client.Get(ctx, replayKeyPrefix+namespace.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get replay result: %w", err)
	}
	var result models.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal replay result: %w", err)
	}
	return &result, nil
}

func (s *Redis) Put(ctx context.Context, result *models.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal replay result: %w", err)
	}
	if err := s.client.Set(ctx, replayKeyPrefix+result.Namespace.String(), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("put replay result: %w", err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, namespace id.Namespace) error {
	if err := s.client.Del(ctx, replayKeyPrefix+namespace.String()).Err(); err != nil {
		return fmt.Errorf("delete replay result: %w", err)
	}
	return nil
}

func (s *Redis) List(ctx context.Context) ([]id.Namespace, error) {
	var (
		out    []id.Namespace
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, replayKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan replay results: %w", err)
		}
		for _, key := range keys {
			out = append(out, id.Namespace(key[len(replayKeyPrefix):]))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
