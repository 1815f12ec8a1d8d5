package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps records in Redis under "<namespace>:", letting processes
// on different hosts share request and session records.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     clock.PassiveClock
}

// NewRedisStore wraps an existing client. This is useful for testing with miniredis.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: namespace + ":", clock: clock.RealClock{}}
}

// WithClock overrides the clock used by Clear
func (s *RedisStore) WithClock(c clock.PassiveClock) *RedisStore {
	s.clock = c
	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from redis: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to store record in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete record from redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, maxAge time.Duration) error {
	now := s.clock.Now()
	iter := s.client.Scan(ctx, 0, escapeGlob(s.keyPrefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if maxAge > 0 {
			v, err := s.client.Get(ctx, key).Bytes()
			if err != nil || !expired(v, now, maxAge) {
				continue
			}
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete record from redis: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis keys: %w", err)
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
