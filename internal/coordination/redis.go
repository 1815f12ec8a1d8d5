package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"github.com/redis/go-redis/v9"
)

var _ Medium = (*RedisMedium)(nil)

// RedisMedium shares coordination state through Redis. Writes are announced
// on a pub/sub channel so watchers in other processes learn about them
// without polling.
type RedisMedium struct {
	client    redis.UniversalClient
	keyPrefix string
	channel   string
}

// NewRedisMedium wraps an existing client. This is useful for testing with miniredis.
func NewRedisMedium(client redis.UniversalClient, keyPrefix string) *RedisMedium {
	return &RedisMedium{
		client:    client,
		keyPrefix: keyPrefix,
		channel:   keyPrefix + "__events",
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}

func (m *RedisMedium) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := m.client.Get(ctx, m.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return v, nil
}

func (m *RedisMedium) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := m.client.Set(ctx, m.keyPrefix+key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	if err := m.client.Publish(ctx, m.channel, key).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (m *RedisMedium) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.keyPrefix+key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (m *RedisMedium) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, escapeGlob(m.keyPrefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), m.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

func (m *RedisMedium) Watch(ctx context.Context, prefix string, fn func(string)) (func(), error) {
	pubsub := m.client.Subscribe(ctx, m.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			if strings.HasPrefix(msg.Payload, prefix) {
				fn(msg.Payload)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				log.LogDebugWithFields("coordination", "Failed to close redis subscription", map[string]any{
					"error": err.Error(),
				})
			}
			<-done
		})
	}, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
