package storage

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

var _ Store = (*MemoryStore)(nil)

// memoryKey keeps the namespace apart from the key so no namespace can
// reach into another's records.
type memoryKey struct {
	namespace string
	key       string
}

// MemoryBackend is the shared map behind one or more MemoryStores.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[memoryKey][]byte
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[memoryKey][]byte)}
}

// Len returns the number of records across all namespaces.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// MemoryStore is a volatile namespaced store. It is the engine default for
// both request and session records.
type MemoryStore struct {
	backend   *MemoryBackend
	namespace string
	clock     clock.PassiveClock
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithBackend shares an existing backend between stores
func WithBackend(b *MemoryBackend) MemoryOption {
	return func(s *MemoryStore) { s.backend = b }
}

// WithClock overrides the clock used by Clear
func WithClock(c clock.PassiveClock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

// NewMemoryStore creates a store whose keys live in namespace.
func NewMemoryStore(namespace string, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{namespace: namespace, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		s.backend = NewMemoryBackend()
	}
	return s
}

func (s *MemoryStore) key(key string) memoryKey {
	return memoryKey{namespace: s.namespace, key: key}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	v, ok := s.backend.data[s.key(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.data[s.key(key)] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	delete(s.backend.data, s.key(key))
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, maxAge time.Duration) error {
	now := s.clock.Now()

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	for k, v := range s.backend.data {
		if k.namespace != s.namespace {
			continue
		}
		if expired(v, now, maxAge) {
			delete(s.backend.data, k)
		}
	}
	return nil
}
