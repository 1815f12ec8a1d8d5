package coordination

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

var _ Medium = (*MemoryMedium)(nil)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryWatcher struct {
	id     int
	prefix string
	fn     func(string)
}

// MemoryMedium is an in-process medium. Several coordinators in one process
// that share it behave like separate instances sharing browser storage.
type MemoryMedium struct {
	clock clock.PassiveClock

	mu       sync.Mutex
	entries  map[string]memoryEntry
	watchers []memoryWatcher
	nextID   int
}

// NewMemoryMedium creates an empty medium. A nil clock means the real clock.
func NewMemoryMedium(c clock.PassiveClock) *MemoryMedium {
	if c == nil {
		c = clock.RealClock{}
	}
	return &MemoryMedium{clock: c, entries: make(map[string]memoryEntry)}
}

func (m *MemoryMedium) live(e memoryEntry) bool {
	return e.expiresAt.IsZero() || m.clock.Now().Before(e.expiresAt)
}

func (m *MemoryMedium) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.live(e) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryMedium) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = e

	var notify []func(string)
	for _, w := range m.watchers {
		if strings.HasPrefix(key, w.prefix) {
			notify = append(notify, w.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(key)
	}
	return nil
}

func (m *MemoryMedium) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryMedium) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !m.live(e) {
			delete(m.entries, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryMedium) Watch(_ context.Context, prefix string, fn func(string)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, memoryWatcher{id: id, prefix: prefix, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				return
			}
		}
	}, nil
}
