package coordination

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"github.com/fsnotify/fsnotify"
	"k8s.io/utils/clock"
)

var _ Medium = (*FileMedium)(nil)

const fileSuffix = ".entry"

type fileEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix nanoseconds
}

// FileMedium shares coordination state through a directory, one file per key.
// It lets several CLI processes on one host coordinate without a server.
// Writes go through a temporary file and a rename so readers never observe
// partial entries.
type FileMedium struct {
	dir   string
	clock clock.PassiveClock
}

// NewFileMedium creates dir if needed and returns a medium rooted there.
func NewFileMedium(dir string, c clock.PassiveClock) (*FileMedium, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create coordination directory: %w", err)
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &FileMedium{dir: dir, clock: c}, nil
}

func (m *FileMedium) path(key string) string {
	return filepath.Join(m.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileSuffix)
}

func keyFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (m *FileMedium) read(key string) (*fileEntry, error) {
	data, err := os.ReadFile(m.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var e fileEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, ErrNotFound
	}
	if e.ExpiresAt != 0 && !m.clock.Now().Before(time.Unix(0, e.ExpiresAt)) {
		_ = os.Remove(m.path(key))
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *FileMedium) Get(_ context.Context, key string) ([]byte, error) {
	e, err := m.read(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (m *FileMedium) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := fileEntry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = m.clock.Now().Add(ttl).UnixNano()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), m.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *FileMedium) Delete(_ context.Context, key string) error {
	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *FileMedium) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var keys []string
	for _, de := range entries {
		key, ok := keyFromName(de.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, err := m.read(key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *FileMedium) Watch(_ context.Context, prefix string, fn func(string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create | fsnotify.Write) {
					continue
				}
				key, ok := keyFromName(filepath.Base(event.Name))
				if ok && strings.HasPrefix(key, prefix) {
					fn(key)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.LogWarnWithFields("coordination", "File watcher error", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Close()
			<-done
		})
	}, nil
}
