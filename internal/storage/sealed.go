package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgellow/authsession/internal/crypto"
)

var (
	_ Store       = (*SealedStore)(nil)
	_ Initializer = (*SealedStore)(nil)
)

// sealedEnvelope keeps created_at readable so the inner store can still
// answer age-bounded clears without the key.
type sealedEnvelope struct {
	CreatedAt *int64 `json:"created_at,omitempty"`
	Sealed    string `json:"sealed"`
}

// SealedStore encrypts values before handing them to another store. Use it
// when session tokens land on shared or durable media.
type SealedStore struct {
	inner  Store
	sealer *crypto.Sealer
}

// NewSealedStore wraps inner with sealer.
func NewSealedStore(inner Store, sealer *crypto.Sealer) *SealedStore {
	return &SealedStore{inner: inner, sealer: sealer}
}

func (s *SealedStore) Init(ctx context.Context) error {
	return Init(ctx, s.inner)
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var env sealedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Sealed == "" {
		return nil, fmt.Errorf("record %q is not sealed", key)
	}
	plain, err := s.sealer.Open(env.Sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed record: %w", err)
	}
	return plain, nil
}

func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("failed to seal record: %w", err)
	}

	env := sealedEnvelope{Sealed: sealed}
	if created, ok := recordCreatedAt(value); ok {
		secs := created.Unix()
		env.CreatedAt = &secs
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal sealed record: %w", err)
	}
	return s.inner.Set(ctx, key, raw)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedStore) Clear(ctx context.Context, maxAge time.Duration) error {
	return s.inner.Clear(ctx, maxAge)
}
