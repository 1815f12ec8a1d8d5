package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"k8s.io/utils/clock"
)

// RequestKind tags how an authorization request was dispatched.
type RequestKind string

const (
	KindDirect RequestKind = "direct"
	KindPopup  RequestKind = "popup"
	KindSilent RequestKind = "silent"
)

// AuthParams are the parameters sent with an authorization request, plus the
// PKCE verifier that never leaves this process.
type AuthParams struct {
	ClientID            string            `json:"client_id"`
	RedirectURI         string            `json:"redirect_uri"`
	ResponseType        string            `json:"response_type"`
	Scope               string            `json:"scope,omitempty"`
	Audience            string            `json:"audience,omitempty"`
	Nonce               string            `json:"nonce,omitempty"`
	CodeVerifier        string            `json:"code_verifier,omitempty"`
	CodeChallenge       string            `json:"code_challenge,omitempty"`
	CodeChallengeMethod string            `json:"code_challenge_method,omitempty"`
	Prompt              string            `json:"prompt,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// AuthRequestRecord correlates an authorization response with the request
// that produced it.
type AuthRequestRecord struct {
	State       string         `json:"state"`
	AuthParams  AuthParams     `json:"authParams"`
	LocalState  map[string]any `json:"localState,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	RequestType RequestKind    `json:"request_type"`
}

// SessionRecord is the persisted authenticated session.
type SessionRecord struct {
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	IDToken      map[string]any `json:"id_token,omitempty"`
	IDTokenRaw   string         `json:"id_token_raw,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	SessionState string         `json:"session_state,omitempty"`
	User         map[string]any `json:"user,omitempty"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
	ExpiresAt    int64          `json:"expires_at,omitempty"`
	CreatedAt    int64          `json:"created_at,omitempty"`
}

// Expiry returns the absolute expiry, or zero when none was reported.
func (r *SessionRecord) Expiry() time.Time {
	if r.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(r.ExpiresAt, 0)
}

// Subject returns the sub claim of the ID token or user claims.
func (r *SessionRecord) Subject() string {
	if sub, ok := r.IDToken["sub"].(string); ok && sub != "" {
		return sub
	}
	sub, _ := r.User["sub"].(string)
	return sub
}

// RequestStore holds pending authorization requests keyed by state.
type RequestStore struct {
	store Store
	clock clock.PassiveClock
}

// NewRequestStore wraps a Store holding AuthRequestRecords.
func NewRequestStore(s Store, c clock.PassiveClock) *RequestStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &RequestStore{store: s, clock: c}
}

// Init prepares the underlying store.
func (r *RequestStore) Init(ctx context.Context) error {
	return Init(ctx, r.store)
}

// Put persists rec, stamping created_at when unset.
func (r *RequestStore) Put(ctx context.Context, rec *AuthRequestRecord) error {
	if rec.State == "" {
		return errors.New("authorization request record has no state")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = r.clock.Now().Unix()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}
	return r.store.Set(ctx, rec.State, data)
}

// Get loads the record for state. Unreadable records are reported as ErrNotFound.
func (r *RequestStore) Get(ctx context.Context, state string) (*AuthRequestRecord, error) {
	data, err := r.store.Get(ctx, state)
	if err != nil {
		return nil, err
	}
	var rec AuthRequestRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.State != state {
		log.LogWarnWithFields("storage", "Ignoring unreadable authorization request record", map[string]any{
			"state_length": len(state),
		})
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Take loads and deletes the record for state.
func (r *RequestStore) Take(ctx context.Context, state string) (*AuthRequestRecord, error) {
	rec, err := r.Get(ctx, state)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = r.store.Delete(ctx, state)
		}
		return nil, err
	}
	if err := r.store.Delete(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}
	return rec, nil
}

// Delete removes the record for state.
func (r *RequestStore) Delete(ctx context.Context, state string) error {
	return r.store.Delete(ctx, state)
}

// Prune removes records older than maxAge.
func (r *RequestStore) Prune(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultRequestMaxAge
	}
	return r.store.Clear(ctx, maxAge)
}

const sessionKey = "current"

// SessionStore holds the single current SessionRecord.
type SessionStore struct {
	store Store
	clock clock.PassiveClock
}

// NewSessionStore wraps a Store holding the SessionRecord.
func NewSessionStore(s Store, c clock.PassiveClock) *SessionStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &SessionStore{store: s, clock: c}
}

// Init prepares the underlying store.
func (s *SessionStore) Init(ctx context.Context) error {
	return Init(ctx, s.store)
}

// Load returns the current session. Missing and unreadable records both
// yield ErrNotFound.
func (s *SessionStore) Load(ctx context.Context) (*SessionRecord, error) {
	data, err := s.store.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		log.LogWarnWithFields("storage", "Ignoring unreadable session record", map[string]any{
			"error": err.Error(),
		})
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Save overwrites the current session.
func (s *SessionStore) Save(ctx context.Context, rec *SessionRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.clock.Now().Unix()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.store.Set(ctx, sessionKey, data)
}

// Clear removes the current session.
func (s *SessionStore) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, sessionKey)
}
