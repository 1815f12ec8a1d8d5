package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/storage"
	"golang.org/x/oauth2"
)

// renewalPollInterval is how often a token source rereads the store while
// another instance holds the renewal lock.
const renewalPollInterval = 50 * time.Millisecond

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource adapts the session to oauth2.TokenSource. Tokens are renewed
// through Renew once they are within the clock skew of expiring, so an
// http.Client from oauth2.NewClient shares renewals with every instance.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &managerTokenSource{ctx: ctx, m: m})
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	opts, err := s.m.resolve(config.Settings{})
	if err != nil {
		return nil, err
	}
	rec, err := s.m.Session(s.ctx)
	if err != nil {
		return nil, err
	}

	if s.expiring(rec, opts) {
		ran, err := s.m.Renew(s.ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to renew session: %w", err)
		}
		if rec, err = s.m.Session(s.ctx); err != nil {
			return nil, err
		}
		if !ran && s.expiring(rec, opts) {
			if rec, err = s.awaitRenewal(opts); err != nil {
				return nil, err
			}
		}
	}
	expiry := rec.Expiry()
	if rec.AccessToken == "" {
		return nil, fmt.Errorf("session has no access token")
	}

	tok := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		TokenType:    rec.TokenType,
		RefreshToken: rec.RefreshToken,
		Expiry:       expiry,
	}
	if !expiry.IsZero() {
		// ReuseTokenSource must come back before the session would renew.
		tok.Expiry = expiry.Add(-opts.ClockSkew)
	}
	return tok.WithExtra(map[string]any{"id_token": rec.IDTokenRaw}), nil
}

func (s *managerTokenSource) expiring(rec *storage.SessionRecord, opts config.Resolved) bool {
	expiry := rec.Expiry()
	return !expiry.IsZero() && !s.m.clock.Now().Add(opts.ClockSkew).Before(expiry)
}

// awaitRenewal waits for the instance holding the renewal lock to store a
// fresh session. The lock TTL bounds the wait.
func (s *managerTokenSource) awaitRenewal(opts config.Resolved) (*storage.SessionRecord, error) {
	log.LogDebugWithFields("session", "Waiting for renewal by another instance", map[string]any{
		"timeout": opts.RenewLockTTL.String(),
	})
	deadline := s.m.clock.Now().Add(opts.RenewLockTTL)
	for s.m.clock.Now().Before(deadline) {
		select {
		case <-s.m.clock.After(renewalPollInterval):
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
		rec, err := s.m.Session(s.ctx)
		if err != nil {
			return nil, err
		}
		if !s.expiring(rec, opts) {
			return rec, nil
		}
	}
	return nil, ErrSessionExpired
}
