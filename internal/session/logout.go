package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/discovery"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/oauth"
	"github.com/dgellow/authsession/internal/storage"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/dgellow/authsession/internal/urlutil"
)

// LogoutOptions control one logout.
type LogoutOptions struct {
	// LocalOnly skips the provider end-session navigation
	LocalOnly bool
	// Revoke revokes the held tokens before clearing them
	Revoke bool
	// PostLogoutRedirectURI overrides the configured value
	PostLogoutRedirectURI string
}

// Logout ends the session. The local session is always cleared and the
// other instances are told, whatever happens at the provider. Unless
// LocalOnly is set, the user agent is sent to the provider's end-session
// endpoint; the URL is returned.
func (m *Manager) Logout(ctx context.Context, lo LogoutOptions) (string, error) {
	opts, err := m.resolve(config.Settings{PostLogoutRedirectURI: lo.PostLogoutRedirectURI})
	if err != nil {
		return "", err
	}

	prior, err := m.sessions.Load(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.LogWarnWithFields("session", "Failed to load session for logout", map[string]any{
			"error": err.Error(),
		})
	}

	if lo.Revoke && prior != nil {
		if err := m.revoke(ctx, opts, prior, oauth.TokenTypeHintRefresh, oauth.TokenTypeHintAccess); err != nil {
			log.LogWarnWithFields("session", "Token revocation failed during logout", map[string]any{
				"error": err.Error(),
			})
		}
	}

	m.endSession(ctx, nil)
	log.LogInfoWithFields("session", "Logged out", map[string]any{
		"local_only": lo.LocalOnly,
	})

	if lo.LocalOnly {
		return "", nil
	}
	meta, err := m.metadataFor(ctx, opts)
	if err != nil {
		return "", err
	}
	endpoint, err := meta.Endpoint(discovery.EndSessionEndpoint)
	if err != nil {
		return "", nil
	}

	q := url.Values{}
	q.Set("client_id", opts.ClientID)
	q.Set("post_logout_redirect_uri", opts.PostLogoutRedirectURI)
	if prior != nil {
		q.Set("id_token_hint", prior.IDTokenRaw)
	}
	endSessionURL, err := urlutil.AppendQuery(endpoint, q)
	if err != nil {
		return "", err
	}
	if err := m.navigator.Navigate(ctx, endSessionURL); err != nil {
		return endSessionURL, fmt.Errorf("failed to navigate to end session: %w", err)
	}
	return endSessionURL, nil
}

// RevokeTokens revokes the session's tokens at the provider (RFC 7009) and
// removes them from the stored session. hints selects access_token and/or
// refresh_token; none means both.
func (m *Manager) RevokeTokens(ctx context.Context, hints ...string) error {
	opts, err := m.resolve(config.Settings{})
	if err != nil {
		return err
	}
	rec, err := m.sessions.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if len(hints) == 0 {
		hints = []string{oauth.TokenTypeHintRefresh, oauth.TokenTypeHintAccess}
	}
	if err := m.revoke(ctx, opts, rec, hints...); err != nil {
		return err
	}

	for _, hint := range hints {
		switch hint {
		case oauth.TokenTypeHintAccess:
			rec.AccessToken = ""
		case oauth.TokenTypeHintRefresh:
			rec.RefreshToken = ""
		}
	}
	if err := m.sessions.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.setCurrent(rec)
	return nil
}

func (m *Manager) revoke(ctx context.Context, opts config.Resolved, rec *storage.SessionRecord, hints ...string) error {
	meta, err := m.metadataFor(ctx, opts)
	if err != nil {
		return err
	}
	endpoint, err := meta.Endpoint(discovery.RevocationEndpoint)
	if err != nil {
		return err
	}

	for _, hint := range hints {
		var value string
		switch hint {
		case oauth.TokenTypeHintAccess:
			value = rec.AccessToken
		case oauth.TokenTypeHintRefresh:
			value = rec.RefreshToken
		default:
			return fmt.Errorf("unsupported token type hint %q", hint)
		}
		if value == "" {
			continue
		}
		_, err := m.doer.Do(ctx, transport.Request{
			Method: http.MethodPost,
			URL:    endpoint,
			Body:   oauth.Revocation(m.credentials(opts), value, hint),
			Type:   transport.Form,
		})
		if err != nil {
			return fmt.Errorf("failed to revoke %s: %w", hint, oauth.ResponseError(err))
		}
		log.LogDebugWithFields("session", "Revoked token", map[string]any{
			"type": hint,
		})
	}
	return nil
}
