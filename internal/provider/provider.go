// Package provider is a development OpenID Provider. It signs in one
// configured user without a login form, which makes it suitable for local
// development and for driving the session engine end to end in tests.
package provider

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/crypto"
	"github.com/dgellow/authsession/internal/log"
	"github.com/ory/fosite"
	"k8s.io/utils/clock"
)

const (
	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	defaultCodeLifespan    = 10 * time.Minute
	defaultSessionTTL      = 24 * time.Hour
)

// Provider holds registered clients, browser sessions and issued grants in
// memory.
type Provider struct {
	issuer     string
	secure     bool
	clients    map[string]*fosite.DefaultClient
	postLogout map[string][]string
	user       config.ProviderUser
	signer     *signer
	clock      clock.PassiveClock

	accessTTL    time.Duration
	refreshTTL   time.Duration
	codeLifespan time.Duration
	sessionTTL   time.Duration

	mu       sync.Mutex
	sessions map[string]*browserSession
	states   map[string]string
	codes    map[string]*grant
	access   map[string]*grant
	refresh  map[string]*grant
}

// browserSession is the provider's login state for one user agent
type browserSession struct {
	ID        string
	Subject   string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// grant is what an authorization code, access token or refresh token
// stands for.
type grant struct {
	ClientID    string
	RedirectURI string
	Scope       fosite.Arguments
	Nonce       string
	Challenge   string
	SessionID   string
	Subject     string
	AuthTime    time.Time
	ExpiresAt   time.Time
}

// Option configures a Provider
type Option func(*Provider) error

// WithClock injects the clock used for every expiry
func WithClock(c clock.PassiveClock) Option {
	return func(p *Provider) error {
		p.clock = c
		return nil
	}
}

// WithSigningKey sets the RSA key ID tokens are signed with. A key is
// generated when none is given.
func WithSigningKey(key *rsa.PrivateKey) Option {
	return func(p *Provider) error {
		s, err := newSigner(key)
		if err != nil {
			return err
		}
		p.signer = s
		return nil
	}
}

// New creates a provider from cfg.
func New(cfg config.ProviderConfig, opts ...Option) (*Provider, error) {
	issuer, err := url.Parse(cfg.Issuer)
	if err != nil || issuer.Scheme == "" || issuer.Host == "" {
		return nil, fmt.Errorf("invalid issuer %q", cfg.Issuer)
	}
	if cfg.User.Subject == "" {
		return nil, fmt.Errorf("provider user subject is required")
	}

	p := &Provider{
		issuer:       cfg.Issuer,
		secure:       issuer.Scheme == "https",
		clients:      make(map[string]*fosite.DefaultClient, len(cfg.Clients)),
		postLogout:   make(map[string][]string, len(cfg.Clients)),
		user:         cfg.User,
		clock:        clock.RealClock{},
		accessTTL:    time.Duration(cfg.AccessTokenTTL),
		refreshTTL:   time.Duration(cfg.RefreshTokenTTL),
		codeLifespan: defaultCodeLifespan,
		sessionTTL:   defaultSessionTTL,
		sessions:     make(map[string]*browserSession),
		states:       make(map[string]string),
		codes:        make(map[string]*grant),
		access:       make(map[string]*grant),
		refresh:      make(map[string]*grant),
	}
	if p.accessTTL == 0 {
		p.accessTTL = defaultAccessTokenTTL
	}
	if p.refreshTTL == 0 {
		p.refreshTTL = defaultRefreshTokenTTL
	}

	for _, c := range cfg.Clients {
		client := &fosite.DefaultClient{
			ID:            c.ID,
			RedirectURIs:  c.RedirectURIs,
			GrantTypes:    fosite.Arguments{"authorization_code", "refresh_token"},
			ResponseTypes: fosite.Arguments{"code"},
			Scopes:        fosite.Arguments{"openid", "profile", "email", "offline_access"},
			Public:        c.Secret == "",
		}
		if !client.Public {
			hashed, err := crypto.HashClientSecret(string(c.Secret))
			if err != nil {
				return nil, fmt.Errorf("failed to hash secret for client %s: %w", c.ID, err)
			}
			client.Secret = hashed
		}
		p.clients[c.ID] = client
		p.postLogout[c.ID] = c.PostLogoutRedirectURIs
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.signer == nil {
		if p.signer, err = generateSigner(); err != nil {
			return nil, err
		}
	}

	log.LogInfoWithFields("provider", "Provider configured", map[string]any{
		"issuer":  p.issuer,
		"clients": len(p.clients),
		"subject": p.user.Subject,
	})
	return p, nil
}

// Issuer returns the issuer identifier
func (p *Provider) Issuer() string { return p.issuer }

// session returns the live browser session sid, or nil.
func (p *Provider) session(sid string) *browserSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sid]
	if !ok || !p.clock.Now().Before(s.ExpiresAt) {
		return nil
	}
	return s
}

// startSession signs the configured user in with a fresh session.
func (p *Provider) startSession() (*browserSession, error) {
	sid, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	s := &browserSession{
		ID:        sid,
		Subject:   p.user.Subject,
		AuthTime:  now,
		ExpiresAt: now.Add(p.sessionTTL),
	}

	p.mu.Lock()
	p.sessions[sid] = s
	p.mu.Unlock()

	log.LogInfoWithFields("provider", "User signed in", map[string]any{
		"subject": s.Subject,
	})
	return s, nil
}

// endSession signs the user agent out. Session states derived from the
// session report a change from then on.
func (p *Provider) endSession(sid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sid]; !ok {
		return false
	}
	delete(p.sessions, sid)
	log.LogInfoWithFields("provider", "User signed out", nil)
	return true
}

// sessionState derives the OpenID Connect Session Management value for a
// client, its redirect origin and the browser session.
func (p *Provider) sessionState(clientID, redirectURI, sid string) (string, error) {
	salt, err := crypto.GenerateRandom(16)
	if err != nil {
		return "", err
	}
	origin := redirectURI
	if u, err := url.Parse(redirectURI); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	sum := sha256.Sum256([]byte(clientID + " " + origin + " " + sid + " " + salt))
	state := base64.RawURLEncoding.EncodeToString(sum[:]) + "." + salt

	p.mu.Lock()
	p.states[state] = sid
	p.mu.Unlock()
	return state, nil
}

// sessionStateCurrent reports whether the browser session behind state is
// still signed in.
func (p *Provider) sessionStateCurrent(state string) bool {
	p.mu.Lock()
	sid, ok := p.states[state]
	p.mu.Unlock()
	return ok && p.session(sid) != nil
}

// pruneLocked drops expired codes, tokens and sessions. Callers hold p.mu.
func (p *Provider) pruneLocked(now time.Time) {
	for _, m := range []map[string]*grant{p.codes, p.access, p.refresh} {
		for k, g := range m {
			if !now.Before(g.ExpiresAt) {
				delete(m, k)
			}
		}
	}
	for sid, s := range p.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(p.sessions, sid)
		}
	}
	for state, sid := range p.states {
		if _, ok := p.sessions[sid]; !ok {
			delete(p.states, state)
		}
	}
}
