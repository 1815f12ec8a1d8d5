package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/crypto"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://op.test"
	testClientID = "app"
	testRedirect = "http://127.0.0.1:8400/callback"
	testSubject  = "user-1"
)

var testEndpoints = map[string]string{
	"authorization_endpoint": testIssuer + "/authorize",
	"token_endpoint":         testIssuer + "/token",
	"userinfo_endpoint":      testIssuer + "/userinfo",
	"end_session_endpoint":   testIssuer + "/logout",
	"revocation_endpoint":    testIssuer + "/revoke",
	"check_session_iframe":   testIssuer + "/check",
}

func testSettings() config.Settings {
	return config.Settings{
		Issuer:      testIssuer,
		ClientID:    testClientID,
		RedirectURI: testRedirect,
		Scope:       "openid profile offline_access",
		Metadata:    testEndpoints,
	}
}

type pendingCode struct {
	nonce     string
	challenge string
	redirect  string
}

// fakeProvider plays the authorization server behind a transport.Doer and
// an interaction channel.
type fakeProvider struct {
	t   *testing.T
	now func() time.Time

	mu            sync.Mutex
	subject       string
	expiresIn     int64
	codes         map[string]pendingCode
	calls         map[string]int
	grants        map[string]int
	lastAuthorize url.Values
	refreshError  string
	badNonce      bool
	userinfoSub   string
	sessionState  int
	issued        int
}

func newFakeProvider(t *testing.T, now func() time.Time) *fakeProvider {
	return &fakeProvider{
		t:         t,
		now:       now,
		subject:   testSubject,
		expiresIn: 3600,
		codes:     make(map[string]pendingCode),
		calls:     make(map[string]int),
		grants:    make(map[string]int),
	}
}

func (p *fakeProvider) callCount(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[endpoint]
}

func (p *fakeProvider) grantCount(grant string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grants[grant]
}

func (p *fakeProvider) idToken(nonce string) string {
	now := p.now()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   p.subject,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"name":  "Test User",
		"email": "user@example.com",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(p.t, err)
	return signed
}

func oauthError(code, description string) error {
	body, _ := json.Marshal(map[string]string{"error": code, "error_description": description})
	return &transport.StatusError{StatusCode: 400, Body: body}
}

func (p *fakeProvider) Do(_ context.Context, req transport.Request) (json.RawMessage, error) {
	u, err := url.Parse(req.URL)
	require.NoError(p.t, err)
	endpoint := u.Scheme + "://" + u.Host + u.Path

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[endpoint]++

	switch endpoint {
	case testIssuer + "/.well-known/openid-configuration":
		doc := map[string]string{"issuer": testIssuer}
		for k, v := range testEndpoints {
			doc[k] = v
		}
		return json.Marshal(doc)

	case testEndpoints["token_endpoint"]:
		form := req.Body.(url.Values)
		grant := form.Get("grant_type")
		p.grants[grant]++
		if form.Get("client_id") != testClientID {
			return nil, oauthError("invalid_client", "unknown client")
		}

		var nonce string
		switch grant {
		case "authorization_code":
			pending, ok := p.codes[form.Get("code")]
			if !ok {
				return nil, oauthError("invalid_grant", "unknown code")
			}
			delete(p.codes, form.Get("code"))
			if !crypto.VerifyPKCE(form.Get("code_verifier"), pending.challenge) {
				return nil, oauthError("invalid_grant", "PKCE verification failed")
			}
			if form.Get("redirect_uri") != pending.redirect {
				return nil, oauthError("invalid_grant", "redirect_uri mismatch")
			}
			nonce = pending.nonce
			if p.badNonce {
				nonce = "tampered"
			}
		case "refresh_token":
			if p.refreshError != "" {
				return nil, oauthError(p.refreshError, "refresh rejected")
			}
		default:
			return nil, oauthError("unsupported_grant_type", grant)
		}

		p.sessionState++
		resp := map[string]any{
			"access_token":  fmt.Sprintf("access-%d", p.grants["authorization_code"]+p.grants["refresh_token"]),
			"token_type":    "Bearer",
			"refresh_token": "refresh-token",
			"expires_in":    p.expiresIn,
			"id_token":      p.idToken(nonce),
			"session_state": fmt.Sprintf("ss-%d", p.sessionState),
		}
		return json.Marshal(resp)

	case testEndpoints["userinfo_endpoint"]:
		sub := p.subject
		if p.userinfoSub != "" {
			sub = p.userinfoSub
		}
		return json.Marshal(map[string]string{"sub": sub, "locale": "en"})

	case testEndpoints["revocation_endpoint"]:
		return nil, nil
	}
	return nil, &transport.StatusError{StatusCode: 404}
}

// authorize answers an authorization URL the way the provider's front
// channel would, returning the callback parameters.
func (p *fakeProvider) authorize(authURL string) url.Values {
	u, err := url.Parse(authURL)
	require.NoError(p.t, err)
	q := u.Query()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAuthorize = q

	p.issued++
	code := fmt.Sprintf("code-%d", p.issued)
	p.codes[code] = pendingCode{
		nonce:     q.Get("nonce"),
		challenge: q.Get("code_challenge"),
		redirect:  q.Get("redirect_uri"),
	}
	return url.Values{"code": {code}, "state": {q.Get("state")}}
}

func (p *fakeProvider) lastAuthorizeParams() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuthorize
}

// channel is an interaction channel that completes through the provider
func (p *fakeProvider) channel() interaction.Channel {
	return interaction.ChannelFunc(func(_ context.Context, authURL string, _ interaction.Options) (*interaction.Result, error) {
		return interaction.ResultFromParams(p.authorize(authURL))
	})
}

// callbackURL runs authURL through the provider and returns the redirect
func (p *fakeProvider) callbackURL(authURL string) string {
	return testRedirect + "?" + p.authorize(authURL).Encode()
}

// eventLog records lifecycle events
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) has(t EventType) bool {
	for _, got := range l.types() {
		if got == t {
			return true
		}
	}
	return false
}

func (l *eventLog) find(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}
