package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/provider"
	"github.com/dgellow/authsession/internal/session"
	"github.com/dgellow/authsession/internal/token"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/stretchr/testify/require"
)

const (
	clientID    = "authsession-cli"
	redirectURI = "http://127.0.0.1:8400/callback"
	signedOut   = "http://127.0.0.1:8400/signed-out"
	subject     = "dev-user"
)

// trace logs a message if TRACE is set
func trace(t *testing.T, format string, args ...any) {
	if os.Getenv("TRACE") == "1" {
		t.Logf("TRACE: "+format, args...)
	}
}

// testProvider is the development provider behind an httptest server. It
// counts token grants by type.
type testProvider struct {
	*provider.Provider
	URL string

	mu     sync.Mutex
	grants map[string]int
}

func startProvider(t *testing.T) *testProvider {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := provider.New(config.ProviderConfig{
		Issuer: srv.URL,
		Clients: []config.ProviderClient{{
			ID:                     clientID,
			RedirectURIs:           []string{"http://127.0.0.1/callback"},
			PostLogoutRedirectURIs: []string{signedOut},
		}},
		User: config.ProviderUser{Subject: subject, Email: "dev@example.com", Name: "Dev User"},
	})
	require.NoError(t, err)

	tp := &testProvider{Provider: p, URL: srv.URL, grants: make(map[string]int)}
	handler := p.Handler()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/token" {
			if err := r.ParseForm(); err == nil {
				tp.mu.Lock()
				tp.grants[r.PostForm.Get("grant_type")]++
				tp.mu.Unlock()
			}
		}
		handler.ServeHTTP(w, r)
	}))
	trace(t, "Provider listening at %s", srv.URL)
	return tp
}

func (tp *testProvider) grantCount(grant string) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.grants[grant]
}

// newBrowser returns a client with a cookie jar that stands in for the
// user agent holding the provider session.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func clientSettings(tp *testProvider) config.Settings {
	return config.Settings{
		Issuer:               tp.URL,
		ClientID:             clientID,
		RedirectURI:          redirectURI,
		Scope:                "openid profile email offline_access",
		LoadUserInfo:         config.Bool(true),
		AutomaticSilentRenew: config.Bool(false),
	}
}

// browserNavigator loads URLs with the browser client, following redirects
func browserNavigator(browser *http.Client) interaction.Navigator {
	return interaction.NavigatorFunc(func(ctx context.Context, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := browser.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	})
}

// newManager builds a manager whose interactive and silent flows run
// headless through browser. The provider signs the user in without a form,
// so a headless popup completes like a real one.
func newManager(t *testing.T, tp *testProvider, browser *http.Client, settings config.Settings, opts ...session.Option) *session.Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	channel := interaction.NewHeadlessChannel(browser)
	verifier := token.NewJWKSVerifier(ctx, func(context.Context) (string, error) {
		return tp.URL + "/jwks", nil
	}, nil)

	base := []session.Option{
		session.WithTransport(transport.NewHTTPClient()),
		session.WithPopupChannel(channel),
		session.WithSilentChannel(channel),
		session.WithNavigator(browserNavigator(browser)),
		session.WithVerifier(verifier),
	}
	m, err := session.New(settings, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// recorder collects lifecycle events
type recorder struct {
	mu     sync.Mutex
	events []session.Event
	count  atomic.Int32
}

func record(m *session.Manager) *recorder {
	r := &recorder{}
	m.Subscribe(func(e session.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		r.count.Add(1)
	})
	return r
}

func (r *recorder) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) has(ev session.EventType, remote bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == ev && e.Remote == remote {
			return true
		}
	}
	return false
}

// freeLoopbackRedirect returns a loopback redirect URI on a port that was
// free a moment ago.
func freeLoopbackRedirect(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr + "/callback"
}
