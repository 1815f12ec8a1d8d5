package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/coordination"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/oauth"
	"github.com/dgellow/authsession/internal/storage"
	"github.com/dgellow/authsession/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type navRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (n *navRecorder) Navigate(_ context.Context, u string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, u)
	return nil
}

func (n *navRecorder) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.urls) == 0 {
		return ""
	}
	return n.urls[len(n.urls)-1]
}

// failChannel fails the test if a flow opens it
func failChannel(t *testing.T) interaction.Channel {
	return interaction.ChannelFunc(func(context.Context, string, interaction.Options) (*interaction.Result, error) {
		t.Error("interaction channel must not be opened")
		return nil, errors.New("unexpected interaction")
	})
}

type harness struct {
	m        *Manager
	provider *fakeProvider
	clock    *testingclock.FakeClock
	nav      *navRecorder
	events   *eventLog
}

func newHarness(t *testing.T, settings config.Settings, opts ...Option) *harness {
	t.Helper()
	fc := testingclock.NewFakeClock(base)
	p := newFakeProvider(t, fc.Now)
	nav := &navRecorder{}
	all := append([]Option{
		WithTransport(p),
		WithClock(fc),
		WithNavigator(nav),
		WithPopupChannel(p.channel()),
		WithSilentChannel(p.channel()),
	}, opts...)
	m, err := New(settings, all...)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	events := &eventLog{}
	m.Subscribe(events.record)
	return &harness{m: m, provider: p, clock: fc, nav: nav, events: events}
}

func TestNewValidatesSettings(t *testing.T) {
	_, err := New(config.Settings{Issuer: testIssuer})
	var vErr *config.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "clientId", vErr.Path)
}

func TestBuildAuthorizeRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("openid scope gets a nonce and PKCE", func(t *testing.T) {
		h := newHarness(t, testSettings())
		req, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{
			ExtraParams: map[string]string{"ui_locales": "fr", "state": "ignored"},
		}, map[string]any{"return_to": "/home"})
		require.NoError(t, err)

		u, err := url.Parse(req.URL)
		require.NoError(t, err)
		assert.Equal(t, testIssuer+"/authorize", u.Scheme+"://"+u.Host+u.Path)
		q := u.Query()
		assert.Equal(t, testClientID, q.Get("client_id"))
		assert.Equal(t, testRedirect, q.Get("redirect_uri"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, req.State, q.Get("state"))
		assert.NotEmpty(t, q.Get("nonce"))
		assert.Equal(t, req.Nonce, q.Get("nonce"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Len(t, q.Get("code_challenge"), 43)
		assert.Equal(t, "fr", q.Get("ui_locales"))

		rec, err := h.m.requests.Get(ctx, req.State)
		require.NoError(t, err)
		assert.Equal(t, storage.KindDirect, rec.RequestType)
		assert.Equal(t, "/home", rec.LocalState["return_to"])
		assert.NotEmpty(t, rec.AuthParams.CodeVerifier)
		assert.Empty(t, q.Get("code_verifier"), "the verifier never leaves the client")
	})

	t.Run("nonce follows response type and scope", func(t *testing.T) {
		h := newHarness(t, testSettings())
		tests := []struct {
			name         string
			responseType string
			scope        string
			wantNonce    bool
			wantPKCE     bool
		}{
			{name: "code without openid", responseType: "code", scope: "api", wantNonce: false, wantPKCE: true},
			{name: "code with openid", responseType: "code", scope: "openid", wantNonce: true, wantPKCE: true},
			{name: "id_token without openid", responseType: "id_token", scope: "api", wantNonce: true, wantPKCE: false},
			{name: "hybrid", responseType: "code id_token", scope: "api", wantNonce: true, wantPKCE: true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req, err := h.m.BuildAuthorizeRequest(ctx, storage.KindPopup, config.Settings{
					ResponseType: tt.responseType,
					Scope:        tt.scope,
				}, nil)
				require.NoError(t, err)
				u, _ := url.Parse(req.URL)
				assert.Equal(t, tt.wantNonce, u.Query().Get("nonce") != "")
				assert.Equal(t, tt.wantPKCE, u.Query().Get("code_challenge") != "")
			})
		}
	})

	t.Run("states are unique", func(t *testing.T) {
		h := newHarness(t, testSettings())
		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			req, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{}, nil)
			require.NoError(t, err)
			assert.False(t, seen[req.State])
			seen[req.State] = true
		}
	})

	t.Run("stale requests are pruned", func(t *testing.T) {
		h := newHarness(t, testSettings())
		old, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{}, nil)
		require.NoError(t, err)

		h.clock.Step(25 * time.Hour)
		fresh, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{}, nil)
		require.NoError(t, err)

		_, err = h.m.requests.Get(ctx, old.State)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = h.m.requests.Get(ctx, fresh.State)
		assert.NoError(t, err)
	})

	t.Run("redirect uri is required", func(t *testing.T) {
		settings := testSettings()
		settings.RedirectURI = ""
		h := newHarness(t, settings)
		_, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{}, nil)
		var pErr *PreconditionError
		require.ErrorAs(t, err, &pErr)
		assert.Equal(t, "redirect_uri", pErr.Param)
	})
}

func TestLoginAndHandleCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings())

	req, err := h.m.Login(ctx, config.Settings{}, map[string]any{"return_to": "/docs"})
	require.NoError(t, err)
	assert.Equal(t, req.URL, h.nav.last())
	assert.False(t, h.m.IsAuthenticated(ctx))

	done, err := h.m.HandleCallback(ctx, h.provider.callbackURL(req.URL))
	require.NoError(t, err)

	assert.Equal(t, 1, h.provider.grantCount("authorization_code"), "exactly one code exchange")
	_, err = h.m.requests.Get(ctx, req.State)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the request record is consumed")

	assert.Equal(t, storage.KindDirect, done.Kind)
	assert.Equal(t, "/docs", done.LocalState["return_to"])
	assert.Equal(t, "access-1", done.Session.AccessToken)
	assert.Equal(t, "refresh-token", done.Session.RefreshToken)
	assert.Equal(t, testSubject, done.Session.Subject())
	assert.Equal(t, "Test User", done.Session.User["name"])
	assert.NotContains(t, done.Session.User, "nonce")
	assert.Equal(t, base.Unix()+3600, done.Session.ExpiresAt)
	assert.Equal(t, "ss-1", done.Session.SessionState)

	assert.True(t, h.m.IsAuthenticated(ctx))
	user, err := h.m.User(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user["email"])
	assert.Equal(t, []EventType{EventLogin}, h.events.types())

	t.Run("replayed callback", func(t *testing.T) {
		_, err := h.m.HandleCallback(ctx, testRedirect+"?code=again&state="+req.State)
		var cErr *CorrelationNotFoundError
		require.ErrorAs(t, err, &cErr)
		assert.Equal(t, 1, h.provider.grantCount("authorization_code"))
	})
}

func TestHandleCallbackUnknownState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings())

	_, err := h.m.HandleCallback(ctx, testRedirect+"?code=abc&state=forged")
	var cErr *CorrelationNotFoundError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "forged", cErr.State)

	_, err = h.m.HandleCallback(ctx, testRedirect+"?code=abc")
	require.ErrorAs(t, err, &cErr)

	assert.Zero(t, h.provider.callCount(testEndpoints["token_endpoint"]), "no exchange without correlation")
	assert.False(t, h.m.IsAuthenticated(ctx))
}

func TestHandleCallbackProviderError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings())

	req, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{}, nil)
	require.NoError(t, err)

	_, err = h.m.HandleCallback(ctx, testRedirect+"?error=access_denied&error_description=user+said+no&state="+req.State)
	var authErr *oauth.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, oauth.ErrAccessDenied, authErr.Code)
	assert.Equal(t, "user said no", authErr.Description)

	_, err = h.m.requests.Get(ctx, req.State)
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed completion consumes the record")
	assert.Zero(t, h.provider.callCount(testEndpoints["token_endpoint"]))
}

func TestHandleCallbackFragment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings())

	req, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{ResponseType: "id_token token"}, nil)
	require.NoError(t, err)

	frag := url.Values{
		"state":        {req.State},
		"access_token": {"implicit-access"},
		"token_type":   {"Bearer"},
		"expires_in":   {"600"},
		"id_token":     {h.provider.idToken(req.Nonce)},
	}
	done, err := h.m.HandleCallback(ctx, testRedirect+"#"+frag.Encode())
	require.NoError(t, err)
	assert.Equal(t, "implicit-access", done.Session.AccessToken)
	assert.Equal(t, int64(600), done.Session.ExpiresIn)
	assert.Zero(t, h.provider.callCount(testEndpoints["token_endpoint"]))
}

func TestCodeExchangePreconditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(p *storage.AuthParams)
		param  string
	}{
		{name: "missing verifier", mutate: func(p *storage.AuthParams) { p.CodeVerifier = "" }, param: "code_verifier"},
		{name: "missing redirect", mutate: func(p *storage.AuthParams) { p.RedirectURI = "" }, param: "redirect_uri"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testSettings())
			req, err := h.m.BuildAuthorizeRequest(ctx, storage.KindDirect, config.Settings{}, nil)
			require.NoError(t, err)

			rec, err := h.m.requests.Get(ctx, req.State)
			require.NoError(t, err)
			tt.mutate(&rec.AuthParams)
			require.NoError(t, h.m.requests.Put(ctx, rec))

			_, err = h.m.HandleCallback(ctx, h.provider.callbackURL(req.URL))
			var pErr *PreconditionError
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, tt.param, pErr.Param)
			assert.Zero(t, h.provider.callCount(testEndpoints["token_endpoint"]), "no network call")
		})
	}
}

func TestLoginPopup(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		h := newHarness(t, testSettings())
		done, err := h.m.LoginPopup(ctx, config.Settings{Prompt: "login"}, nil)
		require.NoError(t, err)
		assert.Equal(t, storage.KindPopup, done.Kind)
		assert.Equal(t, "login", h.provider.lastAuthorizeParams().Get("prompt"))
		assert.True(t, h.m.IsAuthenticated(ctx))
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		h := newHarness(t, testSettings())
		h.provider.badNonce = true
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		var nErr *token.NonceMismatchError
		require.ErrorAs(t, err, &nErr)
		assert.False(t, h.m.IsAuthenticated(ctx), "the token is never partially trusted")
	})

	t.Run("cancelled interaction", func(t *testing.T) {
		var state string
		h := newHarness(t, testSettings(), WithPopupChannel(interaction.ChannelFunc(
			func(_ context.Context, authURL string, _ interaction.Options) (*interaction.Result, error) {
				u, _ := url.Parse(authURL)
				state = u.Query().Get("state")
				return nil, &interaction.CancelledError{Reason: "window closed"}
			})))
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		var cErr *interaction.CancelledError
		require.ErrorAs(t, err, &cErr)

		_, err = h.m.requests.Get(ctx, state)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("external verifier rejection", func(t *testing.T) {
		h := newHarness(t, testSettings(), WithVerifier(token.VerifierFunc(func(context.Context, string) error {
			return errors.New("bad signature")
		})))
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		var vErr *token.InvalidIDTokenError
		require.ErrorAs(t, err, &vErr)
		assert.False(t, h.m.IsAuthenticated(ctx))
	})

	t.Run("no popup channel", func(t *testing.T) {
		m, err := New(testSettings(), WithTransport(newFakeProvider(t, time.Now)))
		require.NoError(t, err)
		defer m.Close()
		_, err = m.LoginPopup(ctx, config.Settings{}, nil)
		assert.ErrorIs(t, err, ErrNoChannel)
	})
}

func TestUserInfo(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.LoadUserInfo = config.Bool(true)

	t.Run("claims are merged", func(t *testing.T) {
		h := newHarness(t, settings)
		done, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "en", done.Session.User["locale"])
		assert.Equal(t, "Test User", done.Session.User["name"])
	})

	t.Run("per-call option reaches completion", func(t *testing.T) {
		h := newHarness(t, testSettings())
		done, err := h.m.LoginPopup(ctx, config.Settings{LoadUserInfo: config.Bool(true)}, nil)
		require.NoError(t, err)
		assert.Equal(t, "en", done.Session.User["locale"])
		assert.Equal(t, 1, h.provider.callCount(testEndpoints["userinfo_endpoint"]))
	})

	t.Run("instance default without the per-call option", func(t *testing.T) {
		h := newHarness(t, testSettings())
		done, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		assert.NotContains(t, done.Session.User, "locale")
		assert.Zero(t, h.provider.callCount(testEndpoints["userinfo_endpoint"]))
	})

	t.Run("subject mismatch", func(t *testing.T) {
		h := newHarness(t, settings)
		h.provider.userinfoSub = "someone-else"
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		var sErr *SubjectMismatchError
		require.ErrorAs(t, err, &sErr)
		assert.Equal(t, "someone-else", sErr.Actual)
	})
}

func TestSilentLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh token skips the channel", func(t *testing.T) {
		h := newHarness(t, testSettings())
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		h.m.silent = failChannel(t)
		h.clock.Step(time.Minute)
		rec, err := h.m.SilentLogin(ctx, config.Settings{})
		require.NoError(t, err)
		assert.Equal(t, 1, h.provider.grantCount("refresh_token"))
		assert.Equal(t, "access-2", rec.AccessToken)
		assert.Equal(t, testSubject, rec.Subject())
	})

	t.Run("channel when refresh tokens are disabled", func(t *testing.T) {
		settings := testSettings()
		settings.UseRefreshToken = config.Bool(false)
		h := newHarness(t, settings)
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		_, err = h.m.SilentLogin(ctx, config.Settings{})
		require.NoError(t, err)
		assert.Zero(t, h.provider.grantCount("refresh_token"))
		assert.Equal(t, "none", h.provider.lastAuthorizeParams().Get("prompt"))
	})

	t.Run("provider requires interaction", func(t *testing.T) {
		h := newHarness(t, testSettings(), WithSilentChannel(interaction.ChannelFunc(
			func(context.Context, string, interaction.Options) (*interaction.Result, error) {
				return nil, oauth.NewAuthenticationError(oauth.ErrLoginRequired, "")
			})))
		_, err := h.m.SilentLogin(ctx, config.Settings{})
		var authErr *oauth.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.True(t, authErr.RequiresInteraction())
	})

	t.Run("refresh rejected", func(t *testing.T) {
		h := newHarness(t, testSettings())
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		h.provider.refreshError = "invalid_grant"
		h.m.silent = failChannel(t)

		_, err = h.m.SilentLogin(ctx, config.Settings{})
		var authErr *oauth.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, oauth.ErrInvalidGrant, authErr.Code)
	})
}

func TestRenewalScheduling(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.RenewBefore = config.Dur(time.Minute)

	t.Run("armed before expiry", func(t *testing.T) {
		h := newHarness(t, settings)
		h.provider.expiresIn = 300
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		target, armed := h.m.scheduler.Target()
		require.True(t, armed)
		assert.Equal(t, base.Add(240*time.Second), target)
	})

	t.Run("fires and renews", func(t *testing.T) {
		h := newHarness(t, settings)
		h.provider.expiresIn = 300
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
		h.clock.Step(240 * time.Second)
		require.Eventually(t, func() bool {
			target, armed := h.m.scheduler.Target()
			return armed && target.Equal(base.Add(480*time.Second))
		}, 2*time.Second, 5*time.Millisecond, "renewal re-arms for the new token")
		assert.True(t, h.events.has(EventRenewed))
		assert.Equal(t, 1, h.provider.grantCount("refresh_token"))
	})

	t.Run("failure keeps the session", func(t *testing.T) {
		h := newHarness(t, settings)
		h.provider.expiresIn = 300
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		h.provider.refreshError = "server_error"

		require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
		h.clock.Step(240 * time.Second)
		require.Eventually(t, func() bool { return h.events.has(EventRenewError) }, 2*time.Second, 5*time.Millisecond)

		ev, _ := h.events.find(EventRenewError)
		assert.Error(t, ev.Err)
		assert.True(t, h.m.IsAuthenticated(ctx))
		assert.False(t, h.events.has(EventLogout))
	})

	t.Run("inside the window renews at once", func(t *testing.T) {
		h := newHarness(t, settings)
		h.provider.expiresIn = 30
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		target, armed := h.m.scheduler.Target()
		require.True(t, armed)
		assert.Equal(t, base.Add(time.Second), target)
	})

	t.Run("disabled for one login", func(t *testing.T) {
		h := newHarness(t, settings)
		_, err := h.m.LoginPopup(ctx, config.Settings{AutomaticSilentRenew: config.Bool(false)}, nil)
		require.NoError(t, err)
		_, armed := h.m.scheduler.Target()
		assert.False(t, armed)
	})

	t.Run("per-call renew offset", func(t *testing.T) {
		h := newHarness(t, settings)
		h.provider.expiresIn = 300
		_, err := h.m.LoginPopup(ctx, config.Settings{RenewBefore: config.Dur(2 * time.Minute)}, nil)
		require.NoError(t, err)
		target, armed := h.m.scheduler.Target()
		require.True(t, armed)
		assert.Equal(t, base.Add(180*time.Second), target)
	})

	t.Run("disabled", func(t *testing.T) {
		s := settings
		s.AutomaticSilentRenew = config.Bool(false)
		h := newHarness(t, s)
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		_, armed := h.m.scheduler.Target()
		assert.False(t, armed)
	})
}

func TestRenewRunsOnceAcrossInstances(t *testing.T) {
	ctx := context.Background()
	medium := coordination.NewMemoryMedium(nil)
	backend := storage.NewMemoryBackend()
	p := newFakeProvider(t, time.Now)

	newInstance := func(id string) *Manager {
		coord := coordination.New(
			coordination.WithMedium(medium),
			coordination.WithInstanceID(id),
			coordination.WithSettleDelay(20*time.Millisecond),
		)
		t.Cleanup(coord.Close)
		m, err := New(testSettings(),
			WithTransport(p),
			WithCoordinator(coord),
			WithSessionStore(storage.NewMemoryStore("session", storage.WithBackend(backend))),
			WithSilentChannel(failChannel(t)),
		)
		require.NoError(t, err)
		t.Cleanup(m.Close)
		return m
	}
	a := newInstance("a")
	b := newInstance("b")

	seed := storage.NewSessionStore(storage.NewMemoryStore("session", storage.WithBackend(backend)), nil)
	require.NoError(t, seed.Save(ctx, &storage.SessionRecord{
		AccessToken:  "stale",
		RefreshToken: "refresh-token",
		IDToken:      map[string]any{"sub": testSubject},
		ExpiresIn:    60,
		ExpiresAt:    time.Now().Add(30 * time.Second).Unix(),
	}))

	var ran atomic.Int32
	var wg sync.WaitGroup
	for _, m := range []*Manager{a, b} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			did, err := m.Renew(ctx)
			assert.NoError(t, err)
			if did {
				ran.Add(1)
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ran.Load(), "exactly one instance renews")
	assert.Equal(t, 1, p.grantCount("refresh_token"), "exactly one exchange across instances")

	for _, m := range []*Manager{a, b} {
		rec, err := m.Session(ctx)
		require.NoError(t, err)
		assert.Equal(t, "access-1", rec.AccessToken)
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("single flight", func(t *testing.T) {
		settings := testSettings()
		settings.Metadata = nil
		settings.SkipSilentLogin = config.Bool(true)
		h := newHarness(t, settings)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.m.Initialize(ctx))
			}()
		}
		wg.Wait()
		require.NoError(t, h.m.Initialize(ctx))
		assert.Equal(t, 1, h.provider.callCount(testIssuer+"/.well-known/openid-configuration"))
	})

	t.Run("detects a provider session", func(t *testing.T) {
		h := newHarness(t, testSettings())
		require.NoError(t, h.m.Initialize(ctx))
		assert.True(t, h.m.IsAuthenticated(ctx))
		assert.Equal(t, "none", h.provider.lastAuthorizeParams().Get("prompt"))
	})

	t.Run("silent login failure clears the session", func(t *testing.T) {
		settings := testSettings()
		settings.UseRefreshToken = config.Bool(false)
		sessions := storage.NewMemoryStore("session")
		h := newHarness(t, settings,
			WithSessionStore(sessions),
			WithSilentChannel(interaction.ChannelFunc(func(context.Context, string, interaction.Options) (*interaction.Result, error) {
				return nil, oauth.NewAuthenticationError(oauth.ErrLoginRequired, "")
			})))
		require.NoError(t, storage.NewSessionStore(sessions, nil).Save(ctx, &storage.SessionRecord{
			AccessToken: "old",
			IDToken:     map[string]any{"sub": testSubject},
		}))

		require.NoError(t, h.m.Initialize(ctx), "the failure does not propagate")
		assert.False(t, h.m.IsAuthenticated(ctx))
		assert.Equal(t, []EventType{EventLogout}, h.events.types())
	})

	t.Run("suppressed inside an interaction", func(t *testing.T) {
		settings := testSettings()
		settings.InInteraction = config.Bool(true)
		h := newHarness(t, settings, WithSilentChannel(failChannel(t)))
		require.NoError(t, h.m.Initialize(ctx))
		assert.False(t, h.m.IsAuthenticated(ctx))
	})

	t.Run("restores a stored session", func(t *testing.T) {
		settings := testSettings()
		settings.SkipSilentLogin = config.Bool(true)
		sessions := storage.NewMemoryStore("session")
		require.NoError(t, storage.NewSessionStore(sessions, nil).Save(ctx, &storage.SessionRecord{
			AccessToken:  "stored",
			RefreshToken: "refresh-token",
			ExpiresIn:    600,
			ExpiresAt:    base.Add(10 * time.Minute).Unix(),
		}))
		h := newHarness(t, settings, WithSessionStore(sessions))
		require.NoError(t, h.m.Initialize(ctx))

		rec, err := h.m.Session(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stored", rec.AccessToken)
		target, armed := h.m.scheduler.Target()
		require.True(t, armed)
		assert.Equal(t, base.Add(9*time.Minute), target)
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.PostLogoutRedirectURI = "http://127.0.0.1:8400/bye"

	t.Run("end session", func(t *testing.T) {
		h := newHarness(t, settings)
		done, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		endURL, err := h.m.Logout(ctx, LogoutOptions{})
		require.NoError(t, err)
		assert.Equal(t, endURL, h.nav.last())

		u, err := url.Parse(endURL)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(endURL, testIssuer+"/logout?"))
		assert.Equal(t, done.Session.IDTokenRaw, u.Query().Get("id_token_hint"))
		assert.Equal(t, "http://127.0.0.1:8400/bye", u.Query().Get("post_logout_redirect_uri"))
		assert.Equal(t, testClientID, u.Query().Get("client_id"))

		assert.False(t, h.m.IsAuthenticated(ctx))
		_, armed := h.m.scheduler.Target()
		assert.False(t, armed)
		assert.Equal(t, []EventType{EventLogin, EventLogout}, h.events.types())
	})

	t.Run("local only with revocation", func(t *testing.T) {
		h := newHarness(t, settings)
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)

		endURL, err := h.m.Logout(ctx, LogoutOptions{LocalOnly: true, Revoke: true})
		require.NoError(t, err)
		assert.Empty(t, endURL)
		assert.Empty(t, h.nav.last())
		assert.Equal(t, 2, h.provider.callCount(testEndpoints["revocation_endpoint"]))
		assert.False(t, h.m.IsAuthenticated(ctx))
	})

	t.Run("without a session", func(t *testing.T) {
		h := newHarness(t, settings)
		_, err := h.m.Logout(ctx, LogoutOptions{LocalOnly: true})
		require.NoError(t, err)
	})
}

func TestRevokeTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings())

	assert.ErrorIs(t, h.m.RevokeTokens(ctx), ErrNoSession)

	_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
	require.NoError(t, err)

	require.NoError(t, h.m.RevokeTokens(ctx, oauth.TokenTypeHintRefresh))
	assert.Equal(t, 1, h.provider.callCount(testEndpoints["revocation_endpoint"]))

	rec, err := h.m.Session(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.RefreshToken)
	assert.NotEmpty(t, rec.AccessToken)

	assert.Error(t, h.m.RevokeTokens(ctx, "id_token"))
}

func TestCrossInstanceEvents(t *testing.T) {
	ctx := context.Background()
	medium := coordination.NewMemoryMedium(nil)
	backend := storage.NewMemoryBackend()

	newInstance := func(id string) (*harness, *eventLog) {
		coord := coordination.New(coordination.WithMedium(medium), coordination.WithInstanceID(id))
		t.Cleanup(coord.Close)
		h := newHarness(t, testSettings(),
			WithCoordinator(coord),
			WithSessionStore(storage.NewMemoryStore("session", storage.WithBackend(backend))))
		return h, h.events
	}
	a, _ := newInstance("a")
	b, bEvents := newInstance("b")

	_, err := a.m.LoginPopup(ctx, config.Settings{}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bEvents.has(EventLogin) }, 2*time.Second, 5*time.Millisecond)
	ev, _ := bEvents.find(EventLogin)
	assert.True(t, ev.Remote)
	require.NotNil(t, ev.Session)
	assert.Equal(t, testSubject, ev.Session.Subject())

	_, err = a.m.Logout(ctx, LogoutOptions{LocalOnly: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bEvents.has(EventLogout) }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, b.m.IsAuthenticated(ctx))
}

// fakeMonitor captures the callback so tests can drive session checks
type fakeMonitor struct {
	mu      sync.Mutex
	started []string
	cb      interaction.MonitorCallback
	stopped int
}

func (f *fakeMonitor) Start(sessionState string, cb interaction.MonitorCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionState)
	f.cb = cb
	return nil
}

func (f *fakeMonitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeMonitor) report(event interaction.MonitorEvent, err error) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(event, err)
}

func (f *fakeMonitor) states() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func TestSessionMonitoring(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.MonitorSession = config.Bool(true)

	newMonitored := func(t *testing.T) (*harness, *fakeMonitor) {
		mon := &fakeMonitor{}
		var endpoint string
		h := newHarness(t, settings, WithMonitorFactory(func(e, clientID string, _ time.Duration) interaction.SessionMonitor {
			endpoint = e
			assert.Equal(t, testClientID, clientID)
			return mon
		}))
		_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		assert.Equal(t, testEndpoints["check_session_iframe"], endpoint)
		assert.Equal(t, []string{"ss-1"}, mon.states())
		return h, mon
	}

	t.Run("unchanged", func(t *testing.T) {
		h, mon := newMonitored(t)
		mon.report(interaction.SessionUnchanged, nil)
		assert.True(t, h.m.IsAuthenticated(ctx))
		assert.Equal(t, []EventType{EventLogin}, h.events.types())
	})

	t.Run("changed with the same user restarts", func(t *testing.T) {
		h, mon := newMonitored(t)
		mon.report(interaction.SessionChanged, nil)
		assert.True(t, h.m.IsAuthenticated(ctx))
		assert.Equal(t, []string{"ss-1", "ss-2"}, mon.states())
		assert.Equal(t, "none", h.provider.lastAuthorizeParams().Get("prompt"), "confirmed through the provider, not a refresh")
		assert.True(t, h.events.has(EventSessionChanged))
		assert.False(t, h.events.has(EventLogout))
	})

	t.Run("changed to another user logs out", func(t *testing.T) {
		h, mon := newMonitored(t)
		h.provider.subject = "user-2"
		mon.report(interaction.SessionChanged, nil)
		assert.False(t, h.m.IsAuthenticated(ctx))
		ev, ok := h.events.find(EventLogout)
		require.True(t, ok)
		var sErr *SubjectMismatchError
		assert.ErrorAs(t, ev.Err, &sErr)
	})

	t.Run("error logs out", func(t *testing.T) {
		h, mon := newMonitored(t)
		mon.report(interaction.SessionUnchanged, errors.New("check failed"))
		assert.False(t, h.m.IsAuthenticated(ctx))
		assert.True(t, h.events.has(EventLogout))
	})
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.AutomaticSilentRenew = config.Bool(false)
	h := newHarness(t, settings)

	_, err := h.m.TokenSource(ctx).Token()
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = h.m.LoginPopup(ctx, config.Settings{}, nil)
	require.NoError(t, err)

	tok, err := h.m.TokenSource(ctx).Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.NotEmpty(t, tok.Extra("id_token"))

	h.clock.Step(2 * time.Hour)
	tok, err = h.m.TokenSource(ctx).Token()
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken, "expired tokens are renewed")
	assert.Equal(t, 1, h.provider.grantCount("refresh_token"))
}

func TestTokenSourceWaitsForOtherInstance(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Manager, *coordination.Coordinator, *storage.SessionStore) {
		medium := coordination.NewMemoryMedium(nil)
		backend := storage.NewMemoryBackend()
		newCoord := func(id string) *coordination.Coordinator {
			coord := coordination.New(
				coordination.WithMedium(medium),
				coordination.WithInstanceID(id),
				coordination.WithSettleDelay(10*time.Millisecond),
			)
			t.Cleanup(coord.Close)
			return coord
		}

		settings := testSettings()
		settings.AutomaticSilentRenew = config.Bool(false)
		settings.RenewLockTTL = config.Duration(500 * time.Millisecond)
		m, err := New(settings,
			WithTransport(newFakeProvider(t, time.Now)),
			WithCoordinator(newCoord("a")),
			WithSessionStore(storage.NewMemoryStore("session", storage.WithBackend(backend))),
			WithSilentChannel(failChannel(t)),
		)
		require.NoError(t, err)
		t.Cleanup(m.Close)

		sessions := storage.NewSessionStore(storage.NewMemoryStore("session", storage.WithBackend(backend)), nil)
		require.NoError(t, sessions.Save(ctx, &storage.SessionRecord{
			AccessToken:  "stale",
			RefreshToken: "refresh-token",
			IDToken:      map[string]any{"sub": testSubject},
			ExpiresAt:    time.Now().Add(-time.Second).Unix(),
		}))
		return m, newCoord("b"), sessions
	}

	// hold runs fn while owning the renewal lock of the other instance.
	hold := func(t *testing.T, other *coordination.Coordinator, fn func()) {
		started := make(chan struct{})
		go func() {
			_, err := other.CallOnce(ctx, "renew:"+testClientID, time.Minute, func(context.Context) error {
				close(started)
				fn()
				return nil
			})
			assert.NoError(t, err)
		}()
		<-started
	}

	t.Run("returns the token the lock holder stores", func(t *testing.T) {
		m, other, sessions := setup(t)
		hold(t, other, func() {
			time.Sleep(100 * time.Millisecond)
			assert.NoError(t, sessions.Save(ctx, &storage.SessionRecord{
				AccessToken:  "renewed-elsewhere",
				RefreshToken: "refresh-token-2",
				IDToken:      map[string]any{"sub": testSubject},
				ExpiresAt:    time.Now().Add(time.Hour).Unix(),
			}))
		})

		tok, err := m.TokenSource(ctx).Token()
		require.NoError(t, err)
		assert.Equal(t, "renewed-elsewhere", tok.AccessToken)
	})

	t.Run("never returns an expired token", func(t *testing.T) {
		m, other, _ := setup(t)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		hold(t, other, func() { <-release })

		start := time.Now()
		_, err := m.TokenSource(ctx).Token()
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond, "waits out the renewal lock")
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings())

	var calls atomic.Int32
	unsubscribe := h.m.Subscribe(func(Event) { calls.Add(1) })
	h.m.Subscribe(func(Event) { panic("subscriber failure") })

	_, err := h.m.LoginPopup(ctx, config.Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	unsubscribe()
	_, err = h.m.Logout(ctx, LogoutOptions{LocalOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
