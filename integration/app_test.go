package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/authsession/internal"
	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appConfig(tp *testProvider, redirect string, storageCfg config.StorageConfig, coordCfg config.CoordinationConfig) config.Config {
	settings := clientSettings(tp)
	settings.RedirectURI = redirect
	return config.Config{
		Version:      config.Version,
		Client:       settings,
		Storage:      storageCfg,
		Coordination: coordCfg,
	}
}

func TestAppSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	tp := startProvider(t)
	browser := newBrowser(t)
	dbPath := filepath.Join(t.TempDir(), "authsession.db")

	cfg := appConfig(tp, freeLoopbackRedirect(t), config.StorageConfig{
		Requests:   config.StorageSQLite,
		Sessions:   config.StorageSQLite,
		SQLitePath: dbPath,
		SealingKey: "integration-sealing-key-0123456789",
	}, config.CoordinationConfig{})

	trace(t, "Logging in through the loopback channel")
	first, err := internal.NewApp(ctx, cfg,
		internal.WithNavigator(browserNavigator(browser)),
		internal.WithHTTPClient(browser),
	)
	require.NoError(t, err)
	require.NoError(t, first.Manager.Initialize(ctx))
	assert.False(t, first.Manager.IsAuthenticated(ctx))

	done, err := first.Manager.LoginPopup(ctx, config.Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, subject, done.Session.Subject())
	first.Close()

	t.Run("tokens are sealed at rest", func(t *testing.T) {
		raw, err := os.ReadFile(dbPath)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), done.Session.AccessToken)
		assert.NotContains(t, string(raw), done.Session.RefreshToken)
	})

	trace(t, "Restarting without a silent login")
	cfg.Client.SkipSilentLogin = config.Bool(true)
	second, err := internal.NewApp(ctx, cfg,
		internal.WithNavigator(browserNavigator(browser)),
		internal.WithHTTPClient(browser),
	)
	require.NoError(t, err)
	t.Cleanup(second.Close)
	require.NoError(t, second.Manager.Initialize(ctx))

	restored, err := second.Manager.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, done.Session.AccessToken, restored.AccessToken)
	assert.Equal(t, subject, restored.Subject())

	t.Run("wrong sealing key cannot read the session", func(t *testing.T) {
		other := cfg
		other.Storage.SealingKey = "a-different-sealing-key-987654321"
		app, err := internal.NewApp(ctx, other, internal.WithNavigator(browserNavigator(browser)))
		require.NoError(t, err)
		defer app.Close()
		_, err = app.Manager.Session(ctx)
		assert.Error(t, err)
	})
}

func TestAppWithRedis(t *testing.T) {
	ctx := context.Background()
	tp := startProvider(t)
	browser := newBrowser(t)
	mr := miniredis.RunT(t)
	redisURL := "redis://" + mr.Addr()

	cfg := appConfig(tp, freeLoopbackRedirect(t), config.StorageConfig{
		Requests: config.StorageRedis,
		Sessions: config.StorageRedis,
		RedisURL: redisURL,
	}, config.CoordinationConfig{
		Medium:   config.MediumRedis,
		RedisURL: redisURL,
	})
	cfg.Client.SkipSilentLogin = config.Bool(true)

	newApp := func() *internal.App {
		app, err := internal.NewApp(ctx, cfg,
			internal.WithNavigator(browserNavigator(browser)),
			internal.WithHTTPClient(browser),
		)
		require.NoError(t, err)
		t.Cleanup(app.Close)
		require.NoError(t, app.Manager.Initialize(ctx))
		return app
	}
	a, b := newApp(), newApp()
	bEvents := record(b.Manager)

	trace(t, "Logging in on the first instance")
	done, err := a.Manager.LoginPopup(ctx, config.Settings{}, nil)
	require.NoError(t, err)
	rec := done.Session
	assert.Equal(t, subject, rec.Subject())

	shared, err := b.Manager.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.AccessToken, shared.AccessToken)
	require.Eventually(t, func() bool {
		return bEvents.has(session.EventLogin, true)
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("renewal lock is shared", func(t *testing.T) {
		ran, err := a.Manager.Renew(ctx)
		require.NoError(t, err)
		assert.True(t, ran)

		ran, err = b.Manager.Renew(ctx)
		require.NoError(t, err)
		assert.False(t, ran, "lock still held by the first instance")
		assert.Equal(t, 1, tp.grantCount("refresh_token"))
	})

	t.Run("logout reaches the other instance", func(t *testing.T) {
		_, err := a.Manager.Logout(ctx, session.LogoutOptions{LocalOnly: true})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return bEvents.has(session.EventLogout, true)
		}, 5*time.Second, 10*time.Millisecond)
		assert.False(t, b.Manager.IsAuthenticated(ctx))
	})
}

func TestAppClientsShareDatabase(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "authsession.db")
	storageCfg := config.StorageConfig{
		Requests:   config.StorageSQLite,
		Sessions:   config.StorageSQLite,
		SQLitePath: dbPath,
	}

	type client struct {
		cfg     config.Config
		browser *http.Client
		token   string
	}
	clients := make([]*client, 2)
	for i := range clients {
		tp := startProvider(t)
		cfg := appConfig(tp, freeLoopbackRedirect(t), storageCfg, config.CoordinationConfig{})
		cfg.Client.SkipSilentLogin = config.Bool(true)
		clients[i] = &client{cfg: cfg, browser: newBrowser(t)}
	}
	require.NotEqual(t, clients[0].cfg.Client.Issuer, clients[1].cfg.Client.Issuer)

	open := func(c *client) *internal.App {
		app, err := internal.NewApp(ctx, c.cfg,
			internal.WithNavigator(browserNavigator(c.browser)),
			internal.WithHTTPClient(c.browser),
		)
		require.NoError(t, err)
		require.NoError(t, app.Manager.Initialize(ctx))
		return app
	}

	for i, c := range clients {
		trace(t, "Logging in client %d", i)
		app := open(c)
		done, err := app.Manager.LoginPopup(ctx, config.Settings{}, nil)
		require.NoError(t, err)
		c.token = done.Session.AccessToken
		app.Close()
	}
	require.NotEqual(t, clients[0].token, clients[1].token)

	for i, c := range clients {
		t.Run(fmt.Sprintf("client %d keeps its own session", i), func(t *testing.T) {
			app := open(c)
			defer app.Close()
			rec, err := app.Manager.Session(ctx)
			require.NoError(t, err)
			assert.Equal(t, c.token, rec.AccessToken)
			assert.Equal(t, c.cfg.Client.Issuer, rec.IDToken["iss"])
		})
	}

	t.Run("logout leaves the other client signed in", func(t *testing.T) {
		first := open(clients[0])
		_, err := first.Manager.Logout(ctx, session.LogoutOptions{LocalOnly: true})
		require.NoError(t, err)
		first.Close()

		second := open(clients[1])
		defer second.Close()
		assert.True(t, second.Manager.IsAuthenticated(ctx))
	})
}
