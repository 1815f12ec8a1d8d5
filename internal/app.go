package internal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/coordination"
	"github.com/dgellow/authsession/internal/crypto"
	"github.com/dgellow/authsession/internal/discovery"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/provider"
	"github.com/dgellow/authsession/internal/server"
	"github.com/dgellow/authsession/internal/session"
	"github.com/dgellow/authsession/internal/storage"
	"github.com/dgellow/authsession/internal/token"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/redis/go-redis/v9"
)

const defaultCleanupInterval = 10 * time.Minute

// App is a session manager with its stores, coordination medium and
// background cleanup built from a config file.
type App struct {
	Manager *session.Manager

	config  config.Config
	coord   *coordination.Coordinator
	cleanup *storage.CleanupManager
	closers []func() error
}

// AppOption adjusts how an App is assembled
type AppOption func(*appOptions)

type appOptions struct {
	navigator  interaction.Navigator
	httpClient *http.Client
}

// WithNavigator replaces the system browser
func WithNavigator(n interaction.Navigator) AppOption {
	return func(o *appOptions) { o.navigator = n }
}

// WithHTTPClient sets the client used for back-channel calls and silent
// requests. Its cookie jar, if any, is what silent requests present to the
// provider.
func WithHTTPClient(c *http.Client) AppOption {
	return func(o *appOptions) { o.httpClient = c }
}

// NewApp builds every collaborator the manager needs from cfg.
func NewApp(ctx context.Context, cfg config.Config, opts ...AppOption) (*App, error) {
	o := appOptions{navigator: &interaction.BrowserNavigator{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	log.LogInfoWithFields("app", "Building session manager", map[string]any{
		"issuer":   cfg.Client.Issuer,
		"clientId": cfg.Client.ClientID,
		"requests": cfg.Storage.Requests,
		"sessions": cfg.Storage.Sessions,
		"medium":   cfg.Coordination.Medium,
	})

	a := &App{config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	scope := clientScope(cfg.Client)
	requestStore, sessionStore, err := a.setupStorage(ctx, cfg.Storage, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	medium, err := a.setupMedium(cfg.Coordination)
	if err != nil {
		return nil, fmt.Errorf("failed to setup coordination: %w", err)
	}
	coordOpts := []coordination.Option{}
	if medium != nil {
		coordOpts = append(coordOpts, coordination.WithMedium(medium))
	}
	namespace := cfg.Coordination.Namespace
	if namespace == "" {
		namespace = coordination.DefaultNamespace + "-" + scope
	}
	coordOpts = append(coordOpts, coordination.WithNamespace(namespace))
	a.coord = coordination.New(coordOpts...)

	var manager *session.Manager
	verifier := token.NewJWKSVerifier(ctx, func(ctx context.Context) (string, error) {
		meta, err := manager.Metadata(ctx)
		if err != nil {
			return "", err
		}
		return meta.Endpoint(discovery.JWKSURI)
	}, o.httpClient)

	manager, err = session.New(cfg.Client,
		session.WithTransport(transport.NewHTTPClient(transport.WithHTTPClient(o.httpClient))),
		session.WithRequestStore(requestStore),
		session.WithSessionStore(sessionStore),
		session.WithCoordinator(a.coord),
		session.WithNavigator(o.navigator),
		session.WithPopupChannel(interaction.NewLoopbackChannel(o.navigator)),
		session.WithSilentChannel(interaction.NewHeadlessChannel(o.httpClient)),
		session.WithVerifier(verifier),
	)
	if err != nil {
		return nil, err
	}
	a.Manager = manager

	interval := time.Duration(cfg.Storage.CleanupInterval)
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	maxAge := time.Duration(cfg.Client.RequestMaxAge)
	if maxAge <= 0 {
		maxAge = storage.DefaultRequestMaxAge
	}
	a.cleanup = storage.NewCleanupManager(storage.NewRequestStore(requestStore, nil), interval, maxAge, nil)

	ok = true
	return a, nil
}

// StartCleanup prunes abandoned authorization requests until Close. Only
// long-running processes need it.
func (a *App) StartCleanup(ctx context.Context) {
	a.cleanup.Start(ctx)
	a.closers = append(a.closers, func() error {
		a.cleanup.Stop()
		return nil
	})
}

// Close stops the manager and releases every connection the app opened.
func (a *App) Close() {
	if a.Manager != nil {
		a.Manager.Close()
	}
	if a.coord != nil {
		a.coord.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.LogWarnWithFields("app", "Failed to release resource", map[string]any{
				"error": err.Error(),
			})
		}
	}
	a.closers = nil
}

// clientScope identifies one client at one provider. Configs that share a
// database or a coordination medium keep their records apart by it.
func clientScope(settings config.Settings) string {
	sum := sha256.Sum256([]byte(settings.Issuer + "\x00" + settings.ClientID))
	return hex.EncodeToString(sum[:6])
}

// setupStorage builds the request and session stores. Both default to one
// SQLite file so a session outlives the process that created it.
func (a *App) setupStorage(ctx context.Context, cfg config.StorageConfig, scope string) (storage.Store, storage.Store, error) {
	var (
		db    *sql.DB
		rdb   *redis.Client
		build func(kind config.StorageKind, prefix string) (storage.Store, error)
	)
	build = func(kind config.StorageKind, prefix string) (storage.Store, error) {
		switch kind {
		case config.StorageMemory:
			log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{"namespace": prefix})
			return storage.NewMemoryStore(prefix), nil

		case config.StorageRedis:
			if rdb == nil {
				opts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return nil, fmt.Errorf("invalid redis URL: %w", err)
				}
				rdb = redis.NewClient(opts)
				a.closers = append(a.closers, rdb.Close)
			}
			log.LogInfoWithFields("storage", "Using Redis storage", map[string]any{"namespace": prefix})
			return storage.NewRedisStore(rdb, prefix), nil

		case config.StorageFirestore:
			collection := cfg.FirestoreCollection
			if collection == "" {
				collection = "authsession"
			}
			log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
				"project":    cfg.FirestoreProject,
				"database":   cfg.FirestoreDatabase,
				"collection": collection,
				"namespace":  prefix,
			})
			fs, err := storage.NewFirestoreStore(ctx, cfg.FirestoreProject, cfg.FirestoreDatabase, collection, prefix)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, fs.Close)
			return fs, nil

		default:
			if db == nil {
				path, err := sqlitePath(cfg.SQLitePath)
				if err != nil {
					return nil, err
				}
				if db, err = storage.OpenSQLite(path); err != nil {
					return nil, err
				}
				a.closers = append(a.closers, db.Close)
				log.LogInfoWithFields("storage", "Using SQLite storage", map[string]any{"path": path})
			}
			return storage.NewSQLiteStore(db, prefix), nil
		}
	}

	requests, err := build(cfg.Requests, scope+":requests")
	if err != nil {
		return nil, nil, err
	}
	sessions, err := build(cfg.Sessions, scope+":session")
	if err != nil {
		return nil, nil, err
	}

	if cfg.SealingKey != "" {
		sealer, err := crypto.NewSealer([]byte(cfg.SealingKey))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sealer: %w", err)
		}
		requests = storage.NewSealedStore(requests, sealer)
		sessions = storage.NewSealedStore(sessions, sealer)
	}
	return requests, sessions, nil
}

func sqlitePath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no sqlitePath configured and no user config dir: %w", err)
	}
	dir = filepath.Join(dir, "authsession")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "authsession.db"), nil
}

// setupMedium builds the coordination medium; nil means this process
// coordinates only with itself.
func (a *App) setupMedium(cfg config.CoordinationConfig) (coordination.Medium, error) {
	switch cfg.Medium {
	case config.MediumFile:
		dir := cfg.Dir
		if dir == "" {
			base, err := os.UserCacheDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(base, "authsession", "coordination")
		}
		log.LogInfoWithFields("coordination", "Using file medium", map[string]any{"dir": dir})
		return coordination.NewFileMedium(dir, nil)

	case config.MediumRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		log.LogInfoWithFields("coordination", "Using Redis medium", nil)
		return coordination.NewRedisMedium(rdb, "authsession:"), nil

	default:
		return nil, nil
	}
}

// RunProvider serves the development OpenID Provider until a signal arrives
// or ctx is cancelled.
func RunProvider(ctx context.Context, cfg config.ProviderConfig) error {
	p, err := provider.New(cfg)
	if err != nil {
		return err
	}
	httpServer := server.NewHTTPServer(p.Handler(), cfg.Addr)
	if _, err := httpServer.Listen(); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.LogInfoWithFields("app", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case runErr = <-errChan:
		log.LogErrorWithFields("app", "Shutting down due to error", map[string]any{
			"error": runErr.Error(),
		})
	case <-ctx.Done():
		log.LogInfoWithFields("app", "Context cancelled, shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
