// Package session drives the authenticated session lifecycle against an
// OAuth2/OpenID Connect provider: authorization requests and their
// callbacks, token validation, persistence, renewal, monitoring and logout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/coordination"
	"github.com/dgellow/authsession/internal/crypto"
	"github.com/dgellow/authsession/internal/discovery"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/renewal"
	"github.com/dgellow/authsession/internal/storage"
	"github.com/dgellow/authsession/internal/token"
	"github.com/dgellow/authsession/internal/transport"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// MonitorFactory creates the session monitor for a provider's check-session
// endpoint.
type MonitorFactory func(endpoint, clientID string, interval time.Duration) interaction.SessionMonitor

// Manager is the session lifecycle orchestrator. One Manager serves one
// client registration; several Managers, in one process or many, stay
// consistent through a shared session store and coordinator.
type Manager struct {
	settings   config.Settings
	doer       transport.Doer
	requests   *storage.RequestStore
	sessions   *storage.SessionStore
	coord      *coordination.Coordinator
	ownsCoord  bool
	scheduler  *renewal.Scheduler
	deriver    *crypto.ChallengeDeriver
	navigator  interaction.Navigator
	popup      interaction.Channel
	silent     interaction.Channel
	newMonitor MonitorFactory
	verifier   token.Verifier
	clock      clock.WithTicker

	// raw stores, kept until New wraps them
	requestStore storage.Store
	sessionStore storage.Store
	digest       crypto.Digest

	group       singleflight.Group
	initialized atomic.Bool

	mu             sync.Mutex
	metadata       *discovery.Metadata
	current        *storage.SessionRecord
	monitor        interaction.SessionMonitor
	subscribers    map[int]func(Event)
	nextSubscriber int
	closed         bool
}

// Option configures a Manager
type Option func(*Manager)

// WithTransport sets the HTTP collaborator used for every provider call
func WithTransport(d transport.Doer) Option {
	return func(m *Manager) { m.doer = d }
}

// WithRequestStore sets where pending authorization requests are kept
func WithRequestStore(s storage.Store) Option {
	return func(m *Manager) { m.requestStore = s }
}

// WithSessionStore sets where the session record is kept
func WithSessionStore(s storage.Store) Option {
	return func(m *Manager) { m.sessionStore = s }
}

// WithCoordinator shares renewal and lifecycle events with other instances.
// The caller keeps ownership and closes it.
func WithCoordinator(c *coordination.Coordinator) Option {
	return func(m *Manager) { m.coord = c }
}

// WithNavigator sets how direct logins and logouts reach the user agent
func WithNavigator(n interaction.Navigator) Option {
	return func(m *Manager) { m.navigator = n }
}

// WithPopupChannel sets the channel for interactive logins that return a result
func WithPopupChannel(c interaction.Channel) Option {
	return func(m *Manager) { m.popup = c }
}

// WithSilentChannel sets the channel for prompt=none requests
func WithSilentChannel(c interaction.Channel) Option {
	return func(m *Manager) { m.silent = c }
}

// WithMonitorFactory overrides how session monitors are created
func WithMonitorFactory(f MonitorFactory) Option {
	return func(m *Manager) { m.newMonitor = f }
}

// WithVerifier adds a check run on every ID token after claim validation,
// typically a signature check.
func WithVerifier(v token.Verifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithClock injects the clock used for expiry, scheduling and validation
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDigest replaces the SHA-256 implementation used for PKCE
func WithDigest(d crypto.Digest) Option {
	return func(m *Manager) { m.digest = d }
}

// New creates a Manager for settings, the instance option layer. Settings
// are validated against the defaults; per-call layers are applied by each
// operation.
func New(settings config.Settings, opts ...Option) (*Manager, error) {
	m := &Manager{
		settings:    settings,
		clock:       clock.RealClock{},
		subscribers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}

	resolved, err := m.resolve(config.Settings{})
	if err != nil {
		return nil, err
	}

	if m.doer == nil {
		m.doer = transport.NewHTTPClient()
	}
	if m.requestStore == nil {
		m.requestStore = storage.NewMemoryStore("requests", storage.WithClock(m.clock))
	}
	if m.sessionStore == nil {
		m.sessionStore = storage.NewMemoryStore("session", storage.WithClock(m.clock))
	}
	m.requests = storage.NewRequestStore(m.requestStore, m.clock)
	m.sessions = storage.NewSessionStore(m.sessionStore, m.clock)
	if m.coord == nil {
		m.coord = coordination.New(coordination.WithClock(m.clock))
		m.ownsCoord = true
	}
	if m.navigator == nil {
		m.navigator = &interaction.BrowserNavigator{}
	}
	if m.newMonitor == nil {
		m.newMonitor = func(endpoint, clientID string, interval time.Duration) interaction.SessionMonitor {
			return interaction.NewPollingMonitor(m.doer, endpoint, clientID,
				interaction.WithMonitorInterval(interval),
				interaction.WithMonitorClock(m.clock))
		}
	}
	m.deriver = crypto.NewChallengeDeriver(m.digest)
	m.scheduler = renewal.NewScheduler(
		renewal.WithClock(m.clock),
		renewal.WithName("renew:"+resolved.ClientID),
	)

	m.coord.OnBroadcast(sessionTopic, m.onSessionBroadcast)
	return m, nil
}

// resolve applies the three option layers for one operation.
func (m *Manager) resolve(call config.Settings) (config.Resolved, error) {
	opts, err := config.Resolve(config.Defaults(), m.settings, call)
	if err != nil {
		return config.Resolved{}, err
	}
	if err := opts.Validate(); err != nil {
		return config.Resolved{}, err
	}
	return opts, nil
}

// Initialize prepares the manager: it resolves provider metadata, prepares
// the stores, rehydrates a stored session and, unless suppressed, performs
// one silent login to detect an existing provider session. A failed silent
// login clears the local session and is not returned. Concurrent calls share
// one run; calls after a successful run return immediately.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}
	_, err, _ := m.group.Do("initialize", func() (any, error) {
		if m.initialized.Load() {
			return nil, nil
		}
		if err := m.initialize(ctx); err != nil {
			return nil, err
		}
		m.initialized.Store(true)
		return nil, nil
	})
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	opts, err := m.resolve(config.Settings{})
	if err != nil {
		return err
	}
	if _, err := m.metadataFor(ctx, opts); err != nil {
		return err
	}
	if err := m.requests.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize request store: %w", err)
	}
	if err := m.sessions.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}

	rec, err := m.sessions.Load(ctx)
	switch {
	case err == nil:
		m.setCurrent(rec)
		m.schedule(opts, rec)
		m.startMonitor(opts, rec)
		log.LogInfoWithFields("session", "Restored session", map[string]any{
			"subject": rec.Subject(),
		})
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("failed to load session: %w", err)
	}

	if opts.SkipSilentLogin || opts.InInteraction {
		return nil
	}
	if _, err := m.silentLogin(ctx, opts, EventLogin, false); err != nil {
		log.LogInfoWithFields("session", "No provider session, clearing local session", map[string]any{
			"error": err.Error(),
		})
		if err := m.clearLocal(ctx); err != nil {
			return err
		}
	}
	return nil
}

// metadataFor returns the provider metadata, fetching discovery once.
func (m *Manager) metadataFor(ctx context.Context, opts config.Resolved) (*discovery.Metadata, error) {
	m.mu.Lock()
	meta := m.metadata
	m.mu.Unlock()
	if meta != nil {
		return meta, nil
	}

	v, err, _ := m.group.Do("metadata", func() (any, error) {
		if len(opts.Metadata) > 0 {
			return discovery.Static(opts.Issuer, opts.Metadata), nil
		}
		return discovery.Fetch(ctx, m.doer, opts.Issuer)
	})
	if err != nil {
		return nil, err
	}
	meta = v.(*discovery.Metadata)

	m.mu.Lock()
	m.metadata = meta
	m.mu.Unlock()
	return meta, nil
}

// Metadata returns the provider metadata, resolving it if needed.
func (m *Manager) Metadata(ctx context.Context) (*discovery.Metadata, error) {
	opts, err := m.resolve(config.Settings{})
	if err != nil {
		return nil, err
	}
	return m.metadataFor(ctx, opts)
}

// Session returns the stored session. It never contacts the provider.
func (m *Manager) Session(ctx context.Context) (*storage.SessionRecord, error) {
	rec, err := m.sessions.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		m.setCurrent(nil)
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	m.setCurrent(rec)
	return rec, nil
}

// User returns the user claims of the stored session.
func (m *Manager) User(ctx context.Context) (map[string]any, error) {
	rec, err := m.Session(ctx)
	if err != nil {
		return nil, err
	}
	return rec.User, nil
}

// IsAuthenticated reports whether a session is stored.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	rec, err := m.Session(ctx)
	return err == nil && rec != nil
}

// Close stops renewal and monitoring and detaches from the coordinator.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	mon := m.monitor
	m.monitor = nil
	m.mu.Unlock()

	m.scheduler.Stop()
	if mon != nil {
		mon.Stop()
	}
	m.coord.OnBroadcast(sessionTopic, nil)
	if m.ownsCoord {
		m.coord.Close()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) setCurrent(rec *storage.SessionRecord) {
	m.mu.Lock()
	m.current = rec
	m.mu.Unlock()
}

// commit persists rec, tells the other instances, notifies subscribers and
// arms renewal and monitoring.
func (m *Manager) commit(ctx context.Context, opts config.Resolved, rec *storage.SessionRecord, ev EventType) error {
	if err := m.sessions.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.setCurrent(rec)

	if err := m.coord.Broadcast(ctx, sessionTopic, sessionNotice{Event: ev}); err != nil {
		log.LogWarnWithFields("session", "Failed to broadcast session event", map[string]any{
			"event": string(ev),
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("session", "Session committed", map[string]any{
		"event":      string(ev),
		"subject":    rec.Subject(),
		"expires_in": rec.ExpiresIn,
	})
	m.emit(Event{Type: ev, Session: rec})
	m.schedule(opts, rec)
	m.startMonitor(opts, rec)
	return nil
}

// clearLocal removes the session without telling other instances.
func (m *Manager) clearLocal(ctx context.Context) error {
	m.scheduler.Stop()
	m.stopMonitor()

	m.mu.Lock()
	had := m.current != nil
	m.current = nil
	m.mu.Unlock()

	if err := m.sessions.Clear(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if had {
		m.emit(Event{Type: EventLogout})
	}
	return nil
}

// endSession clears the session everywhere after a failure detected by this
// instance.
func (m *Manager) endSession(ctx context.Context, cause error) {
	m.scheduler.Stop()
	m.stopMonitor()
	m.setCurrent(nil)

	if err := m.sessions.Clear(ctx); err != nil {
		log.LogErrorWithFields("session", "Failed to clear session", map[string]any{
			"error": err.Error(),
		})
	}
	if err := m.coord.Broadcast(ctx, sessionTopic, sessionNotice{Event: EventLogout}); err != nil {
		log.LogWarnWithFields("session", "Failed to broadcast logout", map[string]any{
			"error": err.Error(),
		})
	}
	m.emit(Event{Type: EventLogout, Err: cause})
}

// onSessionBroadcast keeps this instance in step with the others.
func (m *Manager) onSessionBroadcast(msg coordination.Message) {
	if msg.Origin == m.coord.ID() || m.isClosed() {
		return
	}
	var notice sessionNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		log.LogWarnWithFields("session", "Ignoring malformed session broadcast", map[string]any{
			"origin": msg.Origin,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.LogDebugWithFields("session", "Session event from another instance", map[string]any{
		"event":  string(notice.Event),
		"origin": msg.Origin,
	})

	switch notice.Event {
	case EventLogin, EventRenewed:
		rec, err := m.sessions.Load(ctx)
		if err != nil {
			// The session store is not shared with the sender.
			return
		}
		opts, err := m.resolve(config.Settings{})
		if err != nil {
			return
		}
		m.setCurrent(rec)
		m.schedule(opts, rec)
		m.emit(Event{Type: notice.Event, Session: rec, Remote: true})
	case EventLogout:
		m.scheduler.Stop()
		m.stopMonitor()
		m.setCurrent(nil)
		if err := m.sessions.Clear(ctx); err != nil {
			log.LogDebugWithFields("session", "Failed to clear session after remote logout", map[string]any{
				"error": err.Error(),
			})
		}
		m.emit(Event{Type: EventLogout, Remote: true})
	}
}
