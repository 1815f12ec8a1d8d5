package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/authsession/internal/config"
	"github.com/dgellow/authsession/internal/discovery"
	"github.com/dgellow/authsession/internal/interaction"
	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/oauth"
	"github.com/dgellow/authsession/internal/storage"
)

// SilentLogin obtains fresh tokens without user interaction. A held
// refresh token is used when refresh tokens are enabled, and then no
// interaction channel is opened; otherwise a prompt=none request goes
// through the silent channel.
func (m *Manager) SilentLogin(ctx context.Context, call config.Settings) (*storage.SessionRecord, error) {
	opts, err := m.resolve(call)
	if err != nil {
		return nil, err
	}
	return m.silentLogin(ctx, opts, EventLogin, false)
}

func (m *Manager) silentLogin(ctx context.Context, opts config.Resolved, ev EventType, forceChannel bool) (*storage.SessionRecord, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	prior, err := m.sessions.Load(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !forceChannel && opts.UseRefreshToken && prior != nil && prior.RefreshToken != "" {
		return m.refresh(ctx, opts, prior, ev)
	}

	if m.silent == nil {
		return nil, ErrNoChannel
	}
	opts.Prompt = "none"
	done, err := m.runChannel(ctx, m.silent, storage.KindSilent, opts, nil, ev)
	if err != nil {
		return nil, err
	}
	return done.Session, nil
}

// refresh performs the refresh_token grant for prior.
func (m *Manager) refresh(ctx context.Context, opts config.Resolved, prior *storage.SessionRecord, ev EventType) (*storage.SessionRecord, error) {
	log.LogDebugWithFields("session", "Refreshing tokens", map[string]any{
		"subject": prior.Subject(),
	})
	tok, err := m.tokenRequest(ctx, opts, oauth.RefreshGrant(m.credentials(opts), prior.RefreshToken, ""))
	if err != nil {
		return nil, err
	}
	rec, err := m.acceptTokens(ctx, opts, tok, "", prior)
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, opts, rec, ev); err != nil {
		return nil, err
	}
	return rec, nil
}

// Renew renews the session unless another instance sharing the
// coordinator is already doing so. It reports whether this instance
// performed the renewal.
func (m *Manager) Renew(ctx context.Context) (bool, error) {
	opts, err := m.resolve(config.Settings{})
	if err != nil {
		return false, err
	}
	return m.coord.CallOnce(ctx, "renew:"+opts.ClientID, opts.RenewLockTTL, func(ctx context.Context) error {
		_, err := m.silentLogin(ctx, opts, EventRenewed, false)
		return err
	})
}

// schedule arms renewal ahead of the expiry of rec. A session already inside
// the renewal window is renewed at the scheduler's minimum delay.
func (m *Manager) schedule(opts config.Resolved, rec *storage.SessionRecord) {
	if !opts.AutomaticSilentRenew || rec.ExpiresAt == 0 || m.isClosed() {
		return
	}
	remaining := rec.Expiry().Sub(m.clock.Now())
	offset := remaining - opts.RenewBefore
	if offset < 0 {
		offset = 0
	}
	log.LogDebugWithFields("session", "Renewal scheduled", map[string]any{
		"in": offset.Round(time.Second).String(),
	})
	m.scheduler.Start(offset, m.renewInBackground)
}

// renewInBackground is the scheduler callback. A failure is reported to
// subscribers and the session is kept until it is renewed or logged out.
func (m *Manager) renewInBackground() {
	opts, err := m.resolve(config.Settings{})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.InteractionTimeout+opts.RenewLockTTL)
	defer cancel()

	ran, err := m.Renew(ctx)
	if err != nil {
		log.LogWarnWithFields("session", "Automatic renewal failed", map[string]any{
			"error": err.Error(),
		})
		m.emit(Event{Type: EventRenewError, Err: err})
		return
	}
	if !ran {
		log.LogDebugWithFields("session", "Renewal performed by another instance", nil)
	}
}

// startMonitor watches the provider session behind rec when monitoring is
// enabled and the provider supports it.
func (m *Manager) startMonitor(opts config.Resolved, rec *storage.SessionRecord) {
	if !opts.MonitorSession || rec.SessionState == "" || m.isClosed() {
		return
	}
	m.mu.Lock()
	meta := m.metadata
	m.mu.Unlock()
	endpoint, err := meta.Endpoint(discovery.CheckSessionIframe)
	if err != nil {
		log.LogDebugWithFields("session", "Provider does not support session monitoring", nil)
		return
	}

	m.stopMonitor()
	mon := m.newMonitor(endpoint, opts.ClientID, opts.MonitorInterval)
	subject := rec.Subject()
	if err := mon.Start(rec.SessionState, func(event interaction.MonitorEvent, err error) {
		m.onMonitorEvent(opts, subject, event, err)
	}); err != nil {
		log.LogWarnWithFields("session", "Failed to start session monitor", map[string]any{
			"error": err.Error(),
		})
		return
	}

	m.mu.Lock()
	m.monitor = mon
	m.mu.Unlock()
}

func (m *Manager) stopMonitor() {
	m.mu.Lock()
	mon := m.monitor
	m.monitor = nil
	m.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}

// onMonitorEvent reacts to a provider session check. A change is confirmed
// with a silent request; a different user, no session or any failure ends
// the local session.
func (m *Manager) onMonitorEvent(opts config.Resolved, subject string, event interaction.MonitorEvent, err error) {
	if err == nil && event == interaction.SessionUnchanged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.InteractionTimeout)
	defer cancel()

	if err != nil {
		log.LogWarnWithFields("session", "Session check failed", map[string]any{
			"error": err.Error(),
		})
		m.endSession(ctx, err)
		return
	}

	log.LogInfoWithFields("session", "Provider session changed", map[string]any{
		"subject": subject,
	})
	m.emit(Event{Type: EventSessionChanged})

	rec, err := m.silentLogin(ctx, opts, EventLogin, true)
	if err != nil {
		m.endSession(ctx, err)
		return
	}
	if rec.Subject() != subject {
		m.endSession(ctx, &SubjectMismatchError{Source: "session", Expected: subject, Actual: rec.Subject()})
	}
}
