package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/transport"
	"github.com/dgellow/authsession/internal/urlutil"
	"k8s.io/utils/clock"
)

const DefaultMonitorInterval = 5 * time.Second

// MonitorEvent is reported by a SessionMonitor on each check
type MonitorEvent int

const (
	SessionUnchanged MonitorEvent = iota
	SessionChanged
)

func (e MonitorEvent) String() string {
	if e == SessionChanged {
		return "changed"
	}
	return "unchanged"
}

// MonitorCallback receives check outcomes. err is set when the check itself
// failed; event is meaningless in that case.
type MonitorCallback func(event MonitorEvent, err error)

// SessionMonitor watches the provider session identified by a
// session_state value.
type SessionMonitor interface {
	Start(sessionState string, cb MonitorCallback) error
	Stop()
}

type checkSessionResponse struct {
	Status string `json:"status"`
}

// PollingMonitor asks the provider's check-session endpoint about the
// session state on a fixed interval. The endpoint answers
// {"status":"unchanged"|"changed"|"error"}.
type PollingMonitor struct {
	doer     transport.Doer
	endpoint string
	clientID string
	interval time.Duration
	clock    clock.WithTicker

	mu   sync.Mutex
	stop chan struct{}
}

var _ SessionMonitor = (*PollingMonitor)(nil)

// MonitorOption configures a PollingMonitor
type MonitorOption func(*PollingMonitor)

// WithMonitorInterval sets the polling interval
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *PollingMonitor) { m.interval = d }
}

// WithMonitorClock injects the clock driving the polling ticker
func WithMonitorClock(c clock.WithTicker) MonitorOption {
	return func(m *PollingMonitor) { m.clock = c }
}

// NewPollingMonitor creates a monitor for the given check-session endpoint
func NewPollingMonitor(doer transport.Doer, endpoint, clientID string, opts ...MonitorOption) *PollingMonitor {
	m := &PollingMonitor{
		doer:     doer,
		endpoint: endpoint,
		clientID: clientID,
		interval: DefaultMonitorInterval,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling for sessionState, replacing any running loop.
func (m *PollingMonitor) Start(sessionState string, cb MonitorCallback) error {
	if sessionState == "" {
		return fmt.Errorf("session_state is required to monitor a session")
	}
	checkURL, err := urlutil.AppendQuery(m.endpoint, url.Values{
		"client_id":     {m.clientID},
		"session_state": {sessionState},
	})
	if err != nil {
		return err
	}

	m.Stop()

	m.mu.Lock()
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	go m.run(checkURL, cb, stop)
	return nil
}

func (m *PollingMonitor) run(checkURL string, cb MonitorCallback, stop chan struct{}) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		event, err := m.check(checkURL, stop)
		select {
		case <-stop:
			return
		default:
		}
		cb(event, err)
		if err != nil || event == SessionChanged {
			// One report per session state; the caller restarts monitoring
			// with the new state if the session survives.
			return
		}
	}
}

func (m *PollingMonitor) check(checkURL string, stop chan struct{}) (MonitorEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	raw, err := m.doer.Do(ctx, transport.Request{Method: http.MethodGet, URL: checkURL})
	if err != nil {
		return SessionUnchanged, fmt.Errorf("session check failed: %w", err)
	}
	var resp checkSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SessionUnchanged, fmt.Errorf("invalid session check response: %w", err)
	}

	switch resp.Status {
	case "unchanged":
		log.LogTraceWithFields("interaction", "Session unchanged", nil)
		return SessionUnchanged, nil
	case "changed":
		return SessionChanged, nil
	default:
		return SessionUnchanged, fmt.Errorf("session check reported %q", resp.Status)
	}
}

// Stop ends polling. It is safe to call from inside the callback.
func (m *PollingMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}
