package session

import (
	"fmt"

	"github.com/dgellow/authsession/internal/log"
	"github.com/dgellow/authsession/internal/storage"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventLogin          EventType = "login"
	EventRenewed        EventType = "renewed"
	EventRenewError     EventType = "renew_error"
	EventSessionChanged EventType = "session_changed"
	EventLogout         EventType = "logout"
)

// Event is delivered to subscribers. Session is set for login and renewed,
// Err for renew_error and for a logout caused by a failure.
type Event struct {
	Type    EventType
	Session *storage.SessionRecord
	Err     error
	// Remote is true when the event originated in another instance
	Remote bool
}

// sessionTopic carries lifecycle notices between instances
const sessionTopic = "session"

type sessionNotice struct {
	Event EventType `json:"event"`
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it. Events are delivered synchronously on the goroutine that
// caused them.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubscriber
	m.nextSubscriber++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.LogErrorWithFields("session", "Event subscriber panicked", map[string]any{
						"event": string(ev.Type),
						"panic": fmt.Sprint(r),
					})
				}
			}()
			fn(ev)
		}()
	}
}
