package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const (
	DefaultNamespace   = "authsession"
	DefaultSettleDelay = 50 * time.Millisecond
	DefaultMarkerTTL   = 5 * time.Second
)

// Message is one broadcast event.
type Message struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
	SentAt  int64           `json:"sent_at"`
}

// Handler receives broadcasts for one topic.
type Handler func(Message)

// leaderToken is the lock value: which instance claims the lock and until when.
type leaderToken struct {
	Owner     string `json:"owner"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// Coordinator elects a single instance for named operations and broadcasts
// events to every instance sharing its medium. A nil or failing medium
// degrades both to local-only behavior.
type Coordinator struct {
	id        string
	medium    Medium
	clock     clock.Clock
	namespace string
	settle    time.Duration
	markerTTL time.Duration

	mu       sync.Mutex
	handlers map[string]Handler

	queueMu sync.Mutex
	queue   []Message
	wake    chan struct{}

	// seen is only touched by the dispatcher goroutine
	seen map[string]time.Time

	unwatch   func()
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMedium sets the shared medium
func WithMedium(m Medium) Option {
	return func(c *Coordinator) { c.medium = m }
}

// WithClock injects the clock for lock expiry and the settle delay
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) { c.clock = cl }
}

// WithNamespace isolates coordinators that share a medium but not an application
func WithNamespace(ns string) Option {
	return func(c *Coordinator) { c.namespace = ns }
}

// WithSettleDelay sets how long CallOnce waits before confirming ownership
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.settle = d }
}

// WithMarkerTTL sets how long broadcast markers remain for late listeners
func WithMarkerTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.markerTTL = d }
}

// WithInstanceID overrides the generated instance identity
func WithInstanceID(id string) Option {
	return func(c *Coordinator) { c.id = id }
}

// New creates a coordinator and starts its dispatcher.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		id:        uuid.NewString(),
		clock:     clock.RealClock{},
		namespace: DefaultNamespace,
		settle:    DefaultSettleDelay,
		markerTTL: DefaultMarkerTTL,
		handlers:  make(map[string]Handler),
		wake:      make(chan struct{}, 1),
		seen:      make(map[string]time.Time),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.medium != nil {
		unwatch, err := c.medium.Watch(context.Background(), c.broadcastPrefix(""), c.onMarkerWritten)
		if err != nil {
			log.LogWarnWithFields("coordination", "Medium unavailable, broadcasts stay local", map[string]any{
				"error": err.Error(),
			})
		} else {
			c.unwatch = unwatch
		}
	}

	go c.dispatch()
	return c
}

// ID returns this instance's identity.
func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) lockKey(name string) string {
	return c.namespace + ":lock:" + name
}

func (c *Coordinator) broadcastPrefix(topic string) string {
	if topic == "" {
		return c.namespace + ":broadcast:"
	}
	return c.namespace + ":broadcast:" + topic + ":"
}

// CallOnce runs fn only if this instance wins the named lock. Acquisition is
// optimistic: the lock is claimed, then confirmed after the settle delay. The
// lock is not released when fn returns; it expires after ttl so no other
// instance repeats the work inside that window. It reports whether fn ran.
func (c *Coordinator) CallOnce(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if c.medium == nil {
		return true, fn(ctx)
	}

	key := c.lockKey(name)
	now := c.clock.Now()

	current, err := c.readLock(ctx, key)
	switch {
	case err == nil:
		if current.Owner != c.id && now.UnixMilli() < current.ExpiresAt {
			log.LogDebugWithFields("coordination", "Lock held by another instance", map[string]any{
				"lock": name,
			})
			return false, nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return c.runLocal(ctx, name, err, fn)
	}

	claim := leaderToken{Owner: c.id, Nonce: uuid.NewString(), ExpiresAt: now.Add(ttl).UnixMilli()}
	data, err := json.Marshal(claim)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := c.medium.Set(ctx, key, data, ttl); err != nil {
		return c.runLocal(ctx, name, err, fn)
	}

	select {
	case <-c.clock.After(c.settle):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	confirmed, err := c.readLock(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return c.runLocal(ctx, name, err, fn)
	}
	if err != nil || confirmed.Owner != claim.Owner || confirmed.Nonce != claim.Nonce {
		log.LogDebugWithFields("coordination", "Lost lock race", map[string]any{
			"lock": name,
		})
		return false, nil
	}

	log.LogDebugWithFields("coordination", "Acquired lock", map[string]any{
		"lock":     name,
		"instance": c.id,
	})
	return true, fn(ctx)
}

func (c *Coordinator) runLocal(ctx context.Context, name string, cause error, fn func(context.Context) error) (bool, error) {
	log.LogWarnWithFields("coordination", "Medium unavailable, running locally", map[string]any{
		"lock":  name,
		"error": cause.Error(),
	})
	return true, fn(ctx)
}

func (c *Coordinator) readLock(ctx context.Context, key string) (*leaderToken, error) {
	data, err := c.medium.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var tok leaderToken
	if err := json.Unmarshal(data, &tok); err != nil {
		// An unreadable lock is treated as free.
		return nil, ErrNotFound
	}
	return &tok, nil
}

// Broadcast delivers payload to the topic handler of every instance,
// including this one. Local delivery happens immediately; other instances are
// reached through a marker written to the medium that expires after the
// marker TTL.
func (c *Coordinator) Broadcast(ctx context.Context, topic string, payload any) error {
	if strings.Contains(topic, ":") {
		return fmt.Errorf("invalid topic %q: must not contain ':'", topic)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal broadcast payload: %w", err)
		}
		raw = data
	}

	msg := Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: raw,
		Origin:  c.id,
		SentAt:  c.clock.Now().UnixMilli(),
	}
	c.enqueue(msg)

	if c.medium == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	if err := c.medium.Set(ctx, c.broadcastPrefix(topic)+msg.ID, data, c.markerTTL); err != nil {
		log.LogWarnWithFields("coordination", "Broadcast stayed local", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
	}
	return nil
}

// OnBroadcast registers the handler for topic, replacing any previous one.
// Markers still present on the medium are delivered to the new handler.
func (c *Coordinator) OnBroadcast(topic string, h Handler) {
	c.mu.Lock()
	if h == nil {
		delete(c.handlers, topic)
	} else {
		c.handlers[topic] = h
	}
	c.mu.Unlock()

	if h == nil || c.medium == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keys, err := c.medium.Keys(ctx, c.broadcastPrefix(topic))
	if err != nil {
		log.LogDebugWithFields("coordination", "Could not list pending broadcasts", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
		return
	}
	for _, key := range keys {
		c.fetchMarker(ctx, key)
	}
}

func (c *Coordinator) onMarkerWritten(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.fetchMarker(ctx, key)
}

func (c *Coordinator) fetchMarker(ctx context.Context, key string) {
	data, err := c.medium.Get(ctx, key)
	if err != nil {
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		return
	}
	c.enqueue(msg)
}

func (c *Coordinator) enqueue(msg Message) {
	c.queueMu.Lock()
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}

		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()

		for _, msg := range batch {
			c.deliver(msg)
		}
	}
}

func (c *Coordinator) deliver(msg Message) {
	if _, dup := c.seen[msg.ID]; dup {
		return
	}

	c.mu.Lock()
	h := c.handlers[msg.Topic]
	c.mu.Unlock()
	if h == nil {
		return
	}

	now := c.clock.Now()
	c.seen[msg.ID] = now
	for id, at := range c.seen {
		if now.Sub(at) > 4*c.markerTTL {
			delete(c.seen, id)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.LogErrorWithFields("coordination", "Broadcast handler panicked", map[string]any{
				"topic": msg.Topic,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	h(msg)
}

// Close stops watching the medium and the dispatcher.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.unwatch != nil {
			c.unwatch()
		}
		close(c.closed)
		<-c.done
	})
}
