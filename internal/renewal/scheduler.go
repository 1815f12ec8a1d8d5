// Package renewal implements the single-shot countdown that triggers token
// renewal ahead of expiry.
package renewal

import (
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"k8s.io/utils/clock"
)

const (
	// MinDelay is the shortest delay Start will arm.
	MinDelay = time.Second

	// DefaultPollInterval is how often an armed scheduler compares the clock
	// against its target. Polling instead of one long timer keeps firing
	// correct after the host suspends or throttles timers.
	DefaultPollInterval = time.Second
)

// Scheduler fires a callback once, no earlier than a target time.
type Scheduler struct {
	clock        clock.WithTicker
	pollInterval time.Duration
	name         string

	mu     sync.Mutex
	target time.Time
	stop   chan struct{}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock injects the clock used for targets and polling
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithName labels log records from this scheduler
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// NewScheduler creates an idle scheduler
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:        clock.RealClock{},
		pollInterval: DefaultPollInterval,
		name:         "renewal",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// targetFor rounds now+d up to the next whole second, so repeated arming
// with the same remaining lifetime lands on the same target.
func targetFor(now time.Time, d time.Duration) time.Time {
	t := now.Add(d)
	if whole := t.Truncate(time.Second); whole.Before(t) {
		return whole.Add(time.Second)
	}
	return t
}

// Start arms the scheduler to call fn once max(MinDelay, d) has elapsed.
// Arming again with the same target while armed is a no-op; a different
// target replaces the pending one.
func (s *Scheduler) Start(d time.Duration, fn func()) {
	if d < MinDelay {
		d = MinDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := targetFor(s.clock.Now(), d)
	if s.stop != nil {
		if target.Equal(s.target) {
			log.LogTraceWithFields(s.name, "Renewal already armed for target", map[string]any{
				"target": target.Unix(),
			})
			return
		}
		close(s.stop)
		s.stop = nil
	}

	stop := make(chan struct{})
	s.stop = stop
	s.target = target

	log.LogDebugWithFields(s.name, "Armed renewal", map[string]any{
		"target":  target.Unix(),
		"seconds": int64(d / time.Second),
	})
	go s.run(stop, target, fn)
}

func (s *Scheduler) run(stop chan struct{}, target time.Time, fn func()) {
	interval := s.pollInterval
	if remaining := target.Sub(s.clock.Now()); remaining > 0 && remaining < interval {
		interval = remaining
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if s.clock.Now().Before(target) {
				continue
			}

			s.mu.Lock()
			if s.stop != stop {
				s.mu.Unlock()
				return
			}
			s.stop = nil
			s.target = time.Time{}
			s.mu.Unlock()

			log.LogDebugWithFields(s.name, "Renewal timer fired", map[string]any{
				"target": target.Unix(),
			})
			fn()
			return
		}
	}
}

// Stop cancels a pending callback. Stopping an idle scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
		s.target = time.Time{}
	}
}

// Target returns the armed target and whether the scheduler is armed.
func (s *Scheduler) Target() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, s.stop != nil
}
