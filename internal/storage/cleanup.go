package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/authsession/internal/log"
	"k8s.io/utils/clock"
)

// CleanupManager periodically prunes abandoned authorization requests. Request
// building already prunes opportunistically; this covers long-lived processes
// that rarely start new flows.
type CleanupManager struct {
	requests *RequestStore
	interval time.Duration
	maxAge   time.Duration
	clock    clock.WithTicker

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(requests *RequestStore, interval, maxAge time.Duration, c clock.WithTicker) *CleanupManager {
	if c == nil {
		c = clock.RealClock{}
	}
	return &CleanupManager{
		requests: requests,
		interval: interval,
		maxAge:   maxAge,
		clock:    c,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting request cleanup manager", map[string]any{
		"interval": cm.interval.String(),
		"max_age":  cm.maxAge.String(),
	})
	go cm.run(ctx)
}

// Stop stops the loop and waits for it to exit. Safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopChan) })
	<-cm.doneChan
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := cm.clock.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup(ctx)

	for {
		select {
		case <-ticker.C():
			cm.cleanup(ctx)
		case <-cm.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) cleanup(ctx context.Context) {
	if err := cm.requests.Prune(ctx, cm.maxAge); err != nil {
		log.LogErrorWithFields("cleanup", "Failed to prune authorization requests", map[string]any{
			"error": err.Error(),
		})
	}
}
