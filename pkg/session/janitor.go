package session

import (
	"context"
	"sync"
	"time"

	"github.com/mcp-orch/mcp-orch/pkg/logger"
)

const defaultCleanupInterval = 5 * time.Minute

// Janitor periodically sweeps idle sessions out of a Manager.
type Janitor struct {
	manager  *Manager
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewJanitor creates a janitor and starts its sweep loop.
func NewJanitor(manager *Manager, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	j := &Janitor{
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			if n := j.manager.EvictIdle(ctx); n > 0 {
				logger.Debugw("janitor evicted idle sessions", "count", n)
			}
			cancel()
		case <-j.stopCh:
			return
		}
	}
}

// Stop ends the sweep loop and waits for any in-progress sweep to finish.
// Safe to call multiple times.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	<-j.done
}
