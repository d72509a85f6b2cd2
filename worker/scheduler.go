package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tillpoint/go-kiosk-sync/logging"
)

// Scheduler fires tagged sync events at a fixed interval, standing in for the
// platform's background-sync facility when the worker runs as a daemon. Tag
// registration stays the collaborator's concern; the scheduler only delivers
// the two fixed tags.
type Scheduler struct {
	interval time.Duration
	fire     func(ctx context.Context, tag string)

	mu      sync.Mutex
	stop    chan struct{}
	running bool

	logger *slog.Logger
}

// NewScheduler creates a scheduler delivering SYNC_SALES and SYNC_BILLS every
// interval.
func NewScheduler(interval time.Duration, fire func(ctx context.Context, tag string)) *Scheduler {
	return &Scheduler{
		interval: interval,
		fire:     fire,
		logger:   logging.WithComponent(logging.Component("scheduler")).Logger,
	}
}

// Start begins delivering sync events. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	stopChan := make(chan struct{})
	s.stop = stopChan

	go func() {
		s.logger.Info("sync scheduler started", slog.Duration("interval", s.interval))
		ticker := time.NewTicker(s.interval)
		defer func() {
			ticker.Stop()
			s.logger.Info("sync scheduler stopped")
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				s.logger.Debug("scheduler tick, delivering sync events")
				s.fire(ctx, TagSyncSales)
				s.fire(ctx, TagSyncBills)
			}
		}
	}()
}

// Stop halts event delivery. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stop)
	s.stop = nil
	s.running = false
}
