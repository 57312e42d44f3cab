package storage

import (
	"context"
	"time"
)

// CleanupScheduler runs Store.Cleanup in the background.
// It executes cleanup immediately on Run, then at the configured interval.
type CleanupScheduler struct {
	Store *Store
	// Interval is the time between cleanup runs. If <= 0, only the initial
	// cleanup is performed and Run waits for cancellation.
	Interval time.Duration

	// NewTicker creates a ticker channel and its stop function.
	// If nil, time.NewTicker is used.
	NewTicker func(d time.Duration) (tick <-chan time.Time, stop func())
}

// Run executes cleanup immediately, then at intervals until ctx is cancelled.
// It blocks until ctx.Done() fires.
func (s *CleanupScheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	if s.Interval <= 0 {
		<-ctx.Done()
		return
	}

	newTicker := s.NewTicker
	if newTicker == nil {
		newTicker = defaultNewTicker
	}

	ch, stop := newTicker(s.Interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.runOnce(ctx)
		}
	}
}

func (s *CleanupScheduler) runOnce(ctx context.Context) {
	LogFailure(s.Store.Cleanup(ctx), "Scheduled cleanup failed")
}

func defaultNewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
