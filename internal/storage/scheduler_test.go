package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCleanupScheduler_RunsOnStartupAndTick(t *testing.T) {
	st := New(NewMemoryBackend(0))
	var runs atomic.Int32
	st.RegisterCleanup(func(context.Context) error {
		runs.Add(1)
		return nil
	})

	tick := make(chan time.Time)
	s := &CleanupScheduler{
		Store:    st,
		Interval: time.Hour,
		NewTicker: func(time.Duration) (<-chan time.Time, func()) {
			return tick, func() {}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	tick <- time.Now()
	tick <- time.Now()
	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestCleanupScheduler_NoInterval(t *testing.T) {
	st := New(NewMemoryBackend(0))
	var runs atomic.Int32
	st.RegisterCleanup(func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&CleanupScheduler{Store: st}).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), runs.Load())
}
