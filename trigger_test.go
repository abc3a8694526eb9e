package fleetsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDrainer counts drains and returns a configurable report.
type stubDrainer struct {
	calls  int32
	mu     sync.Mutex
	fail   bool
	block  chan struct{}
	report *DrainReport
}

func (d *stubDrainer) Drain(ctx context.Context) (*DrainReport, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return &DrainReport{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return &DrainReport{Failed: []DrainFailure{{ID: 1, Err: errors.New("down")}}}, nil
	}
	if d.report != nil {
		return d.report, nil
	}
	return &DrainReport{}, nil
}

func (d *stubDrainer) Calls() int { return int(atomic.LoadInt32(&d.calls)) }

func (d *stubDrainer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func startScheduler(t *testing.T, d Drainer, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	opts = append([]SchedulerOption{WithSchedulerLogger(quietLogger())}, opts...)
	s := NewScheduler(d, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

// ============================================================================
// Scheduler
// ============================================================================

func TestScheduler_RequestSync(t *testing.T) {
	t.Run("drains in the background", func(t *testing.T) {
		d := &stubDrainer{}
		s := startScheduler(t, d)

		require.NoError(t, s.RequestSync(context.Background()))
		assert.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return !s.Status().Draining }, time.Second, 5*time.Millisecond)
		assert.False(t, s.Status().Pending)
	})

	t.Run("requests during a drain coalesce into one follow-up", func(t *testing.T) {
		d := &stubDrainer{block: make(chan struct{})}
		s := startScheduler(t, d)

		require.NoError(t, s.RequestSync(context.Background()))
		require.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.RequestSync(context.Background()))
		}
		close(d.block)

		assert.Eventually(t, func() bool { return !s.Status().Draining }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 2, d.Calls())
	})

	t.Run("offline requests wait for connectivity", func(t *testing.T) {
		d := &stubDrainer{}
		s := startScheduler(t, d, WithInitialOnline(false))

		require.NoError(t, s.RequestSync(context.Background()))
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 0, d.Calls())
		assert.True(t, s.Status().Pending)

		s.ConnectivityChanged(true)
		assert.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("requests before Start are honoured", func(t *testing.T) {
		d := &stubDrainer{}
		s := NewScheduler(d, WithSchedulerLogger(quietLogger()))
		require.NoError(t, s.RequestSync(context.Background()))
		assert.Equal(t, 0, d.Calls())

		require.NoError(t, s.Start(context.Background()))
		defer s.Stop()
		assert.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("failed drain leaves work pending", func(t *testing.T) {
		d := &stubDrainer{fail: true}
		s := startScheduler(t, d)

		require.NoError(t, s.RequestSync(context.Background()))
		assert.Eventually(t, func() bool {
			st := s.Status()
			return d.Calls() == 1 && !st.Draining && st.Pending
		}, time.Second, 5*time.Millisecond)
		require.NotNil(t, s.Status().LastDrain)
		assert.Len(t, s.Status().LastDrain.Failed, 1)
	})

	t.Run("stopped scheduler rejects requests", func(t *testing.T) {
		s := NewScheduler(&stubDrainer{}, WithSchedulerLogger(quietLogger()))
		require.NoError(t, s.Start(context.Background()))
		s.Stop()
		s.Stop()

		assert.ErrorIs(t, s.RequestSync(context.Background()), ErrClosed)
		assert.ErrorIs(t, s.RequestPeriodicCheck(context.Background(), time.Minute), ErrClosed)
		assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
		assert.False(t, s.Status().Running)
	})
}

func TestScheduler_ConnectivityChanged(t *testing.T) {
	d := &stubDrainer{}
	s := startScheduler(t, d)
	assert.True(t, s.IsOnline())

	s.ConnectivityChanged(false)
	assert.False(t, s.IsOnline())
	assert.Equal(t, 0, d.Calls())

	s.ConnectivityChanged(true)
	assert.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)

	// no transition, no drain
	s.ConnectivityChanged(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.Calls())
}

func TestScheduler_RequestPeriodicCheck(t *testing.T) {
	t.Run("runs checks and retries pending work on each tick", func(t *testing.T) {
		d := &stubDrainer{fail: true}
		s := startScheduler(t, d)

		var checks int32
		s.AddCheck("count", func(context.Context) error {
			atomic.AddInt32(&checks, 1)
			return nil
		})
		s.AddCheck("explodes", func(context.Context) error { panic("bad check") })

		require.NoError(t, s.RequestSync(context.Background()))
		require.Eventually(t, func() bool { return d.Calls() == 1 && s.Status().Pending }, time.Second, 5*time.Millisecond)
		d.setFail(false)

		require.NoError(t, s.RequestPeriodicCheck(context.Background(), 20*time.Millisecond))
		assert.Eventually(t, func() bool { return atomic.LoadInt32(&checks) >= 2 }, 2*time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return d.Calls() >= 2 && !s.Status().Pending }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("rejects non-positive intervals", func(t *testing.T) {
		s := NewScheduler(nil, WithSchedulerLogger(quietLogger()))
		assert.Error(t, s.RequestPeriodicCheck(context.Background(), 0))
	})

	t.Run("first interval wins", func(t *testing.T) {
		s := NewScheduler(nil, WithSchedulerLogger(quietLogger()))
		require.NoError(t, s.RequestPeriodicCheck(context.Background(), time.Hour))
		require.NoError(t, s.RequestPeriodicCheck(context.Background(), time.Millisecond))
		assert.Equal(t, time.Hour, s.interval)
	})
}

func TestNoopTrigger(t *testing.T) {
	var tr Trigger = NoopTrigger{}
	assert.NoError(t, tr.RequestSync(context.Background()))
	assert.NoError(t, tr.RequestPeriodicCheck(context.Background(), time.Minute))
}
