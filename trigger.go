package fleetsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Trigger asks the host for background work. Both calls are best-effort: a
// nil error means the request was accepted, not that the work ran.
type Trigger interface {
	RequestSync(ctx context.Context) error
	RequestPeriodicCheck(ctx context.Context, interval time.Duration) error
}

// NoopTrigger accepts and ignores every request.
type NoopTrigger struct{}

func (NoopTrigger) RequestSync(context.Context) error                         { return nil }
func (NoopTrigger) RequestPeriodicCheck(context.Context, time.Duration) error { return nil }

// Drainer replays the queue. *Synchronizer implements it.
type Drainer interface {
	Drain(ctx context.Context) (*DrainReport, error)
}

// CheckFunc is a periodic maintenance check.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// ============================================================================
// Scheduler
// ============================================================================

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(l logrus.FieldLogger) SchedulerOption {
	return func(s *Scheduler) { s.log = componentLogger(l, "scheduler") }
}

// WithInitialOnline sets the connectivity state assumed before the first
// ConnectivityChanged call. Defaults to online.
func WithInitialOnline(online bool) SchedulerOption {
	return func(s *Scheduler) { s.online = online }
}

// SchedulerStatus is a point-in-time snapshot of the scheduler.
type SchedulerStatus struct {
	Running   bool         `json:"running"`
	Online    bool         `json:"online"`
	Pending   bool         `json:"pending"`
	Draining  bool         `json:"draining"`
	LastDrain *DrainReport `json:"last_drain,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Scheduler is the in-process Trigger. It runs drains in the background when
// a sync is requested, when connectivity comes back, and on the periodic
// tick while work is pending. Requests made while a drain is running are
// coalesced into one follow-up pass.
type Scheduler struct {
	mu       sync.Mutex
	drainer  Drainer
	checks   []namedCheck
	log      logrus.FieldLogger
	online   bool
	pending  bool
	draining bool
	rerun    bool
	interval time.Duration
	ticking  bool

	lastDrain *DrainReport
	lastErr   error

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. drainer may be nil and set later with
// SetDrainer, since the synchronizer usually needs the queue the scheduler
// is injected into.
func NewScheduler(drainer Drainer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		drainer: drainer,
		log:     componentLogger(nil, "scheduler"),
		online:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) SetDrainer(d Drainer) {
	s.mu.Lock()
	s.drainer = d
	s.mu.Unlock()
}

// AddCheck registers a maintenance check run on every periodic tick.
func (s *Scheduler) AddCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	s.checks = append(s.checks, namedCheck{name: name, fn: fn})
	s.mu.Unlock()
}

// Start begins accepting work. Requests recorded before Start are honoured.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	pending := s.pending
	startTicker := s.interval > 0 && !s.ticking
	if startTicker {
		s.ticking = true
	}
	interval := s.interval
	s.mu.Unlock()

	s.log.Info("background scheduler started")
	if startTicker {
		s.startPeriodic(interval)
	}
	if pending {
		s.kick()
	}
	return nil
}

// Stop cancels in-flight work and waits for background goroutines. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.log.Info("background scheduler stopped")
	})
}

// RequestSync marks a sync as pending and, when online, drains in the
// background. The caller's ctx is not used for the drain itself.
func (s *Scheduler) RequestSync(_ context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = true
	s.mu.Unlock()
	s.kick()
	return nil
}

// RequestPeriodicCheck starts the periodic tick. Only the first request
// takes effect; later ones are ignored.
func (s *Scheduler) RequestPeriodicCheck(_ context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("periodic interval must be positive, got %s", interval)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.interval > 0 {
		s.mu.Unlock()
		return nil
	}
	s.interval = interval
	startNow := s.started
	if startNow {
		s.ticking = true
	}
	s.mu.Unlock()

	if startNow {
		s.startPeriodic(interval)
	}
	return nil
}

// ConnectivityChanged records the network state. Going from offline to
// online drains the queue.
func (s *Scheduler) ConnectivityChanged(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if was == online {
		return
	}
	s.log.WithField("online", online).Info("connectivity changed")
	if online {
		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()
		s.kick()
	}
}

func (s *Scheduler) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SchedulerStatus{
		Running:   s.started && !s.stopped,
		Online:    s.online,
		Pending:   s.pending,
		Draining:  s.draining,
		LastDrain: s.lastDrain,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// kick starts a drain goroutine unless one is running, in which case the
// running one is told to go again.
func (s *Scheduler) kick() {
	s.mu.Lock()
	if !s.started || s.stopped || !s.online || s.drainer == nil {
		s.mu.Unlock()
		return
	}
	if s.draining {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.draining = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.drainLoop(ctx)
	}()
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		s.pending = false
		s.rerun = false
		drainer := s.drainer
		s.mu.Unlock()

		report, err := drainer.Drain(ctx)

		s.mu.Lock()
		s.lastDrain = report
		s.lastErr = err
		if err != nil || (report != nil && len(report.Failed) > 0) {
			// left for the next tick or connectivity change
			s.pending = true
		}
		again := s.rerun && s.online && !s.stopped && ctx.Err() == nil
		if !again {
			s.draining = false
		}
		s.mu.Unlock()

		if err != nil {
			s.log.WithError(err).Warn("background drain failed")
		} else if report != nil {
			s.log.WithFields(logrus.Fields{
				"succeeded": len(report.Succeeded),
				"failed":    len(report.Failed),
			}).Debug("background drain finished")
		}
		if !again {
			return
		}
	}
}

func (s *Scheduler) startPeriodic(interval time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.log.WithField("interval", interval).Info("periodic check scheduled")
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	checks := append([]namedCheck(nil), s.checks...)
	pending := s.pending
	s.mu.Unlock()

	for _, c := range checks {
		s.runCheck(ctx, c)
	}
	if pending {
		s.kick()
	}
}

func (s *Scheduler) runCheck(ctx context.Context, c namedCheck) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"check": c.name, "panic": r}).Error("periodic check panicked")
		}
	}()
	if err := c.fn(ctx); err != nil {
		s.log.WithError(err).WithField("check", c.name).Warn("periodic check failed")
	}
}
