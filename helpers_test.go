package fleetsync

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// countingTrigger records sync requests and can be told to fail.
type countingTrigger struct {
	mu       sync.Mutex
	syncs    int
	periodic []time.Duration
	err      error
}

func (t *countingTrigger) RequestSync(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs++
	return t.err
}

func (t *countingTrigger) RequestPeriodicCheck(_ context.Context, d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.periodic = append(t.periodic, d)
	return t.err
}

func (t *countingTrigger) Syncs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncs
}

// recordingNotifier keeps every notification it receives.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recordingNotifier) Tags() []string {
	var tags []string
	for _, n := range r.All() {
		tags = append(tags, n.Tag)
	}
	return tags
}

// failingStore wraps a store and fails selected operations.
type failingStore struct {
	QueueStore
	addErr    error
	removeErr error
}

func (s *failingStore) Add(ctx context.Context, a *QueuedAction) (int64, error) {
	if s.addErr != nil {
		return 0, s.addErr
	}
	return s.QueueStore.Add(ctx, a)
}

func (s *failingStore) Remove(ctx context.Context, id int64) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	return s.QueueStore.Remove(ctx, id)
}
