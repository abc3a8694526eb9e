package fleetsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultDrainLeaseTTL bounds how long a crashed drainer can keep other
// processes off a shared queue. The lease is renewed before every entry.
const DefaultDrainLeaseTTL = 2 * time.Minute

// drainGroup joins drains of the same queue within this process, whichever
// Synchronizer started them.
var drainGroup singleflight.Group

// DrainFailure records an entry that stayed queued after a drain pass.
type DrainFailure struct {
	ID  int64
	URL string
	Err error
}

func (f DrainFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		ID    int64  `json:"id"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}{f.ID, f.URL, msg})
}

// DrainReport summarises one drain pass. Shared is set for callers that
// joined a pass started by someone else.
type DrainReport struct {
	Succeeded []int64        `json:"succeeded"`
	Failed    []DrainFailure `json:"failed"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Shared    bool           `json:"shared"`
}

// OK reports whether every attempted entry was delivered.
func (r *DrainReport) OK() bool {
	return r != nil && len(r.Failed) == 0
}

// ============================================================================
// Synchronizer
// ============================================================================

type SyncOption func(*Synchronizer)

func WithSyncLogger(l logrus.FieldLogger) SyncOption {
	return func(s *Synchronizer) { s.log = componentLogger(l, "sync") }
}

// WithSyncNotifier sends a warning notification whenever a pass ends with
// entries still queued.
func WithSyncNotifier(n Notifier) SyncOption {
	return func(s *Synchronizer) { s.notifier = n }
}

func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// WithDrainLeaseTTL sets the lease duration used with stores that implement
// DrainLocker.
func WithDrainLeaseTTL(ttl time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// Synchronizer replays queued actions against the API, oldest first, and
// removes each one as soon as the server accepts it. Delivery is
// at-least-once: an entry delivered but not removed is sent again.
//
// Only one drain runs per queue. Drains in the same process are joined;
// across processes the store's DrainLocker lease, when it has one, makes
// the loser return ErrDrainBusy.
type Synchronizer struct {
	queue    *ActionQueue
	client   *Client
	holder   string
	leaseTTL time.Duration
	log      logrus.FieldLogger
	notifier Notifier
	now      func() time.Time
}

func NewSynchronizer(queue *ActionQueue, client *Client, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		queue:    queue,
		client:   client,
		holder:   uuid.NewString(),
		leaseTTL: DefaultDrainLeaseTTL,
		log:      componentLogger(nil, "sync"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Drain sends every queued entry once. Concurrent calls on the same queue
// share a single pass and receive the same report; the pass runs under the
// first caller's ctx.
//
// A cancelled ctx stops the pass between entries; the partial report is
// returned with the ctx error and unattempted entries stay queued.
func (s *Synchronizer) Drain(ctx context.Context) (*DrainReport, error) {
	v, err, shared := drainGroup.Do(s.queue.drainKey(), func() (interface{}, error) {
		return s.drain(ctx)
	})
	report, _ := v.(*DrainReport)
	if report == nil {
		report = &DrainReport{StartedAt: s.now()}
	}
	if shared {
		cp := *report
		cp.Shared = true
		report = &cp
	}
	return report, err
}

func (s *Synchronizer) drain(ctx context.Context) (*DrainReport, error) {
	report := &DrainReport{StartedAt: s.now()}
	defer func() { report.Duration = s.now().Sub(report.StartedAt) }()

	locker, _ := s.queue.store.(DrainLocker)
	if locker != nil {
		if err := locker.AcquireDrainLease(ctx, s.holder, s.leaseTTL); err != nil {
			if errors.Is(err, ErrDrainBusy) {
				s.log.Info("queue is being drained elsewhere, skipping")
			}
			return report, err
		}
		defer func() {
			if err := locker.ReleaseDrainLease(context.WithoutCancel(ctx), s.holder); err != nil {
				s.log.WithError(err).Warn("failed to release drain lease")
			}
		}()
	}

	actions, err := s.queue.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list queue: %w", err)
	}
	if len(actions) == 0 {
		return report, nil
	}
	s.log.WithField("count", len(actions)).Info("draining queued actions")

	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			s.log.WithField("remaining", len(actions)-len(report.Succeeded)-len(report.Failed)).
				Warn("drain interrupted")
			return report, err
		}
		if locker != nil {
			if err := locker.AcquireDrainLease(ctx, s.holder, s.leaseTTL); err != nil {
				s.log.WithError(err).Warn("drain lease lost, stopping pass")
				return report, fmt.Errorf("renew drain lease: %w", err)
			}
		}

		entry := s.log.WithFields(logrus.Fields{"id": a.ID, "method": a.Method, "url": a.URL})
		if err := s.deliver(ctx, a); err != nil {
			entry.WithError(err).Warn("action delivery failed, keeping it queued")
			report.Failed = append(report.Failed, DrainFailure{ID: a.ID, URL: a.URL, Err: err})
			continue
		}
		if err := s.queue.Remove(ctx, a.ID); err != nil {
			// delivered but still stored: will be sent again next pass
			entry.WithError(err).Error("failed to remove delivered action")
			report.Failed = append(report.Failed, DrainFailure{
				ID: a.ID, URL: a.URL, Err: fmt.Errorf("remove after delivery: %w", err),
			})
			continue
		}
		entry.Info("action synced")
		report.Succeeded = append(report.Succeeded, a.ID)
	}

	if len(report.Failed) > 0 && s.notifier != nil {
		s.notifier.Notify(ctx, Notification{
			Level: LevelWarning,
			Title: "Queued actions pending",
			Body:  fmt.Sprintf("%d action(s) could not be synced and will be retried", len(report.Failed)),
			Tag:   "sync-failures",
		})
	}
	return report, nil
}

// deliver sends one entry. Only a 2xx with an empty or well-formed JSON body
// counts as delivered.
func (s *Synchronizer) deliver(ctx context.Context, a QueuedAction) error {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	if a.IdempotencyKey != "" {
		header.Set("Idempotency-Key", a.IdempotencyKey)
	}

	status, body, err := s.client.send(ctx, a.Method, a.URL, a.Data, header)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return newAPIError(status, body)
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && !json.Valid(trimmed) {
		return fmt.Errorf("%w: HTTP %d with %d non-JSON bytes", ErrMalformedResponse, status, len(trimmed))
	}
	return nil
}
