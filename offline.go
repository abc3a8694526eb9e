// Offline manager: wires the queue, synchronizer, scheduler, read cache,
// connectivity monitor and event bridge into one service with an
// Open/Close lifecycle.
//
// Usage:
//
//	store, _ := fleetsync.OpenSQLiteQueueStore("queue.db")
//	mgr, _ := fleetsync.NewOfflineManager(client, &fleetsync.OfflineOptions{Store: store})
//	mgr.Open(ctx)
//	defer mgr.Close()
//
//	res, _ := mgr.Submit(ctx, fleetsync.ActionInput{URL: "/motors/3/refill", Data: body})
package fleetsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultPeriodicInterval = 15 * time.Minute

type OfflineOptions struct {
	Store            QueueStore
	CacheTTL         time.Duration
	SweepInterval    time.Duration
	HealthInterval   time.Duration
	PeriodicInterval time.Duration
	Bridge           *BridgeConfig
	// Transport defaults to SSE against the client's /events endpoint.
	Transport Transport
	// DisableEvents skips the realtime subscription entirely.
	DisableEvents bool
	Notifier      Notifier
	Logger        logrus.FieldLogger
}

// SubmitResult tells the caller what happened to a submitted action.
type SubmitResult struct {
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
	QueueID   int64  `json:"queue_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// OfflineManager owns the offline-first client stack.
type OfflineManager struct {
	Client    *Client
	Queue     *ActionQueue
	Sync      *Synchronizer
	Scheduler *Scheduler
	Cache     *ReadCache
	Analytics *AnalyticsStore
	Monitor   *ConnectivityMonitor
	Events    *EventBridge

	notifier         Notifier
	periodicInterval time.Duration
	log              logrus.FieldLogger

	mu     sync.Mutex
	opened bool
	closed bool
	cancel context.CancelFunc
}

func NewOfflineManager(client *Client, opts *OfflineOptions) (*OfflineManager, error) {
	var o OfflineOptions
	if opts != nil {
		o = *opts
	}
	if o.Store == nil {
		return nil, errors.New("offline manager: queue store is required")
	}
	if o.PeriodicInterval <= 0 {
		o.PeriodicInterval = DefaultPeriodicInterval
	}
	if o.Notifier == nil {
		o.Notifier = NewLogNotifier(o.Logger)
	}

	sched := NewScheduler(nil, WithSchedulerLogger(o.Logger))
	queue := NewActionQueue(o.Store, sched, WithQueueLogger(o.Logger))
	syncer := NewSynchronizer(queue, client, WithSyncLogger(o.Logger), WithSyncNotifier(o.Notifier))
	sched.SetDrainer(syncer)

	cacheOpts := []CacheOption{WithCacheLogger(o.Logger)}
	if o.CacheTTL > 0 {
		cacheOpts = append(cacheOpts, WithTTL(o.CacheTTL))
	}
	if o.SweepInterval > 0 {
		cacheOpts = append(cacheOpts, WithSweepInterval(o.SweepInterval))
	}
	cache := NewReadCache(cacheOpts...)

	m := &OfflineManager{
		Client:           client,
		Queue:            queue,
		Sync:             syncer,
		Scheduler:        sched,
		Cache:            cache,
		Analytics:        NewAnalyticsStore(client, cache, o.Logger),
		notifier:         o.Notifier,
		periodicInterval: o.PeriodicInterval,
		log:              componentLogger(o.Logger, "offline"),
	}
	m.Monitor = NewConnectivityMonitor(client, o.HealthInterval,
		WithMonitorListener(sched),
		WithMonitorNotifier(o.Notifier),
		WithMonitorLogger(o.Logger),
	)

	if !o.DisableEvents {
		transport := o.Transport
		if transport == nil {
			transport = NewSSETransport(client)
		}
		var bc BridgeConfig
		if o.Bridge != nil {
			bc = *o.Bridge
		}
		if bc.Logger == nil {
			bc.Logger = o.Logger
		}
		m.Events = NewEventBridge(transport, &bc)
		m.wireEvents()
	}

	sched.AddCheck("check-updates", m.checkForUpdates)
	return m, nil
}

// Open starts every background component. It returns once they are
// started; the event stream connects asynchronously.
func (m *OfflineManager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.opened {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.Cache.Start()
	if err := m.Scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := m.Scheduler.RequestPeriodicCheck(runCtx, m.periodicInterval); err != nil {
		m.log.WithError(err).Warn("periodic check not scheduled")
	}
	m.Monitor.Start(runCtx)
	if m.Events != nil {
		if err := m.Events.Connect(runCtx); err != nil {
			m.log.WithError(err).Warn("event stream not started")
		}
	}
	// replay anything left from a previous run
	if n, err := m.Queue.Len(runCtx); err == nil && n > 0 {
		m.log.WithField("count", n).Info("found queued actions from a previous run")
		m.Scheduler.RequestSync(runCtx)
	}

	m.opened = true
	m.log.Info("offline manager opened")
	return nil
}

// Close stops background work and closes the queue store. Idempotent.
func (m *OfflineManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if m.Events != nil {
		m.Events.Disconnect()
	}
	m.Monitor.Stop()
	m.Scheduler.Stop()
	m.Cache.Close()
	if cancel != nil {
		cancel()
	}
	err := m.Queue.Close()
	m.log.Info("offline manager closed")
	return err
}

// Submit sends an action now when possible and queues it otherwise. While
// older actions are still queued, new ones are queued behind them so the
// server sees them in order. Client errors (4xx other than 408 and 429)
// are returned without queueing since a retry cannot succeed.
func (m *OfflineManager) Submit(ctx context.Context, in ActionInput) (*SubmitResult, error) {
	key := uuid.NewString()

	reason := ""
	pending, err := m.Queue.Len(ctx)
	switch {
	case err != nil:
		return nil, err
	case pending > 0:
		reason = "earlier actions still queued"
	case !m.Scheduler.IsOnline():
		reason = "offline"
	}

	if reason == "" {
		data, err := encodePayload(in.Data)
		if err != nil {
			return nil, err
		}
		method := strings.ToUpper(strings.TrimSpace(in.Method))
		if method == "" {
			method = http.MethodPost
		}
		err = m.Sync.deliver(ctx, QueuedAction{URL: in.URL, Method: method, Data: data, IdempotencyKey: key})
		if err == nil {
			return &SubmitResult{Delivered: true}, nil
		}
		if isPermanent(err) {
			return nil, err
		}
		reason = err.Error()
	}

	id, err := m.Queue.enqueue(ctx, in, key)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Queued: true, QueueID: id, Reason: reason}, nil
}

func isPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	s := apiErr.Status
	return s >= 400 && s < 500 && s != http.StatusRequestTimeout && s != http.StatusTooManyRequests
}

func (m *OfflineManager) wireEvents() {
	m.Events.OnDownloadStarted(func(e DownloadEvent) {
		m.notifier.Notify(context.Background(), Notification{
			Level: LevelInfo, Title: "Download started", Body: e.Message, Tag: "download",
		})
	})
	m.Events.OnDownloadCompleted(func(e DownloadEvent) {
		// fresh sales data invalidates every analytics read
		m.Analytics.InvalidateAnalytics()
		m.notifier.Notify(context.Background(), Notification{
			Level: LevelSuccess, Title: "Download completed", Body: e.Message, Tag: "download",
			Data: map[string]any{"last_download": e.LastDownload},
		})
	})
	m.Events.OnDownloadError(func(e DownloadEvent) {
		m.notifier.Notify(context.Background(), Notification{
			Level: LevelError, Title: "Download failed", Body: e.Message, Tag: "download",
			Data: map[string]any{"error": e.Error}, RequireInteraction: true,
		})
	})
	m.Events.OnStateChange(func(st SubscriptionState) {
		if st.State == StateTerminated {
			m.notifier.Notify(context.Background(), Notification{
				Level: LevelError, Title: "Live updates stopped",
				Body: "Event stream gave up after repeated failures: " + st.LastError,
				Tag:  "events",
			})
		}
	})
}

// checkForUpdates is the periodic maintenance check: it refreshes an
// expired status list and logs the last machine download so stale data is
// visible in the agent log.
func (m *OfflineManager) checkForUpdates(ctx context.Context) error {
	if !m.Scheduler.IsOnline() {
		return nil
	}
	if _, err := m.Analytics.RefreshIfNeeded(ctx); err != nil {
		m.log.WithError(err).Warn("status refresh failed")
	}
	info, err := m.Client.DownloadInfo(ctx)
	if err != nil {
		return err
	}
	entry := m.log.WithField("simulator", info.IsSimulator)
	if info.LastDownload != nil {
		entry = entry.WithField("last_download", *info.LastDownload)
	}
	entry.Info("checked for updates")
	return nil
}
