package fleetsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultHealthInterval = 30 * time.Second

// ConnectivityListener is told when API reachability changes.
// *Scheduler implements it.
type ConnectivityListener interface {
	ConnectivityChanged(online bool)
}

// HealthSnapshot is the result of the most recent health poll.
type HealthSnapshot struct {
	APIReachable         bool      `json:"api_reachable"`
	DistributorReachable bool      `json:"distributor_reachable"`
	DistributorIP        string    `json:"distributor_ip,omitempty"`
	CheckedAt            time.Time `json:"checked_at"`
	Error                string    `json:"error,omitempty"`
}

// SystemOnline is true only when both the API and the machine answer.
func (h HealthSnapshot) SystemOnline() bool {
	return h.APIReachable && h.DistributorReachable
}

type MonitorOption func(*ConnectivityMonitor)

func WithMonitorListener(l ConnectivityListener) MonitorOption {
	return func(m *ConnectivityMonitor) { m.listeners = append(m.listeners, l) }
}

func WithMonitorNotifier(n Notifier) MonitorOption {
	return func(m *ConnectivityMonitor) { m.notifier = n }
}

func WithMonitorLogger(l logrus.FieldLogger) MonitorOption {
	return func(m *ConnectivityMonitor) { m.log = componentLogger(l, "health") }
}

// ConnectivityMonitor polls GET /health and reports changes. API
// reachability drives the listeners; machine reachability only produces
// notifications.
type ConnectivityMonitor struct {
	client    *Client
	interval  time.Duration
	listeners []ConnectivityListener
	notifier  Notifier
	log       logrus.FieldLogger

	mu      sync.Mutex
	last    HealthSnapshot
	checked bool

	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConnectivityMonitor(client *Client, interval time.Duration, opts ...MonitorOption) *ConnectivityMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	m := &ConnectivityMonitor{
		client:   client,
		interval: interval,
		log:      componentLogger(nil, "health"),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the last poll result and whether any poll has run.
func (m *ConnectivityMonitor) Snapshot() (HealthSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checked
}

// Check polls once and applies any transition.
func (m *ConnectivityMonitor) Check(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{CheckedAt: time.Now()}
	health, err := m.client.Health(ctx)
	if err != nil {
		snap.Error = err.Error()
	} else {
		snap.APIReachable = health.APIReachable
		snap.DistributorReachable = health.DistributorReachable
		snap.DistributorIP = health.DistributorIP
	}

	m.mu.Lock()
	prev, first := m.last, !m.checked
	m.last = snap
	m.checked = true
	m.mu.Unlock()

	apiChanged := first || prev.APIReachable != snap.APIReachable
	if apiChanged {
		for _, l := range m.listeners {
			l.ConnectivityChanged(snap.APIReachable)
		}
	}
	if !first {
		m.announce(ctx, prev, snap)
	}

	m.log.WithFields(logrus.Fields{
		"api":         snap.APIReachable,
		"distributor": snap.DistributorReachable,
	}).Debug("health checked")
	return snap
}

func (m *ConnectivityMonitor) announce(ctx context.Context, prev, cur HealthSnapshot) {
	if prev.APIReachable != cur.APIReachable {
		n := Notification{Level: LevelSuccess, Title: "API reachable", Body: "Connection to the fleet API restored", Tag: "api"}
		if !cur.APIReachable {
			n = Notification{Level: LevelError, Title: "API unreachable", Body: "Actions will be queued until the API is back", Tag: "api"}
			if cur.Error != "" {
				n.Data = map[string]any{"error": cur.Error}
			}
		}
		m.log.WithField("reachable", cur.APIReachable).Warn("API reachability changed")
		m.notify(ctx, n)
	}
	if prev.DistributorReachable != cur.DistributorReachable {
		n := Notification{
			Level: LevelSuccess,
			Title: "Machine reachable",
			Body:  fmt.Sprintf("Vending machine %s is reachable", cur.DistributorIP),
			Tag:   "distributor",
		}
		if !cur.DistributorReachable {
			n.Level = LevelWarning
			n.Title = "Machine unreachable"
			n.Body = fmt.Sprintf("Vending machine %s is not responding", cur.DistributorIP)
		}
		m.log.WithField("reachable", cur.DistributorReachable).Warn("machine reachability changed")
		m.notify(ctx, n)
	}
}

func (m *ConnectivityMonitor) notify(ctx context.Context, n Notification) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, n)
	}
}

// Start checks immediately and then every interval until Stop or ctx ends.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

func (m *ConnectivityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
