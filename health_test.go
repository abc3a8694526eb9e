package fleetsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listenerRecorder struct {
	mu      sync.Mutex
	changes []bool
}

func (l *listenerRecorder) ConnectivityChanged(online bool) {
	l.mu.Lock()
	l.changes = append(l.changes, online)
	l.mu.Unlock()
}

func (l *listenerRecorder) Changes() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.changes...)
}

// healthServer serves /health; down makes it fail, machine toggles the
// distributor flag.
type healthServer struct {
	down    atomic.Bool
	machine atomic.Bool
	hits    atomic.Int32
}

func (h *healthServer) start(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		if h.down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(HealthStatus{
			Status:               "ok",
			APIReachable:         true,
			DistributorReachable: h.machine.Load(),
			DistributorIP:        "192.168.1.65",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectivityMonitor_Check(t *testing.T) {
	ctx := context.Background()
	hs := &healthServer{}
	hs.machine.Store(true)
	srv := hs.start(t)

	listener := &listenerRecorder{}
	notes := &recordingNotifier{}
	m := NewConnectivityMonitor(NewClient(srv.URL), time.Hour,
		WithMonitorListener(listener),
		WithMonitorNotifier(notes),
		WithMonitorLogger(quietLogger()),
	)

	_, checked := m.Snapshot()
	assert.False(t, checked)

	snap := m.Check(ctx)
	assert.True(t, snap.SystemOnline())
	assert.Equal(t, "192.168.1.65", snap.DistributorIP)
	assert.Equal(t, []bool{true}, listener.Changes(), "first check always informs listeners")
	assert.Empty(t, notes.All(), "first check never notifies")

	// steady state: nothing reported
	m.Check(ctx)
	assert.Equal(t, []bool{true}, listener.Changes())
	assert.Empty(t, notes.All())

	// machine lost: notify only, scheduler stays online
	hs.machine.Store(false)
	snap = m.Check(ctx)
	assert.True(t, snap.APIReachable)
	assert.False(t, snap.SystemOnline())
	assert.Equal(t, []bool{true}, listener.Changes())
	require.Len(t, notes.All(), 1)
	assert.Equal(t, "distributor", notes.All()[0].Tag)
	assert.Equal(t, LevelWarning, notes.All()[0].Level)

	// API lost
	hs.down.Store(true)
	snap = m.Check(ctx)
	assert.False(t, snap.APIReachable)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, []bool{true, false}, listener.Changes())
	assert.Equal(t, []string{"distributor", "api"}, notes.Tags())

	// API back
	hs.down.Store(false)
	m.Check(ctx)
	assert.Equal(t, []bool{true, false, true}, listener.Changes())

	last, checked := m.Snapshot()
	assert.True(t, checked)
	assert.True(t, last.APIReachable)
}

func TestConnectivityMonitor_StartStop(t *testing.T) {
	hs := &healthServer{}
	srv := hs.start(t)
	m := NewConnectivityMonitor(NewClient(srv.URL), 10*time.Millisecond, WithMonitorLogger(quietLogger()))

	m.Start(context.Background())
	m.Start(context.Background())
	assert.Eventually(t, func() bool { return hs.hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	after := hs.hits.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, hs.hits.Load())
}

func TestConnectivityMonitor_DrivesScheduler(t *testing.T) {
	hs := &healthServer{}
	hs.down.Store(true)
	srv := hs.start(t)

	d := &stubDrainer{}
	sched := startScheduler(t, d)
	m := NewConnectivityMonitor(NewClient(srv.URL), time.Hour,
		WithMonitorListener(sched), WithMonitorLogger(quietLogger()))

	m.Check(context.Background())
	assert.False(t, sched.IsOnline())

	hs.down.Store(false)
	m.Check(context.Background())
	assert.True(t, sched.IsOnline())
	assert.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)
}
