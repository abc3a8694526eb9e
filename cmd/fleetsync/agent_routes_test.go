package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendingops/fleetsync"
)

type agentFixture struct {
	status  atomic.Int32
	writes  atomic.Int32
	handler http.Handler
	mgr     *fleetsync.OfflineManager
}

func newAgentFixture(t *testing.T, push *fleetsync.PushReceiver, origins []string) *agentFixture {
	t.Helper()
	return newAgentFixtureWithStore(t, push, origins, fleetsync.NewMemoryQueueStore())
}

func newAgentFixtureWithStore(t *testing.T, push *fleetsync.PushReceiver, origins []string, store fleetsync.QueueStore) *agentFixture {
	t.Helper()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)

	f := &agentFixture{}
	f.status.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/refill", func(w http.ResponseWriter, r *http.Request) {
		f.writes.Add(1)
		w.WriteHeader(int(f.status.Load()))
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/motors/analytics/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fleetsync.AllMotorStatus{
			Motors: []fleetsync.MotorStatus{{MotorID: 1, StatusIndicator: fleetsync.StatusGreen}},
		})
	})
	backend := httptest.NewServer(mux)
	t.Cleanup(backend.Close)

	mgr, err := fleetsync.NewOfflineManager(fleetsync.NewClient(backend.URL+"/api"), &fleetsync.OfflineOptions{
		Store:         store,
		DisableEvents: true,
		Notifier:      fleetsync.NotifierFunc(func(context.Context, fleetsync.Notification) {}),
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	f.mgr = mgr
	f.handler = newAgentRouter(context.Background(), mgr, push, origins)
	return f
}

func (f *agentFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAgentRouter_Actions(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		f := newAgentFixture(t, nil, nil)
		rec := f.do(http.MethodPost, "/actions", `{"url":"/refill","data":{"motor_id":3}}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var res fleetsync.SubmitResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Delivered)
		assert.Equal(t, int32(1), f.writes.Load())
	})

	t.Run("queued when the backend fails, then synced", func(t *testing.T) {
		f := newAgentFixture(t, nil, nil)
		f.status.Store(http.StatusServiceUnavailable)

		rec := f.do(http.MethodPost, "/actions", `{"url":"/refill","data":{"motor_id":3}}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = f.do(http.MethodGet, "/queue", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var queued []fleetsync.QueuedAction
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
		require.Len(t, queued, 1)
		assert.Equal(t, "/refill", queued[0].URL)

		f.status.Store(http.StatusOK)
		rec = f.do(http.MethodPost, "/sync", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var report struct {
			Succeeded []int64 `json:"succeeded"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, []int64{queued[0].ID}, report.Succeeded)

		n, err := f.mgr.Queue.Len(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("client errors pass through", func(t *testing.T) {
		f := newAgentFixture(t, nil, nil)
		f.status.Store(http.StatusUnprocessableEntity)
		rec := f.do(http.MethodPost, "/actions", `{"url":"/refill","data":{}}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("bad requests", func(t *testing.T) {
		f := newAgentFixture(t, nil, nil)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/actions", `{`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/actions", `{"data":{}}`).Code)
		assert.Zero(t, f.writes.Load())
	})
}

func TestAgentRouter_SyncWhileDrainedElsewhere(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := fleetsync.OpenSQLiteQueueStore(path)
	require.NoError(t, err)
	f := newAgentFixtureWithStore(t, nil, nil, store)

	// a CLI drain on the same queue file holds the lease
	other, err := fleetsync.OpenSQLiteQueueStore(path)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.AcquireDrainLease(ctx, "cli", time.Minute))

	rec := f.do(http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "drained by another process")

	require.NoError(t, other.ReleaseDrainLease(ctx, "cli"))
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/sync", "").Code)
}

func TestAgentRouter_Status(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	_, err := f.mgr.Queue.Enqueue(context.Background(), fleetsync.ActionInput{URL: "/refill", Data: 1})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st agentStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.QueueLength)
	assert.True(t, st.Scheduler.Online)
	assert.Nil(t, st.Events)
}

func TestAgentRouter_Analytics(t *testing.T) {
	f := newAgentFixture(t, nil, nil)

	rec := f.do(http.MethodGet, "/analytics/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"motor_id":1`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/analytics/motors/abc", "").Code)
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodGet, "/analytics/motors/9", "").Code)
}

func TestAgentRouter_EventsDisabled(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/events/reset", "").Code)
}

func TestAgentRouter_Push(t *testing.T) {
	var got atomic.Value
	push, err := fleetsync.NewPushReceiver("s3cret", fleetsync.NotifierFunc(func(_ context.Context, n fleetsync.Notification) {
		got.Store(n.Title)
	}), nil)
	require.NoError(t, err)

	f := newAgentFixture(t, push, nil)
	body := `{"title":"Motor 3 empty","body":"Refill needed"}`

	req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(body))
	req.Header.Set(fleetsync.PushSignatureHeader, fleetsync.SignPush(body, "s3cret"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Motor 3 empty", got.Load())

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/push", body).Code)
}

func TestAgentRouter_PushNotMounted(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/push", `{}`).Code)
}

func TestAgentRouter_CORS(t *testing.T) {
	f := newAgentFixture(t, nil, []string{"http://dashboard.local"})

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
