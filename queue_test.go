package fleetsync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories runs a test against every local backend.
func storeFactories(t *testing.T) map[string]func() QueueStore {
	return map[string]func() QueueStore{
		"memory": func() QueueStore { return NewMemoryQueueStore() },
		"sqlite": func() QueueStore {
			s, err := OpenSQLiteQueueStore(filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			return s
		},
	}
}

// ============================================================================
// QueueStore
// ============================================================================

func TestQueueStore(t *testing.T) {
	ctx := context.Background()

	for name, open := range storeFactories(t) {
		t.Run(name+" lists in insertion order", func(t *testing.T) {
			s := open()
			defer s.Close()

			var ids []int64
			for _, u := range []string{"/a", "/b", "/c"} {
				id, err := s.Add(ctx, &QueuedAction{URL: u, Method: "POST", Data: json.RawMessage(`{}`)})
				require.NoError(t, err)
				ids = append(ids, id)
			}
			assert.True(t, ids[0] < ids[1] && ids[1] < ids[2], "ids must be monotonic: %v", ids)

			got, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "/a", got[0].URL)
			assert.Equal(t, "/b", got[1].URL)
			assert.Equal(t, "/c", got[2].URL)
		})

		t.Run(name+" remove is idempotent", func(t *testing.T) {
			s := open()
			defer s.Close()

			id, err := s.Add(ctx, &QueuedAction{URL: "/a", Method: "POST", Data: json.RawMessage(`1`)})
			require.NoError(t, err)

			require.NoError(t, s.Remove(ctx, id))
			require.NoError(t, s.Remove(ctx, id))
			require.NoError(t, s.Remove(ctx, 9999))

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})

		t.Run(name+" ids are not reused after remove", func(t *testing.T) {
			s := open()
			defer s.Close()

			first, err := s.Add(ctx, &QueuedAction{URL: "/a", Method: "POST", Data: json.RawMessage(`1`)})
			require.NoError(t, err)
			require.NoError(t, s.Remove(ctx, first))

			second, err := s.Add(ctx, &QueuedAction{URL: "/b", Method: "POST", Data: json.RawMessage(`1`)})
			require.NoError(t, err)
			assert.Greater(t, second, first)
		})

		t.Run(name+" clear empties the queue", func(t *testing.T) {
			s := open()
			defer s.Close()

			for i := 0; i < 3; i++ {
				_, err := s.Add(ctx, &QueuedAction{URL: "/x", Method: "POST", Data: json.RawMessage(`1`)})
				require.NoError(t, err)
			}
			require.NoError(t, s.Clear(ctx))

			got, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})

		t.Run(name+" round-trips every field", func(t *testing.T) {
			s := open()
			defer s.Close()

			in := &QueuedAction{
				URL:            "http://api.local/motors/3/refill",
				Method:         "PUT",
				Data:           json.RawMessage(`{"qty":12}`),
				Timestamp:      1767268800000,
				IdempotencyKey: "key-1",
			}
			_, err := s.Add(ctx, in)
			require.NoError(t, err)

			got, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, in.ID, got[0].ID)
			assert.Equal(t, in.URL, got[0].URL)
			assert.Equal(t, "PUT", got[0].Method)
			assert.JSONEq(t, `{"qty":12}`, string(got[0].Data))
			assert.Equal(t, int64(1767268800000), got[0].Timestamp)
			assert.Equal(t, "key-1", got[0].IdempotencyKey)
		})
	}
}

func TestSQLiteQueueStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "queue.db")

	s, err := OpenSQLiteQueueStore(path)
	require.NoError(t, err)
	_, err = s.Add(ctx, &QueuedAction{URL: "/a", Method: "POST", Data: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	_, err = s.Add(ctx, &QueuedAction{URL: "/b", Method: "POST", Data: json.RawMessage(`{"n":2}`)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLiteQueueStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/a", got[0].URL)
	assert.Equal(t, "/b", got[1].URL)
}

func TestSQLiteQueueStore_DrainLease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	a, err := OpenSQLiteQueueStore(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLiteQueueStore(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.AcquireDrainLease(ctx, "agent-a", time.Minute))
	assert.ErrorIs(t, b.AcquireDrainLease(ctx, "agent-b", time.Minute), ErrDrainBusy)
	require.NoError(t, a.AcquireDrainLease(ctx, "agent-a", time.Minute), "the holder renews")

	require.NoError(t, b.ReleaseDrainLease(ctx, "agent-b"))
	assert.ErrorIs(t, b.AcquireDrainLease(ctx, "agent-b", time.Minute), ErrDrainBusy, "only the holder releases")

	require.NoError(t, a.ReleaseDrainLease(ctx, "agent-a"))
	require.NoError(t, b.AcquireDrainLease(ctx, "agent-b", time.Millisecond))

	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, a.AcquireDrainLease(ctx, "agent-a", time.Minute), "an expired lease is taken over")
}

func TestMemoryQueueStore_Closed(t *testing.T) {
	s := NewMemoryQueueStore()
	require.NoError(t, s.Close())

	_, err := s.Add(context.Background(), &QueuedAction{URL: "/a"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.List(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// ============================================================================
// ActionQueue
// ============================================================================

func TestActionQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps timestamp, method and key then requests sync", func(t *testing.T) {
		clock := newFakeClock()
		trig := &countingTrigger{}
		q := NewActionQueue(NewMemoryQueueStore(), trig, WithQueueClock(clock.Now), WithQueueLogger(quietLogger()))

		id, err := q.Enqueue(ctx, ActionInput{URL: "/motors/1/refill", Data: map[string]int{"qty": 5}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
		assert.Equal(t, 1, trig.Syncs())

		got, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "POST", got[0].Method)
		assert.Equal(t, clock.Now().UnixMilli(), got[0].Timestamp)
		assert.Equal(t, clock.Now(), got[0].QueuedAt().UTC())
		assert.NotEmpty(t, got[0].IdempotencyKey)
		assert.JSONEq(t, `{"qty":5}`, string(got[0].Data))
	})

	t.Run("enqueue order is list order", func(t *testing.T) {
		q := NewActionQueue(NewMemoryQueueStore(), nil, WithQueueLogger(quietLogger()))
		for _, u := range []string{"/first", "/second", "/third"} {
			_, err := q.Enqueue(ctx, ActionInput{URL: u, Method: "patch", Data: nil})
			require.NoError(t, err)
		}
		got, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"/first", "/second", "/third"}, []string{got[0].URL, got[1].URL, got[2].URL})
		assert.Equal(t, "PATCH", got[0].Method)
	})

	t.Run("trigger failure does not fail the enqueue", func(t *testing.T) {
		trig := &countingTrigger{err: errors.New("background sync unavailable")}
		q := NewActionQueue(NewMemoryQueueStore(), trig, WithQueueLogger(quietLogger()))

		id, err := q.Enqueue(ctx, ActionInput{URL: "/a", Data: "x"})
		require.NoError(t, err)
		assert.NotZero(t, id)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("storage failure is reported and nothing is queued", func(t *testing.T) {
		trig := &countingTrigger{}
		store := &failingStore{QueueStore: NewMemoryQueueStore(), addErr: errors.New("disk full")}
		q := NewActionQueue(store, trig, WithQueueLogger(quietLogger()))

		_, err := q.Enqueue(ctx, ActionInput{URL: "/a", Data: "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEnqueue)
		assert.Contains(t, err.Error(), "disk full")
		assert.Equal(t, 0, trig.Syncs())
	})

	t.Run("rejects missing url and invalid raw JSON", func(t *testing.T) {
		q := NewActionQueue(NewMemoryQueueStore(), nil, WithQueueLogger(quietLogger()))

		_, err := q.Enqueue(ctx, ActionInput{URL: "  "})
		assert.ErrorIs(t, err, ErrEnqueue)

		_, err = q.Enqueue(ctx, ActionInput{URL: "/a", Data: json.RawMessage(`{broken`)})
		assert.ErrorIs(t, err, ErrEnqueue)

		_, err = q.Enqueue(ctx, ActionInput{URL: "/a", Data: make(chan int)})
		assert.ErrorIs(t, err, ErrEnqueue)
	})

	t.Run("raw JSON is stored verbatim", func(t *testing.T) {
		q := NewActionQueue(NewMemoryQueueStore(), nil, WithQueueLogger(quietLogger()))
		_, err := q.Enqueue(ctx, ActionInput{URL: "/a", Data: []byte(`[1,2,3]`)})
		require.NoError(t, err)

		got, err := q.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, `[1,2,3]`, string(got[0].Data))
	})
}

func TestQueuedAction_QueuedAt(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	a := QueuedAction{Timestamp: ts.UnixMilli()}
	assert.True(t, a.QueuedAt().Equal(ts))
}
