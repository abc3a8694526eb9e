package fleetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Data Types
// ============================================================================

// QueuedAction is a write that could not be delivered and waits for replay.
// Entries are immutable once stored.
type QueuedAction struct {
	ID             int64           `json:"id"`
	URL            string          `json:"url"`
	Method         string          `json:"method"`
	Data           json.RawMessage `json:"data"`
	Timestamp      int64           `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// QueuedAt returns the enqueue time.
func (a QueuedAction) QueuedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// ActionInput describes a write to queue. Data is JSON-encoded at enqueue;
// json.RawMessage and []byte values are stored as-is after validation.
type ActionInput struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Data   any    `json:"data"`
}

// QueueStore is a durable, ordered store of queued actions. List returns
// entries in insertion order; Remove of an absent id is not an error.
type QueueStore interface {
	Add(ctx context.Context, action *QueuedAction) (int64, error)
	List(ctx context.Context) ([]QueuedAction, error)
	Remove(ctx context.Context, id int64) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// DrainLocker is implemented by stores that several processes can open at
// once. The lease makes drains exclusive per queue rather than per process.
//
// AcquireDrainLease takes the lease for ttl, or extends it when holder
// already owns it, and returns ErrDrainBusy while another holder's lease is
// live. ReleaseDrainLease is a no-op unless holder owns the lease.
type DrainLocker interface {
	AcquireDrainLease(ctx context.Context, holder string, ttl time.Duration) error
	ReleaseDrainLease(ctx context.Context, holder string) error
}

// drainKeyer names the underlying queue so drains in one process can be
// joined even across separate store handles.
type drainKeyer interface {
	drainKey() string
}

// ============================================================================
// MemoryQueueStore
// ============================================================================

// MemoryQueueStore is a goroutine-safe, non-durable QueueStore.
type MemoryQueueStore struct {
	mu      sync.RWMutex
	nextID  int64
	actions map[int64]QueuedAction
	closed  bool
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{actions: make(map[int64]QueuedAction)}
}

func (s *MemoryQueueStore) Add(_ context.Context, action *QueuedAction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextID++
	stored := *action
	stored.ID = s.nextID
	stored.Data = append(json.RawMessage(nil), action.Data...)
	s.actions[stored.ID] = stored
	action.ID = stored.ID
	return stored.ID, nil
}

func (s *MemoryQueueStore) List(_ context.Context) ([]QueuedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryQueueStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.actions, id)
	return nil
}

func (s *MemoryQueueStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.actions = make(map[int64]QueuedAction)
	return nil
}

func (s *MemoryQueueStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.actions), nil
}

func (s *MemoryQueueStore) drainKey() string {
	return fmt.Sprintf("memory:%p", s)
}

func (s *MemoryQueueStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ============================================================================
// ActionQueue
// ============================================================================

type QueueOption func(*ActionQueue)

func WithQueueLogger(l logrus.FieldLogger) QueueOption {
	return func(q *ActionQueue) { q.log = componentLogger(l, "queue") }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *ActionQueue) { q.now = now }
}

// ActionQueue persists actions and asks the trigger for a background sync
// after each successful enqueue.
type ActionQueue struct {
	store   QueueStore
	trigger Trigger
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewActionQueue wraps store. A nil trigger disables sync requests.
func NewActionQueue(store QueueStore, trigger Trigger, opts ...QueueOption) *ActionQueue {
	if trigger == nil {
		trigger = NoopTrigger{}
	}
	q := &ActionQueue{
		store:   store,
		trigger: trigger,
		log:     componentLogger(nil, "queue"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores the action and returns its id once it is durable. The sync
// request that follows is best-effort: its failure is logged, never returned.
func (q *ActionQueue) Enqueue(ctx context.Context, in ActionInput) (int64, error) {
	return q.enqueue(ctx, in, "")
}

// enqueue stores in under idempotencyKey, generating one when empty.
func (q *ActionQueue) enqueue(ctx context.Context, in ActionInput, idempotencyKey string) (int64, error) {
	if strings.TrimSpace(in.URL) == "" {
		return 0, fmt.Errorf("%w: url is required", ErrEnqueue)
	}
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodPost
	}
	data, err := encodePayload(in.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	action := &QueuedAction{
		URL:            in.URL,
		Method:         method,
		Data:           data,
		Timestamp:      q.now().UnixMilli(),
		IdempotencyKey: idempotencyKey,
	}
	id, err := q.store.Add(ctx, action)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	q.log.WithFields(logrus.Fields{"id": id, "method": method, "url": in.URL}).Info("action queued")

	if err := q.trigger.RequestSync(ctx); err != nil {
		q.log.WithError(err).Warn("background sync request failed")
	}
	return id, nil
}

func (q *ActionQueue) List(ctx context.Context) ([]QueuedAction, error) {
	return q.store.List(ctx)
}

// Remove deletes the entry with id. Removing an absent id is a no-op.
func (q *ActionQueue) Remove(ctx context.Context, id int64) error {
	return q.store.Remove(ctx, id)
}

func (q *ActionQueue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx)
}

func (q *ActionQueue) Len(ctx context.Context) (int, error) {
	return q.store.Count(ctx)
}

func (q *ActionQueue) Close() error {
	return q.store.Close()
}

// drainKey identifies the queue behind q for drain single-flight.
func (q *ActionQueue) drainKey() string {
	if k, ok := q.store.(drainKeyer); ok {
		return k.drainKey()
	}
	return fmt.Sprintf("queue:%p", q)
}

func encodePayload(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case json.RawMessage:
		return validJSON(d)
	case []byte:
		return validJSON(d)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

func validJSON(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return append(json.RawMessage(nil), b...), nil
}
