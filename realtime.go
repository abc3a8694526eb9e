package fleetsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Types
// ============================================================================

// Stream event names as sent by the fleet backend. The download_* family
// tracks the machine event-download job.
const (
	EventConnected         = "connected"
	EventDownloadStarted   = "download_started"
	EventDownloadProgress  = "download_progress"
	EventDownloadCompleted = "download_completed"
	EventDownloadError     = "download_error"
	EventHeartbeat         = "heartbeat"
)

// ============================================================================
// Configuration
// ============================================================================

// BridgeConfig configures an EventBridge.
type BridgeConfig struct {
	// MaxReconnectAttempts is the number of reconnects tried after the
	// stream fails. One more failure terminates the bridge.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each reconnect.
	ReconnectDelay time.Duration
	// IdleTimeout drops a connection that delivered nothing for this long.
	// Zero uses the default; negative disables the watchdog.
	IdleTimeout time.Duration
	Logger      logrus.FieldLogger
}

func (c *BridgeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 90 * time.Second
	}
}

// BridgeState represents the connection state.
type BridgeState string

const (
	StateDisconnected BridgeState = "disconnected"
	StateConnecting   BridgeState = "connecting"
	StateConnected    BridgeState = "connected"
	StateReconnecting BridgeState = "reconnecting"
	StateTerminated   BridgeState = "terminated"
)

// SubscriptionState is a snapshot of the bridge.
type SubscriptionState struct {
	State             BridgeState `json:"state"`
	Connected         bool        `json:"connected"`
	LastError         string      `json:"last_error,omitempty"`
	ReconnectAttempts int         `json:"reconnect_attempts"`
}

// ============================================================================
// Transports
// ============================================================================

// Transport opens one event stream.
type Transport interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields events until it fails. Next blocks; it returns an error
// (io.EOF for a clean server close) when the stream is over.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// SSETransport reads a text/event-stream endpoint.
type SSETransport struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
}

// NewSSETransport streams from the client's /events endpoint. The stream
// reuses the client's transport but not its request timeout.
func NewSSETransport(c *Client) *SSETransport {
	hc := &http.Client{Transport: c.HTTPClient().Transport}
	t := &SSETransport{URL: c.BaseURL() + "/events", HTTPClient: hc, Header: http.Header{}}
	if c.apiKey != "" {
		t.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return t
}

func (t *SSETransport) Open(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	hc := t.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next assembles the next event frame. Frames end at a blank line; an event
// without an "event:" field is typed "message".
func (s *sseStream) Next(ctx context.Context) (Event, error) {
	var (
		eventType string
		data      []string
	)
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		line := s.scanner.Text()

		if line == "" {
			if eventType == "" && len(data) == 0 {
				continue
			}
			if eventType == "" {
				eventType = "message"
			}
			return Event{Type: eventType, Data: json.RawMessage(strings.Join(data, "\n"))}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// wsEnvelope is the wire format for WebSocket events.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocketTransport reads JSON {type, payload} envelopes from a WebSocket.
type WebSocketTransport struct {
	URL       string
	Header    http.Header
	ReadLimit int64
}

// WebSocketURL derives a ws:// or wss:// URL for path from an http(s) base.
func WebSocketURL(baseURL, path string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + path
}

func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, ReadLimit: 1 << 20}
}

func (t *WebSocketTransport) Open(ctx context.Context) (Stream, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{HTTPHeader: t.Header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		// not an envelope; hand the raw frame on so the bridge logs it
		return Event{Type: "message", Data: data}, nil
	}
	return Event{Type: env.Type, Data: env.Payload}, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives one stream event.
type EventHandler func(Event)

type registeredHandler struct {
	id uint64
	fn EventHandler
}

type eventDispatcher struct {
	mu      sync.RWMutex
	nextID  uint64
	byType  map[string][]registeredHandler
	any     []registeredHandler
	onState []func(SubscriptionState)
	log     logrus.FieldLogger
}

func (d *eventDispatcher) add(eventType string, fn EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	h := registeredHandler{id: id, fn: fn}
	if eventType == "" {
		d.any = append(d.any, h)
	} else {
		d.byType[eventType] = append(d.byType[eventType], h)
	}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if eventType == "" {
			d.any = removeHandler(d.any, id)
		} else {
			d.byType[eventType] = removeHandler(d.byType[eventType], id)
		}
	}
}

func removeHandler(hs []registeredHandler, id uint64) []registeredHandler {
	out := hs[:0:0]
	for _, h := range hs {
		if h.id != id {
			out = append(out, h)
		}
	}
	return out
}

// dispatch runs handlers synchronously in registration order. A panicking
// handler is logged and the rest still run.
func (d *eventDispatcher) dispatch(ev Event) {
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		d.log.WithField("event", ev.Type).Warn("dropping event with malformed JSON data")
		return
	}
	d.mu.RLock()
	handlers := append([]registeredHandler(nil), d.byType[ev.Type]...)
	handlers = append(handlers, d.any...)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call(ev, h.fn)
	}
}

func (d *eventDispatcher) call(ev Event, fn EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"event": ev.Type, "panic": r}).Error("event handler panicked")
		}
	}()
	fn(ev)
}

func (d *eventDispatcher) emitState(st SubscriptionState) {
	d.mu.RLock()
	handlers := append([]func(SubscriptionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("panic", r).Error("state handler panicked")
				}
			}()
			h(st)
		}()
	}
}

// ============================================================================
// EventBridge
// ============================================================================

// EventBridge keeps one event stream open and fans events out to handlers.
// Connect starts connecting in the background. A failed stream is retried
// after ReconnectDelay up to MaxReconnectAttempts times; the next failure
// moves the bridge to StateTerminated, where it stays until
// ResetReconnectAttempts.
type EventBridge struct {
	transport  Transport
	config     BridgeConfig
	log        logrus.FieldLogger
	dispatcher *eventDispatcher

	mu       sync.Mutex
	state    BridgeState
	attempts int
	lastErr  error
	gen      uint64
	parent   context.Context
	cancelFn context.CancelFunc
	timer    *time.Timer
	lastData time.Time
}

func NewEventBridge(transport Transport, config *BridgeConfig) *EventBridge {
	var cfg BridgeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := componentLogger(cfg.Logger, "events")
	return &EventBridge{
		transport: transport,
		config:    cfg,
		log:       log,
		state:     StateDisconnected,
		dispatcher: &eventDispatcher{
			byType: make(map[string][]registeredHandler),
			log:    log,
		},
	}
}

// On registers a handler for eventType and returns a func that removes it.
func (b *EventBridge) On(eventType string, h EventHandler) func() {
	return b.dispatcher.add(eventType, h)
}

// OnAny registers a handler for every event type.
func (b *EventBridge) OnAny(h EventHandler) func() {
	return b.dispatcher.add("", h)
}

// OnStateChange registers a handler called after every state transition.
func (b *EventBridge) OnStateChange(h func(SubscriptionState)) {
	b.dispatcher.mu.Lock()
	b.dispatcher.onState = append(b.dispatcher.onState, h)
	b.dispatcher.mu.Unlock()
}

func onTyped[T any](b *EventBridge, eventType string, h func(T)) func() {
	return b.On(eventType, func(ev Event) {
		var p T
		if err := ev.Decode(&p); err != nil {
			b.log.WithError(err).WithField("event", ev.Type).Warn("cannot decode event payload")
			return
		}
		h(p)
	})
}

func (b *EventBridge) OnConnected(h func(ConnectedEvent)) func() {
	return onTyped(b, EventConnected, h)
}

func (b *EventBridge) OnDownloadStarted(h func(DownloadEvent)) func() {
	return onTyped(b, EventDownloadStarted, h)
}

func (b *EventBridge) OnDownloadProgress(h func(DownloadEvent)) func() {
	return onTyped(b, EventDownloadProgress, h)
}

func (b *EventBridge) OnDownloadCompleted(h func(DownloadEvent)) func() {
	return onTyped(b, EventDownloadCompleted, h)
}

func (b *EventBridge) OnDownloadError(h func(DownloadEvent)) func() {
	return onTyped(b, EventDownloadError, h)
}

func (b *EventBridge) OnHeartbeat(h func(HeartbeatEvent)) func() {
	return onTyped(b, EventHeartbeat, h)
}

// Status returns the current subscription state.
func (b *EventBridge) Status() SubscriptionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *EventBridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *EventBridge) snapshotLocked() SubscriptionState {
	st := SubscriptionState{
		State:             b.state,
		Connected:         b.state == StateConnected,
		ReconnectAttempts: b.attempts,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}

// Connect starts the stream in the background and returns immediately.
// Calling it while connecting, connected or reconnecting is a no-op. ctx
// bounds the whole subscription including reconnects.
func (b *EventBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateConnecting, StateConnected, StateReconnecting:
		b.mu.Unlock()
		return nil
	case StateTerminated:
		b.mu.Unlock()
		return ErrTerminated
	}
	b.parent = ctx
	b.gen++
	gen := b.gen
	b.state = StateConnecting
	st := b.snapshotLocked()
	b.mu.Unlock()

	b.dispatcher.emitState(st)
	go b.run(gen)
	return nil
}

func (b *EventBridge) run(gen uint64) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(b.parent)
	b.cancelFn = cancel
	b.mu.Unlock()

	stream, err := b.transport.Open(ctx)
	if err != nil {
		cancel()
		b.fail(gen, err)
		return
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		stream.Close()
		cancel()
		return
	}
	b.state = StateConnected
	b.attempts = 0
	b.lastErr = nil
	b.lastData = time.Now()
	st := b.snapshotLocked()
	b.mu.Unlock()

	b.log.Info("event stream connected")
	b.dispatcher.emitState(st)

	if b.config.IdleTimeout > 0 {
		go b.idleWatchdog(ctx, gen)
	}

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			stream.Close()
			cancel()
			if errors.Is(err, io.EOF) {
				err = errors.New("stream closed by server")
			}
			b.fail(gen, err)
			return
		}
		b.mu.Lock()
		current := b.gen == gen
		b.lastData = time.Now()
		b.mu.Unlock()
		if !current {
			stream.Close()
			return
		}
		b.dispatcher.dispatch(ev)
	}
}

// fail handles a stream error for generation gen. Stale generations are
// ignored so a disconnect or an earlier failure is never counted twice.
func (b *EventBridge) fail(gen uint64, err error) {
	b.mu.Lock()
	if b.gen != gen || b.state == StateDisconnected || b.state == StateTerminated {
		b.mu.Unlock()
		return
	}
	b.gen++
	next := b.gen
	b.lastErr = err
	if b.cancelFn != nil {
		b.cancelFn()
		b.cancelFn = nil
	}

	// the failure that exhausts the budget is counted too
	var delay time.Duration
	b.attempts++
	if b.attempts <= b.config.MaxReconnectAttempts {
		b.state = StateReconnecting
		delay = b.config.ReconnectDelay
		b.timer = time.AfterFunc(delay, func() { b.reconnect(next) })
	} else {
		b.state = StateTerminated
	}
	st := b.snapshotLocked()
	b.mu.Unlock()

	entry := b.log.WithError(err).WithField("attempt", st.ReconnectAttempts)
	if st.State == StateTerminated {
		entry.Error("event stream failed, giving up")
	} else {
		entry.WithField("delay", delay).Warn("event stream failed, reconnecting")
	}
	b.dispatcher.emitState(st)
}

func (b *EventBridge) reconnect(gen uint64) {
	b.mu.Lock()
	if b.gen != gen || b.state != StateReconnecting {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	if err := b.parent.Err(); err != nil {
		// subscription context ended while waiting
		b.state = StateDisconnected
		b.lastErr = err
		st := b.snapshotLocked()
		b.mu.Unlock()
		b.dispatcher.emitState(st)
		return
	}
	b.mu.Unlock()
	b.run(gen)
}

func (b *EventBridge) idleWatchdog(ctx context.Context, gen uint64) {
	interval := b.config.IdleTimeout / 3
	if interval <= 0 {
		interval = b.config.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			stale := b.gen == gen && time.Since(b.lastData) > b.config.IdleTimeout
			b.mu.Unlock()
			if stale {
				b.fail(gen, fmt.Errorf("no data for %s", b.config.IdleTimeout))
				return
			}
		}
	}
}

// Disconnect closes the stream and cancels any pending reconnect. It is
// idempotent. A terminated bridge stays terminated.
func (b *EventBridge) Disconnect() {
	b.mu.Lock()
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.cancelFn != nil {
		b.cancelFn()
		b.cancelFn = nil
	}
	changed := b.state != StateDisconnected && b.state != StateTerminated
	if changed {
		b.state = StateDisconnected
	}
	st := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		b.log.Info("event stream disconnected")
		b.dispatcher.emitState(st)
	}
}

// ResetReconnectAttempts clears the attempt counter and last error. A
// terminated bridge returns to StateDisconnected and can Connect again.
func (b *EventBridge) ResetReconnectAttempts() {
	b.mu.Lock()
	b.attempts = 0
	b.lastErr = nil
	changed := b.state == StateTerminated
	if changed {
		b.state = StateDisconnected
	}
	st := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		b.dispatcher.emitState(st)
	}
}
