package fleetsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification is an operator-facing message. Tag groups notifications that
// replace one another (e.g. one "distributor" banner, not one per poll).
type Notification struct {
	Level              NotificationLevel `json:"level"`
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Tag                string            `json:"tag,omitempty"`
	Data               map[string]any    `json:"data,omitempty"`
	RequireInteraction bool              `json:"requireInteraction,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Notifier delivers notifications. Implementations must not block for long
// and must not panic; delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// ============================================================================
// LogNotifier
// ============================================================================

// LogNotifier writes notifications to a logrus logger at a level matching
// the notification level.
type LogNotifier struct {
	log logrus.FieldLogger
}

func NewLogNotifier(l logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: componentLogger(l, "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) {
	entry := n.log.WithFields(logrus.Fields{"title": note.Title, "tag": note.Tag})
	if len(note.Data) > 0 {
		entry = entry.WithField("data", note.Data)
	}
	switch note.Level {
	case LevelError:
		entry.Error(note.Body)
	case LevelWarning:
		entry.Warn(note.Body)
	default:
		entry.Info(note.Body)
	}
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier POSTs each notification as JSON to a fixed URL, e.g. a
// chat incoming-webhook relay. Failures are logged and dropped.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	log        logrus.FieldLogger
}

func NewWebhookNotifier(url string, httpClient *http.Client, l logrus.FieldLogger) *WebhookNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, httpClient: httpClient, log: componentLogger(l, "notify")}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) {
	if err := w.post(ctx, n); err != nil {
		w.log.WithError(err).WithField("title", n.Title).Warn("notification webhook failed")
	}
}

func (w *WebhookNotifier) post(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans a notification out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(ctx, n)
		}
	}
}
