package fleetsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	PushSignatureHeader = "X-Fleet-Signature"
	defaultPushTitle    = "Fleet Dashboard"
	defaultPushTag      = "default"
	maxPushBody         = 64 << 10
)

// ============================================================================
// Push Types
// ============================================================================

// PushMessage is a server-sent notification request.
type PushMessage struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Level              string         `json:"level,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
	Silent             bool           `json:"silent,omitempty"`
}

// Notification converts the message, filling defaults for absent fields.
func (p *PushMessage) Notification() Notification {
	n := Notification{
		Level:              NotificationLevel(p.Level),
		Title:              p.Title,
		Body:               p.Body,
		Tag:                p.Tag,
		Data:               p.Data,
		RequireInteraction: p.RequireInteraction,
		Timestamp:          time.Now().UTC(),
	}
	if n.Title == "" {
		n.Title = defaultPushTitle
	}
	if n.Tag == "" {
		n.Tag = defaultPushTag
	}
	switch n.Level {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
	default:
		n.Level = LevelInfo
	}
	return n
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyPushSignature checks an HMAC-SHA256 hex signature, with or without
// a "sha256=" prefix, in constant time.
func VerifyPushSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignPush returns the signature header value for body.
func SignPush(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePushMessage decodes a push body. Empty messages are rejected.
func ParsePushMessage(body string) (*PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	if msg.Title == "" && msg.Body == "" {
		return nil, fmt.Errorf("push message needs a title or a body")
	}
	return &msg, nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver verifies, parses and forwards push messages to a Notifier.
type PushReceiver struct {
	secret   string
	notifier Notifier
	log      logrus.FieldLogger
}

func NewPushReceiver(secret string, notifier Notifier, l logrus.FieldLogger) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("push notifier is required")
	}
	return &PushReceiver{secret: secret, notifier: notifier, log: componentLogger(l, "push")}, nil
}

func (p *PushReceiver) Verify(body, signature string) bool {
	return VerifyPushSignature(body, signature, p.secret)
}

// Handle processes one push (verify + parse + notify) and returns the
// status code and response body for the caller to write.
func (p *PushReceiver) Handle(ctx context.Context, body, signature string) (int, any) {
	if !p.Verify(body, signature) {
		p.log.Warn("rejected push with invalid signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	msg, err := ParsePushMessage(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n := msg.Notification()
	p.notifier.Notify(ctx, n)
	p.log.WithFields(logrus.Fields{"title": n.Title, "tag": n.Tag}).Info("push delivered")
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes push requests.
func (p *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxPushBody))
		defer r.Body.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Push body too large"})
				return
			}
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := p.Handle(r.Context(), string(bodyBytes), r.Header.Get(PushSignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
