package fleetsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEnqueue is returned when an action could not be persisted. The
	// action is not queued and the caller must decide whether to retry.
	ErrEnqueue = errors.New("enqueue failed")

	ErrClosed            = errors.New("fleetsync: closed")
	ErrNotConnected      = errors.New("not connected")
	ErrTerminated        = errors.New("event bridge terminated: reset reconnect attempts to resume")
	ErrMalformedResponse = errors.New("malformed response body")
	ErrCacheMiss         = errors.New("cache miss")

	// ErrDrainBusy is returned by Drain when another process holds the
	// queue's drain lease. Nothing was sent.
	ErrDrainBusy = errors.New("queue is being drained by another process")
)

// APIError represents a non-2xx response from the fleet backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("HTTP %d", e.Status)
	}
}

// IsConflict reports whether err is a 409 from the backend, which it uses
// when a download job is already running.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 409
}

// ============================================================================
// Motor Types
// ============================================================================

type Motor struct {
	MotorID            int     `json:"motor_id"`
	ProductName        string  `json:"product_name"`
	Price              float64 `json:"price"`
	LastSaleDatetime   *string `json:"last_sale_datetime"`
	HoursSinceLastSale float64 `json:"hours_since_last_sale"`
	TotalSales         int     `json:"total_sales"`
}

// StatusIndicator is the traffic-light state computed by the backend from a
// motor's sales pattern.
type StatusIndicator string

const (
	StatusRed     StatusIndicator = "red"
	StatusGreen   StatusIndicator = "green"
	StatusNeutral StatusIndicator = "neutral"
)

type SalesPeriod struct {
	SalesCount int     `json:"sales_count"`
	Revenue    float64 `json:"revenue"`
}

type LastSale struct {
	Timestamp string `json:"timestamp"`
	DaysAgo   int    `json:"days_ago"`
}

type SalesPattern struct {
	AverageIntervalHours *float64 `json:"average_interval_hours"`
	SalesCount           int      `json:"sales_count"`
	ThresholdHours       *float64 `json:"threshold_hours"`
}

type MotorAnalytics struct {
	MotorID         int             `json:"motor_id"`
	Position        string          `json:"position"`
	Today           SalesPeriod     `json:"today"`
	Week            SalesPeriod     `json:"week"`
	Month           SalesPeriod     `json:"month"`
	LastSale        *LastSale       `json:"last_sale"`
	StatusIndicator StatusIndicator `json:"status_indicator"`
	SalesPattern    SalesPattern    `json:"sales_pattern"`
}

type MotorStatus struct {
	MotorID         int             `json:"motor_id"`
	StatusIndicator StatusIndicator `json:"status_indicator"`
}

type AllMotorStatus struct {
	Motors      []MotorStatus `json:"motors"`
	LastUpdated string        `json:"last_updated"`
}

type RefreshResult struct {
	Message             string `json:"message"`
	EstimatedCompletion string `json:"estimated_completion"`
}

// ============================================================================
// Download / Health Types
// ============================================================================

type DownloadStartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type DownloadStatus struct {
	IsRunning  bool    `json:"is_running"`
	Progress   int     `json:"progress"`
	Message    string  `json:"message"`
	LastUpdate *string `json:"last_update"`
	Error      *string `json:"error"`
}

type DownloadInfo struct {
	LastDownload  *string `json:"last_download"`
	LastEventDate *string `json:"last_event_date"`
	DistributorIP string  `json:"distributore_ip"`
	IsSimulator   bool    `json:"is_simulator"`
}

// HealthStatus is the payload of GET /health. The distributor is the vending
// machine itself; the API can be up while the machine is unreachable.
type HealthStatus struct {
	Status               string `json:"status"`
	APIReachable         bool   `json:"api_reachable"`
	DistributorReachable bool   `json:"distributore_reachable"`
	DistributorIP        string `json:"distributore_ip"`
	APIBaseURL           string `json:"api_base_url"`
	Timestamp            string `json:"timestamp"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// DownloadEvent is the payload of every download_* stream event.
type DownloadEvent struct {
	Message      string `json:"message"`
	Progress     int    `json:"progress"`
	Success      *bool  `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
	LastDownload string `json:"last_download,omitempty"`
}

type ConnectedEvent struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type HeartbeatEvent struct {
	Timestamp string `json:"timestamp"`
}

// Event is a decoded stream event handed to handlers.
type Event struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
