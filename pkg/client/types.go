package client

import (
	"encoding/json"
	"time"
)

// Health is the response of the health endpoint
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// BreakerStatus is the state of one source's circuit breaker
type BreakerStatus struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    uint       `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time"`
	Threshold       uint       `json:"threshold"`
	RecoveryTimeout float64    `json:"recovery_timeout"`
	LastError       string     `json:"last_error,omitempty"`
}

// TickResult describes the most recent monitor tick
type TickResult struct {
	Outcome    string    `json:"outcome"`
	At         time.Time `json:"at"`
	DurationMS float64   `json:"duration_ms"`
	Broadcast  []string  `json:"broadcast,omitempty"`
	Degraded   []string  `json:"degraded,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// MonitorStatus is the response of the monitor endpoint
type MonitorStatus struct {
	Running         bool            `json:"running"`
	Stale           bool            `json:"stale"`
	Subscribers     int             `json:"subscribers"`
	IntervalSeconds float64         `json:"interval_seconds"`
	Breakers        []BreakerStatus `json:"breakers"`
	LastTick        TickResult      `json:"last_tick"`
}

// Frame is one message received over the subscriber websocket
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionOutput is the payload of an action.output frame
type ActionOutput struct {
	Container  string   `json:"container"`
	Action     string   `json:"action"`
	Status     string   `json:"status"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS *float64 `json:"duration_ms,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
