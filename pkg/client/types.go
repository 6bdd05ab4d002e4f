package client

import (
	"encoding/json"
	"time"
)

// VendorRequest is the body of POST /v1/vendor.
type VendorRequest struct {
	// Action is the vendor RPC name (e.g. "last_position").
	Action string `json:"action"`
	// Params are passed to the vendor verbatim.
	Params map[string]any `json:"params,omitempty"`
	// Priority is "high", "medium" or "low" (default: "medium").
	Priority string `json:"priority,omitempty"`
	// RequesterID identifies the calling process for logs.
	RequesterID string `json:"requester_id,omitempty"`
}

// VendorResponse is the Coordinator's answer.
type VendorResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	FromCache bool            `json:"from_cache,omitempty"`
	// ShouldWait is set when the limiter rejected the call; WaitTimeMs is the
	// suggested pause.
	ShouldWait bool  `json:"should_wait,omitempty"`
	WaitTimeMs int64 `json:"wait_time_ms,omitempty"`
	// EmergencyStop is set while a system-wide lockout is active.
	EmergencyStop       bool  `json:"emergency_stop,omitempty"`
	CooldownRemainingMs int64 `json:"cooldown_remaining_ms,omitempty"`
	VendorStatus        int   `json:"vendor_status,omitempty"`
}

// CoordinatorHealth mirrors the daemon's Coordinator snapshot.
type CoordinatorHealth struct {
	QueueLength         int       `json:"queue_length"`
	CircuitOpen         bool      `json:"circuit_open"`
	CircuitResetAt      time.Time `json:"circuit_reset_at"`
	EmergencyStop       bool      `json:"emergency_stop"`
	EmergencyReason     string    `json:"emergency_reason,omitempty"`
	CooldownRemainingMs int64     `json:"cooldown_remaining_ms"`
	CacheSize           int       `json:"cache_size"`
	TotalRequests       uint64    `json:"total_requests"`
	VendorCalls         uint64    `json:"vendor_calls"`
	CacheHits           uint64    `json:"cache_hits"`
	RateLimitHits       uint64    `json:"rate_limit_hits"`
	LastVendorCall      time.Time `json:"last_vendor_call"`
}

// RequestHealth mirrors the daemon's RequestManager snapshot.
type RequestHealth struct {
	QueueLength         int   `json:"queue_length"`
	ActiveRequests      int   `json:"active_requests"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	CircuitOpen         bool  `json:"circuit_open"`
	RequestsLastMinute  int   `json:"requests_last_minute"`
	CurrentBackoffMs    int64 `json:"current_backoff_ms"`
	IsHealthy           bool  `json:"is_healthy"`
}

// Health is the response of GET /v1/health.
type Health struct {
	// Status is "ok", "degraded" or "emergency_stop".
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Coordinator CoordinatorHealth `json:"coordinator"`
	Requests    RequestHealth     `json:"requests"`
}

// UnifiedMetrics is the response of GET /v1/metrics/unified.
type UnifiedMetrics struct {
	TotalCalls       uint64  `json:"total_calls"`
	SuccessfulCalls  uint64  `json:"successful_calls"`
	FailedCalls      uint64  `json:"failed_calls"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ActiveSessions   int     `json:"active_sessions"`
	ActiveVehicles   int     `json:"active_vehicles"`
	LiveViewers      int     `json:"live_viewers"`
	CircuitOpen      bool    `json:"circuit_open"`
	EmergencyStopped bool    `json:"emergency_stopped"`
	RiskLevel        string  `json:"risk_level"`
}

// Alert is an active or historical alert.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	VehicleID      string     `json:"vehicle_id"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// AlertStats is the response of GET /v1/alerts/stats.
type AlertStats struct {
	Active       int            `json:"active"`
	Acknowledged int            `json:"acknowledged"`
	Total        int            `json:"total"`
	Last24h      int            `json:"last_24h"`
	BySeverity   map[string]int `json:"by_severity"`
	ByRule       map[string]int `json:"by_rule"`
}

// EmergencyStopRequest is the body of POST /v1/admin/emergency-stop.
type EmergencyStopRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// RuleCondition is the trigger of an alert rule.
type RuleCondition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
	// Duration is how long the condition must hold, in seconds.
	Duration int `json:"duration"`
}

// Rule is an alert rule as returned by GET /v1/rules.
type Rule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Condition  RuleCondition `json:"condition"`
	Severity   string        `json:"severity"`
	Throttle   int           `json:"throttle"`
	Enabled    bool          `json:"enabled"`
	VehicleIDs []string      `json:"vehicle_ids,omitempty"`
}

// Session is a polling session as returned by GET /v1/sessions.
type Session struct {
	ID        string        `json:"id"`
	DeviceIDs []string      `json:"device_ids"`
	Interval  time.Duration `json:"interval"`
	Adaptive  bool          `json:"adaptive"`
	Priority  string        `json:"priority"`
	State     string        `json:"state"`
	LastPoll  time.Time     `json:"last_poll"`
	Polls     uint64        `json:"polls"`
	Errors    uint64        `json:"errors"`
	LastError string        `json:"last_error,omitempty"`
}

// ExportOptions select an alert history export. Zero values are omitted.
type ExportOptions struct {
	// Type is "alerts" (default) or "summary".
	Type string
	// Format is "csv" (default) or "json".
	Format    string
	Since     time.Duration
	VehicleID string
	RuleID    string
}

// SessionRequest is the body of POST /v1/sessions.
type SessionRequest struct {
	ID        string   `json:"id"`
	DeviceIDs []string `json:"device_ids"`
	// IntervalMs <= 0 registers an adaptive session.
	IntervalMs int64  `json:"interval_ms"`
	Priority   string `json:"priority,omitempty"`
}

// SessionPatch is the body of PATCH /v1/sessions/{id}. Nil fields are
// unchanged.
type SessionPatch struct {
	DeviceIDs  []string `json:"device_ids,omitempty"`
	IntervalMs *int64   `json:"interval_ms,omitempty"`
	Priority   *string  `json:"priority,omitempty"`
}

// RateLimit is the RequestManager limiter as reported by the daemon.
type RateLimit struct {
	MinSpacingMs     int64 `json:"min_spacing_ms"`
	MaxPerWindow     int   `json:"max_per_window"`
	WindowMs         int64 `json:"window_ms"`
	MaxConcurrent    int   `json:"max_concurrent"`
	FailureThreshold int   `json:"failure_threshold"`
	PauseWindowMs    int64 `json:"pause_window_ms"`
	MaxFrontRetries  int   `json:"max_front_retries"`
}

// RateLimitPatch is the body of PATCH /v1/admin/rate-limit. Nil fields are
// unchanged.
type RateLimitPatch struct {
	MinSpacingMs     *int64 `json:"min_spacing_ms,omitempty"`
	MaxPerWindow     *int   `json:"max_per_window,omitempty"`
	WindowMs         *int64 `json:"window_ms,omitempty"`
	MaxConcurrent    *int   `json:"max_concurrent,omitempty"`
	FailureThreshold *int   `json:"failure_threshold,omitempty"`
	PauseWindowMs    *int64 `json:"pause_window_ms,omitempty"`
	MaxFrontRetries  *int   `json:"max_front_retries,omitempty"`
}
