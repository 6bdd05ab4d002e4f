package api

import (
	"fmt"
	"time"

	"github.com/rmax-ai/trackguard/pkg/coordinator"
	"github.com/rmax-ai/trackguard/pkg/engine"
)

// Health statuses reported by GET /v1/health.
const (
	StatusOK            = "ok"
	StatusDegraded      = "degraded"
	StatusEmergencyStop = "emergency_stop"
)

// ErrorResponse is the body of every non-2xx answer outside /v1/vendor.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse matches the response for GET /v1/health
type HealthResponse struct {
	Status      string               `json:"status"`
	Version     string               `json:"version"`
	Coordinator *coordinator.Health  `json:"coordinator,omitempty"`
	Requests    *engine.HealthStatus `json:"requests,omitempty"`
}

// EmergencyStopRequest is the body of POST /v1/admin/emergency-stop.
type EmergencyStopRequest struct {
	Reason string `json:"reason"`
	// DurationSeconds defaults to the Coordinator cooldown when zero.
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// EmergencyStopResponse reports the state after an admin call.
type EmergencyStopResponse struct {
	EmergencyStop bool   `json:"emergency_stop"`
	Reason        string `json:"reason,omitempty"`
}

// ActivityRequest is the body of POST /v1/activity.
type ActivityRequest struct {
	UserID            string   `json:"user_id"`
	VehicleIDs        []string `json:"vehicle_ids"`
	IsViewingRealTime bool     `json:"is_viewing_real_time"`
}

// SessionRequest is the body of POST /v1/sessions.
type SessionRequest struct {
	ID        string   `json:"id"`
	DeviceIDs []string `json:"device_ids"`
	// IntervalMs <= 0 registers an adaptive session.
	IntervalMs int64  `json:"interval_ms"`
	Priority   string `json:"priority,omitempty"`
}

// SessionPatchRequest is the body of PATCH /v1/sessions/{id}. Omitted
// fields are unchanged.
type SessionPatchRequest struct {
	DeviceIDs  []string `json:"device_ids,omitempty"`
	IntervalMs *int64   `json:"interval_ms,omitempty"`
	Priority   *string  `json:"priority,omitempty"`
}

// RateLimitRequest is the body of PATCH /v1/admin/rate-limit. Omitted
// fields are unchanged.
type RateLimitRequest struct {
	MinSpacingMs     *int64 `json:"min_spacing_ms,omitempty"`
	MaxPerWindow     *int   `json:"max_per_window,omitempty"`
	WindowMs         *int64 `json:"window_ms,omitempty"`
	MaxConcurrent    *int   `json:"max_concurrent,omitempty"`
	FailureThreshold *int   `json:"failure_threshold,omitempty"`
	PauseWindowMs    *int64 `json:"pause_window_ms,omitempty"`
	MaxFrontRetries  *int   `json:"max_front_retries,omitempty"`
}

// RateLimitResponse is the active RequestManager limiter.
type RateLimitResponse struct {
	MinSpacingMs     int64 `json:"min_spacing_ms"`
	MaxPerWindow     int   `json:"max_per_window"`
	WindowMs         int64 `json:"window_ms"`
	MaxConcurrent    int   `json:"max_concurrent"`
	FailureThreshold int   `json:"failure_threshold"`
	PauseWindowMs    int64 `json:"pause_window_ms"`
	MaxFrontRetries  int   `json:"max_front_retries"`
}

func newRateLimitResponse(cfg engine.LimiterConfig) RateLimitResponse {
	return RateLimitResponse{
		MinSpacingMs:     cfg.MinSpacing.Milliseconds(),
		MaxPerWindow:     cfg.MaxPerWindow,
		WindowMs:         cfg.Window.Milliseconds(),
		MaxConcurrent:    cfg.MaxConcurrent,
		FailureThreshold: cfg.FailureThreshold,
		PauseWindowMs:    cfg.PauseWindow.Milliseconds(),
		MaxFrontRetries:  cfg.MaxFrontRetries,
	}
}

// patch converts the request, rejecting values the limiter would silently
// replace with defaults.
func (r RateLimitRequest) patch() (engine.LimiterPatch, error) {
	var p engine.LimiterPatch
	ms := func(field string, v *int64, allowZero bool) (*time.Duration, error) {
		if v == nil {
			return nil, nil
		}
		if *v < 0 || (*v == 0 && !allowZero) {
			return nil, fmt.Errorf("%s must be positive", field)
		}
		d := time.Duration(*v) * time.Millisecond
		return &d, nil
	}
	count := func(field string, v *int, allowZero bool) (*int, error) {
		if v == nil {
			return nil, nil
		}
		if *v < 0 || (*v == 0 && !allowZero) {
			return nil, fmt.Errorf("%s must be positive", field)
		}
		return v, nil
	}

	var err error
	if p.MinSpacing, err = ms("min_spacing_ms", r.MinSpacingMs, true); err != nil {
		return p, err
	}
	if p.Window, err = ms("window_ms", r.WindowMs, false); err != nil {
		return p, err
	}
	if p.PauseWindow, err = ms("pause_window_ms", r.PauseWindowMs, false); err != nil {
		return p, err
	}
	if p.MaxPerWindow, err = count("max_per_window", r.MaxPerWindow, false); err != nil {
		return p, err
	}
	if p.MaxConcurrent, err = count("max_concurrent", r.MaxConcurrent, false); err != nil {
		return p, err
	}
	if p.FailureThreshold, err = count("failure_threshold", r.FailureThreshold, false); err != nil {
		return p, err
	}
	if p.MaxFrontRetries, err = count("max_front_retries", r.MaxFrontRetries, true); err != nil {
		return p, err
	}
	return p, nil
}
