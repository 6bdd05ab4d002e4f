package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rmax-ai/trackguard/pkg/alerts"
	"github.com/rmax-ai/trackguard/pkg/coordinator"
	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/reports"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// handleVendor forwards one vendor request through the Coordinator.
func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		s.unavailable(w, r, "coordinator")
		return
	}
	var req coordinator.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, coordinator.Response{
			Error:   coordinator.ReasonInvalid,
			Message: "invalid json body",
		})
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = r.Header.Get("X-Requester-ID")
	}

	resp := s.deps.Gateway.Handle(r.Context(), req)
	status := resp.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	if resp.ShouldWait && resp.WaitTimeMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((resp.WaitTimeMs+999)/1000, 10))
	}
	s.writeJSON(w, r, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: StatusOK, Version: s.deps.Version}
	if s.deps.Gateway != nil {
		h := s.deps.Gateway.Health(r.Context())
		resp.Coordinator = &h
		switch {
		case h.EmergencyStop:
			resp.Status = StatusEmergencyStop
		case h.CircuitOpen:
			resp.Status = StatusDegraded
		}
	}
	if s.deps.Requests != nil {
		h := s.deps.Requests.HealthStatus()
		resp.Requests = &h
		if resp.Status == StatusOK && !h.IsHealthy {
			resp.Status = StatusDegraded
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleUnifiedMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		// Best effort: still answer with an empty snapshot.
		s.writeJSON(w, r, http.StatusOK, engine.UnifiedMetrics{RiskLevel: "low"})
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.deps.Sessions.GetUnifiedMetrics(r.Context()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.writeJSON(w, r, http.StatusOK, []engine.SessionInfo{})
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.deps.Sessions.Sessions())
}

func (s *Server) handleForcePoll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	err := s.deps.Sessions.ForcePoll(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		s.writeError(w, r, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, engine.ErrEmergencyStop):
		s.writeError(w, r, http.StatusServiceUnavailable, coordinator.ReasonEmergencyStop, err.Error())
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, "internal_server_error", err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	var req ActivityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, "user_id is required")
		return
	}
	s.deps.Sessions.RegisterUserActivity(req.UserID, req.VehicleIDs, req.IsViewingRealTime)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivityEnd(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	s.deps.Sessions.UnregisterUserActivity(chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	var req SessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
		return
	}
	interval := time.Duration(req.IntervalMs) * time.Millisecond
	if err := s.deps.Sessions.RegisterSession(req.ID, req.DeviceIDs, interval, nil, priority); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	info, _ := s.deps.Sessions.Session(req.ID)
	s.logger.Info("session_registered_via_api", "trace_id", getTraceID(r.Context()), "session_id", req.ID)
	s.writeJSON(w, r, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	info, ok := s.deps.Sessions.Session(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "session_not_found", "")
		return
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	var req SessionPatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	patch := engine.SessionPatch{DeviceIDs: req.DeviceIDs}
	if req.DeviceIDs != nil && len(req.DeviceIDs) == 0 {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, "device_ids must not be empty")
		return
	}
	if req.IntervalMs != nil {
		d := time.Duration(*req.IntervalMs) * time.Millisecond
		patch.Interval = &d
	}
	if req.Priority != nil {
		p, err := queue.ParsePriority(*req.Priority)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
			return
		}
		patch.Priority = &p
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.UpdateSession(id, patch); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	info, _ := s.deps.Sessions.Session(id)
	s.writeJSON(w, r, http.StatusOK, info)
}

// handleUnregisterSession is idempotent: unknown sessions also answer 204.
func (s *Server) handleUnregisterSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, r, "sessions")
		return
	}
	s.deps.Sessions.UnregisterSession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *vendor.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
	case errors.Is(err, engine.ErrSessionExists):
		s.writeError(w, r, http.StatusConflict, "session_exists", err.Error())
	case errors.Is(err, engine.ErrSessionNotFound):
		s.writeError(w, r, http.StatusNotFound, "session_not_found", err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, "internal_server_error", err.Error())
	}
}

// handlePauseRequests force-opens the local RequestManager circuit.
func (s *Server) handlePauseRequests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		s.unavailable(w, r, "requests")
		return
	}
	s.deps.Requests.PauseAllRequests()
	s.logger.Warn("requests_paused_via_api", "trace_id", getTraceID(r.Context()))
	s.writeJSON(w, r, http.StatusOK, s.deps.Requests.HealthStatus())
}

func (s *Server) handleResumeRequests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		s.unavailable(w, r, "requests")
		return
	}
	s.deps.Requests.ResumeRequests()
	s.logger.Info("requests_resumed_via_api", "trace_id", getTraceID(r.Context()))
	s.writeJSON(w, r, http.StatusOK, s.deps.Requests.HealthStatus())
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		s.unavailable(w, r, "requests")
		return
	}
	s.writeJSON(w, r, http.StatusOK, newRateLimitResponse(s.deps.Requests.Limits()))
}

func (s *Server) handleAdjustRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		s.unavailable(w, r, "requests")
		return
	}
	var req RateLimitRequest
	if !s.decode(w, r, &req) {
		return
	}
	patch, err := req.patch()
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
		return
	}
	cfg := s.deps.Requests.AdjustRateLimit(patch)
	s.logger.Info("rate_limit_adjusted_via_api", "trace_id", getTraceID(r.Context()))
	s.writeJSON(w, r, http.StatusOK, newRateLimitResponse(cfg))
}

// handleEmergencyStop halts vendor traffic and local polling.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req EmergencyStopRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.DurationSeconds < 0 {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, "duration_seconds must not be negative")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}

	if s.deps.Gateway != nil {
		d := time.Duration(req.DurationSeconds) * time.Second
		if err := s.deps.Gateway.EmergencyStop(r.Context(), req.Reason, d); err != nil {
			// The local stop is in place even if persisting failed.
			s.logger.Error("emergency_stop_persist_failed", "trace_id", getTraceID(r.Context()), "error", err)
		}
	}
	if s.deps.Sessions != nil {
		s.deps.Sessions.EmergencyStop()
	}
	s.logger.Warn("emergency_stop_requested", "trace_id", getTraceID(r.Context()), "reason", req.Reason)
	s.writeJSON(w, r, http.StatusOK, EmergencyStopResponse{EmergencyStop: true, Reason: req.Reason})
}

func (s *Server) handleClearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway != nil {
		if err := s.deps.Gateway.ClearEmergencyStop(r.Context()); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "clear_failed", err.Error())
			return
		}
	}
	if s.deps.Sessions != nil {
		s.deps.Sessions.Resume()
	}
	s.logger.Info("emergency_stop_cleared", "trace_id", getTraceID(r.Context()))
	s.writeJSON(w, r, http.StatusOK, EmergencyStopResponse{EmergencyStop: false})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeJSON(w, r, http.StatusOK, []alerts.Alert{})
		return
	}
	s.writeJSON(w, r, http.StatusOK, nonNil(s.deps.Alerts.ActiveAlerts()))
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeJSON(w, r, http.StatusOK, []alerts.Alert{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, r, http.StatusOK, nonNil(s.deps.Alerts.History(limit)))
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeJSON(w, r, http.StatusOK, alerts.Stats{})
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.deps.Alerts.Stats())
}

// handleAlertExport streams persisted alert history as CSV or JSON.
// Query: type=alerts|summary, format=csv|json, from/to (RFC3339) or since
// (duration), vehicle_id, rule_id.
func (s *Server) handleAlertExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.unavailable(w, r, "alert history")
		return
	}
	q := r.URL.Query()

	format, err := reports.ParseFormat(q.Get("format"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
		return
	}
	params := reports.ReportParams{VehicleID: q.Get("vehicle_id"), RuleID: q.Get("rule_id")}
	for name, dst := range map[string]*time.Time{"from": &params.Start, "to": &params.End} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, name+" must be RFC3339")
				return
			}
			*dst = t
		}
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, "since must be a positive duration")
			return
		}
		params.Start = time.Now().Add(-d)
	}

	gen, err := reports.NewReportGenerator(reports.ReportType(q.Get("type")), format, s.deps.History)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
		return
	}
	body, err := gen.Generate(r.Context(), params)
	if err != nil {
		s.logger.Error("alert_export_failed", "trace_id", getTraceID(r.Context()), "error", err)
		s.writeError(w, r, http.StatusInternalServerError, "export_failed", "")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("alert_export_write_failed", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, r, "alerts")
		return
	}
	a, err := s.deps.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, alerts.ErrAlertNotFound) {
		s.writeError(w, r, http.StatusNotFound, "alert_not_found", err.Error())
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, a)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.writeJSON(w, r, http.StatusOK, []alerts.Rule{})
		return
	}
	rules := s.deps.Alerts.Rules()
	out := make([]alerts.Rule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, redact(rule))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, r, "alerts")
		return
	}
	rule := alerts.Rule{Enabled: true}
	if !s.decode(w, r, &rule) {
		return
	}
	created, err := s.deps.Alerts.AddRule(rule)
	if err != nil {
		s.ruleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, redact(created))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, r, "alerts")
		return
	}
	var rule alerts.Rule
	if !s.decode(w, r, &rule) {
		return
	}
	updated, err := s.deps.Alerts.UpdateRule(chi.URLParam(r, "id"), rule)
	if err != nil {
		s.ruleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, redact(updated))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, r, "alerts")
		return
	}
	if err := s.deps.Alerts.RemoveRule(chi.URLParam(r, "id")); err != nil {
		s.ruleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *vendor.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeError(w, r, http.StatusBadRequest, coordinator.ReasonInvalid, err.Error())
	case errors.Is(err, alerts.ErrRuleNotFound):
		s.writeError(w, r, http.StatusNotFound, "rule_not_found", err.Error())
	case errors.Is(err, alerts.ErrRuleExists):
		s.writeError(w, r, http.StatusConflict, "rule_exists", err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, "internal_server_error", err.Error())
	}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// redact hides webhook secrets from API responses.
func redact(r alerts.Rule) alerts.Rule {
	if len(r.Actions) == 0 {
		return r
	}
	actions := make([]alerts.Action, len(r.Actions))
	for i, a := range r.Actions {
		if a.Secret != "" {
			a.Secret = "***"
		}
		actions[i] = a
	}
	r.Actions = actions
	return r
}
