package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/trackguard/pkg/alerts"
	"github.com/rmax-ai/trackguard/pkg/coordinator"
	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

type fakeGateway struct {
	mu       sync.Mutex
	health   coordinator.Health
	resp     coordinator.Response
	last     coordinator.Request
	stops    []string
	stopDur  time.Duration
	clears   int
	stopErr  error
	handleFn func(coordinator.Request) coordinator.Response
}

func (g *fakeGateway) Handle(ctx context.Context, req coordinator.Request) coordinator.Response {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = req
	if g.handleFn != nil {
		return g.handleFn(req)
	}
	return g.resp
}

func (g *fakeGateway) Health(ctx context.Context) coordinator.Health {
	return g.health
}

func (g *fakeGateway) EmergencyStop(ctx context.Context, reason string, d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops = append(g.stops, reason)
	g.stopDur = d
	return g.stopErr
}

func (g *fakeGateway) ClearEmergencyStop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clears++
	return nil
}

type fakeRequests struct {
	status engine.HealthStatus
	limits engine.LimiterConfig
}

func (f *fakeRequests) HealthStatus() engine.HealthStatus { return f.status }
func (f *fakeRequests) PauseAllRequests()                 { f.status.CircuitOpen = true }
func (f *fakeRequests) ResumeRequests()                   { f.status.CircuitOpen = false }
func (f *fakeRequests) Limits() engine.LimiterConfig      { return f.limits }
func (f *fakeRequests) AdjustRateLimit(p engine.LimiterPatch) engine.LimiterConfig {
	if p.MaxConcurrent != nil {
		f.limits.MaxConcurrent = *p.MaxConcurrent
	}
	return f.limits
}

type fakeSessions struct {
	metrics  engine.UnifiedMetrics
	sessions []engine.SessionInfo
	pollErr  error
	polled   []string
	viewers  map[string][]string
	halted   bool
	resumed  bool
}

func (f *fakeSessions) GetUnifiedMetrics(ctx context.Context) engine.UnifiedMetrics {
	return f.metrics
}
func (f *fakeSessions) Sessions() []engine.SessionInfo { return f.sessions }
func (f *fakeSessions) RegisterSession(id string, deviceIDs []string, interval time.Duration, cb engine.SessionCallback, p queue.Priority) error {
	return nil
}
func (f *fakeSessions) UpdateSession(id string, patch engine.SessionPatch) error { return nil }
func (f *fakeSessions) UnregisterSession(id string)                              {}
func (f *fakeSessions) Session(id string) (engine.SessionInfo, bool) {
	return engine.SessionInfo{}, false
}
func (f *fakeSessions) ForcePoll(id string) error {
	f.polled = append(f.polled, id)
	return f.pollErr
}
func (f *fakeSessions) RegisterUserActivity(userID string, vehicleIDs []string, realTime bool) {
	if f.viewers == nil {
		f.viewers = make(map[string][]string)
	}
	f.viewers[userID] = vehicleIDs
}
func (f *fakeSessions) UnregisterUserActivity(userID string) { delete(f.viewers, userID) }
func (f *fakeSessions) EmergencyStop()                       { f.halted = true }
func (f *fakeSessions) Resume()                              { f.resumed = true }

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleVendor(t *testing.T) {
	gw := &fakeGateway{resp: coordinator.Response{Success: true, Data: json.RawMessage(`{"ok":1}`)}}
	h := NewServer(Deps{Gateway: gw}, "", testLogger()).Handler()

	w := do(t, h, "POST", "/v1/vendor", map[string]any{
		"action":   "last_position",
		"params":   map[string]any{"device_ids": []string{"dev-0001"}},
		"priority": "high",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp coordinator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"ok":1}`, string(resp.Data))
	assert.Equal(t, vendor.ActionLastPosition, gw.last.Action)
	assert.Equal(t, "high", string(gw.last.Priority))
}

func TestHandleVendor_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		resp       coordinator.Response
		wantStatus int
		retryAfter string
	}{
		{
			name:       "rate limited",
			resp:       coordinator.Response{Error: coordinator.ReasonRateLimited, ShouldWait: true, WaitTimeMs: 1500, HTTPStatus: http.StatusTooManyRequests},
			wantStatus: http.StatusTooManyRequests,
			retryAfter: "2",
		},
		{
			name:       "emergency stop",
			resp:       coordinator.Response{Error: coordinator.ReasonEmergencyStop, EmergencyStop: true, CooldownRemainingMs: 60000, HTTPStatus: http.StatusServiceUnavailable},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "vendor error",
			resp:       coordinator.Response{Error: coordinator.ReasonVendorError, VendorStatus: 1001, HTTPStatus: http.StatusBadGateway},
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{resp: tt.resp}
			h := NewServer(Deps{Gateway: gw}, "", testLogger()).Handler()
			w := do(t, h, "POST", "/v1/vendor", map[string]any{"action": "device_list"})
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))

			var resp coordinator.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tt.resp.Error, resp.Error)
		})
	}
}

func TestHandleVendor_BadJSON(t *testing.T) {
	gw := &fakeGateway{}
	h := NewServer(Deps{Gateway: gw}, "", testLogger()).Handler()

	req := httptest.NewRequest("POST", "/v1/vendor", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), coordinator.ReasonInvalid)
}

func TestHandleVendor_RequesterHeader(t *testing.T) {
	gw := &fakeGateway{resp: coordinator.Response{Success: true}}
	h := NewServer(Deps{Gateway: gw}, "", testLogger()).Handler()

	req := httptest.NewRequest("POST", "/v1/vendor", bytes.NewBufferString(`{"action":"device_list"}`))
	req.Header.Set("X-Requester-ID", "poller-7")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "poller-7", gw.last.RequesterID)
}

func TestHandleVendor_NoGateway(t *testing.T) {
	h := NewServer(Deps{}, "", testLogger()).Handler()
	w := do(t, h, "POST", "/v1/vendor", map[string]any{"action": "device_list"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleVendor_ThroughCoordinator(t *testing.T) {
	mock := vendor.NewMockVendor(3)
	mock.SetConfig(vendor.MockConfig{Latency: time.Millisecond})
	c := coordinator.New(mock, coordinator.Config{MinSpacing: time.Millisecond}, coordinator.Backends{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	h := NewServer(Deps{Gateway: c}, "", testLogger()).Handler()
	body := map[string]any{"action": "device_list"}

	w := do(t, h, "POST", "/v1/vendor", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first coordinator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Success)
	assert.False(t, first.FromCache)

	w = do(t, h, "POST", "/v1/vendor", body)
	var second coordinator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.FromCache)
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, 1, mock.Calls())

	w = do(t, h, "POST", "/v1/vendor", map[string]any{"action": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name    string
		gateway coordinator.Health
		local   engine.HealthStatus
		want    string
	}{
		{"ok", coordinator.Health{}, engine.HealthStatus{IsHealthy: true}, StatusOK},
		{"coordinator circuit", coordinator.Health{CircuitOpen: true}, engine.HealthStatus{IsHealthy: true}, StatusDegraded},
		{"local unhealthy", coordinator.Health{}, engine.HealthStatus{IsHealthy: false}, StatusDegraded},
		{"emergency", coordinator.Health{EmergencyStop: true, CircuitOpen: true}, engine.HealthStatus{}, StatusEmergencyStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Deps{
				Gateway:  &fakeGateway{health: tt.gateway},
				Requests: &fakeRequests{status: tt.local},
				Version:  "v1.2.3",
			}, "", testLogger())
			w := do(t, s.Handler(), "GET", "/v1/health", nil)
			require.Equal(t, http.StatusOK, w.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, "v1.2.3", resp.Version)
			require.NotNil(t, resp.Coordinator)
			require.NotNil(t, resp.Requests)
		})
	}
}

func TestHandleHealth_NoComponents(t *testing.T) {
	w := do(t, NewServer(Deps{}, "", testLogger()).Handler(), "GET", "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "dev", resp.Version)
}

func TestUnifiedMetricsAndSessions(t *testing.T) {
	sessions := &fakeSessions{
		metrics:  engine.UnifiedMetrics{TotalCalls: 10, SuccessfulCalls: 9, SuccessRate: 0.9, RiskLevel: "medium"},
		sessions: []engine.SessionInfo{{ID: "map-1", DeviceIDs: []string{"dev-0001"}}},
	}
	h := NewServer(Deps{Sessions: sessions}, "", testLogger()).Handler()

	w := do(t, h, "GET", "/v1/metrics/unified", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m engine.UnifiedMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, uint64(10), m.TotalCalls)
	assert.Equal(t, "medium", m.RiskLevel)

	w = do(t, h, "GET", "/v1/sessions", nil)
	var infos []engine.SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "map-1", infos[0].ID)

	w = do(t, h, "POST", "/v1/sessions/map-1/poll", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"map-1"}, sessions.polled)

	sessions.pollErr = engine.ErrSessionNotFound
	w = do(t, h, "POST", "/v1/sessions/nope/poll", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	sessions.pollErr = engine.ErrEmergencyStop
	w = do(t, h, "POST", "/v1/sessions/map-1/poll", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnifiedMetrics_NoSessions(t *testing.T) {
	w := do(t, NewServer(Deps{}, "", testLogger()).Handler(), "GET", "/v1/metrics/unified", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"risk_level":"low"`)
}

func TestUserActivity(t *testing.T) {
	sessions := &fakeSessions{}
	h := NewServer(Deps{Sessions: sessions}, "", testLogger()).Handler()

	w := do(t, h, "POST", "/v1/activity", ActivityRequest{UserID: "u1", VehicleIDs: []string{"dev-0002"}, IsViewingRealTime: true})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"dev-0002"}, sessions.viewers["u1"])

	w = do(t, h, "POST", "/v1/activity", ActivityRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "DELETE", "/v1/activity/u1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, sessions.viewers, "u1")
}

func TestEmergencyStopEndpoints(t *testing.T) {
	gw := &fakeGateway{}
	sessions := &fakeSessions{}
	h := NewServer(Deps{Gateway: gw, Sessions: sessions}, "", testLogger()).Handler()

	w := do(t, h, "POST", "/v1/admin/emergency-stop", EmergencyStopRequest{Reason: "vendor complaint", DurationSeconds: 600})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"vendor complaint"}, gw.stops)
	assert.Equal(t, 10*time.Minute, gw.stopDur)
	assert.True(t, sessions.halted)

	w = do(t, h, "POST", "/v1/admin/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "operator", gw.stops[1])
	assert.Zero(t, gw.stopDur)

	w = do(t, h, "POST", "/v1/admin/emergency-stop", EmergencyStopRequest{DurationSeconds: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "DELETE", "/v1/admin/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, gw.clears)
	assert.True(t, sessions.resumed)
}

func newAlertsManager(t *testing.T) *alerts.Manager {
	t.Helper()
	m := alerts.NewManager(nil, nil, testLogger())
	t.Cleanup(m.Close)
	return m
}

func TestRulesCRUD(t *testing.T) {
	m := newAlertsManager(t)
	h := NewServer(Deps{Alerts: m}, "", testLogger()).Handler()

	rule := alerts.Rule{
		Name:      "Speeding",
		Condition: alerts.Condition{Field: "speed", Operator: alerts.OpGreater, Value: 120},
		Severity:  alerts.SeverityWarning,
		Actions:   []alerts.Action{{Type: alerts.ActionWebhook, Target: "http://hooks.local/x", Secret: "k"}},
	}
	w := do(t, h, "POST", "/v1/rules", rule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created alerts.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, "***", created.Actions[0].Secret)

	stored, ok := m.Rule(created.ID)
	require.True(t, ok)
	assert.Equal(t, "k", stored.Actions[0].Secret)

	w = do(t, h, "POST", "/v1/rules", alerts.Rule{Name: "broken"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/v1/rules", created)
	assert.Equal(t, http.StatusConflict, w.Code)

	rule.Severity = alerts.SeverityCritical
	w = do(t, h, "PUT", "/v1/rules/"+created.ID, rule)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, "GET", "/v1/rules", nil)
	var rules []alerts.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, alerts.SeverityCritical, rules[0].Severity)

	w = do(t, h, "PUT", "/v1/rules/missing", rule)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "DELETE", "/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, "DELETE", "/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertEndpoints(t *testing.T) {
	m := newAlertsManager(t)
	_, err := m.AddRule(alerts.Rule{
		ID:        "speeding",
		Name:      "Speeding",
		Condition: alerts.Condition{Field: "speed", Operator: alerts.OpGreater, Value: 100},
		Severity:  alerts.SeverityCritical,
		Enabled:   true,
	})
	require.NoError(t, err)
	m.Evaluate(context.Background(), vendor.Position{DeviceID: "dev-0001", Speed: 130, Timestamp: time.Now()})

	h := NewServer(Deps{Alerts: m}, "", testLogger()).Handler()

	w := do(t, h, "GET", "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active []alerts.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "dev-0001", active[0].VehicleID)

	w = do(t, h, "POST", "/v1/alerts/"+active[0].ID+"/ack", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acked alerts.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acked))
	assert.True(t, acked.Acknowledged)

	w = do(t, h, "POST", "/v1/alerts/nope/ack", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "GET", "/v1/alerts/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []alerts.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 1)

	w = do(t, h, "GET", "/v1/alerts/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "GET", "/v1/alerts/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats alerts.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Acknowledged)
}

func TestAlertEndpoints_NoManager(t *testing.T) {
	h := NewServer(Deps{}, "", testLogger()).Handler()
	w := do(t, h, "GET", "/v1/alerts", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = do(t, h, "POST", "/v1/rules", alerts.Rule{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
