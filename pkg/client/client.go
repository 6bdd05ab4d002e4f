package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// Client is the trackguard SDK client.
type Client struct {
	endpoint    string
	requesterID string
	adminToken  string
	http        *http.Client
}

// NewClient creates a new trackguard client.
// endpoint defaults to "http://127.0.0.1:8095" if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8095"
	}
	return &Client{
		endpoint:    endpoint,
		requesterID: "sdk-" + uuid.NewString()[:8],
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetRequesterID overrides the generated requester id.
func (c *Client) SetRequesterID(id string) {
	if id != "" {
		c.requesterID = id
	}
}

// SetAdminToken sets the bearer token sent on /v1/admin calls.
func (c *Client) SetAdminToken(token string) {
	c.adminToken = token
}

// Vendor sends a request through the Coordinator.
// It is fail-closed: transport and decoding problems come back as an
// unsuccessful response with a reason, never as a success.
func (c *Client) Vendor(ctx context.Context, req VendorRequest) (VendorResponse, error) {
	if req.Action == "" {
		return VendorResponse{}, fmt.Errorf("invalid request: missing action")
	}
	if req.RequesterID == "" {
		req.RequesterID = c.requesterID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return VendorResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/vendor", bytes.NewReader(body))
	if err != nil {
		return failClosed("request_creation_failed"), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return failClosed("context_canceled"), ctx.Err()
		}
		return failClosed("coordinator_unreachable"), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return VendorResponse{}, fmt.Errorf("invalid request: %s", bytes.TrimSpace(msg))
	}

	// 200, 429, 502 and 503 all carry a structured body.
	var out VendorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= 500 {
			return failClosed("upstream_error"), nil
		}
		return failClosed("response_parsing_failed"), nil
	}
	if resp.StatusCode != http.StatusOK {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("unexpected_status_%d", resp.StatusCode)
		}
	}
	return out, nil
}

// Health fetches the daemon health snapshot.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/v1/health", &h)
	return h, err
}

// UnifiedMetrics fetches the polling metrics snapshot.
func (c *Client) UnifiedMetrics(ctx context.Context) (UnifiedMetrics, error) {
	var m UnifiedMetrics
	err := c.getJSON(ctx, "/v1/metrics/unified", &m)
	return m, err
}

// ActiveAlerts lists unresolved alerts.
func (c *Client) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	var alerts []Alert
	err := c.getJSON(ctx, "/v1/alerts", &alerts)
	return alerts, err
}

// AlertHistory lists the most recent alerts, newest first.
func (c *Client) AlertHistory(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var alerts []Alert
	err := c.getJSON(ctx, fmt.Sprintf("/v1/alerts/history?limit=%d", limit), &alerts)
	return alerts, err
}

// AlertStats fetches alert counters.
func (c *Client) AlertStats(ctx context.Context) (AlertStats, error) {
	var s AlertStats
	err := c.getJSON(ctx, "/v1/alerts/stats", &s)
	return s, err
}

// AcknowledgeAlert marks an alert as seen.
func (c *Client) AcknowledgeAlert(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPost, "/v1/alerts/"+url.PathEscape(id)+"/ack", nil)
}

// ExportAlerts downloads persisted alert history.
func (c *Client) ExportAlerts(ctx context.Context, opts ExportOptions) ([]byte, error) {
	q := url.Values{}
	for k, v := range map[string]string{"type": opts.Type, "format": opts.Format, "vehicle_id": opts.VehicleID, "rule_id": opts.RuleID} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if opts.Since > 0 {
		q.Set("since", opts.Since.String())
	}
	path := "/v1/alerts/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// Rules lists the configured alert rules.
func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	err := c.getJSON(ctx, "/v1/rules", &rules)
	return rules, err
}

// Sessions lists the daemon's polling sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := c.getJSON(ctx, "/v1/sessions", &sessions)
	return sessions, err
}

// RegisterSession starts a polling session on the daemon. A zero interval
// registers an adaptive session.
func (c *Client) RegisterSession(ctx context.Context, req SessionRequest) (Session, error) {
	var out Session
	err := c.sendJSON(ctx, http.MethodPost, "/v1/sessions", req, &out)
	return out, err
}

// UpdateSession changes a session's devices, interval or priority.
func (c *Client) UpdateSession(ctx context.Context, id string, patch SessionPatch) (Session, error) {
	var out Session
	err := c.sendJSON(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(id), patch, &out)
	return out, err
}

// ForcePoll asks a session for one immediate poll.
func (c *Client) ForcePoll(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/poll", nil)
}

// UnregisterSession stops a session. Unknown ids are not an error.
func (c *Client) UnregisterSession(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil)
}

// PauseRequests force-opens the daemon's RequestManager circuit.
func (c *Client) PauseRequests(ctx context.Context) (RequestHealth, error) {
	var out RequestHealth
	err := c.sendJSON(ctx, http.MethodPost, "/v1/admin/requests/pause", nil, &out)
	return out, err
}

// ResumeRequests closes the RequestManager circuit and clears failures.
func (c *Client) ResumeRequests(ctx context.Context) (RequestHealth, error) {
	var out RequestHealth
	err := c.sendJSON(ctx, http.MethodPost, "/v1/admin/requests/resume", nil, &out)
	return out, err
}

// RateLimit fetches the RequestManager limiter.
func (c *Client) RateLimit(ctx context.Context) (RateLimit, error) {
	var out RateLimit
	err := c.sendJSON(ctx, http.MethodGet, "/v1/admin/rate-limit", nil, &out)
	return out, err
}

// AdjustRateLimit merges patch into the RequestManager limiter and returns
// the result.
func (c *Client) AdjustRateLimit(ctx context.Context, patch RateLimitPatch) (RateLimit, error) {
	var out RateLimit
	err := c.sendJSON(ctx, http.MethodPatch, "/v1/admin/rate-limit", patch, &out)
	return out, err
}

// EmergencyStop declares a system-wide halt. A zero duration uses the
// daemon's configured cooldown.
func (c *Client) EmergencyStop(ctx context.Context, reason string, d time.Duration) error {
	return c.send(ctx, http.MethodPost, "/v1/admin/emergency-stop", EmergencyStopRequest{
		Reason:          reason,
		DurationSeconds: int(d / time.Second),
	})
}

// ClearEmergencyStop lifts a halt.
func (c *Client) ClearEmergencyStop(ctx context.Context) error {
	return c.send(ctx, http.MethodDelete, "/v1/admin/emergency-stop", nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) send(ctx context.Context, method, path string, in any) error {
	return c.sendJSON(ctx, method, path, in, nil)
}

// sendJSON performs a request and decodes a 2xx body into out when out is
// not nil.
func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" && strings.HasPrefix(path, "/v1/admin/") {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// failClosed returns an unsuccessful response with a specific reason.
func failClosed(reason string) VendorResponse {
	return VendorResponse{
		Success: false,
		Error:   reason,
	}
}

// Caller returns a vendor.Caller that routes every call through the
// Coordinator at the given priority, unless the request carries its own.
// Coordinator rejections surface as the
// vendor error taxonomy so a RequestManager can react to them: lockouts as
// *vendor.EmergencyStopError, limiter rejections as *vendor.LimitedError.
func (c *Client) Caller(priority string) vendor.Caller {
	return vendor.CallerFunc(func(ctx context.Context, req vendor.Request) (vendor.Result, error) {
		p := priority
		if req.Priority != "" {
			p = string(req.Priority)
		}
		resp, err := c.Vendor(ctx, VendorRequest{
			Action:   string(req.Action),
			Params:   req.Params,
			Priority: p,
		})
		if err != nil {
			if ctx.Err() != nil {
				return vendor.Result{}, &vendor.TransientError{Op: string(req.Action), Err: err}
			}
			return vendor.Result{}, &vendor.ValidationError{Field: "request", Reason: err.Error()}
		}
		return toResult(string(req.Action), resp, time.Now())
	})
}

func toResult(op string, resp VendorResponse, now time.Time) (vendor.Result, error) {
	cooldown := time.Duration(resp.CooldownRemainingMs) * time.Millisecond
	switch {
	case resp.Success:
		return vendor.Result{Kind: vendor.ResultSuccess, Data: resp.Data}, nil
	case resp.EmergencyStop:
		return vendor.Result{}, &vendor.EmergencyStopError{Until: now.Add(cooldown), Reason: resp.Error}
	case resp.Error == "circuit_open":
		return vendor.Result{}, &vendor.CircuitOpenError{ResetAt: now.Add(cooldown)}
	case resp.ShouldWait:
		return vendor.Result{}, &vendor.LimitedError{WaitTime: time.Duration(resp.WaitTimeMs) * time.Millisecond, Reason: resp.Error}
	case resp.VendorStatus == vendor.StatusRateLimited:
		return vendor.Result{Kind: vendor.ResultRateLimited, Status: resp.VendorStatus, Message: resp.Error}, nil
	case resp.VendorStatus != 0:
		return vendor.Result{Kind: vendor.ResultError, Status: resp.VendorStatus, Message: resp.Error}, nil
	default:
		return vendor.Result{}, &vendor.TransientError{Op: op, Err: fmt.Errorf("coordinator: %s", resp.Error)}
	}
}

// PositionFetcher returns a poll function for a SessionFacade whose vendor
// calls go through the remote Coordinator.
func (c *Client) PositionFetcher(priority string) engine.PollFunc {
	return engine.NewVendorPollFunc(c.Caller(priority))
}
