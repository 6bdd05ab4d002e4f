package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/trackguard/pkg/client"
)

// Server adapts trackguard-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcpServer: server.NewMCPServer("trackguard", version),
		apiClient: client.NewClient(apiURL),
	}
	s.apiClient.SetRequesterID("mcp-agent")
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// SetAdminToken authorizes the emergency stop tools.
func (s *Server) SetAdminToken(token string) {
	s.apiClient.SetAdminToken(token)
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"trackguard://health",
		"Coordinator Health",
		mcp.WithResourceDescription("Queue depth, circuit state, emergency stop and cache counters"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadHealth)

	s.mcpServer.AddResource(mcp.NewResource(
		"trackguard://alerts",
		"Active Alerts",
		mcp.WithResourceDescription("Alerts currently firing, newest first"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadAlerts)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"unified_metrics",
		mcp.WithDescription("Polling totals, success rate, latency and the derived risk level."),
	), s.handleUnifiedMetrics)

	s.mcpServer.AddTool(mcp.NewTool(
		"vendor_request",
		mcp.WithDescription("Send one request to the tracking vendor through the Coordinator. Respect should_wait and emergency_stop in the answer."),
		mcp.WithString("action", mcp.Required(), mcp.Description("Vendor action: device_list, last_position or history_tracks")),
		mcp.WithString("device_ids", mcp.Description("Comma separated device ids")),
		mcp.WithString("priority", mcp.Description("high, medium or low (default medium)")),
	), s.handleVendorRequest)

	s.mcpServer.AddTool(mcp.NewTool(
		"acknowledge_alert",
		mcp.WithDescription("Acknowledge an active alert by id."),
		mcp.WithString("alert_id", mcp.Required(), mcp.Description("The alert id")),
	), s.handleAcknowledge)

	s.mcpServer.AddTool(mcp.NewTool(
		"emergency_stop",
		mcp.WithDescription("Halt all vendor traffic and polling. Use only when the vendor is rejecting calls."),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why traffic is being halted")),
		mcp.WithNumber("duration_seconds", mcp.Description("Lockout length (default: Coordinator cooldown)")),
	), s.handleEmergencyStop)

	s.mcpServer.AddTool(mcp.NewTool(
		"clear_emergency_stop",
		mcp.WithDescription("Lift an emergency stop and resume polling."),
	), s.handleClearEmergencyStop)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"trackguard-aware",
		mcp.WithPromptDescription("Explains how trackguard protects the tracking vendor"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadHealth(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	h, err := s.apiClient.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch health: %w", err)
	}
	return jsonResource(request.Params.URI, h)
}

func (s *Server) handleReadAlerts(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	alerts, err := s.apiClient.ActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}
	return jsonResource(request.Params.URI, alerts)
}

func (s *Server) handleUnifiedMetrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.apiClient.UnifiedMetrics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Risk: %s\nCalls: %d (%.1f%% success)\nAverage latency: %.0fms\nSessions: %d, vehicles: %d, live viewers: %d\nCircuit open: %t, emergency stopped: %t",
		m.RiskLevel, m.TotalCalls, m.SuccessRate*100, m.AverageLatencyMs,
		m.ActiveSessions, m.ActiveVehicles, m.LiveViewers, m.CircuitOpen, m.EmergencyStopped,
	)), nil
}

func (s *Server) handleVendorRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := client.VendorRequest{
		Action:   mcp.ParseString(request, "action", ""),
		Priority: mcp.ParseString(request, "priority", ""),
	}
	if ids := splitIDs(mcp.ParseString(request, "device_ids", "")); len(ids) > 0 {
		req.Params = map[string]any{"device_ids": ids}
	}

	resp, err := s.apiClient.Vendor(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	switch {
	case resp.Success:
		return mcp.NewToolResultText(string(resp.Data)), nil
	case resp.EmergencyStop:
		return mcp.NewToolResultError(fmt.Sprintf("Emergency stop active; retry in %s", time.Duration(resp.CooldownRemainingMs)*time.Millisecond)), nil
	case resp.ShouldWait:
		return mcp.NewToolResultError(fmt.Sprintf("Rate limited; wait %dms before retrying", resp.WaitTimeMs)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Request failed: %s", resp.Error)), nil
	}
}

func (s *Server) handleAcknowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "alert_id", "")
	if err := s.apiClient.AcknowledgeAlert(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText("Acknowledged " + id), nil
}

func (s *Server) handleEmergencyStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := mcp.ParseString(request, "reason", "")
	d := time.Duration(mcp.ParseInt(request, "duration_seconds", 0)) * time.Second
	if err := s.apiClient.EmergencyStop(ctx, reason, d); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText("Emergency stop declared: " + reason), nil
}

func (s *Server) handleClearEmergencyStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.apiClient.ClearEmergencyStop(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText("Emergency stop cleared"), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "trackguard-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with trackguard, which protects a GPS tracking vendor API from overload.

Concepts:
- Coordinator: the single gateway to the vendor. It spaces calls, caches answers and queues by priority.
- Vendor lockout: status 8902 from the vendor. All traffic stops for the cooldown (30 minutes by default).
- Emergency stop: an operator or system halt. Requests fail fast until it ends.
- Alerts: rules on vehicle speed, course or fix age that fire after a condition holds for a duration.

Use the 'vendor_request' tool instead of calling the vendor directly.
If a response says to wait or reports an emergency stop, respect it and do not retry early.
`

	return mcp.NewGetPromptResult(
		"trackguard-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
