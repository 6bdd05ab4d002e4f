package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/trackguard/pkg/client"
)

type fakeSource struct {
	health client.Health
	alerts []client.Alert
	err    error
}

func (f *fakeSource) Health(context.Context) (client.Health, error) { return f.health, f.err }

func (f *fakeSource) UnifiedMetrics(context.Context) (client.UnifiedMetrics, error) {
	return client.UnifiedMetrics{ActiveSessions: 2, RiskLevel: "low"}, f.err
}

func (f *fakeSource) ActiveAlerts(context.Context) ([]client.Alert, error) { return f.alerts, f.err }

func TestFetchData(t *testing.T) {
	src := &fakeSource{
		health: client.Health{Status: "ok"},
		alerts: []client.Alert{{ID: "a1", VehicleID: "dev-0001", Severity: "critical", Message: "speed 130", Timestamp: time.Now()}},
	}
	msg := fetchData(src)()
	data, ok := msg.(dataMsg)
	require.True(t, ok)
	require.NoError(t, data.err)
	assert.Len(t, data.alerts, 1)
	assert.Equal(t, 2, data.metrics.ActiveSessions)
}

func TestUpdate_Data(t *testing.T) {
	m := initialModel(&fakeSource{}, time.Second)
	assert.Contains(t, m.View(), "Connecting")

	next, _ := m.Update(dataMsg{
		health: client.Health{Status: "emergency_stop", Coordinator: client.CoordinatorHealth{
			EmergencyStop: true, EmergencyReason: "vendor_8902", CooldownRemainingMs: 90_000,
		}},
		metrics: client.UnifiedMetrics{ActiveSessions: 3, RiskLevel: "critical"},
		alerts:  []client.Alert{{ID: "a1", VehicleID: "dev-0007", Severity: "warning", Message: "idle too long"}},
	})
	view := next.View()
	assert.Contains(t, view, "EMERGENCY STOP")
	assert.Contains(t, view, "vendor_8902")
	assert.Contains(t, view, "dev-0007")
	assert.Contains(t, view, "1 Alerts")
}

func TestUpdate_ErrorKeepsLastData(t *testing.T) {
	m := initialModel(&fakeSource{}, time.Second)
	next, _ := m.Update(dataMsg{health: client.Health{Status: "ok"}, metrics: client.UnifiedMetrics{ActiveSessions: 4}})
	next, _ = next.Update(dataMsg{err: errors.New("connection refused")})

	view := next.View()
	assert.Contains(t, view, "Offline: connection refused")
	assert.Contains(t, view, "4 polling")
}

func TestUpdate_Quit(t *testing.T) {
	m := initialModel(&fakeSource{}, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRenderAlerts_Empty(t *testing.T) {
	assert.Contains(t, renderAlerts(nil), "No active alerts")
}
