package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/trackguard/pkg/client"
)

const (
	fetchTimeout   = 800 * time.Millisecond
	viewportHeight = 15
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(18)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	alertTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	vehicleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Width(12)
	criticalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).Width(10)
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Width(10)
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(10)
)

// dashboardSource is the slice of the client the dashboard reads.
type dashboardSource interface {
	Health(ctx context.Context) (client.Health, error)
	UnifiedMetrics(ctx context.Context) (client.UnifiedMetrics, error)
	ActiveAlerts(ctx context.Context) ([]client.Alert, error)
}

type tickMsg time.Time

type dataMsg struct {
	health  client.Health
	metrics client.UnifiedMetrics
	alerts  []client.Alert
	err     error
}

type model struct {
	src      dashboardSource
	interval time.Duration

	spinner  spinner.Model
	viewport viewport.Model
	health   client.Health
	metrics  client.UnifiedMetrics
	alerts   []client.Alert
	err      error
	ready    bool
}

func initialModel(src dashboardSource, interval time.Duration) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		src:      src,
		interval: interval,
		spinner:  s,
		viewport: newViewport(100),
	}
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.src),
		tick(m.interval),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchData(m.src)
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.src), tick(m.interval))

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.metrics = msg.metrics
			m.alerts = msg.alerts
			m.viewport.SetContent(renderAlerts(m.alerts))
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	topPane := paneStyle.Render(renderGateway(m.health, m.metrics))
	header := headerStyle.Render(fmt.Sprintf("%s Active Alerts", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Alerts • %d Sessions", len(m.alerts), m.metrics.ActiveSessions))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nr refresh • q quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, m.viewport.View(), footer)
}

func renderGateway(h client.Health, um client.UnifiedMetrics) string {
	var sb strings.Builder
	c := h.Coordinator

	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(label) + value + "\n")
	}

	switch h.Status {
	case "ok":
		row("Gateway", okStyle.Render("OK"))
	case "emergency_stop":
		row("Gateway", errorStyle.Render(fmt.Sprintf("EMERGENCY STOP (%s, %s left)",
			c.EmergencyReason, (time.Duration(c.CooldownRemainingMs)*time.Millisecond).Round(time.Second))))
	default:
		row("Gateway", warnStyle.Render(strings.ToUpper(h.Status)))
	}

	circuit := okStyle.Render("closed")
	if c.CircuitOpen {
		circuit = errorStyle.Render("open")
	}
	row("Circuit", circuit)
	row("Queue", fmt.Sprintf("%d waiting", c.QueueLength))
	row("Vendor calls", fmt.Sprintf("%d (cache hits %d, rate limited %d)", c.VendorCalls, c.CacheHits, c.RateLimitHits))
	row("Sessions", fmt.Sprintf("%d polling %d vehicles, %d live viewers", um.ActiveSessions, um.ActiveVehicles, um.LiveViewers))
	row("Success rate", fmt.Sprintf("%.1f%% over %d calls", um.SuccessRate*100, um.TotalCalls))

	risk := um.RiskLevel
	switch risk {
	case "high", "critical":
		risk = errorStyle.Render(risk)
	case "medium":
		risk = warnStyle.Render(risk)
	default:
		risk = okStyle.Render(risk)
	}
	row("Risk", risk)
	return strings.TrimRight(sb.String(), "\n")
}

func renderAlerts(list []client.Alert) string {
	if len(list) == 0 {
		return subtleStyle.Render("No active alerts.")
	}
	var sb strings.Builder
	for _, a := range list {
		var sev string
		switch a.Severity {
		case "critical":
			sev = criticalStyle.Render(a.Severity)
		case "warning":
			sev = warningStyle.Render(a.Severity)
		default:
			sev = infoStyle.Render(a.Severity)
		}
		ack := ""
		if a.Acknowledged {
			ack = subtleStyle.Render(" (acked)")
		}
		fmt.Fprintf(&sb, "%s %s %s %s%s\n",
			alertTimeStyle.Render(a.Timestamp.Format("15:04:05")),
			sev,
			vehicleStyle.Render(a.VehicleID),
			a.Message,
			ack,
		)
	}
	return sb.String()
}

// Commands

func fetchData(src dashboardSource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		health, err := src.Health(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		metrics, err := src.UnifiedMetrics(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		alerts, err := src.ActiveAlerts(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{health: health, metrics: metrics, alerts: alerts}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
