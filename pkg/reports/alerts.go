package reports

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rmax-ai/trackguard/pkg/store"
)

// AlertReport lists every alert in the window, oldest first.
type AlertReport struct {
	store  ReportStore
	format ReportFormat
}

// NewAlertReport creates a new AlertReport generator.
func NewAlertReport(s ReportStore, format ReportFormat) *AlertReport {
	return &AlertReport{store: s, format: format}
}

// Generate creates the report body.
func (r *AlertReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	records, err := r.store.ListAlerts(ctx, params.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	if r.format == ReportFormatJSON {
		if records == nil {
			records = []store.AlertRecord{}
		}
		return writeJSON(records)
	}

	header := []string{"timestamp", "alert_id", "rule_id", "rule_name", "vehicle_id", "severity", "value", "message", "acknowledged_at", "resolved_at"}
	rows := make([][]string, 0, len(records))
	for _, a := range records {
		rows = append(rows, []string{
			a.Timestamp.UTC().Format(time.RFC3339),
			a.ID,
			a.RuleID,
			a.RuleName,
			a.VehicleID,
			a.Severity,
			strconv.FormatFloat(a.Value, 'f', -1, 64),
			a.Message,
			formatOptional(a.AcknowledgedAt),
			formatOptional(a.ResolvedAt),
		})
	}
	return writeCSV(header, rows)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
