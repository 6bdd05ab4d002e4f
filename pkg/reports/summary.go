package reports

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// SummaryRow aggregates the alerts of one vehicle under one rule.
type SummaryRow struct {
	VehicleID    string    `json:"vehicle_id"`
	RuleID       string    `json:"rule_id"`
	Count        int       `json:"count"`
	Critical     int       `json:"critical"`
	Acknowledged int       `json:"acknowledged"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// SummaryReport counts alerts per vehicle and rule.
type SummaryReport struct {
	store  ReportStore
	format ReportFormat
}

// NewSummaryReport creates a new SummaryReport generator.
func NewSummaryReport(s ReportStore, format ReportFormat) *SummaryReport {
	return &SummaryReport{store: s, format: format}
}

// Summarize returns the rows sorted by vehicle then rule.
func (r *SummaryReport) Summarize(ctx context.Context, params ReportParams) ([]SummaryRow, error) {
	records, err := r.store.ListAlerts(ctx, params.filter())
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	type key struct{ vehicle, rule string }
	byKey := make(map[key]*SummaryRow)
	for _, a := range records {
		k := key{a.VehicleID, a.RuleID}
		row, ok := byKey[k]
		if !ok {
			row = &SummaryRow{VehicleID: a.VehicleID, RuleID: a.RuleID, FirstSeen: a.Timestamp, LastSeen: a.Timestamp}
			byKey[k] = row
		}
		row.Count++
		if a.Severity == "critical" {
			row.Critical++
		}
		if a.Acknowledged {
			row.Acknowledged++
		}
		if a.Timestamp.Before(row.FirstSeen) {
			row.FirstSeen = a.Timestamp
		}
		if a.Timestamp.After(row.LastSeen) {
			row.LastSeen = a.Timestamp
		}
	}

	out := make([]SummaryRow, 0, len(byKey))
	for _, row := range byKey {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VehicleID != out[j].VehicleID {
			return out[i].VehicleID < out[j].VehicleID
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

// Generate creates the report body.
func (r *SummaryReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	rows, err := r.Summarize(ctx, params)
	if err != nil {
		return nil, err
	}
	if r.format == ReportFormatJSON {
		return writeJSON(rows)
	}

	header := []string{"vehicle_id", "rule_id", "count", "critical", "acknowledged", "first_seen", "last_seen"}
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, []string{
			row.VehicleID,
			row.RuleID,
			strconv.Itoa(row.Count),
			strconv.Itoa(row.Critical),
			strconv.Itoa(row.Acknowledged),
			row.FirstSeen.UTC().Format(time.RFC3339),
			row.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return writeCSV(header, records)
}
