package reports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/rmax-ai/trackguard/pkg/store"
)

type mockReportStore struct {
	alerts []store.AlertRecord
	last   store.AlertFilter
}

func (m *mockReportStore) ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.AlertRecord, error) {
	m.last = f
	var results []store.AlertRecord
	for _, a := range m.alerts {
		if !f.From.IsZero() && a.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.Timestamp.Before(f.To) {
			continue
		}
		if f.VehicleID != "" && a.VehicleID != f.VehicleID {
			continue
		}
		results = append(results, a)
	}
	return results, nil
}

func fixture(now time.Time) *mockReportStore {
	ack := now.Add(time.Minute)
	return &mockReportStore{alerts: []store.AlertRecord{
		{ID: "a1", RuleID: "overspeed", RuleName: "Overspeed", VehicleID: "dev-0002", Severity: "critical", Value: 131.5, Message: "speed, high", Timestamp: now.Add(-3 * time.Hour)},
		{ID: "a2", RuleID: "overspeed", RuleName: "Overspeed", VehicleID: "dev-0002", Severity: "warning", Value: 110, Timestamp: now.Add(-time.Hour), Acknowledged: true, AcknowledgedAt: &ack},
		{ID: "a3", RuleID: "idle", RuleName: "Idle", VehicleID: "dev-0001", Severity: "info", Timestamp: now.Add(-30 * time.Minute)},
		{ID: "a4", RuleID: "idle", RuleName: "Idle", VehicleID: "dev-0001", Severity: "info", Timestamp: now.Add(-48 * time.Hour)},
	}}
}

func TestAlertReport_CSV(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := fixture(now)
	r := NewAlertReport(s, ReportFormatCSV)

	reader, err := r.Generate(context.Background(), ReportParams{Start: now.Add(-24 * time.Hour), End: now})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	records, err := csv.NewReader(reader).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}

	if len(records) != 4 { // header + 3 rows
		t.Fatalf("Expected 4 records, got %d", len(records))
	}
	if !s.last.OldestFirst {
		t.Error("expected oldest-first query")
	}
	if records[1][1] != "a1" || records[1][6] != "131.5" || records[1][7] != "speed, high" {
		t.Errorf("unexpected first row %v", records[1])
	}
	if records[2][8] == "" || records[2][9] != "" {
		t.Errorf("expected acknowledged_at only, got %v", records[2])
	}
}

func TestAlertReport_JSONEmpty(t *testing.T) {
	r := NewAlertReport(&mockReportStore{}, ReportFormatJSON)
	reader, err := r.Generate(context.Background(), ReportParams{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	var out []store.AlertRecord
	if err := json.NewDecoder(reader).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("expected empty array, got %v", out)
	}
}

func TestSummaryReport(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	r := NewSummaryReport(fixture(now), ReportFormatCSV)

	rows, err := r.Summarize(context.Background(), ReportParams{})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
	idle, speed := rows[0], rows[1]
	if idle.VehicleID != "dev-0001" || idle.Count != 2 || !idle.FirstSeen.Equal(now.Add(-48*time.Hour)) {
		t.Errorf("unexpected idle row %+v", idle)
	}
	if speed.Count != 2 || speed.Critical != 1 || speed.Acknowledged != 1 {
		t.Errorf("unexpected overspeed row %+v", speed)
	}

	reader, err := r.Generate(context.Background(), ReportParams{VehicleID: "dev-0002"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	records, _ := csv.NewReader(reader).ReadAll()
	if len(records) != 2 || records[1][2] != "2" {
		t.Errorf("unexpected csv %v", records)
	}
}

func TestNewReportGenerator(t *testing.T) {
	s := &mockReportStore{}
	if g, err := NewReportGenerator("", ReportFormatCSV, s); err != nil {
		t.Errorf("default type: %v", err)
	} else if _, ok := g.(*AlertReport); !ok {
		t.Errorf("expected AlertReport, got %T", g)
	}
	if _, err := NewReportGenerator(ReportTypeSummary, ReportFormatJSON, s); err != nil {
		t.Errorf("summary: %v", err)
	}
	if _, err := NewReportGenerator("usage", ReportFormatCSV, s); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
