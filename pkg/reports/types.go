package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rmax-ai/trackguard/pkg/store"
)

type ReportType string

const (
	ReportTypeAlerts  ReportType = "alerts"
	ReportTypeSummary ReportType = "summary"
)

type ReportFormat string

const (
	ReportFormatCSV  ReportFormat = "csv"
	ReportFormatJSON ReportFormat = "json"
)

// ParseFormat accepts "" as csv.
func ParseFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case "", ReportFormatCSV:
		return ReportFormatCSV, nil
	case ReportFormatJSON:
		return ReportFormatJSON, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// ContentType is the HTTP content type of the format.
func (f ReportFormat) ContentType() string {
	if f == ReportFormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// ReportParams bound the alerts a report covers. Zero times are open ended.
type ReportParams struct {
	Start     time.Time
	End       time.Time
	VehicleID string
	RuleID    string
}

func (p ReportParams) filter() store.AlertFilter {
	return store.AlertFilter{
		VehicleID:   p.VehicleID,
		RuleID:      p.RuleID,
		From:        p.Start,
		To:          p.End,
		OldestFirst: true,
	}
}

// ReportStore defines the data access required by reports.
type ReportStore interface {
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.AlertRecord, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
