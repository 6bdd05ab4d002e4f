package reports

import (
	"fmt"
)

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, format ReportFormat, s ReportStore) (Generator, error) {
	switch reportType {
	case "", ReportTypeAlerts:
		return NewAlertReport(s, format), nil
	case ReportTypeSummary:
		return NewSummaryReport(s, format), nil
	default:
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}
}
