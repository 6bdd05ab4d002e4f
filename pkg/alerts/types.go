// Package alerts evaluates condition rules against the position stream and
// runs the configured actions when a rule fires.
package alerts

import (
	"fmt"
	"math"
	"time"

	"github.com/rmax-ai/trackguard/pkg/store"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// Operator compares a field value with a rule threshold.
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "neq"
)

// Apply reports whether v satisfies the operator against threshold.
func (o Operator) Apply(v, threshold float64) bool {
	switch o {
	case OpGreater:
		return v > threshold
	case OpGreaterEqual:
		return v >= threshold
	case OpLess:
		return v < threshold
	case OpLessEqual:
		return v <= threshold
	case OpEqual:
		return math.Abs(v-threshold) < 1e-9
	case OpNotEqual:
		return math.Abs(v-threshold) >= 1e-9
	}
	return false
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Condition is the test a rule applies to each position.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    float64  `json:"value" yaml:"value"`
	// DurationSeconds is how long the condition must hold before firing.
	DurationSeconds int `json:"duration" yaml:"duration"`
}

// Duration returns the debounce window.
func (c Condition) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// ActionType names an alert action.
type ActionType string

const (
	ActionNotification ActionType = "notification"
	ActionLog          ActionType = "log"
	ActionEmail        ActionType = "email"
	ActionWebhook      ActionType = "webhook"
)

// Action is one side effect of a fired alert. Target is the address for
// email and the URL for webhooks; Secret signs webhook bodies.
type Action struct {
	Type   ActionType `json:"type" yaml:"type"`
	Target string     `json:"target,omitempty" yaml:"target,omitempty"`
	Secret string     `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// Rule is an alert definition.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Condition   Condition `json:"condition" yaml:"condition"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	// ThrottleSeconds suppresses repeat fires for one vehicle.
	ThrottleSeconds int      `json:"throttle" yaml:"throttle"`
	Actions         []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	// VehicleIDs scopes the rule; empty means every vehicle.
	VehicleIDs []string `json:"vehicle_ids,omitempty" yaml:"vehicle_ids,omitempty"`
}

// Throttle returns the repeat suppression window.
func (r Rule) Throttle() time.Duration {
	return time.Duration(r.ThrottleSeconds) * time.Second
}

// Validate checks the rule shape.
func (r Rule) Validate() error {
	if r.Name == "" {
		return &vendor.ValidationError{Field: "name", Reason: "required"}
	}
	if r.Condition.Field == "" {
		return &vendor.ValidationError{Field: "condition.field", Reason: "required"}
	}
	switch r.Condition.Operator {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
	default:
		return &vendor.ValidationError{Field: "condition.operator", Reason: fmt.Sprintf("unknown operator %q", r.Condition.Operator)}
	}
	if r.Condition.DurationSeconds < 0 || r.ThrottleSeconds < 0 {
		return &vendor.ValidationError{Field: "condition.duration", Reason: "must not be negative"}
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return &vendor.ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionNotification, ActionLog:
		case ActionEmail, ActionWebhook:
			if a.Target == "" {
				return &vendor.ValidationError{Field: "actions.target", Reason: fmt.Sprintf("required for %s", a.Type)}
			}
		default:
			return &vendor.ValidationError{Field: "actions.type", Reason: fmt.Sprintf("unknown action %q", a.Type)}
		}
	}
	return nil
}

func (r Rule) appliesTo(vehicleID string) bool {
	if len(r.VehicleIDs) == 0 {
		return true
	}
	for _, id := range r.VehicleIDs {
		if id == vehicleID {
			return true
		}
	}
	return false
}

// FieldValue reads a numeric field from a position. Besides the fixed
// fields, any key of Position.Extra can be referenced.
func FieldValue(p vendor.Position, field string, now time.Time) (float64, bool) {
	switch field {
	case "speed":
		return p.Speed, true
	case "course":
		return p.Course, true
	case "lat", "latitude":
		return p.Latitude, true
	case "lng", "longitude":
		return p.Longitude, true
	case "fix_age", "offline_seconds":
		if p.Timestamp.IsZero() {
			return 0, false
		}
		return now.Sub(p.Timestamp).Seconds(), true
	}
	v, ok := p.Extra[field]
	return v, ok
}

// Alert is a fired rule for one vehicle.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	VehicleID      string     `json:"vehicle_id"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func (a Alert) record() store.AlertRecord {
	return store.AlertRecord{
		ID:             a.ID,
		RuleID:         a.RuleID,
		RuleName:       a.RuleName,
		VehicleID:      a.VehicleID,
		Severity:       string(a.Severity),
		Message:        a.Message,
		Value:          a.Value,
		Timestamp:      a.Timestamp,
		Acknowledged:   a.Acknowledged,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}

func fromRecord(r store.AlertRecord) Alert {
	return Alert{
		ID:             r.ID,
		RuleID:         r.RuleID,
		RuleName:       r.RuleName,
		VehicleID:      r.VehicleID,
		Severity:       Severity(r.Severity),
		Message:        r.Message,
		Value:          r.Value,
		Timestamp:      r.Timestamp,
		Acknowledged:   r.Acknowledged,
		AcknowledgedAt: r.AcknowledgedAt,
		ResolvedAt:     r.ResolvedAt,
	}
}

// EventType tags an alert lifecycle event.
type EventType string

const (
	EventFired        EventType = "fired"
	EventResolved     EventType = "resolved"
	EventAcknowledged EventType = "acknowledged"
)

// Event is published for every alert transition.
type Event struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
}

// Stats summarises current and recent alerts.
type Stats struct {
	Active       int              `json:"active"`
	Acknowledged int              `json:"acknowledged"`
	Total        int              `json:"total"`
	Last24h      int              `json:"last_24h"`
	BySeverity   map[Severity]int `json:"by_severity"`
	ByRule       map[string]int   `json:"by_rule"`
}
