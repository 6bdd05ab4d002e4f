package store

import (
	"context"
	"encoding/json"
	"time"
)

// Lease represents a named, expiring claim such as the global vendor call slot.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"`
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns error if the lease is lost or stolen.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state, or nil when nobody holds it.
	Get(ctx context.Context, name string) (*Lease, error)
}

// EmergencyState is the persisted system-wide halt. A zero Until means no
// stop has been recorded.
type EmergencyState struct {
	Reason    string    `json:"reason"`
	Until     time.Time `json:"until"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveAt reports whether the stop is still in force at t.
func (e EmergencyState) ActiveAt(t time.Time) bool {
	return !e.Until.IsZero() && t.Before(e.Until)
}

// CacheEntry is a cached vendor response.
type CacheEntry struct {
	Data      json.RawMessage `json:"data" msgpack:"data"`
	StoredAt  time.Time       `json:"stored_at" msgpack:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at" msgpack:"expires_at"`
}

// ValidAt reports whether the entry may be served at t.
func (e CacheEntry) ValidAt(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// AlertRecord is the persisted form of an alert.
type AlertRecord struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	VehicleID      string     `json:"vehicle_id"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// AlertFilter narrows alert history queries. From is inclusive, To exclusive.
type AlertFilter struct {
	VehicleID string
	RuleID    string
	From      time.Time
	To        time.Time
	Limit     int
	// OldestFirst reverses the default newest-first order.
	OldestFirst bool
}

// Key names used in the system_state table and by the Redis stores.
const (
	KeyEmergencyStop = "emergency_stop"
	LeaseVendorSlot  = "vendor-call-slot"
)
