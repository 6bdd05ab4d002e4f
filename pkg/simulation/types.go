package simulation

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "30s" style strings in both
// YAML and JSON scenario files.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Result captures the final state of the simulation for reporting
type Result struct {
	ScenarioName string            `json:"scenario_name"`
	Seed         int64             `json:"seed"`
	Duration     Duration          `json:"duration"`
	Totals       Stats             `json:"totals"`
	Requesters   map[string]*Stats `json:"requesters"`
	Disruptions  int               `json:"disruptions"`
	Invariants   []InvariantResult `json:"invariants"`
	Success      bool              `json:"success"`
}

// Stats counts outcomes. Fields are updated atomically while running.
type Stats struct {
	Requests    uint64 `json:"requests"`
	Successes   uint64 `json:"successes"`
	CacheHits   uint64 `json:"cache_hits"`
	RateLimited uint64 `json:"rate_limited"`
	Emergency   uint64 `json:"emergency"`
	Errors      uint64 `json:"errors"`
}

type InvariantResult struct {
	Metric   string `json:"metric"`
	Scope    string `json:"scope"`
	Expected string `json:"expected"` // e.g. "> 0.95"
	Actual   string `json:"actual"`   // e.g. "0.98"
	Passed   bool   `json:"passed"`
}

// Scenario describes a load run against a Coordinator endpoint.
type Scenario struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Duration    Duration          `json:"duration" yaml:"duration"`
	Seed        int64             `json:"seed" yaml:"seed"` // Deterministic seed
	Requesters  []RequesterConfig `json:"requesters" yaml:"requesters"`
	Disruptions []Disruption      `json:"disruptions,omitempty" yaml:"disruptions,omitempty"`
	Invariants  []Invariant       `json:"invariants,omitempty" yaml:"invariants,omitempty"`
}

// Invariant metrics: success_rate, cache_hit_rate, error_rate,
// rate_limited_rate, emergency_rate.
type Invariant struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Condition string  `json:"condition" yaml:"condition"` // e.g., ">", "<", ">=", "<="
	Value     float64 `json:"value" yaml:"value"`
	Scope     string  `json:"scope" yaml:"scope"` // "global" or a requester group name
}

// RequesterConfig is a group of identical requesters.
type RequesterConfig struct {
	Name     string       `json:"name" yaml:"name"`
	Count    int          `json:"count" yaml:"count"`
	Priority string       `json:"priority" yaml:"priority"` // high, medium, low
	Behavior BehaviorType `json:"behavior" yaml:"behavior"`
	Rate     int          `json:"rate" yaml:"rate"` // Requests per second
	Burst    int          `json:"burst" yaml:"burst"`
	Jitter   Duration     `json:"jitter" yaml:"jitter"`
	// Actions are picked uniformly per request (default last_position).
	Actions []string `json:"actions" yaml:"actions"`
	// Devices is the pool device ids are drawn from.
	Devices   []string `json:"devices" yaml:"devices"`
	BatchSize int      `json:"batch_size" yaml:"batch_size"`
	// RespectWait pauses for wait_time_ms after a limiter rejection.
	RespectWait bool `json:"respect_wait" yaml:"respect_wait"`
}

type BehaviorType string

const (
	BehaviorPeriodic BehaviorType = "periodic"
	BehaviorGreedy   BehaviorType = "greedy"
	BehaviorPoisson  BehaviorType = "poisson"
	BehaviorBursty   BehaviorType = "bursty"
)

// Disruption declares an emergency stop partway through the run.
type Disruption struct {
	At       Duration `json:"at" yaml:"at"`
	Duration Duration `json:"duration" yaml:"duration"`
	Reason   string   `json:"reason" yaml:"reason"`
}
