package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/trackguard/pkg/client"
)

// maxWait caps how long a requester honours a suggested wait.
const maxWait = 5 * time.Second

// LoadScenario reads a YAML or JSON scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario. JSON is accepted as YAML.
func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// Validate checks the scenario shape.
func (s Scenario) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("scenario %q: duration must be positive", s.Name)
	}
	if len(s.Requesters) == 0 {
		return fmt.Errorf("scenario %q: at least one requester group is required", s.Name)
	}
	for _, r := range s.Requesters {
		if r.Name == "" {
			return fmt.Errorf("scenario %q: requester group without name", s.Name)
		}
		if r.Count <= 0 {
			return fmt.Errorf("requester %q: count must be positive", r.Name)
		}
		if r.Rate < 0 || r.Burst < 0 {
			return fmt.Errorf("requester %q: rate and burst must not be negative", r.Name)
		}
	}
	for _, inv := range s.Invariants {
		switch inv.Condition {
		case ">", ">=", "<", "<=", "==":
		default:
			return fmt.Errorf("invariant %s: unknown condition %q", inv.Metric, inv.Condition)
		}
	}
	return nil
}

// Runner drives scenarios against a trackguard-d endpoint.
type Runner struct {
	apiURL string
	admin  *client.Client
	logger *slog.Logger
}

// NewRunner creates a Runner for the daemon at apiURL.
func NewRunner(apiURL string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	admin := client.NewClient(apiURL)
	admin.SetRequesterID("sim-admin")
	return &Runner{apiURL: apiURL, admin: admin, logger: logger}
}

// SetAdminToken authorizes disruptions against a daemon that guards its
// admin routes.
func (r *Runner) SetAdminToken(token string) {
	r.admin.SetAdminToken(token)
}

// Run executes the scenario until its duration elapses or ctx ends.
func (r *Runner) Run(ctx context.Context, s Scenario) Result {
	if s.Seed == 0 {
		s.Seed = time.Now().UnixNano()
	}
	r.logger.Info("scenario_starting", "name", s.Name, "seed", s.Seed, "duration", s.Duration.String())

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.Duration))
	defer cancel()

	res := Result{
		ScenarioName: s.Name,
		Seed:         s.Seed,
		Duration:     s.Duration,
		Requesters:   make(map[string]*Stats),
	}
	for _, cfg := range s.Requesters {
		if _, ok := res.Requesters[cfg.Name]; !ok {
			res.Requesters[cfg.Name] = &Stats{}
		}
	}

	var wg sync.WaitGroup
	var disruptions atomic.Int64

	for _, d := range s.Disruptions {
		wg.Add(1)
		go func(d Disruption) {
			defer wg.Done()
			if r.disrupt(ctx, d) {
				disruptions.Add(1)
			}
		}(d)
	}

	for groupIdx, cfg := range s.Requesters {
		stats := res.Requesters[cfg.Name]
		for i := 0; i < cfg.Count; i++ {
			wg.Add(1)
			id := fmt.Sprintf("%s-%d", cfg.Name, i)
			seed := s.Seed + int64(groupIdx*1000) + int64(i)
			go func() {
				defer wg.Done()
				r.runRequester(ctx, id, cfg, seed, &res.Totals, stats)
			}()
		}
	}

	wg.Wait()
	res.Disruptions = int(disruptions.Load())

	evaluateInvariants(&res, s.Invariants)

	res.Success = true
	for _, inv := range res.Invariants {
		if !inv.Passed {
			res.Success = false
			break
		}
	}
	r.logger.Info("scenario_finished", "name", s.Name, "requests", res.Totals.Requests, "success", res.Success)
	return res
}

// disrupt declares an emergency stop at d.At. The stop is cleared when its
// duration ends inside the run.
func (r *Runner) disrupt(ctx context.Context, d Disruption) bool {
	if !sleepCtx(ctx, time.Duration(d.At)) {
		return false
	}
	reason := d.Reason
	if reason == "" {
		reason = "simulation"
	}
	if err := r.admin.EmergencyStop(ctx, reason, time.Duration(d.Duration)); err != nil {
		r.logger.Warn("disruption_failed", "error", err)
		return false
	}
	r.logger.Info("disruption_started", "reason", reason, "duration", d.Duration.String())
	if d.Duration > 0 && sleepCtx(ctx, time.Duration(d.Duration)) {
		if err := r.admin.ClearEmergencyStop(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("disruption_clear_failed", "error", err)
		}
	}
	return true
}

func (r *Runner) runRequester(ctx context.Context, id string, cfg RequesterConfig, seed int64, global, stats *Stats) {
	rng := rand.New(rand.NewSource(seed))
	c := client.NewClient(r.apiURL)
	c.SetRequesterID(id)

	actions := cfg.Actions
	if len(actions) == 0 {
		actions = []string{"last_position"}
	}

	action := func() {
		req := client.VendorRequest{
			Action:   actions[rng.Intn(len(actions))],
			Priority: cfg.Priority,
		}
		if ids := pickDevices(rng, cfg.Devices, cfg.BatchSize); len(ids) > 0 {
			req.Params = map[string]any{"device_ids": ids}
		}

		resp, err := c.Vendor(ctx, req)
		if ctx.Err() != nil {
			// Calls cut off by the end of the run are not counted.
			return
		}
		track(global, stats, resp, err)

		if resp.ShouldWait && cfg.RespectWait {
			wait := time.Duration(resp.WaitTimeMs) * time.Millisecond
			sleepCtx(ctx, min(wait, maxWait))
		}
	}

	switch cfg.Behavior {
	case BehaviorGreedy:
		for ctx.Err() == nil {
			action()
		}
	case BehaviorPoisson:
		lambda := float64(max(cfg.Rate, 1))
		for {
			interval := -math.Log(1-rng.Float64()) / lambda
			if !sleepCtx(ctx, time.Duration(interval*float64(time.Second))) {
				return
			}
			action()
		}
	case BehaviorBursty:
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for k := 0; k < cfg.Burst && ctx.Err() == nil; k++ {
					action()
				}
			}
		}
	case BehaviorPeriodic:
		fallthrough
	default:
		interval := 10 * time.Millisecond
		if cfg.Rate > 0 {
			interval = time.Second / time.Duration(cfg.Rate)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cfg.Jitter > 0 {
					sleepCtx(ctx, time.Duration(rng.Int63n(int64(cfg.Jitter))))
				}
				action()
			}
		}
	}
}

func track(global, stats *Stats, resp client.VendorResponse, err error) {
	for _, s := range []*Stats{global, stats} {
		atomic.AddUint64(&s.Requests, 1)
		switch {
		case err != nil:
			atomic.AddUint64(&s.Errors, 1)
		case resp.Success:
			atomic.AddUint64(&s.Successes, 1)
			if resp.FromCache {
				atomic.AddUint64(&s.CacheHits, 1)
			}
		case resp.EmergencyStop:
			atomic.AddUint64(&s.Emergency, 1)
		case resp.ShouldWait:
			atomic.AddUint64(&s.RateLimited, 1)
		default:
			atomic.AddUint64(&s.Errors, 1)
		}
	}
}

// pickDevices draws a contiguous window so repeated requests overlap and
// can be answered from the Coordinator cache.
func pickDevices(rng *rand.Rand, pool []string, n int) []string {
	if len(pool) == 0 {
		return nil
	}
	if n <= 0 || n > len(pool) {
		n = len(pool)
	}
	start := rng.Intn(len(pool) - n + 1)
	return append([]string(nil), pool[start:start+n]...)
}

func snapshot(s *Stats) Stats {
	return Stats{
		Requests:    atomic.LoadUint64(&s.Requests),
		Successes:   atomic.LoadUint64(&s.Successes),
		CacheHits:   atomic.LoadUint64(&s.CacheHits),
		RateLimited: atomic.LoadUint64(&s.RateLimited),
		Emergency:   atomic.LoadUint64(&s.Emergency),
		Errors:      atomic.LoadUint64(&s.Errors),
	}
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// metric computes a named rate from a stats snapshot.
func metric(name string, s Stats) (float64, bool) {
	switch name {
	case "success_rate":
		return ratio(s.Successes, s.Requests), true
	case "cache_hit_rate":
		return ratio(s.CacheHits, s.Successes), true
	case "error_rate":
		return ratio(s.Errors, s.Requests), true
	case "rate_limited_rate":
		return ratio(s.RateLimited, s.Requests), true
	case "emergency_rate":
		return ratio(s.Emergency, s.Requests), true
	default:
		return 0, false
	}
}

func evaluateInvariants(res *Result, invariants []Invariant) {
	for _, inv := range invariants {
		expected := fmt.Sprintf("%s %.2f", inv.Condition, inv.Value)

		var stats Stats
		if inv.Scope == "global" || inv.Scope == "" {
			stats = snapshot(&res.Totals)
		} else if s, ok := res.Requesters[inv.Scope]; ok {
			stats = snapshot(s)
		} else {
			res.Invariants = append(res.Invariants, InvariantResult{
				Metric: inv.Metric, Scope: inv.Scope, Expected: expected, Actual: "N/A", Passed: false,
			})
			continue
		}

		actual, known := metric(inv.Metric, stats)
		if !known {
			res.Invariants = append(res.Invariants, InvariantResult{
				Metric: inv.Metric, Scope: inv.Scope, Expected: expected, Actual: "unknown metric", Passed: false,
			})
			continue
		}

		var passed bool
		switch inv.Condition {
		case ">":
			passed = actual > inv.Value
		case ">=":
			passed = actual >= inv.Value
		case "<":
			passed = actual < inv.Value
		case "<=":
			passed = actual <= inv.Value
		case "==":
			passed = math.Abs(actual-inv.Value) < 0.0001
		}

		res.Invariants = append(res.Invariants, InvariantResult{
			Metric:   inv.Metric,
			Scope:    inv.Scope,
			Expected: expected,
			Actual:   fmt.Sprintf("%.4f", actual),
			Passed:   passed,
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
