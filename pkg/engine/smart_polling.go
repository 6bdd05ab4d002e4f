package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// ActivityMap holds the last known activity per device.
type ActivityMap map[string]time.Time

// DeviceBatch is a group of devices fetched with one vendor call.
type DeviceBatch struct {
	DeviceIDs []string       `json:"device_ids"`
	Priority  queue.Priority `json:"priority"`
}

// BatchResult is the outcome of one batch. Err is set and Positions empty
// when the batch failed.
type BatchResult struct {
	Batch     DeviceBatch
	Positions []vendor.Position
	Err       error
}

// PollFunc fetches positions for a batch.
type PollFunc func(ctx context.Context, batch DeviceBatch) ([]vendor.Position, error)

// PollingConfig tunes batching and interval adaptation.
type PollingConfig struct {
	MinInterval     time.Duration `yaml:"min_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	InitialInterval time.Duration `yaml:"initial_interval"`

	// HighActivity and MediumActivity bound the recency tiers.
	HighActivity   time.Duration `yaml:"high_activity"`
	MediumActivity time.Duration `yaml:"medium_activity"`

	BatchSizes  map[queue.Priority]int           `yaml:"batch_sizes"`
	BatchDelays map[queue.Priority]time.Duration `yaml:"batch_delays"`
	Retries     map[queue.Priority]int           `yaml:"retries"`
}

// DefaultPollingConfig returns the production defaults.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		MinInterval:     10 * time.Second,
		MaxInterval:     5 * time.Minute,
		InitialInterval: 30 * time.Second,
		HighActivity:    time.Hour,
		MediumActivity:  6 * time.Hour,
		BatchSizes: map[queue.Priority]int{
			queue.PriorityHigh:   10,
			queue.PriorityMedium: 20,
			queue.PriorityLow:    50,
		},
		BatchDelays: map[queue.Priority]time.Duration{
			queue.PriorityHigh:   time.Second,
			queue.PriorityMedium: 2 * time.Second,
			queue.PriorityLow:    5 * time.Second,
		},
		Retries: map[queue.Priority]int{
			queue.PriorityHigh:   3,
			queue.PriorityMedium: 2,
			queue.PriorityLow:    1,
		},
	}
}

func normalizePolling(cfg PollingConfig) PollingConfig {
	def := DefaultPollingConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = def.MaxInterval
		if cfg.MaxInterval < cfg.MinInterval {
			cfg.MaxInterval = cfg.MinInterval
		}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	cfg.InitialInterval = clampDuration(cfg.InitialInterval, cfg.MinInterval, cfg.MaxInterval)
	if cfg.HighActivity <= 0 {
		cfg.HighActivity = def.HighActivity
	}
	if cfg.MediumActivity <= cfg.HighActivity {
		cfg.MediumActivity = def.MediumActivity
	}
	cfg.BatchSizes = mergeTiers(def.BatchSizes, cfg.BatchSizes, func(v int) bool { return v > 0 })
	cfg.BatchDelays = mergeTiers(def.BatchDelays, cfg.BatchDelays, func(v time.Duration) bool { return v >= 0 })
	cfg.Retries = mergeTiers(def.Retries, cfg.Retries, func(v int) bool { return v >= 0 })
	return cfg
}

func mergeTiers[V any](def, override map[queue.Priority]V, valid func(V) bool) map[queue.Priority]V {
	out := make(map[queue.Priority]V, len(queue.Priorities))
	for _, p := range queue.Priorities {
		out[p] = def[p]
		if v, ok := override[p]; ok && valid(v) {
			out[p] = v
		}
	}
	return out
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// SmartPolling batches devices by activity and adapts the polling interval
// to how often new data shows up.
type SmartPolling struct {
	manager *RequestManager
	cfg     PollingConfig
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	interval   time.Duration
	emptyPolls int
}

// NewSmartPolling creates a polling engine that submits through manager.
func NewSmartPolling(manager *RequestManager, cfg PollingConfig, logger *slog.Logger) *SmartPolling {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = normalizePolling(cfg)
	return &SmartPolling{
		manager:  manager,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		interval: cfg.InitialInterval,
	}
}

// Config returns the effective configuration.
func (s *SmartPolling) Config() PollingConfig {
	return s.cfg
}

// Tier classifies a device by the recency of its last activity. Unknown
// devices are low priority.
func (s *SmartPolling) Tier(last time.Time, ok bool) queue.Priority {
	if !ok || last.IsZero() {
		return queue.PriorityLow
	}
	age := s.now().Sub(last)
	switch {
	case age < s.cfg.HighActivity:
		return queue.PriorityHigh
	case age < s.cfg.MediumActivity:
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

// CreateDeviceBatches partitions deviceIDs into tiered batches. Every
// device lands in exactly one batch, a repeated id included, and no batch
// exceeds its tier's size. Blank ids name no device and are skipped;
// SessionFacade rejects them before polling. Batches come out high tier
// first.
func (s *SmartPolling) CreateDeviceBatches(deviceIDs []string, activity ActivityMap) []DeviceBatch {
	tiers := make(map[queue.Priority][]string, len(queue.Priorities))
	seen := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		last, ok := activity[id]
		p := s.Tier(last, ok)
		tiers[p] = append(tiers[p], id)
	}

	var batches []DeviceBatch
	for _, p := range queue.Priorities {
		ids := tiers[p]
		size := s.cfg.BatchSizes[p]
		for start := 0; start < len(ids); start += size {
			end := start + size
			if end > len(ids) {
				end = len(ids)
			}
			batches = append(batches, DeviceBatch{
				DeviceIDs: append([]string(nil), ids[start:end]...),
				Priority:  p,
			})
		}
	}
	return batches
}

// CalculateAdaptiveInterval shrinks the interval by 0.8 when new data was
// seen and grows it by 1.2 from the third consecutive empty poll on.
func (s *SmartPolling) CalculateAdaptiveInterval(hasNewData bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hasNewData {
		s.emptyPolls = 0
		s.interval = clampDuration(s.interval*4/5, s.cfg.MinInterval, s.cfg.MaxInterval)
		return s.interval
	}

	s.emptyPolls++
	if s.emptyPolls >= 3 {
		s.interval = clampDuration(s.interval*6/5, s.cfg.MinInterval, s.cfg.MaxInterval)
	}
	return s.interval
}

// Interval returns the current adaptive interval.
func (s *SmartPolling) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// ExecuteBatchedPolling submits batches one after another through the
// RequestManager, pausing a tier-specific delay between submissions. A
// failed batch is recorded and the cycle continues. Results keep batch
// order; batches not reached before ctx ends carry ctx's error.
func (s *SmartPolling) ExecuteBatchedPolling(ctx context.Context, batches []DeviceBatch, pollFn PollFunc) []BatchResult {
	results := make([]BatchResult, len(batches))
	for i, batch := range batches {
		results[i].Batch = batch

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		positions, err := QueueRequest(ctx, s.manager, func(ctx context.Context) ([]vendor.Position, error) {
			return pollFn(ctx, batch)
		}, RequestConfig{
			Priority: batch.Priority,
			Retries:  s.cfg.Retries[batch.Priority],
		})
		if err != nil {
			s.logger.Warn("batch_poll_failed",
				"priority", batch.Priority,
				"devices", len(batch.DeviceIDs),
				"error", err,
			)
			results[i].Err = fmt.Errorf("batch %d (%s): %w", i, batch.Priority, err)
		} else {
			results[i].Positions = positions
		}

		if i < len(batches)-1 {
			sleepCtx(ctx, s.cfg.BatchDelays[batch.Priority])
		}
	}
	return results
}

// HealthTier grades the RequestManager's state.
type HealthTier string

const (
	HealthExcellent HealthTier = "excellent"
	HealthGood      HealthTier = "good"
	HealthFair      HealthTier = "fair"
	HealthPoor      HealthTier = "poor"
)

// PollingSettings is a recommendation derived from current health.
type PollingSettings struct {
	Interval  time.Duration `json:"interval"`
	BatchSize int           `json:"batch_size"`
	Health    HealthTier    `json:"health"`
}

// GetOptimalPollingSettings recommends an interval and batch size from the
// RequestManager's health: the worse the health, the longer the interval
// and the smaller the batches.
func (s *SmartPolling) GetOptimalPollingSettings() PollingSettings {
	h := s.manager.HealthStatus()
	limits := s.manager.Limits()

	perMinute := float64(limits.MaxPerWindow) * float64(time.Minute) / float64(limits.Window)
	load := 0.0
	if perMinute > 0 {
		load = float64(h.RequestsLastMinute) / perMinute
	}

	base := s.cfg.InitialInterval
	switch {
	case h.CircuitOpen || h.ConsecutiveFailures >= 3:
		return PollingSettings{Interval: s.cfg.MaxInterval, BatchSize: 10, Health: HealthPoor}
	case h.ConsecutiveFailures > 0 || h.QueueLength > 20 || load >= 0.8:
		return PollingSettings{Interval: clampDuration(2*base, s.cfg.MinInterval, s.cfg.MaxInterval), BatchSize: 20, Health: HealthFair}
	case h.QueueLength > 5 || load >= 0.5:
		return PollingSettings{Interval: base, BatchSize: 30, Health: HealthGood}
	default:
		return PollingSettings{Interval: s.cfg.MinInterval, BatchSize: 50, Health: HealthExcellent}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
