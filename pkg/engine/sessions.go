package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rmax-ai/trackguard/pkg/pubsub"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// LiveInterval caps the interval of sessions whose vehicles have a
// real-time viewer.
const LiveInterval = 10 * time.Second

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already registered")
	ErrEmergencyStop   = errors.New("polling halted by emergency stop")
)

// SessionState is the lifecycle position of a session.
type SessionState string

const (
	SessionRegistered SessionState = "registered"
	SessionPolling    SessionState = "polling"
	SessionStopped    SessionState = "stopped"
)

// PositionUpdate is delivered to a session callback after each poll and
// published to facade subscribers.
type PositionUpdate struct {
	SessionID string            `json:"session_id"`
	Positions []vendor.Position `json:"positions"`
	Err       error             `json:"-"`
	Shared    bool              `json:"shared"`
	At        time.Time         `json:"at"`
}

// SessionCallback receives poll results. It runs on the session goroutine.
type SessionCallback func(PositionUpdate)

// SessionPatch changes a registered session. Nil fields are unchanged.
type SessionPatch struct {
	DeviceIDs []string
	Interval  *time.Duration
	Priority  *queue.Priority
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID        string         `json:"id"`
	DeviceIDs []string       `json:"device_ids"`
	Interval  time.Duration  `json:"interval"`
	Adaptive  bool           `json:"adaptive"`
	Priority  queue.Priority `json:"priority"`
	State     SessionState   `json:"state"`
	LastPoll  time.Time      `json:"last_poll"`
	Polls     uint64         `json:"polls"`
	Errors    uint64         `json:"errors"`
	LastError string         `json:"last_error,omitempty"`
}

// GatewayStatus is the Coordinator's view, folded into unified metrics.
type GatewayStatus struct {
	CircuitOpen       bool
	EmergencyStop     bool
	CooldownRemaining time.Duration
}

// UnifiedMetrics aggregates session counters with RequestManager and
// gateway health.
type UnifiedMetrics struct {
	TotalCalls       uint64       `json:"total_calls"`
	SuccessfulCalls  uint64       `json:"successful_calls"`
	FailedCalls      uint64       `json:"failed_calls"`
	SuccessRate      float64      `json:"success_rate"`
	AverageLatencyMs float64      `json:"average_latency_ms"`
	ActiveSessions   int          `json:"active_sessions"`
	ActiveVehicles   int          `json:"active_vehicles"`
	LiveViewers      int          `json:"live_viewers"`
	CircuitOpen      bool         `json:"circuit_open"`
	EmergencyStopped bool         `json:"emergency_stopped"`
	RiskLevel        string       `json:"risk_level"`
	Requests         HealthStatus `json:"requests"`
}

type session struct {
	id       string
	callback SessionCallback

	// guarded by SessionFacade.mu
	deviceIDs []string
	interval  time.Duration
	adaptive  *SmartPolling
	priority  queue.Priority
	state     SessionState
	lastPoll  time.Time
	lastSeen  map[string]time.Time
	polls     uint64
	errors    uint64
	lastErr   string

	changed chan struct{}
	force   chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

type viewer struct {
	vehicles map[string]struct{}
	realTime bool
}

// SessionFacade multiplexes many UI polling sessions onto one
// RequestManager. Sessions with the same device set share in-flight fetches.
type SessionFacade struct {
	manager *RequestManager
	polling *SmartPolling
	fetch   PollFunc
	logger  *slog.Logger
	now     func() time.Time

	group   singleflight.Group
	updates *pubsub.Broker[PositionUpdate]

	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*session
	viewers  map[string]viewer
	activity ActivityMap
	halted   bool
	gateway  func(context.Context) (GatewayStatus, error)

	calls     atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	latencyNs atomic.Int64
}

// NewSessionFacade creates a facade. fetch performs the vendor call for one
// batch; use NewVendorPollFunc to build it from a vendor.Caller.
func NewSessionFacade(manager *RequestManager, polling *SmartPolling, fetch PollFunc, logger *slog.Logger) *SessionFacade {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionFacade{
		manager:  manager,
		polling:  polling,
		fetch:    fetch,
		logger:   logger,
		now:      time.Now,
		updates:  pubsub.NewBroker[PositionUpdate](),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		viewers:  make(map[string]viewer),
		activity: make(ActivityMap),
	}
}

// NewVendorPollFunc fetches last positions for a batch through caller at
// the batch's priority.
func NewVendorPollFunc(caller vendor.Caller) PollFunc {
	return func(ctx context.Context, batch DeviceBatch) ([]vendor.Position, error) {
		res, err := caller.Call(ctx, vendor.Request{
			Action:   vendor.ActionLastPosition,
			Params:   vendor.Params{"device_ids": strings.Join(batch.DeviceIDs, ",")},
			Priority: batch.Priority,
		})
		if err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return vendor.ParsePositions(res.Data)
	}
}

// SetGateway installs a source of Coordinator health for unified metrics.
func (f *SessionFacade) SetGateway(fn func(context.Context) (GatewayStatus, error)) {
	f.mu.Lock()
	f.gateway = fn
	f.mu.Unlock()
}

// Subscribe streams PositionUpdates produced by any session. A subscriber
// that falls behind misses updates.
func (f *SessionFacade) Subscribe(buffer int) (<-chan PositionUpdate, func()) {
	return f.updates.Subscribe(buffer)
}

// SubscribeReliable streams every PositionUpdate. Polling waits for the
// subscriber, so it must keep reading until it cancels.
func (f *SessionFacade) SubscribeReliable(buffer int) (<-chan PositionUpdate, func()) {
	return f.updates.SubscribeReliable(buffer)
}

// RegisterSession starts polling deviceIDs. An interval <= 0 registers an
// adaptive session whose cadence follows how often new data arrives.
func (f *SessionFacade) RegisterSession(id string, deviceIDs []string, interval time.Duration, callback SessionCallback, priority queue.Priority) error {
	if id == "" {
		return &vendor.ValidationError{Field: "session_id", Reason: "required"}
	}
	if err := validateDevices(deviceIDs); err != nil {
		return err
	}
	if priority == "" {
		priority = queue.PriorityMedium
	}

	s := &session{
		id:        id,
		callback:  callback,
		deviceIDs: normalizeDevices(deviceIDs),
		interval:  interval,
		priority:  priority,
		state:     SessionRegistered,
		lastSeen:  make(map[string]time.Time),
		changed:   make(chan struct{}, 1),
		force:     make(chan struct{}, 1),
	}
	if interval <= 0 {
		s.adaptive = NewSmartPolling(f.manager, f.polling.Config(), f.logger)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	f.sessions[id] = s
	ActiveSessions.Set(float64(len(f.sessions)))
	if f.halted {
		s.state = SessionStopped
		s.lastErr = ErrEmergencyStop.Error()
	} else {
		f.startLocked(s)
	}

	f.logger.Info("session_registered",
		"session_id", id,
		"devices", len(s.deviceIDs),
		"interval", interval,
		"priority", priority,
	)
	return nil
}

// startLocked launches the session loop. Caller holds mu.
func (f *SessionFacade) startLocked(s *session) {
	ctx, cancel := context.WithCancel(f.ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go f.run(ctx, s)
}

// UnregisterSession stops and removes a session. Unknown ids are ignored.
func (f *SessionFacade) UnregisterSession(id string) {
	f.mu.Lock()
	s, ok := f.sessions[id]
	if ok {
		delete(f.sessions, id)
		ActiveSessions.Set(float64(len(f.sessions)))
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	stopSession(s)
	f.logger.Info("session_unregistered", "session_id", id)
}

func stopSession(s *session) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// UpdateSession changes the device set, interval or priority in place.
func (f *SessionFacade) UpdateSession(id string, patch SessionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if patch.DeviceIDs != nil {
		if err := validateDevices(patch.DeviceIDs); err != nil {
			return err
		}
		s.deviceIDs = normalizeDevices(patch.DeviceIDs)
	}
	if patch.Interval != nil {
		s.interval = *patch.Interval
		if s.interval <= 0 && s.adaptive == nil {
			s.adaptive = NewSmartPolling(f.manager, f.polling.Config(), f.logger)
		}
		if s.interval > 0 {
			s.adaptive = nil
		}
	}
	if patch.Priority != nil {
		s.priority = *patch.Priority
	}
	notify(s.changed)
	return nil
}

// ForcePoll triggers one immediate poll of a session.
func (f *SessionFacade) ForcePoll(id string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if f.halted {
		return ErrEmergencyStop
	}
	notify(s.force)
	return nil
}

// Session returns a snapshot of one session.
func (f *SessionFacade) Session(id string) (SessionInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return f.infoLocked(s), true
}

// Sessions returns snapshots of all sessions ordered by id.
func (f *SessionFacade) Sessions() []SessionInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]SessionInfo, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, f.infoLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *SessionFacade) infoLocked(s *session) SessionInfo {
	info := SessionInfo{
		ID:        s.id,
		DeviceIDs: append([]string(nil), s.deviceIDs...),
		Interval:  s.interval,
		Adaptive:  s.adaptive != nil,
		Priority:  s.priority,
		State:     s.state,
		LastPoll:  s.lastPoll,
		Polls:     s.polls,
		Errors:    s.errors,
		LastError: s.lastErr,
	}
	if s.adaptive != nil {
		info.Interval = s.adaptive.Interval()
	}
	return info
}

// RegisterUserActivity records that userID is watching vehicleIDs.
// Real-time viewers raise those vehicles to high priority and cap their
// sessions' interval at LiveInterval.
func (f *SessionFacade) RegisterUserActivity(userID string, vehicleIDs []string, isViewingRealTime bool) {
	v := viewer{vehicles: make(map[string]struct{}, len(vehicleIDs)), realTime: isViewingRealTime}
	for _, id := range vehicleIDs {
		v.vehicles[id] = struct{}{}
	}

	f.mu.Lock()
	f.viewers[userID] = v
	f.notifyAffectedLocked(v.vehicles)
	f.mu.Unlock()
}

// UnregisterUserActivity forgets a viewer.
func (f *SessionFacade) UnregisterUserActivity(userID string) {
	f.mu.Lock()
	v, ok := f.viewers[userID]
	delete(f.viewers, userID)
	if ok {
		f.notifyAffectedLocked(v.vehicles)
	}
	f.mu.Unlock()
}

func (f *SessionFacade) notifyAffectedLocked(vehicles map[string]struct{}) {
	for _, s := range f.sessions {
		for _, id := range s.deviceIDs {
			if _, ok := vehicles[id]; ok {
				notify(s.changed)
				break
			}
		}
	}
}

// liveLocked reports whether any of ids has a real-time viewer.
func (f *SessionFacade) liveLocked(ids []string) bool {
	for _, v := range f.viewers {
		if !v.realTime {
			continue
		}
		for _, id := range ids {
			if _, ok := v.vehicles[id]; ok {
				return true
			}
		}
	}
	return false
}

// EmergencyStop halts every session at once and pauses the RequestManager.
// In-flight calls are left to finish; their results are discarded.
func (f *SessionFacade) EmergencyStop() {
	f.mu.Lock()
	if f.halted {
		f.mu.Unlock()
		return
	}
	f.halted = true
	stopping := make([]*session, 0, len(f.sessions))
	for _, s := range f.sessions {
		s.state = SessionStopped
		s.lastErr = ErrEmergencyStop.Error()
		stopping = append(stopping, s)
	}
	f.mu.Unlock()

	f.manager.PauseAllRequests()
	for _, s := range stopping {
		stopSession(s)
	}
	f.logger.Warn("polling_emergency_stop", "sessions", len(stopping))
}

// Resume restarts every session after EmergencyStop.
func (f *SessionFacade) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.halted {
		return
	}
	f.halted = false
	f.manager.ResumeRequests()
	for _, s := range f.sessions {
		s.state = SessionRegistered
		s.lastErr = ""
		f.startLocked(s)
	}
	f.logger.Info("polling_resumed", "sessions", len(f.sessions))
}

// Halted reports whether an emergency stop is in effect.
func (f *SessionFacade) Halted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.halted
}

// Close stops every session and the update stream.
func (f *SessionFacade) Close() {
	f.mu.Lock()
	sessions := make([]*session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.sessions = make(map[string]*session)
	ActiveSessions.Set(0)
	f.mu.Unlock()

	f.cancel()
	for _, s := range sessions {
		stopSession(s)
	}
	f.updates.Close()
}

func (f *SessionFacade) run(ctx context.Context, s *session) {
	defer close(s.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.force:
			f.poll(ctx, s)
		case <-s.changed:
			timer.Reset(f.untilNextPoll(s))
		case <-timer.C:
			f.poll(ctx, s)
			timer.Reset(f.untilNextPoll(s))
		}
	}
}

// EffectiveInterval is the cadence a session currently runs at.
func (f *SessionFacade) EffectiveInterval(id string) (time.Duration, bool) {
	f.mu.RLock()
	s, ok := f.sessions[id]
	f.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return f.effectiveInterval(s), true
}

func (f *SessionFacade) effectiveInterval(s *session) time.Duration {
	f.mu.RLock()
	interval := s.interval
	if s.adaptive != nil {
		interval = s.adaptive.Interval()
	}
	live := f.liveLocked(s.deviceIDs)
	f.mu.RUnlock()

	if live && interval > LiveInterval {
		interval = LiveInterval
	}
	settings := f.polling.GetOptimalPollingSettings()
	if (settings.Health == HealthFair || settings.Health == HealthPoor) && settings.Interval > interval {
		interval = settings.Interval
	}
	return interval
}

func (f *SessionFacade) untilNextPoll(s *session) time.Duration {
	interval := f.effectiveInterval(s)
	f.mu.RLock()
	last := s.lastPoll
	f.mu.RUnlock()
	if last.IsZero() {
		return 0
	}
	if d := last.Add(interval).Sub(f.now()); d > 0 {
		return d
	}
	return 0
}

type pollResult struct {
	positions []vendor.Position
	err       error
}

func (f *SessionFacade) poll(ctx context.Context, s *session) {
	f.mu.Lock()
	if f.halted {
		f.mu.Unlock()
		return
	}
	s.state = SessionPolling
	ids := append([]string(nil), s.deviceIDs...)
	priority := s.priority
	live := f.liveLocked(ids)
	activity := make(ActivityMap, len(ids))
	for _, id := range ids {
		if t, ok := f.activity[id]; ok {
			activity[id] = t
		}
	}
	f.mu.Unlock()

	if live {
		priority = queue.PriorityHigh
	}

	// The shared fetch runs on the facade context so that one session
	// leaving does not cancel it for the others waiting on it.
	key := string(priority) + "|" + strings.Join(ids, ",")
	ch := f.group.DoChan(key, func() (any, error) {
		batches := f.polling.CreateDeviceBatches(ids, activity)
		for i := range batches {
			if priority.Rank() < batches[i].Priority.Rank() {
				batches[i].Priority = priority
			}
		}
		results := f.polling.ExecuteBatchedPolling(f.ctx, batches, f.timedFetch)

		var (
			out  pollResult
			errs []error
		)
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
				continue
			}
			out.positions = append(out.positions, r.Positions...)
		}
		if len(errs) == len(results) && len(errs) > 0 {
			out.err = errors.Join(errs...)
		}
		return out, nil
	})
	var (
		res    pollResult
		shared bool
	)
	select {
	case <-ctx.Done():
		return
	case r := <-ch:
		if r.Err != nil {
			return
		}
		res, shared = r.Val.(pollResult), r.Shared
	}
	if ctx.Err() != nil {
		return
	}

	now := f.now()
	f.mu.Lock()
	s.lastPoll = now
	s.polls++
	hasNew := false
	for _, p := range res.positions {
		if p.Timestamp.After(s.lastSeen[p.DeviceID]) {
			s.lastSeen[p.DeviceID] = p.Timestamp
			hasNew = true
		}
		if p.Speed > 0 || p.Status == "moving" {
			f.activity[p.DeviceID] = now
		}
	}
	if res.err != nil {
		s.errors++
		s.lastErr = res.err.Error()
		PollsTotal.WithLabelValues("failure").Inc()
	} else {
		s.lastErr = ""
		PollsTotal.WithLabelValues("success").Inc()
	}
	adaptive := s.adaptive
	callback := s.callback
	f.mu.Unlock()

	if adaptive != nil && res.err == nil {
		adaptive.CalculateAdaptiveInterval(hasNew)
	}

	update := PositionUpdate{
		SessionID: s.id,
		Positions: res.positions,
		Err:       res.err,
		Shared:    shared,
		At:        now,
	}
	if callback != nil {
		callback(update)
	}
	f.updates.Publish(update)
}

func (f *SessionFacade) timedFetch(ctx context.Context, batch DeviceBatch) ([]vendor.Position, error) {
	start := time.Now()
	positions, err := f.fetch(ctx, batch)
	f.latencyNs.Add(int64(time.Since(start)))
	f.calls.Add(1)
	if err != nil {
		f.failures.Add(1)
	} else {
		f.successes.Add(1)
	}
	return positions, err
}

// GetUnifiedMetrics aggregates session, RequestManager and gateway health.
// It never fails; an unreachable gateway is reported as its zero status.
func (f *SessionFacade) GetUnifiedMetrics(ctx context.Context) UnifiedMetrics {
	health := f.manager.HealthStatus()

	f.mu.RLock()
	vehicles := make(map[string]struct{})
	for _, s := range f.sessions {
		for _, id := range s.deviceIDs {
			vehicles[id] = struct{}{}
		}
	}
	live := 0
	for _, v := range f.viewers {
		if v.realTime {
			live++
		}
	}
	m := UnifiedMetrics{
		ActiveSessions:   len(f.sessions),
		ActiveVehicles:   len(vehicles),
		LiveViewers:      live,
		EmergencyStopped: f.halted,
		Requests:         health,
	}
	gateway := f.gateway
	f.mu.RUnlock()

	m.TotalCalls = f.calls.Load()
	m.SuccessfulCalls = f.successes.Load()
	m.FailedCalls = f.failures.Load()
	m.SuccessRate = 1
	if m.TotalCalls > 0 {
		m.SuccessRate = float64(m.SuccessfulCalls) / float64(m.TotalCalls)
		m.AverageLatencyMs = float64(f.latencyNs.Load()) / float64(m.TotalCalls) / float64(time.Millisecond)
	}
	m.CircuitOpen = health.CircuitOpen

	if gateway != nil {
		if gs, err := gateway(ctx); err != nil {
			f.logger.Debug("gateway_status_unavailable", "error", err)
		} else {
			m.CircuitOpen = m.CircuitOpen || gs.CircuitOpen
			m.EmergencyStopped = m.EmergencyStopped || gs.EmergencyStop
		}
	}

	m.RiskLevel = riskLevel(m)
	return m
}

func riskLevel(m UnifiedMetrics) string {
	errorRate := 1 - m.SuccessRate
	switch {
	case m.CircuitOpen || m.EmergencyStopped || errorRate > 0.2:
		return "high"
	case errorRate > 0.05 || m.Requests.ConsecutiveFailures > 0:
		return "medium"
	default:
		return "low"
	}
}

// validateDevices rejects empty sets and blank ids so every device a
// session names reaches a batch.
func validateDevices(ids []string) error {
	if len(ids) == 0 {
		return &vendor.ValidationError{Field: "device_ids", Reason: "at least one device required"}
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return &vendor.ValidationError{Field: "device_ids", Reason: "blank device id"}
		}
	}
	return nil
}

func normalizeDevices(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
