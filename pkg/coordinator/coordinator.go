// Package coordinator is the single gateway between every orchestrator
// instance and the vendor API. It enforces a global call spacing, caches
// responses and turns a vendor rate-limit signal into a persisted lockout.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/store"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// Error reasons carried in Response.Error.
const (
	ReasonInvalid           = "invalid_request"
	ReasonEmergencyStop     = "emergency_stop"
	ReasonCircuitOpen       = "circuit_open"
	ReasonRateLimited       = "rate_limited"
	ReasonVendorError       = "vendor_error"
	ReasonVendorUnavailable = "vendor_unavailable"
	ReasonCancelled         = "request_cancelled"
	ReasonStopped           = "coordinator_stopped"
)

const limiterKey = "vendor"

// StateStore persists the system-wide emergency stop.
type StateStore interface {
	GetEmergencyStop(ctx context.Context) (store.EmergencyState, error)
	SetEmergencyStop(ctx context.Context, st store.EmergencyState) error
	ClearEmergencyStop(ctx context.Context) error
}

// Limiter is a remote admission check shared by all Coordinator instances.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Cache stores vendor responses by request key.
type Cache interface {
	Get(ctx context.Context, key string) (store.CacheEntry, bool, error)
	Set(ctx context.Context, key string, e store.CacheEntry) error
}

// Config tunes the Coordinator.
type Config struct {
	// MinSpacing is the minimum gap between two vendor calls.
	MinSpacing time.Duration `json:"min_spacing"`
	CacheTTL   time.Duration `json:"cache_ttl"`
	// Cooldown is how long a vendor rate limit locks the system out.
	Cooldown    time.Duration `json:"cooldown"`
	CallTimeout time.Duration `json:"call_timeout"`
	// FailureThreshold consecutive transport failures open the local
	// circuit for FailurePause.
	FailureThreshold int           `json:"failure_threshold"`
	FailurePause     time.Duration `json:"failure_pause"`
	PurgeInterval    time.Duration `json:"purge_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinSpacing:       time.Second,
		CacheTTL:         time.Minute,
		Cooldown:         30 * time.Minute,
		CallTimeout:      15 * time.Second,
		FailureThreshold: 5,
		FailurePause:     30 * time.Second,
		PurgeInterval:    time.Minute,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailurePause <= 0 {
		cfg.FailurePause = def.FailurePause
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	return cfg
}

// Backends are the shared stores. Nil State and Cache fall back to
// process-local memory; nil Limiter and Leases disable those checks.
type Backends struct {
	State   StateStore
	Limiter Limiter
	Cache   Cache
	Leases  store.LeaseStore
}

// Request is one call routed through the Coordinator.
type Request struct {
	Action      vendor.Action  `json:"action"`
	Params      vendor.Params  `json:"params,omitempty"`
	Priority    queue.Priority `json:"priority,omitempty"`
	RequesterID string         `json:"requester_id,omitempty"`
}

// Response is the Coordinator's answer. HTTPStatus is the status code the
// HTTP surface should use.
type Response struct {
	Success             bool            `json:"success"`
	Data                json.RawMessage `json:"data,omitempty"`
	Error               string          `json:"error,omitempty"`
	Message             string          `json:"message,omitempty"`
	FromCache           bool            `json:"from_cache,omitempty"`
	ShouldWait          bool            `json:"should_wait,omitempty"`
	WaitTimeMs          int64           `json:"wait_time_ms,omitempty"`
	EmergencyStop       bool            `json:"emergency_stop,omitempty"`
	CooldownRemainingMs int64           `json:"cooldown_remaining_ms,omitempty"`
	VendorStatus        int             `json:"vendor_status,omitempty"`
	HTTPStatus          int             `json:"-"`
}

// Health is a best-effort snapshot of the Coordinator.
type Health struct {
	QueueLength         int       `json:"queue_length"`
	CircuitOpen         bool      `json:"circuit_open"`
	CircuitResetAt      time.Time `json:"circuit_reset_at"`
	EmergencyStop       bool      `json:"emergency_stop"`
	EmergencyReason     string    `json:"emergency_reason,omitempty"`
	CooldownRemainingMs int64     `json:"cooldown_remaining_ms"`
	CacheSize           int       `json:"cache_size"`
	TotalRequests       uint64    `json:"total_requests"`
	VendorCalls         uint64    `json:"vendor_calls"`
	CacheHits           uint64    `json:"cache_hits"`
	RateLimitHits       uint64    `json:"rate_limit_hits"`
	LastVendorCall      time.Time `json:"last_vendor_call"`
}

type pending struct {
	id   string
	req  Request
	key  string
	done chan Response
}

func (p *pending) respond(r Response) {
	select {
	case p.done <- r:
	default:
	}
}

// Coordinator serializes vendor traffic for the whole system.
type Coordinator struct {
	caller   vendor.Caller
	cfg      Config
	backends Backends
	logger   *slog.Logger
	holderID string
	now      func() time.Time

	queue *queue.Queue[*pending]
	wake  chan struct{}

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isStopped bool

	mu           sync.Mutex
	circuitUntil time.Time
	stopUntil    time.Time
	stopReason   string
	failures     int
	lastCall     time.Time
	lastAdmit    time.Time
	total        uint64
	vendorCalls  uint64
	cacheHits    uint64
	rateLimits   uint64
}

// New creates a Coordinator in front of caller.
func New(caller vendor.Caller, cfg Config, b Backends, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if b.State == nil {
		b.State = NewMemoryStateStore()
	}
	if b.Cache == nil {
		b.Cache = NewMemoryCache()
	}
	return &Coordinator{
		caller:   caller,
		cfg:      normalize(cfg),
		backends: b,
		logger:   logger,
		holderID: "coordinator-" + uuid.NewString(),
		now:      time.Now,
		queue:    queue.New[*pending](),
		wake:     make(chan struct{}, 1),
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Start launches the serial vendor loop and the cache purger.
func (c *Coordinator) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil || c.isStopped {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.run(ctx)
	go c.purge(ctx)
}

// Stop halts the loop and answers everything still queued.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	if c.isStopped {
		c.lifecycle.Unlock()
		return
	}
	c.isStopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.lifecycle.Unlock()

	c.wg.Wait()
	for _, p := range c.queue.Drain() {
		p.respond(Response{Error: ReasonStopped, HTTPStatus: http.StatusServiceUnavailable})
	}
	QueueDepth.Set(0)
}

func (c *Coordinator) stopped() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.isStopped
}

// Handle admits, answers from cache, or queues req for the vendor and waits
// for the outcome.
func (c *Coordinator) Handle(ctx context.Context, req Request) Response {
	resp := c.handle(ctx, req)
	outcome := "success"
	switch {
	case resp.FromCache:
		outcome = "cache_hit"
	case resp.Error != "":
		outcome = resp.Error
	}
	RequestsTotal.WithLabelValues(string(req.Action), outcome).Inc()
	return resp
}

func (c *Coordinator) handle(ctx context.Context, req Request) Response {
	if err := (vendor.Request{Action: req.Action, Params: req.Params}).Validate(); err != nil {
		return Response{Error: ReasonInvalid, Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	}
	p, err := queue.ParsePriority(string(req.Priority))
	if err != nil {
		return Response{Error: ReasonInvalid, Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	}
	req.Priority = p

	c.mu.Lock()
	c.total++
	c.mu.Unlock()

	if resp, blocked := c.blocked(ctx); blocked {
		return resp
	}
	if resp, rejected := c.admit(ctx); rejected {
		return resp
	}

	key, err := cacheKey(req)
	if err != nil {
		return Response{Error: ReasonInvalid, Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	}
	if resp, ok := c.fromCache(ctx, key); ok {
		return resp
	}

	if c.stopped() {
		return Response{Error: ReasonStopped, HTTPStatus: http.StatusServiceUnavailable}
	}

	item := &pending{
		id:   uuid.NewString(),
		req:  req,
		key:  key,
		done: make(chan Response, 1),
	}
	c.queue.Push(req.Priority, item)
	QueueDepth.Set(float64(c.queue.Len()))
	if c.stopped() && c.queue.Remove(func(q *pending) bool { return q == item }) {
		return Response{Error: ReasonStopped, HTTPStatus: http.StatusServiceUnavailable}
	}
	c.signal()

	select {
	case resp := <-item.done:
		return resp
	case <-ctx.Done():
		c.queue.Remove(func(q *pending) bool { return q == item })
		QueueDepth.Set(float64(c.queue.Len()))
		return Response{Error: ReasonCancelled, Message: ctx.Err().Error(), HTTPStatus: http.StatusGatewayTimeout}
	}
}

// blocked reports the emergency stop and local circuit. A persisted stop
// that cannot be read falls back to the locally mirrored one.
func (c *Coordinator) blocked(ctx context.Context) (Response, bool) {
	now := c.now()
	st := c.emergency(ctx)
	if st.ActiveAt(now) {
		return emergencyResponse(st, now), true
	}

	c.mu.Lock()
	until := c.circuitUntil
	c.mu.Unlock()
	if now.Before(until) {
		return Response{
			Error:               ReasonCircuitOpen,
			CooldownRemainingMs: until.Sub(now).Milliseconds(),
			HTTPStatus:          http.StatusServiceUnavailable,
		}, true
	}
	return Response{}, false
}

func (c *Coordinator) emergency(ctx context.Context) store.EmergencyState {
	c.mu.Lock()
	local := store.EmergencyState{Reason: c.stopReason, Until: c.stopUntil}
	c.mu.Unlock()

	st, err := c.backends.State.GetEmergencyStop(ctx)
	if err != nil {
		c.logger.Warn("emergency_state_unavailable", "error", err)
		return local
	}
	if local.Until.After(st.Until) {
		return local
	}
	return st
}

func emergencyResponse(st store.EmergencyState, now time.Time) Response {
	return Response{
		Error:               ReasonEmergencyStop,
		Message:             st.Reason,
		EmergencyStop:       true,
		CooldownRemainingMs: st.Until.Sub(now).Milliseconds(),
		HTTPStatus:          http.StatusServiceUnavailable,
	}
}

// admit consults the remote limiter. When the limiter errors the local
// minimum spacing between admissions is enforced instead.
func (c *Coordinator) admit(ctx context.Context) (Response, bool) {
	if c.backends.Limiter == nil {
		return Response{}, false
	}
	ok, wait, err := c.backends.Limiter.Allow(ctx, limiterKey)
	if err != nil {
		c.logger.Warn("limiter_unavailable", "error", err)
		now := c.now()
		c.mu.Lock()
		next := c.lastAdmit.Add(c.cfg.MinSpacing)
		if now.Before(next) {
			c.mu.Unlock()
			return waitResponse(next.Sub(now)), true
		}
		c.lastAdmit = now
		c.mu.Unlock()
		return Response{}, false
	}
	if !ok {
		return waitResponse(wait), true
	}
	c.mu.Lock()
	c.lastAdmit = c.now()
	c.mu.Unlock()
	return Response{}, false
}

func waitResponse(wait time.Duration) Response {
	ms := wait.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return Response{
		Error:      ReasonRateLimited,
		ShouldWait: true,
		WaitTimeMs: ms,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

func (c *Coordinator) fromCache(ctx context.Context, key string) (Response, bool) {
	e, ok, err := c.backends.Cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache_read_failed", "error", err)
		return Response{}, false
	}
	if !ok || !e.ValidAt(c.now()) {
		return Response{}, false
	}
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
	return Response{Success: true, Data: e.Data, FromCache: true, HTTPStatus: http.StatusOK}, true
}

// cacheKey is the action plus the params encoded as JSON. encoding/json
// sorts map keys, so equal params give equal keys.
func cacheKey(req Request) (string, error) {
	params := req.Params
	if params == nil {
		params = vendor.Params{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	return string(req.Action) + "|" + string(b), nil
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		for {
			item, _, ok := c.queue.Pop()
			if !ok {
				break
			}
			QueueDepth.Set(float64(c.queue.Len()))
			item.respond(c.process(ctx, item))
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
	}
}

func (c *Coordinator) process(ctx context.Context, item *pending) Response {
	if resp, blocked := c.blocked(ctx); blocked {
		return resp
	}
	// An identical request ahead in the queue may have filled the cache.
	if resp, ok := c.fromCache(ctx, item.key); ok {
		return resp
	}

	c.mu.Lock()
	wait := c.lastCall.Add(c.cfg.MinSpacing).Sub(c.now())
	c.mu.Unlock()
	if !sleepCtx(ctx, wait) {
		return Response{Error: ReasonStopped, HTTPStatus: http.StatusServiceUnavailable}
	}
	if err := c.acquireSlot(ctx); err != nil {
		return Response{Error: ReasonStopped, Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable}
	}

	c.mu.Lock()
	c.lastCall = c.now()
	c.vendorCalls++
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	res, err := c.caller.Call(cctx, vendor.Request{Action: item.req.Action, Params: item.req.Params, Priority: item.req.Priority})
	cancel()

	action := string(item.req.Action)
	if err != nil {
		VendorCallsTotal.WithLabelValues(action, "transport_error").Inc()
		c.recordFailure()
		c.logger.Warn("vendor_call_failed",
			"request_id", item.id,
			"action", action,
			"requester_id", item.req.RequesterID,
			"error", err,
		)
		return Response{Error: ReasonVendorUnavailable, Message: err.Error(), HTTPStatus: http.StatusBadGateway}
	}
	VendorCallsTotal.WithLabelValues(action, res.Kind.String()).Inc()

	switch res.Kind {
	case vendor.ResultRateLimited:
		st := c.lockout(ctx, fmt.Sprintf("vendor rate limit (status %d) on %s", res.Status, action))
		resp := emergencyResponse(st, c.now())
		resp.VendorStatus = res.Status
		return resp
	case vendor.ResultError:
		c.recordSuccess()
		return Response{
			Error:        ReasonVendorError,
			Message:      res.Message,
			VendorStatus: res.Status,
			HTTPStatus:   http.StatusBadGateway,
		}
	}

	c.recordSuccess()
	now := c.now()
	entry := store.CacheEntry{Data: res.Data, StoredAt: now, ExpiresAt: now.Add(c.cfg.CacheTTL)}
	if err := c.backends.Cache.Set(ctx, item.key, entry); err != nil {
		c.logger.Warn("cache_write_failed", "error", err)
	}
	return Response{Success: true, Data: res.Data, HTTPStatus: http.StatusOK}
}

// acquireSlot takes the cross-instance call slot. The lease lives for one
// spacing interval, so a slot held elsewhere means waiting out its expiry.
// Store errors fall back to the local spacing already enforced.
func (c *Coordinator) acquireSlot(ctx context.Context) error {
	if c.backends.Leases == nil || c.cfg.MinSpacing <= 0 {
		return nil
	}
	for {
		ok, err := c.backends.Leases.Acquire(ctx, store.LeaseVendorSlot, c.holderID, c.cfg.MinSpacing)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("call_slot_unavailable", "error", err)
			return nil
		}
		if ok {
			return nil
		}

		wait := c.cfg.MinSpacing
		if l, err := c.backends.Leases.Get(ctx, store.LeaseVendorSlot); err == nil && l != nil {
			wait = l.ExpiresAt.Sub(c.now())
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (c *Coordinator) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *Coordinator) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.cfg.FailureThreshold {
		return
	}
	until := c.now().Add(c.cfg.FailurePause)
	if until.After(c.circuitUntil) {
		c.circuitUntil = until
	}
	c.logger.Warn("circuit_opened", "failures", c.failures, "until", until)
}

// lockout opens the circuit for the cooldown, persists the emergency stop
// and answers every queued request with it. Nothing queued is retried.
func (c *Coordinator) lockout(ctx context.Context, reason string) store.EmergencyState {
	now := c.now()
	st := store.EmergencyState{Reason: reason, Until: now.Add(c.cfg.Cooldown), CreatedAt: now}

	c.mu.Lock()
	c.rateLimits++
	if st.Until.After(c.circuitUntil) {
		c.circuitUntil = st.Until
	}
	c.stopUntil = st.Until
	c.stopReason = reason
	c.mu.Unlock()

	// The lockout must outlive a cancelled loop context.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.backends.State.SetEmergencyStop(pctx, st); err != nil {
		c.logger.Error("emergency_stop_persist_failed", "error", err)
	}

	dropped := c.queue.Drain()
	for _, p := range dropped {
		p.respond(emergencyResponse(st, now))
	}
	QueueDepth.Set(0)
	EmergencyStopActive.Set(1)

	c.logger.Error("vendor_lockout",
		"reason", reason,
		"until", st.Until,
		"dropped", len(dropped),
	)
	return st
}

// EmergencyStop declares an operator lockout for d.
func (c *Coordinator) EmergencyStop(ctx context.Context, reason string, d time.Duration) error {
	if d <= 0 {
		d = c.cfg.Cooldown
	}
	if reason == "" {
		reason = "operator"
	}
	now := c.now()
	st := store.EmergencyState{Reason: reason, Until: now.Add(d), CreatedAt: now}

	c.mu.Lock()
	c.stopUntil = st.Until
	c.stopReason = reason
	c.mu.Unlock()

	for _, p := range c.queue.Drain() {
		p.respond(emergencyResponse(st, now))
	}
	QueueDepth.Set(0)
	EmergencyStopActive.Set(1)
	c.logger.Warn("emergency_stop_declared", "reason", reason, "until", st.Until)

	if err := c.backends.State.SetEmergencyStop(ctx, st); err != nil {
		return fmt.Errorf("failed to persist emergency stop: %w", err)
	}
	return nil
}

// ClearEmergencyStop lifts the lockout and closes the local circuit.
func (c *Coordinator) ClearEmergencyStop(ctx context.Context) error {
	c.mu.Lock()
	c.stopUntil = time.Time{}
	c.stopReason = ""
	c.circuitUntil = time.Time{}
	c.failures = 0
	c.mu.Unlock()

	EmergencyStopActive.Set(0)
	c.logger.Info("emergency_stop_cleared")
	c.signal()

	if err := c.backends.State.ClearEmergencyStop(ctx); err != nil {
		return fmt.Errorf("failed to clear emergency stop: %w", err)
	}
	return nil
}

// Health never fails; unreadable backends are reported from local state.
func (c *Coordinator) Health(ctx context.Context) Health {
	now := c.now()
	st := c.emergency(ctx)

	c.mu.Lock()
	h := Health{
		QueueLength:    c.queue.Len(),
		CircuitOpen:    now.Before(c.circuitUntil),
		CircuitResetAt: c.circuitUntil,
		TotalRequests:  c.total,
		VendorCalls:    c.vendorCalls,
		CacheHits:      c.cacheHits,
		RateLimitHits:  c.rateLimits,
		LastVendorCall: c.lastCall,
	}
	c.mu.Unlock()

	if st.ActiveAt(now) {
		h.EmergencyStop = true
		h.EmergencyReason = st.Reason
		h.CooldownRemainingMs = st.Until.Sub(now).Milliseconds()
		EmergencyStopActive.Set(1)
	} else {
		EmergencyStopActive.Set(0)
	}
	if sized, ok := c.backends.Cache.(interface{ Len() int }); ok {
		h.CacheSize = sized.Len()
	}
	return h
}

func (c *Coordinator) purge(ctx context.Context) {
	defer c.wg.Done()
	purger, ok := c.backends.Cache.(interface{ Purge(time.Time) int })
	if !ok {
		return
	}
	ticker := time.NewTicker(c.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := purger.Purge(c.now()); n > 0 {
				c.logger.Debug("cache_purged", "entries", n)
			}
		}
	}
}

// Caller adapts the Coordinator to vendor.Caller for in-process clients.
// A request's own Priority wins over the default. Coordinator rejections come
// back as the matching vendor error types.
func (c *Coordinator) Caller(priority queue.Priority, requesterID string) vendor.Caller {
	return vendor.CallerFunc(func(ctx context.Context, req vendor.Request) (vendor.Result, error) {
		p := priority
		if req.Priority != "" {
			p = req.Priority
		}
		resp := c.Handle(ctx, Request{
			Action:      req.Action,
			Params:      req.Params,
			Priority:    p,
			RequesterID: requesterID,
		})
		return ToResult(string(req.Action), resp, c.now())
	})
}

// ToResult maps a Coordinator response onto the vendor result taxonomy.
func ToResult(op string, resp Response, now time.Time) (vendor.Result, error) {
	switch {
	case resp.Success:
		return vendor.Result{Kind: vendor.ResultSuccess, Data: resp.Data}, nil
	case resp.EmergencyStop:
		return vendor.Result{}, &vendor.EmergencyStopError{
			Until:  now.Add(time.Duration(resp.CooldownRemainingMs) * time.Millisecond),
			Reason: resp.Message,
		}
	case resp.Error == ReasonCircuitOpen:
		return vendor.Result{}, &vendor.CircuitOpenError{
			ResetAt: now.Add(time.Duration(resp.CooldownRemainingMs) * time.Millisecond),
		}
	case resp.ShouldWait:
		return vendor.Result{}, &vendor.LimitedError{
			WaitTime: time.Duration(resp.WaitTimeMs) * time.Millisecond,
			Reason:   resp.Error,
		}
	case resp.Error == ReasonInvalid:
		return vendor.Result{}, &vendor.ValidationError{Field: "request", Reason: resp.Message}
	case resp.VendorStatus == vendor.StatusRateLimited:
		return vendor.Result{Kind: vendor.ResultRateLimited, Status: resp.VendorStatus, Message: resp.Message}, nil
	case resp.VendorStatus != 0:
		return vendor.Result{Kind: vendor.ResultError, Status: resp.VendorStatus, Message: resp.Message}, nil
	case resp.Error == ReasonCancelled:
		return vendor.Result{}, context.Canceled
	default:
		return vendor.Result{}, &vendor.TransientError{Op: op, Err: errors.New(resp.Error)}
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
