package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rmax-ai/trackguard/pkg/backoff"
	"github.com/rmax-ai/trackguard/pkg/pubsub"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// ErrStopped is returned for work submitted to, or still queued in, a
// stopped RequestManager.
var ErrStopped = errors.New("request manager stopped")

const (
	kickInterval   = 5 * time.Second
	healthInterval = 30 * time.Second
)

// LimiterConfig holds the RequestManager protection parameters.
type LimiterConfig struct {
	// MinSpacing is the minimum gap between two call starts.
	MinSpacing time.Duration `json:"min_spacing"`
	// MaxPerWindow caps call starts within Window.
	MaxPerWindow int           `json:"max_per_window"`
	Window       time.Duration `json:"window"`
	// MaxConcurrent bounds calls in flight.
	MaxConcurrent int `json:"max_concurrent"`
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// PauseWindow is how long PauseAllRequests and vendor rate limits keep
	// the circuit open.
	PauseWindow time.Duration `json:"pause_window"`
	// MaxFrontRetries is how many retries of one item go to the head of its
	// tier; later retries join the back.
	MaxFrontRetries int `json:"max_front_retries"`
}

// DefaultLimiterConfig returns the production defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MinSpacing:       time.Second,
		MaxPerWindow:     30,
		Window:           time.Minute,
		MaxConcurrent:    3,
		FailureThreshold: 5,
		PauseWindow:      5 * time.Minute,
		MaxFrontRetries:  2,
	}
}

// LimiterPatch is a partial LimiterConfig for AdjustRateLimit. Nil fields
// are left unchanged.
type LimiterPatch struct {
	MinSpacing       *time.Duration `json:"min_spacing,omitempty"`
	MaxPerWindow     *int           `json:"max_per_window,omitempty"`
	Window           *time.Duration `json:"window,omitempty"`
	MaxConcurrent    *int           `json:"max_concurrent,omitempty"`
	FailureThreshold *int           `json:"failure_threshold,omitempty"`
	PauseWindow      *time.Duration `json:"pause_window,omitempty"`
	MaxFrontRetries  *int           `json:"max_front_retries,omitempty"`
}

// RequestConfig describes one submission.
type RequestConfig struct {
	Priority queue.Priority
	// Retries is how many times a retryable failure is requeued.
	Retries int
	// Timeout, when set, bounds the work's context.
	Timeout time.Duration
}

// HealthStatus is a point-in-time view of the RequestManager.
type HealthStatus struct {
	QueueLength         int       `json:"queue_length"`
	ActiveRequests      int       `json:"active_requests"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	CircuitResetAt      time.Time `json:"circuit_reset_at"`
	RequestsLastMinute  int       `json:"requests_last_minute"`
	CurrentBackoffMs    int64     `json:"current_backoff_ms"`
	IsHealthy           bool      `json:"is_healthy"`
}

type outcome struct {
	val any
	err error
}

type queuedRequest struct {
	id         string
	ctx        context.Context
	work       func(context.Context) (any, error)
	cfg        RequestConfig
	retryCount int
	enqueued   time.Time
	done       chan outcome
	once       sync.Once
}

func (r *queuedRequest) finish(val any, err error) {
	r.once.Do(func() {
		r.done <- outcome{val: val, err: err}
	})
}

// RequestManager guards every outbound vendor call of one process: a
// priority queue, spacing and windowed rate limits, a concurrency
// semaphore and a circuit breaker.
type RequestManager struct {
	logger  *slog.Logger
	backoff *backoff.Exponential
	now     func() time.Time

	queue   *queue.Queue[*queuedRequest]
	health  *pubsub.Broker[HealthStatus]
	wake    chan struct{}
	stopped chan struct{}

	mu           sync.Mutex
	cfg          LimiterConfig
	sem          *semaphore.Weighted
	calls        []time.Time
	lastCall     time.Time
	failures     int
	backoffDelay time.Duration
	circuitOpen  bool
	circuitReset time.Time
	active       int

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isStopped bool
}

// NewRequestManager creates a manager. Call Start to begin dispatching.
func NewRequestManager(cfg LimiterConfig, logger *slog.Logger) *RequestManager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = normalizeLimiter(cfg)
	m := &RequestManager{
		logger:  logger,
		backoff: backoff.Vendor(),
		now:     time.Now,
		queue:   queue.New[*queuedRequest](),
		health:  pubsub.NewBroker[HealthStatus](),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	m.backoffDelay = m.backoff.Next(0)
	return m
}

// SetBackoff replaces the failure backoff. Jitter should stay zero so
// circuit reset times are predictable.
func (m *RequestManager) SetBackoff(b *backoff.Exponential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff = b
	m.backoffDelay = b.Next(0)
}

func normalizeLimiter(cfg LimiterConfig) LimiterConfig {
	def := DefaultLimiterConfig()
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.PauseWindow <= 0 {
		cfg.PauseWindow = def.PauseWindow
	}
	if cfg.MaxFrontRetries < 0 {
		cfg.MaxFrontRetries = 0
	}
	return cfg
}

// Start launches the dispatcher. It is a no-op when already running.
func (m *RequestManager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil || m.isStopped {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts dispatching and fails everything still queued with ErrStopped.
// In-flight work is left to finish on its own.
func (m *RequestManager) Stop() {
	m.lifecycle.Lock()
	if m.isStopped {
		m.lifecycle.Unlock()
		return
	}
	m.isStopped = true
	close(m.stopped)
	if m.cancel != nil {
		m.cancel()
	}
	m.lifecycle.Unlock()

	m.wg.Wait()
	for _, r := range m.queue.Drain() {
		r.finish(nil, ErrStopped)
	}
	m.health.Close()
}

func (m *RequestManager) run(ctx context.Context) {
	defer m.wg.Done()

	kick := time.NewTicker(kickInterval)
	defer kick.Stop()
	healthTick := time.NewTicker(healthInterval)
	defer healthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-kick.C:
		case <-healthTick.C:
			m.logHealth()
			continue
		}
		m.process(ctx)
	}
}

func (m *RequestManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// QueueRequest submits work and blocks until it completes, fails for good,
// or ctx ends. Cancelling ctx while queued removes the item; cancelling
// while in flight abandons the result.
func QueueRequest[T any](ctx context.Context, m *RequestManager, work func(context.Context) (T, error), cfg RequestConfig) (T, error) {
	var zero T
	val, err := m.submit(ctx, func(ctx context.Context) (any, error) {
		return work(ctx)
	}, cfg)
	if err != nil {
		return zero, err
	}
	out, _ := val.(T)
	return out, nil
}

// Do submits work that returns only an error.
func (m *RequestManager) Do(ctx context.Context, work func(context.Context) error, cfg RequestConfig) error {
	_, err := m.submit(ctx, func(ctx context.Context) (any, error) {
		return nil, work(ctx)
	}, cfg)
	return err
}

func (m *RequestManager) submit(ctx context.Context, work func(context.Context) (any, error), cfg RequestConfig) (any, error) {
	select {
	case <-m.stopped:
		return nil, ErrStopped
	default:
	}
	if cfg.Priority == "" {
		cfg.Priority = queue.PriorityMedium
	}

	r := &queuedRequest{
		id:       uuid.NewString(),
		ctx:      ctx,
		work:     work,
		cfg:      cfg,
		enqueued: m.now(),
		done:     make(chan outcome, 1),
	}
	m.queue.Push(cfg.Priority, r)
	m.updateQueueGauge()
	m.abandonIfStopped(r)
	m.signal()

	select {
	case out := <-r.done:
		return out.val, out.err
	case <-ctx.Done():
		if m.queue.Remove(func(q *queuedRequest) bool { return q.id == r.id }) {
			m.updateQueueGauge()
		}
		r.finish(nil, ctx.Err())
		return nil, ctx.Err()
	}
}

func (m *RequestManager) process(ctx context.Context) {
	for {
		r, _, ok := m.queue.Pop()
		if !ok {
			return
		}
		m.updateQueueGauge()

		if err := r.ctx.Err(); err != nil {
			r.finish(nil, err)
			continue
		}
		if err := m.checkCircuit(); err != nil {
			RequestsTotal.WithLabelValues(string(r.cfg.Priority), "circuit_open").Inc()
			r.finish(nil, err)
			continue
		}

		sem, err := m.acquire(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				r.finish(nil, ErrStopped)
				return
			}
			r.finish(nil, err)
			continue
		}
		go m.execute(r, sem)
	}
}

// checkCircuit fails fast while the circuit is open. Once the reset time
// has passed the circuit closes and the next call is a probe.
func (m *RequestManager) checkCircuit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.circuitOpen {
		return nil
	}
	if m.now().Before(m.circuitReset) {
		return &vendor.CircuitOpenError{ResetAt: m.circuitReset}
	}
	m.circuitOpen = false
	CircuitOpen.Set(0)
	m.logger.Info("circuit_half_open", "consecutive_failures", m.failures)
	return nil
}

// acquire waits out spacing and the rolling window, then takes a
// concurrency slot. The call start is recorded before returning.
func (m *RequestManager) acquire(ctx context.Context, r *queuedRequest) (*semaphore.Weighted, error) {
	for {
		wait := m.rateDelay()
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-r.ctx.Done():
			timer.Stop()
			return nil, r.ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	sem := m.sem
	m.mu.Unlock()

	acquireCtx, cancel := mergeDone(ctx, r.ctx)
	defer cancel()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, r.ctx.Err()
	}

	// The circuit may have opened while we waited for a slot.
	if err := m.checkCircuit(); err != nil {
		sem.Release(1)
		return nil, err
	}

	m.mu.Lock()
	now := m.now()
	m.lastCall = now
	m.calls = append(m.calls, now)
	m.active++
	m.mu.Unlock()
	return sem, nil
}

// rateDelay returns how long until the next call may start.
func (m *RequestManager) rateDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.pruneCalls(now)

	var wait time.Duration
	if !m.lastCall.IsZero() {
		if d := m.lastCall.Add(m.cfg.MinSpacing).Sub(now); d > wait {
			wait = d
		}
	}
	if len(m.calls) >= m.cfg.MaxPerWindow {
		if d := m.calls[0].Add(m.cfg.Window).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// pruneCalls drops timestamps older than the window. Caller holds mu.
func (m *RequestManager) pruneCalls(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.calls) && !m.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		m.calls = append(m.calls[:0], m.calls[i:]...)
	}
}

func (m *RequestManager) execute(r *queuedRequest, sem *semaphore.Weighted) {
	workCtx := r.ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(r.ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := m.now()
	val, err := r.work(workCtx)
	RequestLatency.Observe(m.now().Sub(start).Seconds())

	sem.Release(1)
	m.mu.Lock()
	m.active--
	m.mu.Unlock()

	m.recordOutcome(err)
	defer m.signal()

	if err == nil {
		RequestsTotal.WithLabelValues(string(r.cfg.Priority), "success").Inc()
		r.finish(val, nil)
		return
	}

	if r.ctx.Err() == nil && vendor.IsRetryable(err) && r.retryCount < r.cfg.Retries {
		RequestsTotal.WithLabelValues(string(r.cfg.Priority), "retry").Inc()
		r.retryCount++
		m.scheduleRetry(r, err)
		return
	}

	RequestsTotal.WithLabelValues(string(r.cfg.Priority), "failure").Inc()
	r.finish(nil, err)
}

// scheduleRetry pauses for the current backoff, or for the limiter's
// suggested wait, then requeues the item.
func (m *RequestManager) scheduleRetry(r *queuedRequest, cause error) {
	m.mu.Lock()
	pause := m.backoffDelay
	front := r.retryCount <= m.cfg.MaxFrontRetries
	m.mu.Unlock()

	var limited *vendor.LimitedError
	if errors.As(cause, &limited) && limited.WaitTime > pause {
		pause = limited.WaitTime
	}

	m.logger.Debug("request_retry_scheduled",
		"request_id", r.id,
		"attempt", r.retryCount,
		"pause", pause,
		"front", front,
		"error", cause,
	)

	go func() {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			r.finish(nil, r.ctx.Err())
			return
		case <-m.stopped:
			r.finish(nil, ErrStopped)
			return
		}
		if front {
			m.queue.PushFront(r.cfg.Priority, r)
		} else {
			m.queue.Push(r.cfg.Priority, r)
		}
		m.updateQueueGauge()
		m.abandonIfStopped(r)
		m.signal()
	}()
}

// abandonIfStopped fails r when it was queued after Stop drained the queue.
func (m *RequestManager) abandonIfStopped(r *queuedRequest) {
	select {
	case <-m.stopped:
		if m.queue.Remove(func(q *queuedRequest) bool { return q == r }) {
			r.finish(nil, ErrStopped)
		}
	default:
	}
}

func (m *RequestManager) recordOutcome(err error) {
	m.mu.Lock()
	now := m.now()

	var (
		stop    *vendor.EmergencyStopError
		circuit *vendor.CircuitOpenError
		invalid *vendor.ValidationError
	)
	switch {
	case err == nil:
		m.failures = 0
		m.backoffDelay = m.backoff.Next(0)
	case errors.As(err, &stop):
		// The gateway's lockout is authoritative; mirror it locally.
		until := stop.Until
		if !until.After(now) {
			until = now.Add(m.cfg.PauseWindow)
		}
		m.openCircuit(until, "emergency_stop")
	case errors.As(err, &circuit):
		if circuit.ResetAt.After(now) {
			m.openCircuit(circuit.ResetAt, "remote_circuit_open")
		}
	case vendor.IsRateLimit(err):
		m.failures++
		m.backoffDelay = m.backoff.Next(m.failures)
		m.openCircuit(now.Add(m.cfg.PauseWindow), "vendor_rate_limited")
	case errors.As(err, &invalid), errors.Is(err, context.Canceled):
	default:
		m.failures++
		m.backoffDelay = m.backoff.Next(m.failures)
		if m.failures >= m.cfg.FailureThreshold {
			m.openCircuit(now.Add(2*m.backoffDelay), "failure_threshold")
		}
	}
	m.mu.Unlock()

	m.publishHealth()
}

// openCircuit opens (or extends) the circuit. Caller holds mu.
func (m *RequestManager) openCircuit(until time.Time, reason string) {
	if m.circuitOpen && m.circuitReset.After(until) {
		return
	}
	m.circuitOpen = true
	m.circuitReset = until
	CircuitOpen.Set(1)
	m.logger.Warn("circuit_opened",
		"reason", reason,
		"consecutive_failures", m.failures,
		"reset_at", until,
	)
}

// HealthStatus returns the current health snapshot.
func (m *RequestManager) HealthStatus() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.pruneCalls(now)

	open := m.circuitOpen && now.Before(m.circuitReset)
	h := HealthStatus{
		QueueLength:         m.queue.Len(),
		ActiveRequests:      m.active,
		ConsecutiveFailures: m.failures,
		CircuitOpen:         open,
		RequestsLastMinute:  countSince(m.calls, now.Add(-time.Minute)),
		CurrentBackoffMs:    m.backoffDelay.Milliseconds(),
		IsHealthy:           !open && m.failures < 3,
	}
	if open {
		h.CircuitResetAt = m.circuitReset
	}
	return h
}

func countSince(ts []time.Time, since time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(since) {
			n++
		}
	}
	return n
}

// Subscribe streams a HealthStatus after every state change.
func (m *RequestManager) Subscribe(buffer int) (<-chan HealthStatus, func()) {
	return m.health.Subscribe(buffer)
}

func (m *RequestManager) publishHealth() {
	m.health.Publish(m.HealthStatus())
}

// PauseAllRequests opens the circuit for the pause window.
func (m *RequestManager) PauseAllRequests() {
	m.mu.Lock()
	until := m.now().Add(m.cfg.PauseWindow)
	m.circuitOpen = true
	m.circuitReset = until
	CircuitOpen.Set(1)
	m.mu.Unlock()

	m.logger.Warn("requests_paused", "until", until)
	m.publishHealth()
}

// ResumeRequests closes the circuit and clears failure state.
func (m *RequestManager) ResumeRequests() {
	m.mu.Lock()
	m.circuitOpen = false
	m.circuitReset = time.Time{}
	m.failures = 0
	m.backoffDelay = m.backoff.Next(0)
	CircuitOpen.Set(0)
	m.mu.Unlock()

	m.logger.Info("requests_resumed")
	m.publishHealth()
	m.signal()
}

// AdjustRateLimit merges patch into the limiter configuration. A new
// MaxConcurrent applies to calls started after the change.
func (m *RequestManager) AdjustRateLimit(patch LimiterPatch) LimiterConfig {
	m.mu.Lock()
	cfg := m.cfg
	if patch.MinSpacing != nil {
		cfg.MinSpacing = *patch.MinSpacing
	}
	if patch.MaxPerWindow != nil {
		cfg.MaxPerWindow = *patch.MaxPerWindow
	}
	if patch.Window != nil {
		cfg.Window = *patch.Window
	}
	if patch.MaxConcurrent != nil {
		cfg.MaxConcurrent = *patch.MaxConcurrent
	}
	if patch.FailureThreshold != nil {
		cfg.FailureThreshold = *patch.FailureThreshold
	}
	if patch.PauseWindow != nil {
		cfg.PauseWindow = *patch.PauseWindow
	}
	if patch.MaxFrontRetries != nil {
		cfg.MaxFrontRetries = *patch.MaxFrontRetries
	}
	cfg = normalizeLimiter(cfg)
	if cfg.MaxConcurrent != m.cfg.MaxConcurrent {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	m.cfg = cfg
	m.mu.Unlock()

	m.logger.Info("rate_limit_adjusted",
		"min_spacing", cfg.MinSpacing,
		"max_per_window", cfg.MaxPerWindow,
		"max_concurrent", cfg.MaxConcurrent,
	)
	m.signal()
	return cfg
}

// Limits returns the active limiter configuration.
func (m *RequestManager) Limits() LimiterConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *RequestManager) updateQueueGauge() {
	for p, n := range m.queue.Counts() {
		QueueDepth.WithLabelValues(string(p)).Set(float64(n))
	}
}

func (m *RequestManager) logHealth() {
	h := m.HealthStatus()
	m.logger.Info("request_manager_health",
		"queue_length", h.QueueLength,
		"active", h.ActiveRequests,
		"consecutive_failures", h.ConsecutiveFailures,
		"circuit_open", h.CircuitOpen,
		"requests_last_minute", h.RequestsLastMinute,
		"backoff_ms", h.CurrentBackoffMs,
		"healthy", h.IsHealthy,
	)
}

// mergeDone returns a context cancelled when either parent is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
