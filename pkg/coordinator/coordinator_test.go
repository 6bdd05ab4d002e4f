package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/store"
	redisstore "github.com/rmax-ai/trackguard/pkg/store/redis"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

var (
	_ StateStore       = (*store.Store)(nil)
	_ StateStore       = (*redisstore.RedisStateStore)(nil)
	_ Limiter          = (*redisstore.RedisLimiter)(nil)
	_ Cache            = (*redisstore.RedisCache)(nil)
	_ store.LeaseStore = (*redisstore.RedisLeaseStore)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// scriptedVendor answers with a numbered payload and can hold calls until
// released.
type scriptedVendor struct {
	mu       sync.Mutex
	calls    []vendor.Request
	gate     chan struct{}
	results  []vendor.Result
	counter  int
	entered  chan struct{}
	onCalled func()
}

func (s *scriptedVendor) Call(ctx context.Context, req vendor.Request) (vendor.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.counter++
	n := s.counter
	gate := s.gate
	var scripted *vendor.Result
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		scripted = &r
	}
	onCalled := s.onCalled
	s.mu.Unlock()

	if onCalled != nil {
		onCalled()
	}
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return vendor.Result{}, ctx.Err()
		}
	}
	if scripted != nil {
		return *scripted, nil
	}
	data, _ := json.Marshal(map[string]int{"n": n})
	return vendor.Result{Kind: vendor.ResultSuccess, Data: data}, nil
}

func (s *scriptedVendor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedVendor) requests() []vendor.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vendor.Request(nil), s.calls...)
}

func newTestCoordinator(t *testing.T, caller vendor.Caller, cfg Config, b Backends) *Coordinator {
	t.Helper()
	c := New(caller, cfg, b, testLogger())
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func positionsRequest(ids ...string) Request {
	return Request{
		Action:   vendor.ActionLastPosition,
		Params:   vendor.Params{"device_ids": ids},
		Priority: queue.PriorityMedium,
	}
}

func TestCoordinator_Validation(t *testing.T) {
	c := newTestCoordinator(t, &scriptedVendor{}, Config{}, Backends{})

	resp := c.Handle(context.Background(), Request{})
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonInvalid, resp.Error)
	assert.Equal(t, http.StatusBadRequest, resp.HTTPStatus)

	resp = c.Handle(context.Background(), Request{Action: vendor.ActionLogin, Priority: "urgent"})
	assert.Equal(t, ReasonInvalid, resp.Error)
}

func TestCoordinator_CacheServedUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	sv := &scriptedVendor{}
	c := New(sv, Config{CacheTTL: time.Minute}, Backends{}, testLogger())
	c.now = clock.Now
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	ctx := context.Background()
	first := c.Handle(ctx, positionsRequest("dev-0001", "dev-0002"))
	require.True(t, first.Success)
	assert.False(t, first.FromCache)
	assert.Equal(t, 1, sv.count())

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		again := c.Handle(ctx, positionsRequest("dev-0001", "dev-0002"))
		require.True(t, again.Success)
		assert.True(t, again.FromCache)
		assert.Equal(t, []byte(first.Data), []byte(again.Data))
	}
	assert.Equal(t, 1, sv.count())

	// Different params are a different key.
	other := c.Handle(ctx, positionsRequest("dev-0003"))
	assert.False(t, other.FromCache)
	assert.Equal(t, 2, sv.count())

	clock.Advance(11 * time.Second)
	fresh := c.Handle(ctx, positionsRequest("dev-0001", "dev-0002"))
	require.True(t, fresh.Success)
	assert.False(t, fresh.FromCache)
	assert.NotEqual(t, []byte(first.Data), []byte(fresh.Data))
	assert.Equal(t, 3, sv.count())

	h := c.Health(ctx)
	assert.EqualValues(t, 5, h.CacheHits)
	assert.EqualValues(t, 3, h.VendorCalls)
	assert.Equal(t, 2, h.CacheSize)
}

func TestCoordinator_MinimumSpacing(t *testing.T) {
	const spacing = 20 * time.Millisecond
	sv := &scriptedVendor{}
	c := New(sv, Config{MinSpacing: spacing}, Backends{}, testLogger())

	var mu sync.Mutex
	var starts []time.Time
	sv.onCalled = func() {
		c.mu.Lock()
		at := c.lastCall
		c.mu.Unlock()
		mu.Lock()
		starts = append(starts, at)
		mu.Unlock()
	}
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := c.Handle(context.Background(), Request{
				Action: vendor.ActionHistoryTracks,
				Params: vendor.Params{"n": i},
			})
			assert.True(t, resp.Success)
		}(i)
	}
	wg.Wait()

	require.Len(t, starts, 15)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), spacing, "calls %d and %d too close", i-1, i)
	}
}

func TestCoordinator_PriorityOrder(t *testing.T) {
	sv := &scriptedVendor{gate: make(chan struct{}), entered: make(chan struct{}, 10)}
	c := newTestCoordinator(t, sv, Config{}, Backends{})

	ctx := context.Background()
	results := make(chan Response, 4)
	submit := func(name string, p queue.Priority) {
		go func() {
			results <- c.Handle(ctx, Request{Action: vendor.ActionHistoryTracks, Params: vendor.Params{"name": name}, Priority: p})
		}()
	}

	submit("blocker", queue.PriorityLow)
	<-sv.entered

	submit("low", queue.PriorityLow)
	require.Eventually(t, func() bool { return c.Health(ctx).QueueLength == 1 }, time.Second, time.Millisecond)
	submit("medium", queue.PriorityMedium)
	require.Eventually(t, func() bool { return c.Health(ctx).QueueLength == 2 }, time.Second, time.Millisecond)
	submit("high", queue.PriorityHigh)
	require.Eventually(t, func() bool { return c.Health(ctx).QueueLength == 3 }, time.Second, time.Millisecond)

	close(sv.gate)
	for i := 0; i < 4; i++ {
		<-results
	}

	var order []string
	for _, r := range sv.requests() {
		order = append(order, r.Params["name"].(string))
	}
	assert.Equal(t, []string{"blocker", "high", "medium", "low"}, order)
}

func TestCoordinator_VendorRateLimitLocksOut(t *testing.T) {
	clock := newFakeClock()
	sv := &scriptedVendor{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 10),
		results: []vendor.Result{{Kind: vendor.ResultRateLimited, Status: vendor.StatusRateLimited, Message: "request too frequent"}},
	}
	state := NewMemoryStateStore()
	c := New(sv, Config{Cooldown: 30 * time.Minute}, Backends{State: state}, testLogger())
	c.now = clock.Now
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	ctx := context.Background()
	first := make(chan Response, 1)
	go func() { first <- c.Handle(ctx, positionsRequest("dev-0001")) }()
	<-sv.entered

	queued := make(chan Response, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			queued <- c.Handle(ctx, Request{Action: vendor.ActionHistoryTracks, Params: vendor.Params{"n": i}})
		}(i)
	}
	require.Eventually(t, func() bool { return c.Health(ctx).QueueLength == 3 }, time.Second, time.Millisecond)

	close(sv.gate)
	resp := <-first
	assert.True(t, resp.EmergencyStop)
	assert.Equal(t, vendor.StatusRateLimited, resp.VendorStatus)
	assert.Equal(t, http.StatusServiceUnavailable, resp.HTTPStatus)

	for i := 0; i < 3; i++ {
		r := <-queued
		assert.True(t, r.EmergencyStop, "queued request should be dropped with the lockout")
	}
	assert.Equal(t, 0, c.Health(ctx).QueueLength)
	assert.Equal(t, 1, sv.count())

	st, err := state.GetEmergencyStop(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), st.Until)

	for elapsed := time.Duration(0); elapsed < 30*time.Minute; elapsed += 5 * time.Minute {
		r := c.Handle(ctx, positionsRequest("dev-0002"))
		assert.True(t, r.EmergencyStop, "at +%s", elapsed)
		assert.Positive(t, r.CooldownRemainingMs)
		clock.Advance(5 * time.Minute)
	}
	assert.Equal(t, 1, sv.count(), "no vendor call during the lockout")

	clock.Advance(time.Second)
	r := c.Handle(ctx, positionsRequest("dev-0002"))
	assert.True(t, r.Success)
	assert.Equal(t, 2, sv.count())

	h := c.Health(ctx)
	assert.False(t, h.EmergencyStop)
	assert.EqualValues(t, 1, h.RateLimitHits)
}

func TestCoordinator_LockoutVisibleToOtherInstances(t *testing.T) {
	db, err := store.NewStore(filepath.Join(t.TempDir(), "trackguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sv := &scriptedVendor{results: []vendor.Result{{Kind: vendor.ResultRateLimited, Status: vendor.StatusRateLimited}}}
	a := newTestCoordinator(t, sv, Config{}, Backends{State: db})
	resp := a.Handle(context.Background(), positionsRequest("dev-0001"))
	require.True(t, resp.EmergencyStop)

	other := &scriptedVendor{}
	b := newTestCoordinator(t, other, Config{}, Backends{State: db})
	resp = b.Handle(context.Background(), positionsRequest("dev-0001"))
	assert.True(t, resp.EmergencyStop)
	assert.Equal(t, 0, other.count())

	require.NoError(t, b.ClearEmergencyStop(context.Background()))
	resp = b.Handle(context.Background(), positionsRequest("dev-0001"))
	assert.True(t, resp.Success)
}

type stubLimiter struct {
	ok   bool
	wait time.Duration
	err  error
}

func (s stubLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return s.ok, s.wait, s.err
}

func TestCoordinator_LimiterRejects(t *testing.T) {
	sv := &scriptedVendor{}
	c := newTestCoordinator(t, sv, Config{}, Backends{Limiter: stubLimiter{wait: 2 * time.Second}})

	resp := c.Handle(context.Background(), positionsRequest("dev-0001"))
	assert.True(t, resp.ShouldWait)
	assert.EqualValues(t, 2000, resp.WaitTimeMs)
	assert.Equal(t, http.StatusTooManyRequests, resp.HTTPStatus)
	assert.Equal(t, 0, sv.count())
}

func TestCoordinator_LimiterFailureFallsBackToLocalSpacing(t *testing.T) {
	clock := newFakeClock()
	sv := &scriptedVendor{}
	c := New(sv, Config{MinSpacing: time.Hour}, Backends{Limiter: stubLimiter{err: errors.New("redis down")}}, testLogger())
	c.now = clock.Now
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	ctx := context.Background()
	assert.True(t, c.Handle(ctx, positionsRequest("dev-0001")).Success)

	resp := c.Handle(ctx, positionsRequest("dev-0002"))
	assert.True(t, resp.ShouldWait, "fallback must not admit unconditionally")
	assert.EqualValues(t, time.Hour.Milliseconds(), resp.WaitTimeMs)

	clock.Advance(time.Hour)
	assert.True(t, c.Handle(ctx, positionsRequest("dev-0002")).Success)
	assert.Equal(t, 2, sv.count())
}

func TestCoordinator_WaitsForCallSlot(t *testing.T) {
	db, err := store.NewStore(filepath.Join(t.TempDir(), "trackguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	const spacing = 150 * time.Millisecond
	ok, err := db.Acquire(context.Background(), store.LeaseVendorSlot, "other-instance", spacing)
	require.NoError(t, err)
	require.True(t, ok)

	sv := &scriptedVendor{}
	c := newTestCoordinator(t, sv, Config{MinSpacing: spacing}, Backends{Leases: db})

	start := time.Now()
	resp := c.Handle(context.Background(), positionsRequest("dev-0001"))
	require.True(t, resp.Success)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	l, err := db.Get(context.Background(), store.LeaseVendorSlot)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, c.holderID, l.HolderID)
}

func TestCoordinator_TransportFailuresOpenCircuit(t *testing.T) {
	failing := vendor.CallerFunc(func(context.Context, vendor.Request) (vendor.Result, error) {
		return vendor.Result{}, &vendor.TransientError{Op: "last_position", Err: errors.New("connection refused")}
	})
	c := newTestCoordinator(t, failing, Config{FailureThreshold: 3, FailurePause: time.Hour}, Backends{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		resp := c.Handle(ctx, positionsRequest("dev-0001"))
		assert.Equal(t, ReasonVendorUnavailable, resp.Error)
		assert.Equal(t, http.StatusBadGateway, resp.HTTPStatus)
	}
	resp := c.Handle(ctx, positionsRequest("dev-0001"))
	assert.Equal(t, ReasonCircuitOpen, resp.Error)
	assert.Equal(t, http.StatusServiceUnavailable, resp.HTTPStatus)
	assert.True(t, c.Health(ctx).CircuitOpen)
}

func TestCoordinator_VendorErrorNotCached(t *testing.T) {
	sv := &scriptedVendor{results: []vendor.Result{{Kind: vendor.ResultError, Status: 1003, Message: "bad token"}}}
	c := newTestCoordinator(t, sv, Config{}, Backends{})

	ctx := context.Background()
	resp := c.Handle(ctx, positionsRequest("dev-0001"))
	assert.Equal(t, ReasonVendorError, resp.Error)
	assert.Equal(t, 1003, resp.VendorStatus)

	resp = c.Handle(ctx, positionsRequest("dev-0001"))
	assert.True(t, resp.Success)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 2, sv.count())
}

func TestCoordinator_OperatorEmergencyStop(t *testing.T) {
	sv := &scriptedVendor{}
	c := newTestCoordinator(t, sv, Config{}, Backends{})
	ctx := context.Background()

	require.NoError(t, c.EmergencyStop(ctx, "maintenance", time.Hour))
	resp := c.Handle(ctx, positionsRequest("dev-0001"))
	assert.True(t, resp.EmergencyStop)
	assert.Equal(t, "maintenance", resp.Message)

	h := c.Health(ctx)
	assert.True(t, h.EmergencyStop)
	assert.Equal(t, "maintenance", h.EmergencyReason)

	require.NoError(t, c.ClearEmergencyStop(ctx))
	assert.True(t, c.Handle(ctx, positionsRequest("dev-0001")).Success)
}

func TestCoordinator_StopAnswersQueued(t *testing.T) {
	sv := &scriptedVendor{gate: make(chan struct{}), entered: make(chan struct{}, 10)}
	c := New(sv, Config{}, Backends{}, testLogger())
	c.Start(context.Background())

	ctx := context.Background()
	go c.Handle(ctx, positionsRequest("dev-0001"))
	<-sv.entered

	queued := make(chan Response, 1)
	go func() { queued <- c.Handle(ctx, positionsRequest("dev-0002")) }()
	require.Eventually(t, func() bool { return c.Health(ctx).QueueLength == 1 }, time.Second, time.Millisecond)

	c.Stop()
	assert.Equal(t, ReasonStopped, (<-queued).Error)
	assert.Equal(t, ReasonStopped, c.Handle(ctx, positionsRequest("dev-0003")).Error)
}

func TestCoordinator_CallerMapsResponses(t *testing.T) {
	mock := vendor.NewMockVendor(3)
	mock.SetConfig(vendor.MockConfig{})
	c := newTestCoordinator(t, mock, Config{}, Backends{})
	caller := c.Caller(queue.PriorityHigh, "test")

	res, err := caller.Call(context.Background(), vendor.Request{
		Action: vendor.ActionLastPosition,
		Params: vendor.Params{"device_ids": "dev-0001,dev-0002"},
	})
	require.NoError(t, err)
	positions, err := vendor.ParsePositions(res.Data)
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	mock.RateLimitNext(1)
	_, err = caller.Call(context.Background(), vendor.Request{Action: vendor.ActionDeviceList})
	var stop *vendor.EmergencyStopError
	require.ErrorAs(t, err, &stop)
	assert.True(t, stop.Until.After(time.Now()))
}

func TestCoordinator_CallerUsesRequestPriority(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []queue.Priority
	)
	mock := vendor.NewMockVendor(2)
	mock.SetConfig(vendor.MockConfig{})
	recorder := vendor.CallerFunc(func(ctx context.Context, req vendor.Request) (vendor.Result, error) {
		mu.Lock()
		seen = append(seen, req.Priority)
		mu.Unlock()
		return mock.Call(ctx, req)
	})
	c := newTestCoordinator(t, recorder, Config{}, Backends{})
	caller := c.Caller(queue.PriorityMedium, "test")

	_, err := caller.Call(context.Background(), vendor.Request{Action: vendor.ActionDeviceList})
	require.NoError(t, err)
	_, err = caller.Call(context.Background(), vendor.Request{
		Action:   vendor.ActionLastPosition,
		Params:   vendor.Params{"device_ids": "dev-0001"},
		Priority: queue.PriorityLow,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []queue.Priority{queue.PriorityMedium, queue.PriorityLow}, seen)
}

func TestCoordinator_LiveSessionReachesHighTier(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string]queue.Priority)
	)
	mock := vendor.NewMockVendor(4)
	mock.SetConfig(vendor.MockConfig{})
	recorder := vendor.CallerFunc(func(ctx context.Context, req vendor.Request) (vendor.Result, error) {
		mu.Lock()
		seen[vendor.DeviceIDsParam(req.Params)[0]] = req.Priority
		mu.Unlock()
		return mock.Call(ctx, req)
	})
	c := newTestCoordinator(t, recorder, Config{}, Backends{})

	requests := engine.NewRequestManager(engine.LimiterConfig{
		MaxPerWindow:     1000,
		Window:           time.Hour,
		MaxConcurrent:    4,
		FailureThreshold: 5,
		PauseWindow:      time.Minute,
	}, testLogger())
	requests.Start(context.Background())
	t.Cleanup(requests.Stop)
	polling := engine.NewSmartPolling(requests, engine.PollingConfig{
		MinInterval:     time.Second,
		MaxInterval:     time.Minute,
		InitialInterval: 10 * time.Second,
		BatchDelays: map[queue.Priority]time.Duration{
			queue.PriorityHigh:   time.Millisecond,
			queue.PriorityMedium: time.Millisecond,
			queue.PriorityLow:    time.Millisecond,
		},
	}, testLogger())
	facade := engine.NewSessionFacade(requests, polling,
		engine.NewVendorPollFunc(c.Caller(queue.PriorityMedium, "sessions")), testLogger())
	t.Cleanup(facade.Close)

	facade.RegisterUserActivity("dispatcher", []string{"dev-0001"}, true)
	require.NoError(t, facade.RegisterSession("live", []string{"dev-0001"}, time.Hour, nil, queue.PriorityLow))
	require.NoError(t, facade.RegisterSession("idle", []string{"dev-0002"}, time.Hour, nil, queue.PriorityLow))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, queue.PriorityHigh, seen["dev-0001"])
	assert.Equal(t, queue.PriorityLow, seen["dev-0002"])
}

func TestToResult(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		resp  Response
		check func(t *testing.T, res vendor.Result, err error)
	}{
		{"circuit", Response{Error: ReasonCircuitOpen, CooldownRemainingMs: 1000}, func(t *testing.T, _ vendor.Result, err error) {
			var ce *vendor.CircuitOpenError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, now.Add(time.Second), ce.ResetAt)
		}},
		{"limited", Response{Error: ReasonRateLimited, ShouldWait: true, WaitTimeMs: 250}, func(t *testing.T, _ vendor.Result, err error) {
			var le *vendor.LimitedError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, 250*time.Millisecond, le.WaitTime)
		}},
		{"vendor error", Response{Error: ReasonVendorError, VendorStatus: 1003}, func(t *testing.T, res vendor.Result, err error) {
			require.NoError(t, err)
			assert.Equal(t, vendor.ResultError, res.Kind)
		}},
		{"unavailable", Response{Error: ReasonVendorUnavailable}, func(t *testing.T, _ vendor.Result, err error) {
			assert.True(t, vendor.IsRetryable(err))
		}},
		{"invalid", Response{Error: ReasonInvalid, Message: "bad"}, func(t *testing.T, _ vendor.Result, err error) {
			assert.False(t, vendor.IsRetryable(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ToResult("last_position", tt.resp, now)
			tt.check(t, res, err)
		})
	}
}
