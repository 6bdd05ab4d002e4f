package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

func fastPolling() PollingConfig {
	return PollingConfig{
		MinInterval:     time.Second,
		MaxInterval:     time.Minute,
		InitialInterval: 10 * time.Second,
		BatchDelays: map[queue.Priority]time.Duration{
			queue.PriorityHigh:   time.Millisecond,
			queue.PriorityMedium: time.Millisecond,
			queue.PriorityLow:    time.Millisecond,
		},
	}
}

func TestSmartPolling_CreateDeviceBatchesPartitions(t *testing.T) {
	sp := NewSmartPolling(newTestManager(t, fastLimiter()), DefaultPollingConfig(), testLogger())
	rng := rand.New(rand.NewSource(7))
	now := time.Now()

	for round := 0; round < 50; round++ {
		n := rng.Intn(300)
		ids := make([]string, 0, n)
		activity := ActivityMap{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("dev-%d", i)
			ids = append(ids, id)
			switch rng.Intn(4) {
			case 0:
				activity[id] = now.Add(-time.Duration(rng.Intn(59)) * time.Minute)
			case 1:
				activity[id] = now.Add(-2 * time.Hour)
			case 2:
				activity[id] = now.Add(-48 * time.Hour)
			}
		}
		// Duplicates must not produce a second membership.
		if n > 0 {
			ids = append(ids, ids[0])
		}

		batches := sp.CreateDeviceBatches(ids, activity)
		seen := map[string]int{}
		for _, b := range batches {
			require.NotEmpty(t, b.DeviceIDs)
			assert.LessOrEqual(t, len(b.DeviceIDs), sp.Config().BatchSizes[b.Priority])
			for _, id := range b.DeviceIDs {
				seen[id]++
				last, ok := activity[id]
				assert.Equal(t, sp.Tier(last, ok), b.Priority, "device %s in wrong tier", id)
			}
		}
		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "device %s batched %d times", id, count)
		}
	}
}

func TestSmartPolling_CreateDeviceBatchesSkipsBlankIDs(t *testing.T) {
	sp := NewSmartPolling(newTestManager(t, fastLimiter()), DefaultPollingConfig(), testLogger())

	batches := sp.CreateDeviceBatches([]string{"dev-1", "", "dev-2", "dev-1"}, nil)
	var ids []string
	for _, b := range batches {
		ids = append(ids, b.DeviceIDs...)
	}
	assert.ElementsMatch(t, []string{"dev-1", "dev-2"}, ids)
	assert.Empty(t, sp.CreateDeviceBatches([]string{""}, nil))
}

func TestSmartPolling_Tiers(t *testing.T) {
	sp := NewSmartPolling(newTestManager(t, fastLimiter()), DefaultPollingConfig(), testLogger())
	now := time.Now()

	batches := sp.CreateDeviceBatches([]string{"a", "b", "c", "d"}, ActivityMap{
		"a": now.Add(-10 * time.Minute),
		"b": now.Add(-3 * time.Hour),
		"c": now.Add(-7 * time.Hour),
	})
	require.Len(t, batches, 3)
	assert.Equal(t, DeviceBatch{DeviceIDs: []string{"a"}, Priority: queue.PriorityHigh}, batches[0])
	assert.Equal(t, DeviceBatch{DeviceIDs: []string{"b"}, Priority: queue.PriorityMedium}, batches[1])
	assert.Equal(t, DeviceBatch{DeviceIDs: []string{"c", "d"}, Priority: queue.PriorityLow}, batches[2])
}

func TestSmartPolling_AdaptiveInterval(t *testing.T) {
	sp := NewSmartPolling(newTestManager(t, fastLimiter()), fastPolling(), testLogger())

	prev := sp.Interval()
	for i := 0; i < 20; i++ {
		got := sp.CalculateAdaptiveInterval(true)
		assert.LessOrEqual(t, got, prev)
		assert.GreaterOrEqual(t, got, time.Second)
		prev = got
	}
	assert.Equal(t, time.Second, prev, "interval should settle at the floor")

	// Two empty polls leave the interval alone; the third grows it.
	assert.Equal(t, time.Second, sp.CalculateAdaptiveInterval(false))
	assert.Equal(t, time.Second, sp.CalculateAdaptiveInterval(false))
	assert.Equal(t, 1200*time.Millisecond, sp.CalculateAdaptiveInterval(false))

	for i := 0; i < 50; i++ {
		got := sp.CalculateAdaptiveInterval(false)
		assert.GreaterOrEqual(t, got, prev)
		assert.LessOrEqual(t, got, time.Minute)
		prev = got
	}
	assert.Equal(t, time.Minute, prev, "interval should settle at the ceiling")

	// New data resets the empty-poll counter.
	sp.CalculateAdaptiveInterval(true)
	shrunk := sp.Interval()
	assert.Equal(t, shrunk, sp.CalculateAdaptiveInterval(false))
}

func TestSmartPolling_ExecuteBatchedPollingContinuesAfterFailure(t *testing.T) {
	m := newTestManager(t, fastLimiter())
	m.Start(context.Background())
	sp := NewSmartPolling(m, fastPolling(), testLogger())

	batches := []DeviceBatch{
		{DeviceIDs: []string{"a"}, Priority: queue.PriorityHigh},
		{DeviceIDs: []string{"b"}, Priority: queue.PriorityMedium},
		{DeviceIDs: []string{"c"}, Priority: queue.PriorityLow},
	}
	attempts := map[string]int{}
	results := sp.ExecuteBatchedPolling(context.Background(), batches, func(_ context.Context, b DeviceBatch) ([]vendor.Position, error) {
		id := b.DeviceIDs[0]
		attempts[id]++
		if id == "b" {
			return nil, &vendor.TransientError{Op: "last_position", Err: errors.New("timeout")}
		}
		return []vendor.Position{{DeviceID: id}}, nil
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Positions, 1)
	assert.Error(t, results[1].Err)
	assert.Empty(t, results[1].Positions)
	assert.NoError(t, results[2].Err)

	// Medium batches get two retries.
	assert.Equal(t, 3, attempts["b"])
	assert.Equal(t, 1, attempts["a"])
}

func TestSmartPolling_ExecuteBatchedPollingCancelled(t *testing.T) {
	m := newTestManager(t, fastLimiter())
	m.Start(context.Background())
	sp := NewSmartPolling(m, fastPolling(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := sp.ExecuteBatchedPolling(ctx, []DeviceBatch{{DeviceIDs: []string{"a"}, Priority: queue.PriorityLow}}, func(context.Context, DeviceBatch) ([]vendor.Position, error) {
		t.Fatal("poll should not run")
		return nil, nil
	})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestSmartPolling_OptimalSettings(t *testing.T) {
	m := newTestManager(t, fastLimiter())
	m.Start(context.Background())
	sp := NewSmartPolling(m, fastPolling(), testLogger())

	s := sp.GetOptimalPollingSettings()
	assert.Equal(t, HealthExcellent, s.Health)
	assert.Equal(t, time.Second, s.Interval)
	assert.Equal(t, 50, s.BatchSize)

	_ = m.Do(context.Background(), func(context.Context) error {
		return &vendor.TransientError{Err: errors.New("x")}
	}, RequestConfig{})
	s = sp.GetOptimalPollingSettings()
	assert.Equal(t, HealthFair, s.Health)
	assert.Equal(t, 20*time.Second, s.Interval)

	m.PauseAllRequests()
	s = sp.GetOptimalPollingSettings()
	assert.Equal(t, HealthPoor, s.Health)
	assert.Equal(t, time.Minute, s.Interval)
	assert.Equal(t, 10, s.BatchSize)
}
