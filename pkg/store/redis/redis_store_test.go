package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/trackguard/pkg/store"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestNewClient(t *testing.T) {
	mr, _ := setupMiniredis(t)
	client, err := NewClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.Close()

	if _, err := NewClient(context.Background(), "not a url"); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestRedisStateStore(t *testing.T) {
	mr, client := setupMiniredis(t)
	s := NewRedisStateStore(client)
	ctx := context.Background()

	st, err := s.GetEmergencyStop(ctx)
	if err != nil || !st.Until.IsZero() {
		t.Fatalf("expected empty state, got %+v, %v", st, err)
	}

	until := time.Now().Add(30 * time.Minute)
	if err := s.SetEmergencyStop(ctx, store.EmergencyState{Reason: "vendor_rate_limited", Until: until}); err != nil {
		t.Fatalf("SetEmergencyStop failed: %v", err)
	}
	st, err = s.GetEmergencyStop(ctx)
	if err != nil {
		t.Fatalf("GetEmergencyStop failed: %v", err)
	}
	if st.Reason != "vendor_rate_limited" || !st.ActiveAt(time.Now()) {
		t.Errorf("unexpected state %+v", st)
	}

	// The key lapses with the cooldown.
	mr.FastForward(31 * time.Minute)
	st, err = s.GetEmergencyStop(ctx)
	if err != nil || !st.Until.IsZero() {
		t.Errorf("expected lapsed state, got %+v, %v", st, err)
	}

	if err := s.SetEmergencyStop(ctx, store.EmergencyState{Reason: "operator", Until: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("SetEmergencyStop failed: %v", err)
	}
	if err := s.ClearEmergencyStop(ctx); err != nil {
		t.Fatalf("ClearEmergencyStop failed: %v", err)
	}
	if mr.Exists(keyPrefix + "state:" + store.KeyEmergencyStop) {
		t.Error("expected key to be deleted")
	}
}

func TestRedisLeaseStore(t *testing.T) {
	mr, client := setupMiniredis(t)
	s := NewRedisLeaseStore(client)
	ctx := context.Background()
	ttl := time.Second

	ok, err := s.Acquire(ctx, store.LeaseVendorSlot, "node1", ttl)
	if err != nil || !ok {
		t.Fatalf("expected node1 to acquire, got %v, %v", ok, err)
	}
	ok, err = s.Acquire(ctx, store.LeaseVendorSlot, "node1", ttl)
	if err != nil || !ok {
		t.Fatalf("expected node1 to renew, got %v, %v", ok, err)
	}
	ok, err = s.Acquire(ctx, store.LeaseVendorSlot, "node2", ttl)
	if err != nil || ok {
		t.Fatalf("expected node2 to be refused, got %v, %v", ok, err)
	}

	l, err := s.Get(ctx, store.LeaseVendorSlot)
	if err != nil || l == nil || l.HolderID != "node1" {
		t.Fatalf("expected node1 lease, got %+v, %v", l, err)
	}

	mr.FastForward(ttl + time.Millisecond)
	ok, err = s.Acquire(ctx, store.LeaseVendorSlot, "node2", ttl)
	if err != nil || !ok {
		t.Fatalf("expected node2 takeover, got %v, %v", ok, err)
	}

	if err := s.Renew(ctx, store.LeaseVendorSlot, "node1", ttl); err == nil {
		t.Error("expected renew by old holder to fail")
	}
	if err := s.Release(ctx, store.LeaseVendorSlot, "node1"); err != nil {
		t.Fatalf("Release by non-holder failed: %v", err)
	}
	if l, _ := s.Get(ctx, store.LeaseVendorSlot); l == nil || l.HolderID != "node2" {
		t.Errorf("release by non-holder must not delete, got %+v", l)
	}
	if err := s.Release(ctx, store.LeaseVendorSlot, "node2"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if l, _ := s.Get(ctx, store.LeaseVendorSlot); l != nil {
		t.Errorf("expected no lease, got %+v", l)
	}
}

func TestRedisLimiter(t *testing.T) {
	_, client := setupMiniredis(t)
	l := NewRedisLimiter(client, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "vendor")
		if err != nil || !ok {
			t.Fatalf("request %d: expected allow, got %v, %v", i, ok, err)
		}
	}
	ok, wait, err := l.Allow(ctx, "vendor")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Fatal("expected third request to be limited")
	}
	if wait <= 0 || wait > time.Hour {
		t.Errorf("unexpected wait %v", wait)
	}

	// Keys are independent.
	if ok, _, _ := l.Allow(ctx, "other"); !ok {
		t.Error("expected a separate key to be allowed")
	}
}

func TestRedisCache(t *testing.T) {
	mr, client := setupMiniredis(t)
	c := NewRedisCache(client)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, got %v, %v", ok, err)
	}

	now := time.Now()
	entry := store.CacheEntry{
		Data:      json.RawMessage(`[{"device_id":"dev-0001","lat":51.5}]`),
		StoredAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}
	if err := c.Set(ctx, "last_position|{}", entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := c.Get(ctx, "last_position|{}")
	if err != nil || !ok {
		t.Fatalf("expected hit, got %v, %v", ok, err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("data mismatch: %s", got.Data)
	}
	if !got.ExpiresAt.Equal(entry.ExpiresAt) {
		t.Errorf("expiry mismatch: %v vs %v", got.ExpiresAt, entry.ExpiresAt)
	}

	mr.FastForward(61 * time.Second)
	if _, ok, _ := c.Get(ctx, "last_position|{}"); ok {
		t.Error("expected entry to expire")
	}

	if err := c.Set(ctx, "stale", store.CacheEntry{ExpiresAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("Set of expired entry failed: %v", err)
	}
	if mr.Exists(keyPrefix + "cache:stale") {
		t.Error("expired entry should not be written")
	}
}
