package alerts

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/trackguard/pkg/blob"
	"github.com/rmax-ai/trackguard/pkg/store"
)

func seedAlerts(t *testing.T, db *store.Store, now time.Time, ages ...time.Duration) {
	t.Helper()
	for i, age := range ages {
		require.NoError(t, db.SaveAlert(context.Background(), store.AlertRecord{
			ID:        fmt.Sprintf("a%d", i),
			RuleID:    "overspeed",
			VehicleID: "dev-0001",
			Severity:  "warning",
			Timestamp: now.Add(-age),
		}))
	}
}

func newArchiveStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.NewStore(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestArchiver_WritesBatchesThenDeletes(t *testing.T) {
	db := newArchiveStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedAlerts(t, db, now, 72*time.Hour, 60*time.Hour, 50*time.Hour, time.Hour)

	blobs := blob.NewLocalStore(t.TempDir())
	a := NewArchiver(db, blobs, ArchiveConfig{Retention: 48 * time.Hour, BatchSize: 2}, testLogger())
	a.now = func() time.Time { return now }

	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	remaining, err := db.ListAlerts(context.Background(), store.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "a3", remaining[0].ID)

	keys, err := blobs.List(context.Background(), "alerts")
	require.NoError(t, err)
	require.Len(t, keys, 2, "batch size 2 splits three alerts into two blobs")

	var archived []string
	for _, key := range keys {
		records, err := ReadArchive(context.Background(), blobs, key)
		require.NoError(t, err)
		for _, r := range records {
			archived = append(archived, r.ID)
		}
	}
	assert.ElementsMatch(t, []string{"a0", "a1", "a2"}, archived)
}

func TestArchiver_DeletesWithoutBlobStore(t *testing.T) {
	db := newArchiveStore(t)
	now := time.Now().UTC()
	seedAlerts(t, db, now, 10*24*time.Hour, time.Minute)

	a := NewArchiver(db, nil, ArchiveConfig{Retention: 24 * time.Hour}, testLogger())
	a.now = func() time.Time { return now }

	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_ZeroRetentionKeepsEverything(t *testing.T) {
	db := newArchiveStore(t)
	seedAlerts(t, db, time.Now(), 1000*time.Hour)

	n, err := NewArchiver(db, nil, ArchiveConfig{}, testLogger()).ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
