package alerts

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/trackguard/pkg/blob"
	"github.com/rmax-ai/trackguard/pkg/store"
)

// ArchiveStore is the persisted history the archiver drains.
type ArchiveStore interface {
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]store.AlertRecord, error)
	DeleteAlerts(ctx context.Context, ids []string) (int64, error)
}

// ArchiveConfig holds configuration for the Archiver.
type ArchiveConfig struct {
	Retention     time.Duration `json:"retention"`
	BatchSize     int           `json:"batch_size"`
	CheckInterval time.Duration `json:"check_interval"`
}

// Archiver moves alerts older than the retention window out of the history
// store. With a blob store each batch is first written as gzipped JSON lines
// under alerts/YYYY/MM/DD/; without one, expired alerts are simply deleted.
type Archiver struct {
	store  ArchiveStore
	blobs  blob.Store
	config ArchiveConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. blobs may be nil.
func NewArchiver(st ArchiveStore, blobs blob.Store, cfg ArchiveConfig, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: st, blobs: blobs, config: cfg, logger: logger, now: time.Now}
}

// Run archives on every tick until ctx ends.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.ArchiveOnce(ctx)
			if err != nil {
				a.logger.Error("alert_archive_failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("alerts_archived", "count", n, "to_blob", a.blobs != nil)
			}
		}
	}
}

// ArchiveOnce drains every expired alert in batches and returns how many
// were removed from the history store.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	if a.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := a.now().Add(-a.config.Retention)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		records, err := a.store.ListAlerts(ctx, store.AlertFilter{
			To:          cutoff,
			Limit:       a.config.BatchSize,
			OldestFirst: true,
		})
		if err != nil {
			return total, fmt.Errorf("failed to read expired alerts: %w", err)
		}
		if len(records) == 0 {
			return total, nil
		}
		if err := a.processBatch(ctx, records); err != nil {
			return total, err
		}
		total += len(records)
		if len(records) < a.config.BatchSize {
			return total, nil
		}
	}
}

func (a *Archiver) processBatch(ctx context.Context, records []store.AlertRecord) error {
	if a.blobs != nil {
		var buf bytes.Buffer
		gzWriter := gzip.NewWriter(&buf)
		encoder := json.NewEncoder(gzWriter)
		for _, r := range records {
			if err := encoder.Encode(r); err != nil {
				gzWriter.Close()
				return fmt.Errorf("failed to encode alert %s: %w", r.ID, err)
			}
		}
		if err := gzWriter.Close(); err != nil {
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}

		first, last := records[0].Timestamp.UTC(), records[len(records)-1].Timestamp.UTC()
		key := archiveKey(first, last)
		if err := a.blobs.Put(ctx, key, &buf); err != nil {
			return fmt.Errorf("failed to upload archive: %w", err)
		}
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if _, err := a.store.DeleteAlerts(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete archived alerts: %w", err)
	}
	return nil
}

func archiveKey(first, last time.Time) string {
	year, month, day := first.Date()
	return fmt.Sprintf("alerts/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
		year, month, day, first.Unix(), last.Unix(), uuid.NewString())
}

// ReadArchive decodes one archived batch.
func ReadArchive(ctx context.Context, blobs blob.Store, key string) ([]store.AlertRecord, error) {
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", key, err)
	}
	defer gz.Close()

	var out []store.AlertRecord
	dec := json.NewDecoder(gz)
	for dec.More() {
		var r store.AlertRecord
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode archive %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}
