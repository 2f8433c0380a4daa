package ingest

import (
	"context"
	"fmt"

	"github.com/chatmosaic/mosaic/internal/livesource"
	"github.com/chatmosaic/mosaic/internal/store"
)

// MaxBatches caps one sync invocation. A huge backlog drains across
// repeated invocations instead of holding a single run open.
const MaxBatches = 250

// LiveSourceLabel names the singleton live data source.
const LiveSourceLabel = "Local macOS Messages"

// SyncOptions tune one live sync run. Zero values mean defaults.
type SyncOptions struct {
	ChatDBPath string
	BatchSize  int
	MaxBatches int
}

// SyncResult reports one live sync run.
type SyncResult struct {
	SourceID  string `json:"source_id"`
	Scanned   int    `json:"scanned"`
	Inserted  int    `json:"inserted"`
	Skipped   int    `json:"skipped"`
	Batches   int    `json:"batches"`
	Watermark int64  `json:"watermark"`
}

// SyncLive scans chat.db forward from the stored watermark in bounded
// batches. Access is checked before anything is written, so a
// permissions problem surfaces as a typed error with the remediation
// hint and leaves the store untouched. The watermark advances only
// after a batch fully persists; a failed batch is retried wholesale on
// the next run, which the idempotent upsert makes safe.
func SyncLive(ctx context.Context, s *store.Store, opts SyncOptions) (SyncResult, error) {
	path := opts.ChatDBPath
	if path == "" {
		path = livesource.DefaultPath()
	}
	if err := livesource.CheckAccess(path); err != nil {
		return SyncResult{}, err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = livesource.DefaultBatchSize
	}
	maxBatches := opts.MaxBatches
	if maxBatches <= 0 {
		maxBatches = MaxBatches
	}

	src, err := livesource.Open(path)
	if err != nil {
		return SyncResult{}, err
	}
	defer src.Close()

	sourceID, err := s.EnsureDataSource(store.SourceTypeLive, LiveSourceLabel)
	if err != nil {
		return SyncResult{}, err
	}
	watermark, err := s.LastLiveSyncWatermark()
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{SourceID: sourceID, Watermark: watermark}
	for result.Batches < maxBatches {
		batch, err := src.ScanBatch(ctx, result.Watermark, batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to scan batch: %w", err)
		}
		if batch.Scanned == 0 {
			break
		}

		inserted := 0
		for _, draft := range batch.Drafts {
			upsert, err := s.UpsertMessage(toCanonical(sourceID, draft))
			if err != nil {
				return result, fmt.Errorf("failed to upsert live message %s: %w", draft.SourceMsgKey, err)
			}
			if upsert.Inserted {
				inserted++
			}
		}

		if err := s.RecordLiveSync(store.LiveSyncEvent{
			SourceID:      sourceID,
			Scanned:       batch.Scanned,
			Inserted:      inserted,
			NextWatermark: batch.NextWatermark,
		}); err != nil {
			return result, err
		}

		result.Scanned += batch.Scanned
		result.Inserted += inserted
		result.Skipped += batch.Scanned - inserted
		result.Watermark = batch.NextWatermark
		result.Batches++

		if batch.Scanned < batchSize {
			break
		}
	}

	if err := recompute(s); err != nil {
		return result, err
	}
	return result, nil
}
