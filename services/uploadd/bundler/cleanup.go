package bundler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/clause"

	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
)

// Warm cleanup policy: sweep daily, walk in batches, delete concurrently,
// and abort the pass if the store looks unhealthy.
const (
	cleanupInterval    = 24 * time.Hour
	cleanupWarmAge     = 24 * time.Hour
	cleanupBatchSize   = 500
	cleanupConcurrency = 8
	cleanupHeartbeat   = 15 * time.Second
	cleanupMaxErrors   = 10
)

// CleanupLoop enqueues a daily warm-store sweep.
func (b *Bundler) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.fabric.Enqueue(ctx, pipeline.QueueCleanupWarm, struct{}{},
				queue.WithDedupKey("cleanup-warm-pass")); err != nil {
				b.log.Error("enqueue warm cleanup", "error", err)
			}
		}
	}
}

// sweepCursorKey is where the last completed sweep time is persisted, so a
// restarted deployment does not rewalk the warm store ahead of schedule.
const sweepCursorKey = "warm-sweep-last-run"

// handleCleanupWarm deletes warm copies of items that reached permanence long
// enough ago. The cold store keeps the authoritative copy; warm space is
// reclaimed for in-flight traffic.
func (b *Bundler) handleCleanupWarm(ctx context.Context, _ []byte) error {
	if last, ok := b.sweepCursor(ctx); ok && b.now().Sub(last) < cleanupInterval/2 {
		b.log.Info("warm cleanup skipped", "last_run", last)
		return nil
	}
	cutoff := b.now().Add(-cleanupWarmAge)
	var deleted, skipped atomic.Int64
	var errCount atomic.Int64

	var heartbeatWG sync.WaitGroup
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		ticker := time.NewTicker(cleanupHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				b.log.Info("warm cleanup progress",
					"deleted", deleted.Load(), "skipped", skipped.Load(), "errors", errCount.Load())
			}
		}
	}()
	defer func() {
		stopHeartbeat()
		heartbeatWG.Wait()
	}()

	err := b.warm.OlderThan(ctx, cutoff, cleanupBatchSize, func(ids []string) error {
		if errCount.Load() >= cleanupMaxErrors {
			return fmt.Errorf("aborting warm cleanup after %d errors", errCount.Load())
		}
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(cleanupConcurrency)
		for _, id := range ids {
			group.Go(func() error {
				removable, err := b.warmRemovable(groupCtx, id)
				if err != nil {
					errCount.Add(1)
					b.log.Warn("warm cleanup check failed", "item", id, "error", err)
					return nil
				}
				if !removable {
					skipped.Add(1)
					return nil
				}
				if err := b.warm.Delete(groupCtx, id); err != nil {
					errCount.Add(1)
					b.log.Warn("warm delete failed", "item", id, "error", err)
					return nil
				}
				deleted.Add(1)
				return nil
			})
		}
		return group.Wait()
	})
	b.log.Info("warm cleanup finished",
		"deleted", deleted.Load(), "skipped", skipped.Load(), "errors", errCount.Load())
	if err != nil {
		return err
	}
	if errCount.Load() >= cleanupMaxErrors {
		return fmt.Errorf("warm cleanup saw %d errors", errCount.Load())
	}
	b.storeSweepCursor(ctx)
	return nil
}

func (b *Bundler) sweepCursor(ctx context.Context) (time.Time, bool) {
	var row db.ConfigRow
	found := b.db.WithContext(ctx).Where("key = ?", sweepCursorKey).Limit(1).Find(&row)
	if found.Error != nil || found.RowsAffected == 0 {
		return time.Time{}, false
	}
	last, err := time.Parse(time.RFC3339, row.Value)
	if err != nil {
		return time.Time{}, false
	}
	return last, true
}

func (b *Bundler) storeSweepCursor(ctx context.Context) {
	now := b.now()
	row := db.ConfigRow{Key: sweepCursorKey, Value: now.UTC().Format(time.RFC3339), UpdatedAt: now}
	if err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; err != nil {
		b.log.Warn("persist warm sweep cursor", "error", err)
	}
}

// warmRemovable reports whether an item's warm copy is safe to reclaim: only
// permanent items lose their warm copy, everything else may still be bundled.
func (b *Bundler) warmRemovable(ctx context.Context, id string) (bool, error) {
	var item db.DataItem
	found := b.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&item)
	if found.Error != nil {
		return false, found.Error
	}
	if found.RowsAffected == 0 {
		// Not an item id (bundle spool or foreign object); leave it alone.
		return false, nil
	}
	return item.State == db.ItemPermanent, nil
}
