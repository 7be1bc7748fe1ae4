package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bundlegw/ans104"
	"bundlegw/observability"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

// prepareFetchLimit caps concurrent warm restores during preparation.
const prepareFetchLimit = 100

// offsetsBatchSize caps one put-offsets job payload.
const offsetsBatchSize = 250

// missingFromStoreReason marks items whose cold copy vanished before the
// bundle could be assembled.
const missingFromStoreReason = "missing_from_object_store"

// handlePrepare assembles a planned bundle: stages every item body into the
// warm store, streams the bundle into the cold store, and records the offset
// of every item inside it.
func (b *Bundler) handlePrepare(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.PlanJob](payload)
	if err != nil {
		return fmt.Errorf("decode plan job: %w", err)
	}
	planID, err := uuid.Parse(job.PlanID)
	if err != nil {
		return fmt.Errorf("bad plan id %q: %w", job.PlanID, err)
	}

	var plan db.BundlePlan
	found := b.db.WithContext(ctx).Where("id = ?", planID).Limit(1).Find(&plan)
	if found.Error != nil {
		return fmt.Errorf("load plan: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return fmt.Errorf("plan %s not found", planID)
	}
	if plan.State != db.PlanNew {
		return nil
	}

	var items []db.DataItem
	if err := b.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("uploaded_at asc").
		Find(&items).Error; err != nil {
		return fmt.Errorf("list plan items: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("plan %s has no items", planID)
	}

	var missingMu sync.Mutex
	missing := make(map[string]struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(prepareFetchLimit)
	for _, item := range items {
		group.Go(func() error {
			err := b.ensureWarm(groupCtx, item.ID)
			// A vanished cold object never heals: fail the item and
			// keep the rest of the plan instead of retrying forever.
			if errors.Is(err, store.ErrNotFound) {
				missingMu.Lock()
				missing[item.ID] = struct{}{}
				missingMu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("stage plan %s: %w", planID, err)
	}
	if len(missing) > 0 {
		items, err = b.failMissingItems(ctx, &plan, items, missing)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
				Where("id = ? AND state = ?", planID, db.PlanNew).
				Update("state", db.PlanDropped).Error; err != nil {
				return fmt.Errorf("drop emptied plan: %w", err)
			}
			observability.Bundler().Bundle("dropped")
			b.log.Warn("plan dropped, every item missing from object store", "plan", planID)
			return nil
		}
	}

	entries := make([]ans104.BundleEntry, 0, len(items))
	for _, item := range items {
		id, err := ans104.DecodeID(item.ID)
		if err != nil {
			return fmt.Errorf("item %s has bad id: %w", item.ID, err)
		}
		entries = append(entries, ans104.BundleEntry{Size: item.ByteCount, ID: id})
	}
	header, err := ans104.EncodeBundleHeader(entries)
	if err != nil {
		return fmt.Errorf("encode bundle header: %w", err)
	}

	spool, err := os.CreateTemp("", "bundle-*")
	if err != nil {
		return fmt.Errorf("create bundle spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	if _, err := spool.Write(header); err != nil {
		return fmt.Errorf("write bundle header: %w", err)
	}
	for _, item := range items {
		if err := b.copyWarm(ctx, spool, item); err != nil {
			return err
		}
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind bundle spool: %w", err)
	}
	if _, err := b.cold.Put(ctx, store.BundleKey(planID.String()), spool); err != nil {
		return fmt.Errorf("commit bundle payload: %w", err)
	}
	if _, err := b.cold.Put(ctx, store.HeaderKey(planID.String()), bytes.NewReader(header)); err != nil {
		return fmt.Errorf("commit bundle header: %w", err)
	}

	if err := b.enqueueOffsets(ctx, planID.String(), int64(len(header)), items); err != nil {
		return err
	}

	now := b.now()
	if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
		Where("id = ? AND state = ?", planID, db.PlanNew).
		Updates(map[string]any{"state": db.PlanPrepared, "prepared_at": now}).Error; err != nil {
		return fmt.Errorf("mark plan prepared: %w", err)
	}
	observability.Bundler().Bundle("prepared")
	b.log.Info("bundle prepared", "plan", planID, "items", len(items), "bytes", plan.TotalBytes)

	if err := b.fabric.Enqueue(ctx, pipeline.QueuePost,
		pipeline.PlanJob{PlanID: planID.String()},
		queue.WithDedupKey("post:"+planID.String())); err != nil {
		return fmt.Errorf("enqueue post: %w", err)
	}
	return nil
}

// failMissingItems fails the unrecoverable items and shrinks the plan to the
// remainder.
func (b *Bundler) failMissingItems(ctx context.Context, plan *db.BundlePlan, items []db.DataItem, missing map[string]struct{}) ([]db.DataItem, error) {
	remaining := make([]db.DataItem, 0, len(items))
	var keptBytes int64
	for _, item := range items {
		if _, gone := missing[item.ID]; !gone {
			remaining = append(remaining, item)
			keptBytes += item.ByteCount
			continue
		}
		if err := b.db.WithContext(ctx).Model(&db.DataItem{}).
			Where("id = ? AND state = ?", item.ID, db.ItemPlanned).
			Updates(map[string]any{
				"state":         db.ItemFailed,
				"failed_reason": missingFromStoreReason,
				"plan_id":       nil,
			}).Error; err != nil {
			return nil, fmt.Errorf("fail missing item %s: %w", item.ID, err)
		}
		b.log.Error("item missing from object store", "item", item.ID, "plan", plan.ID)
	}
	if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]any{"total_bytes": keptBytes, "item_count": len(remaining)}).Error; err != nil {
		return nil, fmt.Errorf("shrink plan %s: %w", plan.ID, err)
	}
	plan.TotalBytes = keptBytes
	plan.ItemCount = len(remaining)
	observability.Bundler().Items(db.ItemFailed, len(missing))
	return remaining, nil
}

func (b *Bundler) copyWarm(ctx context.Context, w io.Writer, item db.DataItem) error {
	rc, size, err := b.warm.Get(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("read warm copy of %s: %w", item.ID, err)
	}
	defer rc.Close()
	if size != item.ByteCount {
		return fmt.Errorf("warm copy of %s is %d bytes, expected %d", item.ID, size, item.ByteCount)
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("append %s to bundle: %w", item.ID, err)
	}
	return nil
}

// enqueueOffsets emits put-offsets jobs covering every item in the prepared
// bundle. Offsets are keyed to the plan id until the bundle tx exists; the
// poster rewrites them to the tx id.
func (b *Bundler) enqueueOffsets(ctx context.Context, rootID string, headerSize int64, items []db.DataItem) error {
	offset := headerSize
	rows := make([]pipeline.OffsetRow, 0, len(items))
	for _, item := range items {
		payloadStart := item.ByteCount - item.PayloadSize
		rows = append(rows, pipeline.OffsetRow{
			ItemID:           item.ID,
			StartOffset:      offset,
			RawLength:        item.ByteCount,
			PayloadDataStart: payloadStart,
			ContentType:      item.ContentType,
		})
		offset += item.ByteCount
	}
	for start := 0; start < len(rows); start += offsetsBatchSize {
		end := start + offsetsBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		job := pipeline.OffsetsJob{RootBundleID: rootID, Offsets: rows[start:end]}
		if err := b.fabric.Enqueue(ctx, pipeline.QueuePutOffsets, job); err != nil {
			return fmt.Errorf("enqueue offsets batch: %w", err)
		}
	}
	return nil
}
