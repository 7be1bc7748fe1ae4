package bundler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bundlegw/observability"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

// deadlineOffset is how many blocks an item has to reach the chain before it
// counts as overdue.
const deadlineOffset = 200

// handleNewDataItem re-checks a freshly accepted item's storage before it
// becomes eligible for planning. A missing warm copy is restored from cold so
// the preparer never has to touch the cold plane under load.
func (b *Bundler) handleNewDataItem(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.ItemJob](payload)
	if err != nil {
		return fmt.Errorf("decode item job: %w", err)
	}
	return b.ensureWarm(ctx, job.ItemID)
}

func (b *Bundler) ensureWarm(ctx context.Context, id string) error {
	if b.warm.Has(id) {
		return nil
	}
	rc, _, err := b.cold.Get(ctx, store.RawItemKey(id))
	if err != nil {
		return fmt.Errorf("cold copy of %s missing: %w", id, err)
	}
	defer rc.Close()
	if _, err := b.warm.Put(ctx, id, rc); err != nil {
		return fmt.Errorf("restore warm copy of %s: %w", id, err)
	}
	return nil
}

// handlePlan is the singleton planning pass: first-fit-decreasing packing of
// every plannable item into bundles bounded by size and count, with premium
// items segregated into their own bundles.
func (b *Bundler) handlePlan(ctx context.Context, _ []byte) error {
	var items []db.DataItem
	err := b.db.WithContext(ctx).
		Where("state = ?", db.ItemNew).
		Order("byte_count desc").
		Limit(b.limits.MaxBundleItems * 4).
		Find(&items).Error
	if err != nil {
		return fmt.Errorf("list plannable items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	standard := make([]db.DataItem, 0, len(items))
	premium := make(map[string][]db.DataItem)
	for _, item := range items {
		if item.PremiumTag != "" {
			premium[item.PremiumTag] = append(premium[item.PremiumTag], item)
			continue
		}
		standard = append(standard, item)
	}

	plans := b.pack(standard, false)
	for _, group := range premium {
		plans = append(plans, b.pack(group, true)...)
	}

	for _, plan := range plans {
		if err := b.commitPlan(ctx, plan); err != nil {
			return err
		}
	}
	return nil
}

type draftPlan struct {
	items   []db.DataItem
	total   int64
	premium bool
}

// pack runs first-fit-decreasing over items already sorted by size.
func (b *Bundler) pack(items []db.DataItem, premium bool) []*draftPlan {
	var bins []*draftPlan
	for _, item := range items {
		placed := false
		for _, bin := range bins {
			if bin.total+item.ByteCount <= b.limits.MaxBundleBytes &&
				len(bin.items) < b.limits.MaxBundleItems {
				bin.items = append(bin.items, item)
				bin.total += item.ByteCount
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, &draftPlan{
				items:   []db.DataItem{item},
				total:   item.ByteCount,
				premium: premium,
			})
		}
	}
	return bins
}

// commitPlan writes the plan row, moves its items out of the plannable pool,
// and enqueues preparation. The item update is guarded on state so a
// concurrent replan never double-assigns.
func (b *Bundler) commitPlan(ctx context.Context, plan *draftPlan) error {
	planID := uuid.New()
	now := b.now()
	ids := make([]string, 0, len(plan.items))
	for _, item := range plan.items {
		ids = append(ids, item.ID)
	}
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := db.BundlePlan{
			ID:         planID,
			State:      db.PlanNew,
			TotalBytes: plan.total,
			ItemCount:  len(plan.items),
			AppName:    b.appName,
			Premium:    plan.premium,
			CreatedAt:  now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		update := tx.Model(&db.DataItem{}).
			Where("id IN ? AND state = ?", ids, db.ItemNew).
			Updates(map[string]any{
				"state":      db.ItemPlanned,
				"plan_id":    planID,
				"planned_at": now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("planned %d of %d items, aborting plan", update.RowsAffected, len(ids))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit plan: %w", err)
	}
	observability.Bundler().Bundle("planned")
	observability.Bundler().Items(db.ItemPlanned, len(ids))
	observability.Bundler().ObserveBundleSize(plan.total)
	b.log.Info("bundle planned",
		"plan", planID, "items", len(ids), "bytes", plan.total, "premium", plan.premium)
	if err := b.fabric.Enqueue(ctx, pipeline.QueuePrepare,
		pipeline.PlanJob{PlanID: planID.String()},
		queue.WithDedupKey("prepare:"+planID.String())); err != nil {
		return fmt.Errorf("enqueue prepare: %w", err)
	}
	return nil
}

// replanItems returns a failed bundle's items to the plannable pool, noting
// the failed bundle id on each so repeated failures stay visible.
func (b *Bundler) replanItems(ctx context.Context, planID uuid.UUID, bundleID string) error {
	var items []db.DataItem
	if err := b.db.WithContext(ctx).Where("plan_id = ?", planID).Find(&items).Error; err != nil {
		return fmt.Errorf("list plan items: %w", err)
	}
	height, heightErr := b.chain.Height(ctx)
	for _, item := range items {
		failed := item.FailedBundles
		if bundleID != "" {
			if failed != "" {
				failed += ","
			}
			failed += bundleID
		}
		deadline := item.DeadlineHeight
		if heightErr == nil {
			deadline = height + deadlineOffset
		}
		err := b.db.WithContext(ctx).Model(&db.DataItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]any{
				"state":           db.ItemNew,
				"plan_id":         nil,
				"planned_at":      nil,
				"failed_bundles":  failed,
				"deadline_height": deadline,
			}).Error
		if err != nil {
			return fmt.Errorf("replan item %s: %w", item.ID, err)
		}
	}
	observability.Bundler().Items(db.ItemNew, len(items))
	return nil
}
