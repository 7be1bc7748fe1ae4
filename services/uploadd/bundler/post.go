package bundler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bundlegw/ans104"
	"bundlegw/observability"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/gateway"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

// Chain confirmation policy.
const (
	verifyConfirmations = 18
	dropAfterBlocks     = 50
	verifyRecheckDelay  = time.Minute
	seedDeadline        = 300 * time.Second
	seedChunkSize       = 256 << 10
)

// Indexed-check fanout.
const (
	indexCheckBatch       = 100
	indexCheckConcurrency = 10
)

func (b *Bundler) loadPlan(ctx context.Context, raw string) (*db.BundlePlan, error) {
	planID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad plan id %q: %w", raw, err)
	}
	var plan db.BundlePlan
	found := b.db.WithContext(ctx).Where("id = ?", planID).Limit(1).Find(&plan)
	if found.Error != nil {
		return nil, fmt.Errorf("load plan: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, fmt.Errorf("plan %s not found", raw)
	}
	return &plan, nil
}

// handlePost signs and submits the prepared bundle as a chain transaction.
// Posting is fenced on the wallet balance: an underfunded wallet fails the
// job so it retries after topping up instead of burning the plan.
func (b *Bundler) handlePost(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.PlanJob](payload)
	if err != nil {
		return fmt.Errorf("decode plan job: %w", err)
	}
	plan, err := b.loadPlan(ctx, job.PlanID)
	if err != nil {
		return err
	}
	if plan.State != db.PlanPrepared {
		return nil
	}

	var existing db.BundleTx
	if b.db.WithContext(ctx).Where("plan_id = ?", plan.ID).Limit(1).Find(&existing).RowsAffected > 0 {
		return b.markPosted(ctx, plan, existing.TxID)
	}

	size, err := b.cold.Head(ctx, store.BundleKey(plan.ID.String()))
	if err != nil {
		return fmt.Errorf("stat bundle payload: %w", err)
	}
	reward, err := b.chain.PriceSample(ctx, size)
	if err != nil {
		return fmt.Errorf("sample posting price: %w", err)
	}
	if err := b.checkWalletBalance(ctx, reward); err != nil {
		return err
	}

	tags := []ans104.Tag{
		{Name: ans104.TagBundleFormat, Value: "binary"},
		{Name: ans104.TagBundleVersion, Value: "2.0.0"},
		{Name: ans104.TagAppName, Value: b.appName},
	}
	tx, err := b.wallet.SignTx(size, reward, tags)
	if err != nil {
		return err
	}
	if err := b.chain.PostTx(ctx, tx.Header); err != nil {
		return fmt.Errorf("post bundle tx: %w", err)
	}

	height, err := b.chain.Height(ctx)
	if err != nil {
		b.log.Warn("fetch height after post", "plan", plan.ID, "error", err)
	}
	header, _ := b.cold.Head(ctx, store.HeaderKey(plan.ID.String()))
	row := db.BundleTx{
		TxID:         tx.ID,
		PlanID:       plan.ID,
		HeaderBytes:  header,
		PayloadBytes: size,
		Reward:       reward,
		PostedHeight: height,
		CreatedAt:    b.now(),
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record bundle tx: %w", err)
	}

	// Offsets were indexed under the plan id before the tx existed.
	if err := b.db.WithContext(ctx).Model(&db.OffsetRecord{}).
		Where("root_bundle_id = ?", plan.ID.String()).
		Update("root_bundle_id", tx.ID).Error; err != nil {
		return fmt.Errorf("rekey offsets to tx: %w", err)
	}

	observability.Bundler().Bundle("posted")
	b.log.Info("bundle posted", "plan", plan.ID, "tx", tx.ID, "bytes", size, "reward", reward)
	return b.markPosted(ctx, plan, tx.ID)
}

func (b *Bundler) markPosted(ctx context.Context, plan *db.BundlePlan, txID string) error {
	if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
		Where("id = ? AND state = ?", plan.ID, db.PlanPrepared).
		Updates(map[string]any{"state": db.PlanPosted, "posted_at": b.now()}).Error; err != nil {
		return fmt.Errorf("mark plan posted: %w", err)
	}
	if err := b.fabric.Enqueue(ctx, pipeline.QueueSeed,
		pipeline.PlanJob{PlanID: plan.ID.String()},
		queue.WithDedupKey("seed:"+plan.ID.String())); err != nil {
		return fmt.Errorf("enqueue seed: %w", err)
	}
	return nil
}

func (b *Bundler) checkWalletBalance(ctx context.Context, reward string) error {
	balanceRaw, err := b.chain.WalletBalance(ctx, b.wallet.Address())
	if err != nil {
		return fmt.Errorf("fetch wallet balance: %w", err)
	}
	balance, ok := new(big.Int).SetString(balanceRaw, 10)
	if !ok {
		return fmt.Errorf("gateway returned bad balance %q", balanceRaw)
	}
	need, ok := new(big.Int).SetString(reward, 10)
	if !ok {
		return fmt.Errorf("gateway returned bad price %q", reward)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("posting wallet underfunded: have %s, need %s", balance, need)
	}
	return nil
}

// handleSeed streams the posted bundle's payload to the gateway chunk API.
func (b *Bundler) handleSeed(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.PlanJob](payload)
	if err != nil {
		return fmt.Errorf("decode plan job: %w", err)
	}
	plan, err := b.loadPlan(ctx, job.PlanID)
	if err != nil {
		return err
	}
	if plan.State != db.PlanPosted {
		return nil
	}

	seedCtx, cancel := context.WithTimeout(ctx, seedDeadline)
	defer cancel()

	rc, size, err := b.cold.Get(seedCtx, store.BundleKey(plan.ID.String()))
	if err != nil {
		return fmt.Errorf("open bundle payload: %w", err)
	}
	defer rc.Close()

	buf := make([]byte, seedChunkSize)
	var sent int64
	for {
		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			if err := b.chain.SeedChunk(seedCtx, buf[:n]); err != nil {
				return fmt.Errorf("seed chunk at %d: %w", sent, err)
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read bundle payload at %d: %w", sent, err)
		}
	}
	if sent != size {
		return fmt.Errorf("seeded %d of %d bundle bytes", sent, size)
	}

	if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
		Where("id = ? AND state = ?", plan.ID, db.PlanPosted).
		Updates(map[string]any{"state": db.PlanSeeded, "seeded_at": b.now()}).Error; err != nil {
		return fmt.Errorf("mark plan seeded: %w", err)
	}
	observability.Bundler().Bundle("seeded")
	b.log.Info("bundle seeded", "plan", plan.ID, "bytes", sent)

	if err := b.fabric.Enqueue(ctx, pipeline.QueueVerify,
		pipeline.PlanJob{PlanID: plan.ID.String()},
		queue.WithDedupKey("verify:"+plan.ID.String()),
		queue.WithDelay(verifyRecheckDelay)); err != nil {
		return fmt.Errorf("enqueue verify: %w", err)
	}
	return nil
}

// handleVerify tracks a seeded bundle until it is confirmed deep enough to
// call permanent, or long-lost enough to replan.
func (b *Bundler) handleVerify(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.PlanJob](payload)
	if err != nil {
		return fmt.Errorf("decode plan job: %w", err)
	}
	plan, err := b.loadPlan(ctx, job.PlanID)
	if err != nil {
		return err
	}
	if plan.State != db.PlanSeeded {
		return nil
	}
	var tx db.BundleTx
	found := b.db.WithContext(ctx).Where("plan_id = ?", plan.ID).Limit(1).Find(&tx)
	if found.Error != nil || found.RowsAffected == 0 {
		return fmt.Errorf("plan %s has no bundle tx", plan.ID)
	}

	status, err := b.chain.Status(ctx, tx.TxID)
	if errors.Is(err, gateway.ErrTxNotFound) {
		height, herr := b.chain.Height(ctx)
		if herr != nil {
			return fmt.Errorf("fetch height: %w", herr)
		}
		if tx.PostedHeight > 0 && height-tx.PostedHeight >= dropAfterBlocks {
			return b.dropBundle(ctx, plan, tx.TxID)
		}
		return b.recheckLater(ctx, plan)
	}
	if err != nil {
		return fmt.Errorf("fetch tx status: %w", err)
	}
	if status.Confirmations < verifyConfirmations {
		return b.recheckLater(ctx, plan)
	}
	return b.confirmBundle(ctx, plan, &tx, status.BlockHeight)
}

func (b *Bundler) recheckLater(ctx context.Context, plan *db.BundlePlan) error {
	return b.fabric.Enqueue(ctx, pipeline.QueueVerify,
		pipeline.PlanJob{PlanID: plan.ID.String()},
		queue.WithDedupKey("verify:"+plan.ID.String()),
		queue.WithDelay(verifyRecheckDelay))
}

// dropBundle abandons a bundle the chain lost and sends its items back
// through planning.
func (b *Bundler) dropBundle(ctx context.Context, plan *db.BundlePlan, txID string) error {
	if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
		Where("id = ? AND state = ?", plan.ID, db.PlanSeeded).
		Update("state", db.PlanDropped).Error; err != nil {
		return fmt.Errorf("mark plan dropped: %w", err)
	}
	if err := b.replanItems(ctx, plan.ID, txID); err != nil {
		return err
	}
	b.cold.Delete(ctx, store.BundleKey(plan.ID.String()))
	b.db.WithContext(ctx).Where("root_bundle_id = ?", txID).Delete(&db.OffsetRecord{})
	observability.Bundler().Bundle("dropped")
	b.log.Warn("bundle dropped by chain, items replanned", "plan", plan.ID, "tx", txID)
	return nil
}

// indexedItems asks the gateway which of the plan's items it has indexed,
// fanning the ids out in bounded batches.
func (b *Bundler) indexedItems(ctx context.Context, items []db.DataItem) (map[string]bool, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	indexed := make(map[string]bool, len(ids))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(indexCheckConcurrency)
	for start := 0; start < len(ids); start += indexCheckBatch {
		batch := ids[start:min(start+indexCheckBatch, len(ids))]
		group.Go(func() error {
			part, err := b.chain.Indexed(groupCtx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for id, ok := range part {
				indexed[id] = ok
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("check indexed items: %w", err)
	}
	return indexed, nil
}

// confirmBundle finalizes a deeply confirmed bundle: items become permanent,
// their hot copies are evicted, and every gasless payment behind them settles
// at its verified size. The bundle only counts once the gateway has indexed
// every item, so a confirmed-but-unindexed bundle rechecks later.
func (b *Bundler) confirmBundle(ctx context.Context, plan *db.BundlePlan, tx *db.BundleTx, blockHeight int64) error {
	var items []db.DataItem
	if err := b.db.WithContext(ctx).Where("plan_id = ?", plan.ID).Find(&items).Error; err != nil {
		return fmt.Errorf("list plan items: %w", err)
	}
	indexed, err := b.indexedItems(ctx, items)
	if err != nil {
		return err
	}
	for _, item := range items {
		if !indexed[item.ID] {
			b.log.Info("bundle confirmed but not fully indexed yet",
				"plan", plan.ID, "tx", tx.TxID, "item", item.ID)
			return b.recheckLater(ctx, plan)
		}
	}
	now := b.now()
	for _, item := range items {
		if err := b.db.WithContext(ctx).Model(&db.DataItem{}).
			Where("id = ? AND state = ?", item.ID, db.ItemPlanned).
			Updates(map[string]any{
				"state":        db.ItemPermanent,
				"permanent_at": now,
				"block_height": blockHeight,
			}).Error; err != nil {
			return fmt.Errorf("mark item %s permanent: %w", item.ID, err)
		}
		if err := b.hot.Delete(ctx, item.ID); err != nil {
			b.log.Warn("evict hot copy", "item", item.ID, "error", err)
		}
		if err := b.pay.Finalize(ctx, item.ID, item.ByteCount); err != nil {
			b.log.Error("finalize payment", "item", item.ID, "error", err)
		}
	}
	if err := b.db.WithContext(ctx).Model(&db.BundlePlan{}).
		Where("id = ? AND state = ?", plan.ID, db.PlanSeeded).
		Update("state", db.PlanPermanent).Error; err != nil {
		return fmt.Errorf("mark plan permanent: %w", err)
	}
	observability.Bundler().Bundle("permanent")
	observability.Bundler().Items(db.ItemPermanent, len(items))
	b.log.Info("bundle permanent", "plan", plan.ID, "tx", tx.TxID, "items", len(items), "height", blockHeight)
	return nil
}
