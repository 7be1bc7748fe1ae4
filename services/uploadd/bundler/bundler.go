// Package bundler runs the staged pipeline that turns accepted data items
// into posted, seeded and verified chain bundles.
package bundler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"bundlegw/services/uploadd/gateway"
	"bundlegw/services/uploadd/payment"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

// Planner bounds.
type PlanLimits struct {
	MaxBundleBytes int64
	MaxBundleItems int
}

// Bundler owns the pipeline workers.
type Bundler struct {
	db      *gorm.DB
	cold    store.ObjectStore
	warm    *store.WarmStore
	hot     *store.HotStore
	fabric  *queue.Fabric
	chain   *gateway.Client
	pay     *payment.Client
	wallet  *Wallet
	optical *OpticalPoster
	limits  PlanLimits
	appName string
	log     *slog.Logger
	now     func() time.Time
}

// New wires the bundler.
func New(database *gorm.DB, cold store.ObjectStore, warm *store.WarmStore,
	hot *store.HotStore, fabric *queue.Fabric, chain *gateway.Client,
	pay *payment.Client, wallet *Wallet, optical *OpticalPoster,
	limits PlanLimits, appName string, log *slog.Logger) *Bundler {
	if limits.MaxBundleBytes <= 0 {
		limits.MaxBundleBytes = 2 << 30
	}
	if limits.MaxBundleItems <= 0 {
		limits.MaxBundleItems = 10_000
	}
	return &Bundler{
		db:      database,
		cold:    cold,
		warm:    warm,
		hot:     hot,
		fabric:  fabric,
		chain:   chain,
		pay:     pay,
		wallet:  wallet,
		optical: optical,
		limits:  limits,
		appName: appName,
		log:     log,
		now:     time.Now,
	}
}

// WithClock overrides the bundler's time source for tests.
func (b *Bundler) WithClock(now func() time.Time) *Bundler {
	b.now = now
	return b
}

// Register wires every pipeline handler into the queue fabric. The planner is
// a deployment singleton; everything else runs at its fixed concurrency cap.
func (b *Bundler) Register() {
	b.fabric.RegisterSingleton(pipeline.QueuePlan, b.handlePlan)
	b.fabric.Register(pipeline.QueueNewDataItem, pipeline.Concurrency[pipeline.QueueNewDataItem], b.handleNewDataItem)
	b.fabric.Register(pipeline.QueuePrepare, pipeline.Concurrency[pipeline.QueuePrepare], b.handlePrepare)
	b.fabric.Register(pipeline.QueuePost, pipeline.Concurrency[pipeline.QueuePost], b.handlePost)
	b.fabric.Register(pipeline.QueueSeed, pipeline.Concurrency[pipeline.QueueSeed], b.handleSeed)
	b.fabric.Register(pipeline.QueueVerify, pipeline.Concurrency[pipeline.QueueVerify], b.handleVerify)
	b.fabric.Register(pipeline.QueuePutOffsets, pipeline.Concurrency[pipeline.QueuePutOffsets], b.handlePutOffsets)
	b.fabric.Register(pipeline.QueueOpticalPost, pipeline.Concurrency[pipeline.QueueOpticalPost], b.handleOpticalPost)
	b.fabric.Register(pipeline.QueueUnbundle, pipeline.Concurrency[pipeline.QueueUnbundle], b.handleUnbundle)
	b.fabric.Register(pipeline.QueueCleanupWarm, pipeline.Concurrency[pipeline.QueueCleanupWarm], b.handleCleanupWarm)
}

// PlanLoop enqueues a planning pass on the configured interval. The queue's
// dedup key keeps at most one pending pass in flight.
func (b *Bundler) PlanLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.fabric.Enqueue(ctx, pipeline.QueuePlan, struct{}{},
				queue.WithDedupKey("plan-pass")); err != nil {
				b.log.Error("enqueue planning pass", "error", err)
			}
		}
	}
}

func decode[T any](payload []byte) (T, error) {
	var job T
	err := json.Unmarshal(payload, &job)
	return job, err
}
