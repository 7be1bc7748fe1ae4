package bundler

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/gateway"
	"bundlegw/services/uploadd/payment"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

type pipelineHarness struct {
	bundler   *Bundler
	db        *gorm.DB
	cold      store.ObjectStore
	warm      *store.WarmStore
	hot       *store.HotStore
	fabric    *queue.Fabric
	indexed   map[string]bool
	finalized []string
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	dir := t.TempDir()

	database, err := gorm.Open(sqlite.Open(filepath.Join(dir, "upload.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database))

	cold, err := store.NewFSObjectStore(filepath.Join(dir, "cold"))
	require.NoError(t, err)
	warm, err := store.NewWarmStore(filepath.Join(dir, "warm"))
	require.NoError(t, err)
	hot, err := store.NewHotStore(filepath.Join(dir, "hot.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	fabric, err := queue.Open(filepath.Join(dir, "queue.db"), slog.Default())
	require.NoError(t, err)

	h := &pipelineHarness{
		db: database, cold: cold, warm: warm, hot: hot, fabric: fabric,
		indexed: map[string]bool{},
	}

	gatewaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/height":
			json.NewEncoder(w).Encode(map[string]int64{"height": 1000})
		case r.URL.Path == "/items/indexed":
			var body struct {
				IDs []string `json:"ids"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			found := []string{}
			for _, id := range body.IDs {
				if h.indexed[id] {
					found = append(found, id)
				}
			}
			json.NewEncoder(w).Encode(map[string][]string{"indexed": found})
		case strings.HasSuffix(r.URL.Path, "/status"):
			json.NewEncoder(w).Encode(map[string]int64{
				"block_height":            500,
				"number_of_confirmations": 20,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(gatewaySrv.Close)

	paymentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/x402/finalize" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			DataItemID string `json:"dataItemId"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		h.finalized = append(h.finalized, body.DataItemID)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(paymentSrv.Close)

	pay, err := payment.New(paymentSrv.URL, bytes.Repeat([]byte{7}, 32), 5*time.Second)
	require.NoError(t, err)

	h.bundler = New(database, cold, warm, hot, fabric,
		gateway.New([]string{gatewaySrv.URL}, 5*time.Second), pay, nil, nil,
		PlanLimits{}, "Bundle Gateway", slog.Default())
	return h
}

func randomItemID(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// seededBundle stages one seeded plan with a posted tx and planned items whose
// bodies sit in the hot store.
func (h *pipelineHarness) seededBundle(t *testing.T, itemIDs ...string) *db.BundlePlan {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	plan := db.BundlePlan{ID: uuid.New(), State: db.PlanSeeded, AppName: "t", CreatedAt: now}
	require.NoError(t, h.db.Create(&plan).Error)
	require.NoError(t, h.db.Create(&db.BundleTx{
		TxID: "tx-" + plan.ID.String(), PlanID: plan.ID, PostedHeight: 100, CreatedAt: now,
	}).Error)
	for _, id := range itemIDs {
		require.NoError(t, h.db.Create(&db.DataItem{
			ID: id, OwnerAddress: "0xAA", Scheme: "ed25519", ByteCount: 1024,
			PayloadSize: 512, AssessedWinc: "0", State: db.ItemPlanned,
			PlanID: &plan.ID, DeadlineHeight: 1200, UploadedAt: now,
		}).Error)
		require.NoError(t, h.hot.Put(ctx, id, []byte("cached body")))
	}
	return &plan
}

func (h *pipelineHarness) verify(t *testing.T, plan *db.BundlePlan) {
	t.Helper()
	payload, err := json.Marshal(pipeline.PlanJob{PlanID: plan.ID.String()})
	require.NoError(t, err)
	require.NoError(t, h.bundler.handleVerify(context.Background(), payload))
}

func TestVerifyConfirmsFullyIndexedBundle(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()
	first, second := "item-one", "item-two"
	plan := h.seededBundle(t, first, second)
	h.indexed[first] = true
	h.indexed[second] = true

	h.verify(t, plan)

	var items []db.DataItem
	require.NoError(t, h.db.Where("plan_id = ?", plan.ID).Find(&items).Error)
	require.Len(t, items, 2)
	for _, item := range items {
		require.Equal(t, db.ItemPermanent, item.State)
		require.NotNil(t, item.BlockHeight)
		require.EqualValues(t, 500, *item.BlockHeight)

		// The hot copy is gone once the item is permanent.
		_, err := h.hot.Get(ctx, item.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	require.ElementsMatch(t, []string{first, second}, h.finalized)

	var updated db.BundlePlan
	require.NoError(t, h.db.Where("id = ?", plan.ID).First(&updated).Error)
	require.Equal(t, db.PlanPermanent, updated.State)
}

func TestVerifyWaitsForUnindexedItems(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()
	first, second := "item-one", "item-two"
	plan := h.seededBundle(t, first, second)
	h.indexed[first] = true

	h.verify(t, plan)

	var items []db.DataItem
	require.NoError(t, h.db.Where("plan_id = ?", plan.ID).Find(&items).Error)
	for _, item := range items {
		require.Equal(t, db.ItemPlanned, item.State)
	}
	require.Empty(t, h.finalized)

	var updated db.BundlePlan
	require.NoError(t, h.db.Where("id = ?", plan.ID).First(&updated).Error)
	require.Equal(t, db.PlanSeeded, updated.State)

	// The bundle rechecks instead of finalizing.
	depth, err := h.fabric.Depth(ctx, pipeline.QueueVerify)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

// plannedBundle stages a new plan whose item bodies live in the cold store,
// except the ids listed in missing.
func (h *pipelineHarness) plannedBundle(t *testing.T, bodies map[string][]byte, missing map[string]bool) *db.BundlePlan {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	var total int64
	for _, body := range bodies {
		total += int64(len(body))
	}
	plan := db.BundlePlan{
		ID: uuid.New(), State: db.PlanNew, TotalBytes: total,
		ItemCount: len(bodies), AppName: "t", CreatedAt: now,
	}
	require.NoError(t, h.db.Create(&plan).Error)
	for id, body := range bodies {
		require.NoError(t, h.db.Create(&db.DataItem{
			ID: id, OwnerAddress: "0xAA", Scheme: "ed25519",
			ByteCount: int64(len(body)), PayloadSize: int64(len(body)) / 2,
			AssessedWinc: "0", State: db.ItemPlanned, PlanID: &plan.ID,
			DeadlineHeight: 1200, UploadedAt: now,
		}).Error)
		if !missing[id] {
			_, err := h.cold.Put(ctx, store.RawItemKey(id), bytes.NewReader(body))
			require.NoError(t, err)
		}
	}
	return &plan
}

func TestPrepareFailsItemsMissingFromColdStore(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()
	kept, lost := randomItemID(t), randomItemID(t)
	bodies := map[string][]byte{
		kept: bytes.Repeat([]byte{1}, 600),
		lost: bytes.Repeat([]byte{2}, 400),
	}
	plan := h.plannedBundle(t, bodies, map[string]bool{lost: true})

	payload, err := json.Marshal(pipeline.PlanJob{PlanID: plan.ID.String()})
	require.NoError(t, err)
	require.NoError(t, h.bundler.handlePrepare(ctx, payload))

	var failed db.DataItem
	require.NoError(t, h.db.Where("id = ?", lost).First(&failed).Error)
	require.Equal(t, db.ItemFailed, failed.State)
	require.Equal(t, missingFromStoreReason, failed.FailedReason)
	require.Nil(t, failed.PlanID)

	// The plan shrinks to the survivor and still prepares.
	var updated db.BundlePlan
	require.NoError(t, h.db.Where("id = ?", plan.ID).First(&updated).Error)
	require.Equal(t, db.PlanPrepared, updated.State)
	require.EqualValues(t, 600, updated.TotalBytes)
	require.Equal(t, 1, updated.ItemCount)

	size, err := h.cold.Head(ctx, store.BundleKey(plan.ID.String()))
	require.NoError(t, err)
	require.Greater(t, size, int64(600))

	depth, err := h.fabric.Depth(ctx, pipeline.QueuePost)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestPrepareDropsPlanWhenEveryItemIsMissing(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()
	lost := randomItemID(t)
	bodies := map[string][]byte{lost: bytes.Repeat([]byte{3}, 256)}
	plan := h.plannedBundle(t, bodies, map[string]bool{lost: true})

	payload, err := json.Marshal(pipeline.PlanJob{PlanID: plan.ID.String()})
	require.NoError(t, err)
	require.NoError(t, h.bundler.handlePrepare(ctx, payload))

	var updated db.BundlePlan
	require.NoError(t, h.db.Where("id = ?", plan.ID).First(&updated).Error)
	require.Equal(t, db.PlanDropped, updated.State)

	depth, err := h.fabric.Depth(ctx, pipeline.QueuePost)
	require.NoError(t, err)
	require.Zero(t, depth)

	// Nothing was assembled for the emptied plan.
	_, err = h.cold.Head(ctx, store.BundleKey(plan.ID.String()))
	require.ErrorIs(t, err, store.ErrNotFound)
}
