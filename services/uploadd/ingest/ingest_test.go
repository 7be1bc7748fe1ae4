package ingest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"bundlegw/ans104"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/gateway"
	"bundlegw/services/uploadd/payment"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
	"bundlegw/x402"
)

type paymentStub struct {
	reserveStatus int
	reserveWinc   string
	reserved      []string
	refunded      []string
	settledModes  []string
	settleWinc    string
}

func (p *paymentStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/reserve-balance/", func(w http.ResponseWriter, r *http.Request) {
		p.reserved = append(p.reserved, r.URL.Query().Get("dataItemId"))
		if p.reserveStatus != 0 && p.reserveStatus != http.StatusOK {
			w.WriteHeader(p.reserveStatus)
			json.NewEncoder(w).Encode(map[string]string{"code": "InsufficientBalance"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"reservationId": "res-1",
			"winc":          p.reserveWinc,
		})
	})
	mux.HandleFunc("/v1/refund-balance/", func(w http.ResponseWriter, r *http.Request) {
		p.refunded = append(p.refunded, r.URL.Query().Get("dataItemId"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/x402/price/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accepts": []any{}})
	})
	mux.HandleFunc("/v1/x402/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/x402/payment/", func(w http.ResponseWriter, r *http.Request) {
		p.settledModes = append(p.settledModes, r.URL.Query().Get("mode"))
		winc := p.settleWinc
		if winc == "" {
			winc = "777"
		}
		w.Header().Set("X-Payment-Response", "c2V0dGxlZA==")
		json.NewEncoder(w).Encode(map[string]string{
			"paymentId": "pay-1",
			"payer":     "0x00000000000000000000000000000000000000BB",
			"winc":      winc,
			"tx":        "0xfeedbeef",
		})
	})
	return mux
}

type testHarness struct {
	engine  *Engine
	fabric  *queue.Fabric
	db      *gorm.DB
	warm    *store.WarmStore
	cold    store.ObjectStore
	hot     *store.HotStore
	stub    *paymentStub
	signer  *ans104.Ed25519Signer
	blocked map[string]bool
}

func newHarness(t *testing.T) *testHarness {
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

	stub := &paymentStub{reserveWinc: "123456"}
	paymentSrv := httptest.NewServer(stub.handler())
	t.Cleanup(paymentSrv.Close)

	gatewaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/height" {
			json.NewEncoder(w).Encode(map[string]int64{"height": 1000})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(gatewaySrv.Close)

	secret := bytes.Repeat([]byte{7}, 32)
	pay, err := payment.New(paymentSrv.URL, secret, 5*time.Second)
	require.NoError(t, err)

	blocked := map[string]bool{}
	engine := New(database, cold, warm, hot, fabric, pay, gateway.New([]string{gatewaySrv.URL}, 5*time.Second),
		Limits{MaxItemBytes: 10 << 30, FreeAllowanceBytes: 517120},
		Policy{Blocked: func(addr string) bool { return blocked[addr] }},
		[]string{"cache.example"}, dir, slog.Default())

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ans104.NewEd25519Signer(priv)
	require.NoError(t, err)

	return &testHarness{
		engine: engine, fabric: fabric, db: database,
		warm: warm, cold: cold, hot: hot, stub: stub, signer: signer, blocked: blocked,
	}
}

func (h *testHarness) signedItem(t *testing.T, payloadSize int) *ans104.Item {
	t.Helper()
	payload := make([]byte, payloadSize)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	item, err := h.signer.SignItem(nil, nil, []ans104.Tag{
		{Name: ans104.TagContentType, Value: "application/octet-stream"},
	}, payload)
	require.NoError(t, err)
	return item
}

func TestSubmitFreeItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 1024)

	receipt, err := h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, item.IDString(), receipt.ID)
	require.Equal(t, "0", receipt.Winc)
	require.EqualValues(t, 1200, receipt.DeadlineHeight)
	require.Equal(t, []string{"cache.example"}, receipt.DataCaches)
	require.Empty(t, h.stub.reserved)

	// Committed to both planes.
	_, err = h.cold.Head(ctx, store.RawItemKey(receipt.ID))
	require.NoError(t, err)
	require.True(t, h.warm.Has(receipt.ID))

	// Queued for intake and optical mirroring.
	for _, q := range []string{pipeline.QueueNewDataItem, pipeline.QueueOpticalPost} {
		depth, err := h.fabric.Depth(ctx, q)
		require.NoError(t, err)
		require.EqualValues(t, 1, depth, q)
	}
	depth, err := h.fabric.Depth(ctx, pipeline.QueueUnbundle)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestSubmitIsIdempotentByContentID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 512)

	first, err := h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	require.NoError(t, err)
	second, err := h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Timestamp, second.Timestamp)

	var count int64
	require.NoError(t, h.db.Model(&db.DataItem{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestSubmitChargesAboveFreeAllowance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 600_000)

	receipt, err := h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, "123456", receipt.Winc)
	require.Equal(t, []string{receipt.ID}, h.stub.reserved)
	require.Empty(t, h.stub.refunded)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.stub.reserveStatus = http.StatusPaymentRequired
	ctx := context.Background()
	item := h.signedItem(t, 600_000)

	_, err := h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	var required *PaymentRequiredError
	require.ErrorAs(t, err, &required)

	// Nothing was stored or recorded.
	var count int64
	require.NoError(t, h.db.Model(&db.DataItem{}).Count(&count).Error)
	require.Zero(t, count)
	_, err = h.cold.Head(ctx, store.RawItemKey(item.IDString()))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitRejectsBlockedOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 256)
	address, err := ans104.OwnerAddress(ans104.SchemeEd25519, item.Owner)
	require.NoError(t, err)
	h.blocked[address] = true

	_, err = h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	require.ErrorIs(t, err, ErrBlocked)
}

func TestSubmitRejectsTamperedPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 256)
	raw := append([]byte(nil), item.Raw...)
	raw[len(raw)-1] ^= 0xff

	_, err := h.engine.SubmitItem(ctx, bytes.NewReader(raw), int64(len(raw)), SubmitOptions{})
	require.Error(t, err)
}

func TestSubmitRequiresContentLength(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.SubmitItem(context.Background(), bytes.NewReader(nil), 0, SubmitOptions{})
	require.ErrorIs(t, err, ErrContentLengthRequired)
	_, err = h.engine.SubmitItem(context.Background(), bytes.NewReader(nil), 20<<30, SubmitOptions{})
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestMultipartLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := h.signedItem(t, 2048)
	declared := int64(len(item.Raw))

	_, err := h.engine.CreateSession(ctx, "", declared, 1024)
	require.ErrorIs(t, err, ErrBadChunkSizeOpts)

	session, err := h.engine.CreateSession(ctx, "", declared, 0)
	require.NoError(t, err)
	require.EqualValues(t, MultipartDefaultChunk, session.ChunkSize)
	require.Equal(t, declared, session.Size)

	// Misaligned offsets are refused.
	_, err = h.engine.PutChunk(ctx, session.ID, 3, bytes.NewReader(item.Raw), int64(len(item.Raw)))
	require.ErrorIs(t, err, ErrBadChunk)

	etag, err := h.engine.PutChunk(ctx, session.ID, 0, bytes.NewReader(item.Raw), int64(len(item.Raw)))
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	// Re-uploading the same offset is idempotent.
	again, err := h.engine.PutChunk(ctx, session.ID, 0, bytes.NewReader(item.Raw), int64(len(item.Raw)))
	require.NoError(t, err)
	require.Equal(t, etag, again)

	receipt, err := h.engine.FinalizeSession(ctx, session.ID, SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, item.IDString(), receipt.ID)

	_, err = h.engine.FinalizeSession(ctx, session.ID, SubmitOptions{})
	require.ErrorIs(t, err, ErrSessionClosed)

	// Cleanup removes the chunk objects.
	require.NoError(t, h.engine.CleanupSession(ctx, session.ID))
	_, err = h.cold.Head(ctx, store.ChunkKey(session.ID, 0))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAbortSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session, err := h.engine.CreateSession(ctx, "", 1024, 0)
	require.NoError(t, err)

	require.NoError(t, h.engine.AbortSession(ctx, session.ID))
	require.NoError(t, h.engine.AbortSession(ctx, session.ID))

	_, err = h.engine.PutChunk(ctx, session.ID, 0, bytes.NewReader([]byte("x")), 1)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestRejectedSubmissionIsQuarantined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 256)
	raw := append([]byte(nil), item.Raw...)
	raw[len(raw)-1] ^= 0xff

	_, err := h.engine.SubmitItem(ctx, bytes.NewReader(raw), int64(len(raw)), SubmitOptions{})
	require.Error(t, err)

	// The rejected body is held for inspection until the hot store sweeps it.
	held, err := h.hot.Quarantined(ctx, item.IDString())
	require.NoError(t, err)
	require.Equal(t, raw, held)
}

func TestFinalizeSessionEnforcesDeclaredSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 2048)

	_, err := h.engine.CreateSession(ctx, "", 0, 0)
	require.ErrorIs(t, err, ErrBadSessionSize)

	session, err := h.engine.CreateSession(ctx, "", int64(len(item.Raw))+10, 0)
	require.NoError(t, err)
	_, err = h.engine.PutChunk(ctx, session.ID, 0, bytes.NewReader(item.Raw), int64(len(item.Raw)))
	require.NoError(t, err)

	_, err = h.engine.FinalizeSession(ctx, session.ID, SubmitOptions{})
	require.ErrorIs(t, err, ErrSessionSizeShort)
}

func rawPaymentHeader(t *testing.T) string {
	t.Helper()
	header, err := x402.EncodePaymentHeader(&x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     "base",
		Payload: x402.ExactPayload{
			Signature: "0x00",
			Authorization: x402.Authorization{
				From: "0x00000000000000000000000000000000000000BB",
			},
		},
	})
	require.NoError(t, err)
	return header
}

func TestSubmitRawStampsSettlementTags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	raw := NewRawSigner(h.signer, "Bundle Gateway")
	payload := []byte("hello raw world")

	_, err := h.engine.SubmitRaw(ctx, raw, bytes.NewReader(payload), int64(len(payload)), "text/plain", SubmitOptions{})
	var required *PaymentRequiredError
	require.ErrorAs(t, err, &required)

	receipt, err := h.engine.SubmitRaw(ctx, raw, bytes.NewReader(payload), int64(len(payload)), "text/plain",
		SubmitOptions{PaymentHeader: rawPaymentHeader(t)})
	require.NoError(t, err)
	require.Equal(t, "777", receipt.Winc)

	// Settled once in the default mode, never reserved against a balance.
	require.Equal(t, []string{"exact-only"}, h.stub.settledModes)
	require.Empty(t, h.stub.reserved)

	rc, _, err := h.warm.Open(ctx, receipt.ID)
	require.NoError(t, err)
	defer rc.Close()
	header, err := ans104.ParseHeader(rc)
	require.NoError(t, err)
	tags := map[string]string{}
	for _, tag := range header.Tags {
		tags[tag.Name] = tag.Value
	}
	require.Equal(t, "0xfeedbeef", tags[tagPaymentTxHash])
	require.Equal(t, "pay-1", tags[tagPaymentID])
	require.Equal(t, "base", tags[tagPaymentNetwork])
	require.Equal(t, "0x00000000000000000000000000000000000000BB", tags[tagPaymentPayer])
	require.Equal(t, "text/plain", tags[ans104.TagContentType])
}

func TestStatusReportsPipelinePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := h.signedItem(t, 128)
	receipt, err := h.engine.SubmitItem(ctx, bytes.NewReader(item.Raw), int64(len(item.Raw)), SubmitOptions{})
	require.NoError(t, err)

	status, err := h.engine.Status(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, "CONFIRMED", status.Status)

	require.NoError(t, h.db.Model(&db.DataItem{}).
		Where("id = ?", receipt.ID).
		Updates(map[string]any{"state": db.ItemPermanent, "block_height": 4242}).Error)
	status, err = h.engine.Status(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, "FINALIZED", status.Status)
	require.EqualValues(t, 4242, status.BlockHeight)

	_, err = h.engine.Status(ctx, "missing-id")
	require.ErrorIs(t, err, store.ErrNotFound)
}
