// Package ingest accepts signed envelopes, verifies them, charges for them,
// commits them to storage, and hands them to the bundling pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"bundlegw/ans104"
	"bundlegw/observability"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/gateway"
	"bundlegw/services/uploadd/payment"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

// Receipt version reported to uploaders.
const ReceiptVersion = "1.0.0"

// deadlineOffset is how many blocks an accepted item has to reach the chain
// before it counts as overdue.
const deadlineOffset = 200

// coldPutAttempts bounds retries against the commit-point store.
const coldPutAttempts = 3

// hotMaxBytes caps what gets mirrored into the hot store for fast reads.
const hotMaxBytes = 1 << 20

// Ingestion errors, mapped to HTTP statuses by the server layer.
var (
	ErrContentLengthRequired = errors.New("ingest: content length required")
	ErrTooLarge              = errors.New("ingest: item exceeds maximum size")
	ErrBlocked               = errors.New("ingest: owner is blocked")
	ErrStorageFailed         = errors.New("ingest: storage commit failed")
)

// PaymentRequiredError carries the gasless requirements for an uploader whose
// balance cannot cover the item.
type PaymentRequiredError struct {
	Requirements any
}

func (e *PaymentRequiredError) Error() string { return "ingest: payment required" }

// Limits bounds accepted uploads.
type Limits struct {
	MaxItemBytes       int64
	FreeAllowanceBytes int64
}

// Policy holds the owner-address allow and deny sets and premium routing.
type Policy struct {
	FreeSigner func(address string) bool
	Blocked    func(address string) bool

	// Premium returns the matching premium routing tag, or "".
	Premium func(tags []ans104.Tag) string
}

// Receipt is the uploader-facing acceptance record.
type Receipt struct {
	ID             string   `json:"id"`
	Timestamp      int64    `json:"timestamp"`
	Version        string   `json:"version"`
	DeadlineHeight int64    `json:"deadlineHeight"`
	DataCaches     []string `json:"dataCaches"`
	Winc           string   `json:"winc"`
	Owner          string   `json:"owner,omitempty"`
	Signature      string   `json:"signature,omitempty"`

	// PaymentResponse echoes the settlement header for gasless uploads.
	PaymentResponse string `json:"-"`
}

// Engine is the ingestion core.
type Engine struct {
	db         *gorm.DB
	cold       store.ObjectStore
	warm       *store.WarmStore
	hot        *store.HotStore
	fabric     *queue.Fabric
	pay        *payment.Client
	chain      *gateway.Client
	limits     Limits
	policy     Policy
	dataCaches []string
	spoolDir   string
	rawMode    string
	log        *slog.Logger
	group      singleflight.Group
	now        func() time.Time

	receiptOwner string
	receiptSign  func(id string, deadlineHeight, timestamp int64) (string, error)
}

// New wires the ingestion engine.
func New(database *gorm.DB, cold store.ObjectStore, warm *store.WarmStore, hot *store.HotStore,
	fabric *queue.Fabric, pay *payment.Client, chain *gateway.Client,
	limits Limits, policy Policy, dataCaches []string, spoolDir string, log *slog.Logger) *Engine {
	return &Engine{
		db:         database,
		cold:       cold,
		warm:       warm,
		hot:        hot,
		fabric:     fabric,
		pay:        pay,
		chain:      chain,
		limits:     limits,
		policy:     policy,
		dataCaches: dataCaches,
		spoolDir:   spoolDir,
		rawMode:    DefaultRawPaymentMode,
		log:        log,
		now:        time.Now,
	}
}

// WithRawPaymentMode overrides the settle mode for service-wrapped raw
// uploads. Empty keeps the default.
func (e *Engine) WithRawPaymentMode(mode string) *Engine {
	if mode != "" {
		e.rawMode = mode
	}
	return e
}

// WithClock overrides the engine's time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithReceiptSigner makes issued receipts carry a verifiable signature from
// the service's posting key.
func (e *Engine) WithReceiptSigner(owner string, sign func(id string, deadlineHeight, timestamp int64) (string, error)) *Engine {
	e.receiptOwner = owner
	e.receiptSign = sign
	return e
}

// SubmitOptions carries the payment context of one upload.
type SubmitOptions struct {
	PaymentHeader string
	Mode          string
	PaidBy        []string

	// prepaid marks an upload whose charge was already settled upstream
	// (service-wrapped raw uploads).
	prepaid *prepaidCharge
}

type prepaidCharge struct {
	winc     *big.Int
	response string
}

// SubmitItem accepts one signed envelope of contentLength bytes from r.
func (e *Engine) SubmitItem(ctx context.Context, r io.Reader, contentLength int64, opts SubmitOptions) (receipt *Receipt, err error) {
	observability.Ingest().TrackInFlight(1)
	defer observability.Ingest().TrackInFlight(-1)
	defer func() {
		var accepted int64
		if err == nil {
			accepted = contentLength
		}
		observability.Ingest().Observe("tx", accepted, err)
	}()

	if contentLength <= 0 {
		return nil, ErrContentLengthRequired
	}
	if contentLength > e.limits.MaxItemBytes {
		return nil, ErrTooLarge
	}

	spool, err := os.CreateTemp(e.spoolDir, "ingest-*")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	limited := io.LimitReader(r, contentLength)
	tee := io.TeeReader(limited, spool)
	header, err := ans104.ParseHeader(tee)
	if err != nil {
		return nil, err
	}
	owner, err := header.Verify(tee)
	if err != nil {
		e.quarantine(ctx, header.IDString(), spool)
		return nil, err
	}
	if written := header.EnvelopeSize; written >= contentLength {
		return nil, fmt.Errorf("%w: empty payload", ans104.ErrMalformed)
	}
	if info, statErr := spool.Stat(); statErr != nil || info.Size() != contentLength {
		e.quarantine(ctx, header.IDString(), spool)
		return nil, fmt.Errorf("%w: body shorter than declared length", ans104.ErrMalformed)
	}
	if e.policy.Blocked != nil && e.policy.Blocked(owner) {
		return nil, ErrBlocked
	}

	id := header.IDString()
	result, err, _ := e.group.Do(id, func() (any, error) {
		return e.admit(ctx, spool, header, owner, contentLength, opts)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Receipt), nil
}

// admit runs the post-verification half of acceptance. Concurrent uploads of
// the same content id collapse onto one call.
func (e *Engine) admit(ctx context.Context, spool *os.File, header *ans104.Header, owner string, contentLength int64, opts SubmitOptions) (*Receipt, error) {
	id := header.IDString()

	var existing db.DataItem
	found := e.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&existing)
	if found.Error != nil {
		return nil, fmt.Errorf("look up item: %w", found.Error)
	}
	if found.RowsAffected > 0 {
		return e.receiptFor(&existing), nil
	}

	winc, paymentResponse, refund, err := e.charge(ctx, header, owner, contentLength, opts)
	if err != nil {
		return nil, err
	}

	if err := e.commitStores(ctx, spool, id, contentLength); err != nil {
		if refund != nil {
			refund()
		}
		return nil, err
	}

	deadline := e.deadline(ctx)
	contentType, _ := header.TagValue(ans104.TagContentType)
	premiumTag := ""
	if e.policy.Premium != nil {
		premiumTag = e.policy.Premium(header.Tags)
	}
	item := db.DataItem{
		ID:             id,
		OwnerAddress:   owner,
		Scheme:         header.Scheme.Name(),
		ByteCount:      contentLength,
		PayloadSize:    contentLength - header.EnvelopeSize,
		AssessedWinc:   winc.String(),
		ContentType:    contentType,
		PremiumTag:     premiumTag,
		State:          db.ItemNew,
		DeadlineHeight: deadline,
		Nested:         false,
		UploadedAt:     e.now(),
	}
	if err := e.db.WithContext(ctx).Create(&item).Error; err != nil {
		if refund != nil {
			refund()
		}
		return nil, fmt.Errorf("record item: %w", err)
	}
	observability.Bundler().Items(db.ItemNew, 1)

	e.enqueueItem(ctx, id, header.IsBundle())

	receipt := e.receiptFor(&item)
	receipt.PaymentResponse = paymentResponse
	return receipt, nil
}

// charge settles or reserves payment for the item. The returned refund func
// undoes the charge if a later step fails; it is nil for free uploads.
func (e *Engine) charge(ctx context.Context, header *ans104.Header, owner string, contentLength int64, opts SubmitOptions) (*big.Int, string, func(), error) {
	if opts.prepaid != nil {
		return opts.prepaid.winc, opts.prepaid.response, nil, nil
	}
	if contentLength <= e.limits.FreeAllowanceBytes {
		return big.NewInt(0), "", nil, nil
	}
	if e.policy.FreeSigner != nil && e.policy.FreeSigner(owner) {
		return big.NewInt(0), "", nil, nil
	}
	id := header.IDString()
	scheme := header.Scheme.Name()

	if opts.PaymentHeader != "" {
		outcome, err := e.pay.ForwardPayment(ctx, scheme, owner, opts.PaymentHeader, contentLength, id, opts.Mode)
		if err != nil {
			return nil, "", nil, err
		}
		refund := func() {
			if rerr := e.pay.Refund(context.WithoutCancel(ctx), scheme, owner, id); rerr != nil {
				e.log.Error("refund after aborted upload", "item", id, "error", rerr)
			}
		}
		return outcome.Winc, outcome.ResponseHeader, refund, nil
	}

	reservation, err := e.pay.Reserve(ctx, scheme, owner, contentLength, id, opts.PaidBy)
	if err != nil {
		if errors.Is(err, payment.ErrInsufficientBalance) {
			requirements, reqErr := e.pay.Requirements(ctx, scheme, owner, contentLength)
			if reqErr != nil {
				e.log.Warn("fetch payment requirements", "item", id, "error", reqErr)
			}
			return nil, "", nil, &PaymentRequiredError{Requirements: requirements}
		}
		return nil, "", nil, err
	}
	refund := func() {
		if rerr := e.pay.Refund(context.WithoutCancel(ctx), scheme, owner, id); rerr != nil {
			e.log.Error("refund after aborted upload", "item", id, "error", rerr)
		}
	}
	return reservation.Winc, "", refund, nil
}

// commitStores writes the spooled envelope to the cold store, then mirrors it
// to the warm cache. The cold write is the commit point; its failure aborts
// the upload. Warm failures degrade reads but never lose data.
func (e *Engine) commitStores(ctx context.Context, spool *os.File, id string, size int64) error {
	var lastErr error
	for attempt := 0; attempt < coldPutAttempts; attempt++ {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind spool: %w", err)
		}
		if _, lastErr = e.cold.Put(ctx, store.RawItemKey(id), spool); lastErr == nil {
			break
		}
		e.log.Warn("cold store put failed", "item", id, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, lastErr)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}
	if _, err := e.warm.Put(ctx, id, spool); err != nil {
		e.log.Error("warm store put failed", "item", id, "error", err)
	}

	if size <= hotMaxBytes {
		if _, err := spool.Seek(0, io.SeekStart); err == nil {
			if raw, err := io.ReadAll(spool); err == nil {
				if err := e.hot.Put(ctx, id, raw); err != nil {
					e.log.Warn("hot store put failed", "item", id, "error", err)
				}
			}
		}
	}
	return nil
}

// quarantine preserves a rejected envelope for operator inspection. Only
// bodies within the hot-store bound are kept; the hot store sweeps them out
// after the quarantine TTL.
func (e *Engine) quarantine(ctx context.Context, id string, spool *os.File) {
	info, err := spool.Stat()
	if err != nil || info.Size() == 0 || info.Size() > hotMaxBytes {
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return
	}
	raw, err := io.ReadAll(spool)
	if err != nil {
		return
	}
	if err := e.hot.Quarantine(ctx, id, raw); err != nil {
		e.log.Warn("quarantine rejected item", "item", id, "error", err)
	}
}

func (e *Engine) enqueueItem(ctx context.Context, id string, nestedBundle bool) {
	job := pipeline.ItemJob{ItemID: id}
	if err := e.fabric.Enqueue(ctx, pipeline.QueueNewDataItem, job,
		queue.WithDedupKey("new:"+id)); err != nil {
		e.log.Error("enqueue new item", "item", id, "error", err)
	}
	if err := e.fabric.Enqueue(ctx, pipeline.QueueOpticalPost, job,
		queue.WithDedupKey("optical:"+id)); err != nil {
		e.log.Error("enqueue optical post", "item", id, "error", err)
	}
	if nestedBundle {
		if err := e.fabric.Enqueue(ctx, pipeline.QueueUnbundle, job,
			queue.WithDedupKey("unbundle:"+id)); err != nil {
			e.log.Error("enqueue unbundle", "item", id, "error", err)
		}
	}
}

func (e *Engine) deadline(ctx context.Context) int64 {
	height, err := e.chain.Height(ctx)
	if err != nil {
		e.log.Warn("fetch chain height for deadline", "error", err)
		return 0
	}
	return height + deadlineOffset
}

func (e *Engine) receiptFor(item *db.DataItem) *Receipt {
	receipt := &Receipt{
		ID:             item.ID,
		Timestamp:      item.UploadedAt.UnixMilli(),
		Version:        ReceiptVersion,
		DeadlineHeight: item.DeadlineHeight,
		DataCaches:     e.dataCaches,
		Winc:           item.AssessedWinc,
	}
	if e.receiptSign != nil {
		signature, err := e.receiptSign(receipt.ID, receipt.DeadlineHeight, receipt.Timestamp)
		if err != nil {
			e.log.Warn("sign receipt", "item", receipt.ID, "error", err)
			return receipt
		}
		receipt.Owner = e.receiptOwner
		receipt.Signature = signature
	}
	return receipt
}

// ItemStatus is the uploader-facing view of one item's progress.
type ItemStatus struct {
	Status      string `json:"status"`
	BundleID    string `json:"bundleId,omitempty"`
	BlockHeight int64  `json:"blockHeight,omitempty"`
	Winc        string `json:"winc"`
	Reason      string `json:"reason,omitempty"`
}

// Status reports where an accepted item is in the pipeline.
func (e *Engine) Status(ctx context.Context, id string) (*ItemStatus, error) {
	var item db.DataItem
	found := e.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&item)
	if found.Error != nil {
		return nil, fmt.Errorf("look up item: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}
	status := &ItemStatus{Winc: item.AssessedWinc}
	switch item.State {
	case db.ItemPermanent:
		status.Status = "FINALIZED"
		if item.BlockHeight != nil {
			status.BlockHeight = *item.BlockHeight
		}
	case db.ItemFailed:
		status.Status = "FAILED"
		status.Reason = item.FailedReason
	default:
		status.Status = "CONFIRMED"
	}
	if item.PlanID != nil {
		var tx db.BundleTx
		if e.db.WithContext(ctx).Where("plan_id = ?", *item.PlanID).Limit(1).Find(&tx).RowsAffected > 0 {
			status.BundleID = tx.TxID
		}
	}
	return status, nil
}

// Offsets returns the offset index row for id.
func (e *Engine) Offsets(ctx context.Context, id string) (*db.OffsetRecord, error) {
	var record db.OffsetRecord
	found := e.db.WithContext(ctx).Where("item_id = ?", id).Limit(1).Find(&record)
	if found.Error != nil {
		return nil, fmt.Errorf("look up offsets: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}
	return &record, nil
}
