// Package audit records balance-affecting events and exports them as parquet
// files for offline analysis.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"
)

// Well-known audit actions.
const (
	ActionUploadCharge  = "upload_charge"
	ActionGaslessRefund = "gasless_overpayment_refund"
	ActionFraudPenalty  = "gasless_fraud_penalty"
	ActionCryptoTopUp   = "crypto_topup"
	ActionFiatTopUp     = "fiat_topup"
	ActionNamePurchase  = "arns_purchase"
)

// Row is one audit record.
type Row struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	At     time.Time `gorm:"index;not null"`
	Actor  string    `gorm:"size:128;index;not null"`
	Action string    `gorm:"size:64;index;not null"`
	ItemID string    `gorm:"size:64;index"`
	Amount string    `gorm:"size:64"`
	Detail string    `gorm:"type:text"`
}

// Migrate creates the audit schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}

// Writer appends audit rows and exports ranges to parquet.
type Writer struct {
	db        *gorm.DB
	exportDir string
	log       *slog.Logger
	now       func() time.Time
}

// NewWriter wires the audit writer. exportDir may be empty to disable export.
func NewWriter(db *gorm.DB, exportDir string, log *slog.Logger) *Writer {
	return &Writer{db: db, exportDir: exportDir, log: log, now: time.Now}
}

// Record appends one audit row. Audit failures are logged, never propagated:
// an audit miss must not fail the funded operation.
func (w *Writer) Record(ctx context.Context, actor, action, itemID, amount, detail string) {
	row := Row{
		ID:     uuid.New(),
		At:     w.now(),
		Actor:  actor,
		Action: action,
		ItemID: itemID,
		Amount: amount,
		Detail: detail,
	}
	if err := w.db.WithContext(ctx).Create(&row).Error; err != nil {
		w.log.Error("write audit row", "action", action, "actor", actor, "error", err)
	}
}

// exportRow is the parquet schema for exported audit rows.
type exportRow struct {
	ID     string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	At     int64  `parquet:"name=at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Actor  string `parquet:"name=actor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Action string `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	ItemID string `parquet:"name=item_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Export writes all rows in [from, to) to a parquet file under the export
// directory and returns its path.
func (w *Writer) Export(ctx context.Context, from, to time.Time) (string, error) {
	if w.exportDir == "" {
		return "", fmt.Errorf("audit export directory not configured")
	}
	if err := os.MkdirAll(w.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	var rows []Row
	if err := w.db.WithContext(ctx).
		Where("at >= ? AND at < ?", from, to).
		Order("at asc").
		Find(&rows).Error; err != nil {
		return "", fmt.Errorf("load audit rows: %w", err)
	}

	path := filepath.Join(w.exportDir, fmt.Sprintf("audit-%s.parquet", from.UTC().Format("20060102T150405")))
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", fmt.Errorf("open export file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(exportRow), 2)
	if err != nil {
		fw.Close()
		return "", fmt.Errorf("open parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		record := exportRow{
			ID:     row.ID.String(),
			At:     row.At.UnixMilli(),
			Actor:  row.Actor,
			Action: row.Action,
			ItemID: row.ItemID,
			Amount: row.Amount,
			Detail: row.Detail,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			fw.Close()
			return "", fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return "", fmt.Errorf("finish parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	w.log.Info("audit export written", "path", path, "rows", len(rows))
	return path, nil
}

// ExportDaily runs Export once a day for the preceding day until ctx ends.
func (w *Writer) ExportDaily(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			to := w.now().Truncate(24 * time.Hour)
			from := to.Add(-24 * time.Hour)
			if _, err := w.Export(ctx, from, to); err != nil {
				w.log.Warn("daily audit export failed", "error", err)
			}
		}
	}
}
