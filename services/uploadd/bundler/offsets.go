package bundler

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
)

// handlePutOffsets upserts one batch of offset index rows. Re-delivery of the
// same batch is harmless: the upsert keys on item id.
func (b *Bundler) handlePutOffsets(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.OffsetsJob](payload)
	if err != nil {
		return fmt.Errorf("decode offsets job: %w", err)
	}
	if len(job.Offsets) == 0 {
		return nil
	}
	now := b.now()
	rows := make([]db.OffsetRecord, 0, len(job.Offsets))
	for _, row := range job.Offsets {
		rows = append(rows, db.OffsetRecord{
			ItemID:             row.ItemID,
			RootBundleID:       job.RootBundleID,
			StartOffset:        row.StartOffset,
			RawLength:          row.RawLength,
			PayloadContentType: row.ContentType,
			PayloadDataStart:   row.PayloadDataStart,
			ParentItemID:       row.ParentItemID,
			InsertedAt:         now,
		})
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"root_bundle_id", "start_offset", "raw_length",
			"payload_content_type", "payload_data_start", "parent_item_id",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert %d offsets: %w", len(rows), err)
	}
	return nil
}
