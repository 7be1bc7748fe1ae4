package bundler

import (
	"context"
	"fmt"
	"io"

	"bundlegw/ans104"
	"bundlegw/observability"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/store"
)

// inlineNestedMax is the largest nested envelope kept inline in the database;
// anything bigger goes to the cold store.
const inlineNestedMax = 1 << 20

// handleUnbundle extracts the envelopes nested inside an uploaded bundle so
// each can be served by id, and indexes their positions against the parent.
func (b *Bundler) handleUnbundle(ctx context.Context, payload []byte) error {
	job, err := decode[pipeline.ItemJob](payload)
	if err != nil {
		return fmt.Errorf("decode item job: %w", err)
	}
	var item db.DataItem
	found := b.db.WithContext(ctx).Where("id = ?", job.ItemID).Limit(1).Find(&item)
	if found.Error != nil {
		return fmt.Errorf("load item: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return fmt.Errorf("item %s not found", job.ItemID)
	}

	if err := b.ensureWarm(ctx, item.ID); err != nil {
		return err
	}
	f, size, err := b.warm.Open(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("open parent item: %w", err)
	}
	defer f.Close()

	header, err := ans104.ParseHeader(f)
	if err != nil {
		return fmt.Errorf("parse parent envelope: %w", err)
	}
	if !header.IsBundle() {
		b.log.Warn("unbundle requested for non-bundle item", "item", item.ID)
		return nil
	}
	payloadStart := header.EnvelopeSize
	section := io.NewSectionReader(f, payloadStart, size-payloadStart)
	offsets, err := ans104.PayloadOffsets(section)
	if err != nil {
		return fmt.Errorf("index nested bundle %s: %w", item.ID, err)
	}

	parentID := item.ID
	rows := make([]pipeline.OffsetRow, 0, len(offsets))
	for _, off := range offsets {
		if err := b.extractNested(ctx, section, parentID, off); err != nil {
			return err
		}
		rows = append(rows, pipeline.OffsetRow{
			ItemID:           off.ID,
			StartOffset:      payloadStart + off.Start,
			RawLength:        off.Size,
			PayloadDataStart: off.PayloadStart - off.Start,
			ParentItemID:     &parentID,
		})
	}

	for start := 0; start < len(rows); start += offsetsBatchSize {
		end := start + offsetsBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := b.fabric.Enqueue(ctx, pipeline.QueuePutOffsets,
			pipeline.OffsetsJob{RootBundleID: parentID, Offsets: rows[start:end]}); err != nil {
			return fmt.Errorf("enqueue nested offsets: %w", err)
		}
	}

	if err := b.db.WithContext(ctx).Model(&db.DataItem{}).
		Where("id = ?", item.ID).
		Update("nested", true).Error; err != nil {
		return fmt.Errorf("flag parent as unbundled: %w", err)
	}
	observability.Bundler().Items("nested", len(offsets))
	b.log.Info("nested bundle extracted", "parent", item.ID, "items", len(offsets))
	return nil
}

// extractNested persists one nested envelope: small ones inline, large ones
// in the cold store. Re-extraction of an existing id is a no-op.
func (b *Bundler) extractNested(ctx context.Context, section *io.SectionReader, parentID string, off ans104.ItemOffset) error {
	var existing db.NestedItem
	if b.db.WithContext(ctx).Where("id = ?", off.ID).Limit(1).Find(&existing).RowsAffected > 0 {
		return nil
	}
	row := db.NestedItem{
		ID:           off.ID,
		ParentItemID: parentID,
		RawSize:      off.Size,
		CreatedAt:    b.now(),
	}
	body := io.NewSectionReader(section, off.Start, off.Size)
	if off.Size <= inlineNestedMax {
		raw, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read nested item %s: %w", off.ID, err)
		}
		row.Inline = raw
	} else {
		if _, err := b.cold.Put(ctx, store.NestedKey(off.ID), body); err != nil {
			return fmt.Errorf("store nested item %s: %w", off.ID, err)
		}
		row.InColdStore = true
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record nested item %s: %w", off.ID, err)
	}
	return nil
}
