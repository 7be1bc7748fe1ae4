// Package pipeline names the bundling queues and their job payloads, shared
// between the ingestion layer that enqueues work and the workers that run it.
package pipeline

// Queue names.
const (
	QueueNewDataItem       = "new-data-item"
	QueuePlan              = "plan-bundle"
	QueuePrepare           = "prepare-bundle"
	QueuePost              = "post-bundle"
	QueueSeed              = "seed-bundle"
	QueueVerify            = "verify-bundle"
	QueuePutOffsets        = "put-offsets"
	QueueOpticalPost       = "optical-post"
	QueueUnbundle          = "unbundle-nested"
	QueueFinalizeMultipart = "finalize-multipart"
	QueueCleanupWarm       = "cleanup-warm"
)

// Concurrency caps the worker pool per queue. The planner runs as a
// deployment-wide singleton and is not listed here.
var Concurrency = map[string]int{
	QueueNewDataItem:       5,
	QueuePrepare:           3,
	QueuePost:              2,
	QueueSeed:              2,
	QueueVerify:            3,
	QueuePutOffsets:        5,
	QueueOpticalPost:       5,
	QueueUnbundle:          2,
	QueueFinalizeMultipart: 3,
	QueueCleanupWarm:       1,
}

// ItemJob references one data item by content id.
type ItemJob struct {
	ItemID string `json:"item_id"`
}

// PlanJob references one bundle plan.
type PlanJob struct {
	PlanID string `json:"plan_id"`
}

// SessionJob references one multipart session.
type SessionJob struct {
	SessionID string `json:"session_id"`
}

// OffsetsJob carries a batch of offset rows to upsert.
type OffsetsJob struct {
	RootBundleID string      `json:"root_bundle_id"`
	Offsets      []OffsetRow `json:"offsets"`
}

// OffsetRow is one offset index entry.
type OffsetRow struct {
	ItemID           string  `json:"item_id"`
	StartOffset      int64   `json:"start_offset"`
	RawLength        int64   `json:"raw_length"`
	PayloadDataStart int64   `json:"payload_data_start"`
	ContentType      string  `json:"content_type,omitempty"`
	ParentItemID     *string `json:"parent_item_id,omitempty"`
}
