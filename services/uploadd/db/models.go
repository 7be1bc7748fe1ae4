// Package db defines the upload service's relational state: data items moving
// through new → planned → permanent (or failed), bundle plans and their chain
// transactions, the offset index, and multipart sessions.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Item states. An item id lives in exactly one state at any moment.
const (
	ItemNew       = "new"
	ItemPlanned   = "planned"
	ItemPermanent = "permanent"
	ItemFailed    = "failed"
)

// Plan states.
const (
	PlanNew       = "new"
	PlanPrepared  = "prepared"
	PlanPosted    = "posted"
	PlanSeeded    = "seeded"
	PlanPermanent = "permanent"
	PlanDropped   = "dropped"
)

// Multipart session states.
const (
	SessionInProgress = "in-progress"
	SessionFinalized  = "finalized"
	SessionAborted    = "aborted"
)

// DataItem is one accepted envelope tracked through bundling.
type DataItem struct {
	ID             string     `gorm:"primaryKey;size:64"`
	OwnerAddress   string     `gorm:"size:128;index;not null"`
	Scheme         string     `gorm:"size:32;not null"`
	ByteCount      int64      `gorm:"not null"`
	PayloadSize    int64      `gorm:"not null"`
	AssessedWinc   string     `gorm:"size:64;not null"`
	ContentType    string     `gorm:"size:256"`
	PremiumTag     string     `gorm:"size:64;index"`
	State          string     `gorm:"size:16;index;not null"`
	PlanID         *uuid.UUID `gorm:"type:uuid;index"`
	DeadlineHeight int64      `gorm:"index;not null"`
	FailedBundles  string     `gorm:"type:text"`
	FailedReason   string     `gorm:"size:64"`
	Nested         bool       `gorm:"not null"`
	UploadedAt     time.Time  `gorm:"not null"`
	PlannedAt      *time.Time
	PermanentAt    *time.Time
	BlockHeight    *int64
}

// BundlePlan groups items into one future bundle.
type BundlePlan struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	State      string    `gorm:"size:16;index;not null"`
	TotalBytes int64     `gorm:"not null"`
	ItemCount  int       `gorm:"not null"`
	AppName    string    `gorm:"size:64;not null"`
	Premium    bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	PreparedAt *time.Time
	PostedAt   *time.Time
	SeededAt   *time.Time
}

// BundleTx is the chain transaction carrying a prepared plan.
type BundleTx struct {
	TxID         string    `gorm:"primaryKey;size:64"`
	PlanID       uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	HeaderBytes  int64     `gorm:"not null"`
	PayloadBytes int64     `gorm:"not null"`
	Reward       string    `gorm:"size:64"`
	TokenUSDRate string    `gorm:"size:32"`
	PostedHeight int64
	CreatedAt    time.Time `gorm:"not null"`
}

// OffsetRecord locates an item inside its root bundle.
type OffsetRecord struct {
	ItemID             string    `gorm:"primaryKey;size:64"`
	RootBundleID       string    `gorm:"size:64;index;not null"`
	StartOffset        int64     `gorm:"not null"`
	RawLength          int64     `gorm:"not null"`
	PayloadContentType string    `gorm:"size:256"`
	PayloadDataStart   int64     `gorm:"not null"`
	ParentItemID       *string   `gorm:"size:64;index"`
	InsertedAt         time.Time `gorm:"index;not null"`
}

// MultipartSession is an in-progress chunked upload.
type MultipartSession struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Owner        string    `gorm:"size:128"`
	DeclaredSize int64     `gorm:"not null"`
	TotalSize    int64     `gorm:"not null"`
	ChunkSize    int64     `gorm:"not null"`
	State     string    `gorm:"size:16;index;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// MultipartChunk records one uploaded chunk of a session.
type MultipartChunk struct {
	SessionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Offset    int64     `gorm:"primaryKey;autoIncrement:false"`
	Size      int64     `gorm:"not null"`
	ETag      string    `gorm:"size:64;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// NestedItem stores small extracted nested envelopes inline; larger ones go
// to the cold store and only the reference is kept.
type NestedItem struct {
	ID           string    `gorm:"primaryKey;size:64"`
	ParentItemID string    `gorm:"size:64;index;not null"`
	RawSize      int64     `gorm:"not null"`
	Inline       []byte    `gorm:"type:bytes"`
	InColdStore  bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// ConfigRow is a small key/value table for worker cursors and switches.
type ConfigRow struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Migrate creates or updates the upload schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DataItem{},
		&BundlePlan{},
		&BundleTx{},
		&OffsetRecord{},
		&MultipartSession{},
		&MultipartChunk{},
		&NestedItem{},
		&ConfigRow{},
	)
}
