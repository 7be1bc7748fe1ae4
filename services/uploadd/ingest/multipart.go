package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/store"
)

// Multipart chunk bounds.
const (
	MultipartMinChunk     = 5 << 20
	MultipartMaxChunk     = 500 << 20
	MultipartDefaultChunk = 25 << 20
	MultipartMaxChunks    = 10_000
)

// Multipart errors.
var (
	ErrSessionNotFound  = errors.New("ingest: multipart session not found")
	ErrSessionClosed    = errors.New("ingest: multipart session is not in progress")
	ErrBadChunk         = errors.New("ingest: chunk offset or size invalid")
	ErrSessionSparse    = errors.New("ingest: multipart session has gaps")
	ErrTooManyChunks    = errors.New("ingest: chunk count limit exceeded")
	ErrBadChunkSizeOpts = errors.New("ingest: requested chunk size out of range")
	ErrBadSessionSize   = errors.New("ingest: declared session size out of range")
	ErrSessionSizeShort = errors.New("ingest: assembled size does not match declared size")
)

// Session is the uploader-facing view of a multipart upload.
type Session struct {
	ID        string `json:"id"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunkSize"`
	State     string `json:"state"`
}

// CreateSession opens a multipart upload for a declared total of totalSize
// bytes. chunkSize of zero selects the default.
func (e *Engine) CreateSession(ctx context.Context, owner string, totalSize, chunkSize int64) (*Session, error) {
	if chunkSize == 0 {
		chunkSize = MultipartDefaultChunk
	}
	if chunkSize < MultipartMinChunk || chunkSize > MultipartMaxChunk {
		return nil, ErrBadChunkSizeOpts
	}
	if totalSize <= 0 {
		return nil, ErrBadSessionSize
	}
	if totalSize > e.limits.MaxItemBytes {
		return nil, ErrTooLarge
	}
	if (totalSize+chunkSize-1)/chunkSize > MultipartMaxChunks {
		return nil, ErrTooManyChunks
	}
	session := db.MultipartSession{
		ID:           uuid.New(),
		Owner:        owner,
		DeclaredSize: totalSize,
		ChunkSize:    chunkSize,
		State:        db.SessionInProgress,
		CreatedAt:    e.now(),
		UpdatedAt:    e.now(),
	}
	if err := e.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("create multipart session: %w", err)
	}
	return &Session{ID: session.ID.String(), Size: totalSize, ChunkSize: chunkSize, State: session.State}, nil
}

func (e *Engine) session(ctx context.Context, id string) (*db.MultipartSession, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	var session db.MultipartSession
	found := e.db.WithContext(ctx).Where("id = ?", parsed).Limit(1).Find(&session)
	if found.Error != nil {
		return nil, fmt.Errorf("look up session: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// PutChunk stores one chunk at the given byte offset. Offsets must be
// multiples of the session chunk size; every chunk except the last must be
// exactly chunk-sized. Re-uploads of the same offset overwrite idempotently.
func (e *Engine) PutChunk(ctx context.Context, sessionID string, offset int64, r io.Reader, size int64) (string, error) {
	session, err := e.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.State != db.SessionInProgress {
		return "", ErrSessionClosed
	}
	if offset < 0 || offset%session.ChunkSize != 0 || size <= 0 || size > session.ChunkSize {
		return "", ErrBadChunk
	}
	if offset/session.ChunkSize >= MultipartMaxChunks {
		return "", ErrTooManyChunks
	}

	hasher := sha256.New()
	tee := io.TeeReader(io.LimitReader(r, size), hasher)
	written, err := e.cold.Put(ctx, store.ChunkKey(sessionID, offset), tee)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if written != size {
		e.cold.Delete(context.WithoutCancel(ctx), store.ChunkKey(sessionID, offset))
		return "", fmt.Errorf("%w: body does not match declared length", ErrBadChunk)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))

	chunk := db.MultipartChunk{
		SessionID: session.ID,
		Offset:    offset,
		Size:      size,
		ETag:      etag,
		CreatedAt: e.now(),
	}
	err = e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "offset"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "e_tag", "created_at"}),
	}).Create(&chunk).Error
	if err != nil {
		return "", fmt.Errorf("record chunk: %w", err)
	}
	e.db.WithContext(ctx).Model(&db.MultipartSession{}).
		Where("id = ?", session.ID).
		Update("updated_at", e.now())
	return etag, nil
}

// FinalizeSession assembles the uploaded chunks in offset order and runs the
// result through the normal envelope acceptance path. The chunks themselves
// are cleaned up asynchronously.
func (e *Engine) FinalizeSession(ctx context.Context, sessionID string, opts SubmitOptions) (*Receipt, error) {
	session, err := e.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != db.SessionInProgress {
		return nil, ErrSessionClosed
	}

	var chunks []db.MultipartChunk
	if err := e.db.WithContext(ctx).
		Where("session_id = ?", session.ID).
		Order("offset asc").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, ErrSessionSparse
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })
	var total int64
	for i, chunk := range chunks {
		if chunk.Offset != int64(i)*session.ChunkSize {
			return nil, ErrSessionSparse
		}
		if i < len(chunks)-1 && chunk.Size != session.ChunkSize {
			return nil, ErrSessionSparse
		}
		total += chunk.Size
	}
	if total != session.DeclaredSize {
		return nil, fmt.Errorf("%w: declared %d, assembled %d", ErrSessionSizeShort, session.DeclaredSize, total)
	}
	if total > e.limits.MaxItemBytes {
		return nil, ErrTooLarge
	}

	readers := make([]io.Reader, 0, len(chunks))
	closers := make([]io.Closer, 0, len(chunks))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, chunk := range chunks {
		rc, _, err := e.cold.Get(ctx, store.ChunkKey(sessionID, chunk.Offset))
		if err != nil {
			return nil, fmt.Errorf("open chunk at %d: %w", chunk.Offset, err)
		}
		closers = append(closers, rc)
		readers = append(readers, rc)
	}

	receipt, err := e.SubmitItem(ctx, io.MultiReader(readers...), total, opts)
	if err != nil {
		return nil, err
	}

	now := e.now()
	e.db.WithContext(ctx).Model(&db.MultipartSession{}).
		Where("id = ?", session.ID).
		Updates(map[string]any{"state": db.SessionFinalized, "total_size": total, "updated_at": now})
	if err := e.fabric.Enqueue(ctx, pipeline.QueueFinalizeMultipart,
		pipeline.SessionJob{SessionID: sessionID},
		queue.WithDedupKey("mp-cleanup:"+sessionID)); err != nil {
		e.log.Error("enqueue multipart cleanup", "session", sessionID, "error", err)
	}
	return receipt, nil
}

// AbortSession cancels an in-progress session and schedules chunk cleanup.
func (e *Engine) AbortSession(ctx context.Context, sessionID string) error {
	session, err := e.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == db.SessionAborted {
		return nil
	}
	if session.State != db.SessionInProgress {
		return ErrSessionClosed
	}
	if err := e.db.WithContext(ctx).Model(&db.MultipartSession{}).
		Where("id = ? AND state = ?", session.ID, db.SessionInProgress).
		Updates(map[string]any{"state": db.SessionAborted, "updated_at": e.now()}).Error; err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	if err := e.fabric.Enqueue(ctx, pipeline.QueueFinalizeMultipart,
		pipeline.SessionJob{SessionID: sessionID},
		queue.WithDedupKey("mp-cleanup:"+sessionID)); err != nil {
		e.log.Error("enqueue multipart cleanup", "session", sessionID, "error", err)
	}
	return nil
}

// SessionStatus reports the state and received chunks of a session.
func (e *Engine) SessionStatus(ctx context.Context, sessionID string) (*Session, []db.MultipartChunk, error) {
	session, err := e.session(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	var chunks []db.MultipartChunk
	if err := e.db.WithContext(ctx).
		Where("session_id = ?", session.ID).
		Order("offset asc").
		Find(&chunks).Error; err != nil {
		return nil, nil, fmt.Errorf("list chunks: %w", err)
	}
	return &Session{ID: sessionID, Size: session.DeclaredSize, ChunkSize: session.ChunkSize, State: session.State}, chunks, nil
}

// CleanupSession deletes a finalized or aborted session's chunk objects. Run
// by the multipart cleanup worker.
func (e *Engine) CleanupSession(ctx context.Context, sessionID string) error {
	session, err := e.session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if session.State == db.SessionInProgress {
		return fmt.Errorf("session %s still in progress", sessionID)
	}
	var chunks []db.MultipartChunk
	if err := e.db.WithContext(ctx).Where("session_id = ?", session.ID).Find(&chunks).Error; err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	for _, chunk := range chunks {
		if err := e.cold.Delete(ctx, store.ChunkKey(sessionID, chunk.Offset)); err != nil {
			return fmt.Errorf("delete chunk at %d: %w", chunk.Offset, err)
		}
	}
	if err := e.db.WithContext(ctx).Where("session_id = ?", session.ID).
		Delete(&db.MultipartChunk{}).Error; err != nil {
		return fmt.Errorf("delete chunk rows: %w", err)
	}
	return nil
}

// staleSessionAge is how long an untouched in-progress session survives.
const staleSessionAge = 48 * time.Hour

// SweepStaleSessions aborts in-progress sessions that have seen no activity.
func (e *Engine) SweepStaleSessions(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-staleSessionAge)
	var stale []db.MultipartSession
	if err := e.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", db.SessionInProgress, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	for _, session := range stale {
		if err := e.AbortSession(ctx, session.ID.String()); err != nil {
			e.log.Warn("abort stale session", "session", session.ID, "error", err)
		}
	}
	return len(stale), nil
}
