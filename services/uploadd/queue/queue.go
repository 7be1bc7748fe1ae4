// Package queue is the durable job fabric behind the bundling pipeline. Jobs
// persist in a local sqlite file so a restart resumes exactly where the
// previous process stopped, worker pools enforce per-queue concurrency caps,
// and retries back off exponentially before a job is parked as failed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bundlegw/observability"
)

// Job states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Retry policy: three attempts with 5s, 25s, 125s waits between them.
const (
	MaxAttempts  = 3
	baseBackoff  = 5 * time.Second
	backoffScale = 5
)

// Retention bounds for terminal jobs.
const (
	completedKeep    = 1000
	completedMaxAge  = 24 * time.Hour
	failedKeep       = 5000
	failedMaxAge     = 7 * 24 * time.Hour
	retentionPeriod  = 10 * time.Minute
	defaultDrainWait = 30 * time.Second
)

// Job is one persisted unit of work.
type Job struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Queue     string    `gorm:"size:64;index:idx_queue_state;not null"`
	State     string    `gorm:"size:16;index:idx_queue_state;index;not null"`
	DedupKey  *string   `gorm:"size:128;uniqueIndex"`
	Payload   []byte    `gorm:"type:bytes;not null"`
	Attempts  int       `gorm:"not null"`
	RunAt     time.Time `gorm:"index;not null"`
	LastError string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Lease is a named exclusive claim. Singleton workers (the planner) take a
// lease before running so only one process plans at a time.
type Lease struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Holder    string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

// Handler processes one job payload. A nil return completes the job; an error
// schedules a retry or, after MaxAttempts, parks it as failed.
type Handler func(ctx context.Context, payload []byte) error

type worker struct {
	queue       string
	concurrency int
	singleton   bool
	handler     Handler
}

// Fabric owns the job store and the worker pools.
type Fabric struct {
	db      *gorm.DB
	log     *slog.Logger
	workers map[string]*worker
	holder  string
	drain   time.Duration
	poll    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	started bool
}

// Open creates or opens the queue database at path.
func Open(path string, log *slog.Logger) (*Fabric, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.AutoMigrate(&Job{}, &Lease{}); err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	return &Fabric{
		db:      db,
		log:     log,
		workers: make(map[string]*worker),
		holder:  uuid.NewString(),
		drain:   defaultDrainWait,
		poll:    time.Second,
		now:     time.Now,
	}, nil
}

// WithDrainTimeout overrides the shutdown drain window.
func (f *Fabric) WithDrainTimeout(d time.Duration) *Fabric {
	if d > 0 {
		f.drain = d
	}
	return f
}

// WithClock overrides the fabric's time source for tests.
func (f *Fabric) WithClock(now func() time.Time) *Fabric {
	f.now = now
	return f
}

// Register wires a handler to a queue with a fixed concurrency cap. Must be
// called before Run.
func (f *Fabric) Register(queue string, concurrency int, handler Handler) {
	f.registerWorker(queue, concurrency, false, handler)
}

// RegisterSingleton wires a handler that must run on at most one process at a
// time across the deployment, guarded by a database lease.
func (f *Fabric) RegisterSingleton(queue string, handler Handler) {
	f.registerWorker(queue, 1, true, handler)
}

func (f *Fabric) registerWorker(queue string, concurrency int, singleton bool, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		panic("queue: Register after Run")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	f.workers[queue] = &worker{
		queue:       queue,
		concurrency: concurrency,
		singleton:   singleton,
		handler:     handler,
	}
}

// EnqueueOption adjusts a single enqueue.
type EnqueueOption func(*Job)

// WithDedupKey drops the enqueue silently when a job with the same key
// already exists in any state.
func WithDedupKey(key string) EnqueueOption {
	return func(j *Job) { j.DedupKey = &key }
}

// WithDelay defers the job's first run.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.RunAt = j.RunAt.Add(d) }
}

// Enqueue persists a job for queue with a JSON-encoded payload.
func (f *Fabric) Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", queue, err)
	}
	now := f.now()
	job := Job{
		ID:        uuid.New(),
		Queue:     queue,
		State:     StatePending,
		Payload:   raw,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if job.DedupKey != nil {
		// Terminal jobs release their key so the same work can be queued again;
		// only a pending or running job suppresses a duplicate.
		f.db.WithContext(ctx).Model(&Job{}).
			Where("dedup_key = ? AND state IN ?", *job.DedupKey, []string{StateCompleted, StateFailed}).
			Update("dedup_key", nil)
	}
	err = f.db.WithContext(ctx).Create(&job).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// claim atomically moves one due pending job to running and returns it.
func (f *Fabric) claim(ctx context.Context, queue string) (*Job, error) {
	var job Job
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("queue = ? AND state = ? AND run_at <= ?", queue, StatePending, f.now()).
			Order("run_at asc").
			Limit(1).
			Find(&job)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		update := tx.Model(&Job{}).
			Where("id = ? AND state = ?", job.ID, StatePending).
			Updates(map[string]any{"state": StateRunning, "updated_at": f.now()})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	job.State = StateRunning
	return &job, nil
}

func (f *Fabric) finish(ctx context.Context, job *Job, handlerErr error) {
	observability.Queue().Job(job.Queue, handlerErr)
	now := f.now()
	if handlerErr == nil {
		f.db.WithContext(ctx).Model(job).Updates(map[string]any{
			"state":      StateCompleted,
			"updated_at": now,
		})
		return
	}
	job.Attempts++
	if job.Attempts >= MaxAttempts {
		f.log.Error("job failed permanently",
			"queue", job.Queue, "job", job.ID, "attempts", job.Attempts, "error", handlerErr)
		f.db.WithContext(ctx).Model(job).Updates(map[string]any{
			"state":      StateFailed,
			"attempts":   job.Attempts,
			"last_error": handlerErr.Error(),
			"updated_at": now,
		})
		return
	}
	backoff := baseBackoff
	for i := 1; i < job.Attempts; i++ {
		backoff *= backoffScale
	}
	observability.Queue().Retry(job.Queue)
	f.log.Warn("job retry scheduled",
		"queue", job.Queue, "job", job.ID, "attempt", job.Attempts, "backoff", backoff, "error", handlerErr)
	f.db.WithContext(ctx).Model(job).Updates(map[string]any{
		"state":      StatePending,
		"attempts":   job.Attempts,
		"last_error": handlerErr.Error(),
		"run_at":     now.Add(backoff),
		"updated_at": now,
	})
}

// acquireLease takes or renews the named lease for this process.
func (f *Fabric) acquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := f.now()
	acquired := false
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease Lease
		result := tx.Where("name = ?", name).Limit(1).Find(&lease)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			lease = Lease{Name: name, Holder: f.holder, ExpiresAt: now.Add(ttl)}
			if err := tx.Create(&lease).Error; err != nil {
				if isUniqueViolation(err) {
					return nil
				}
				return err
			}
			acquired = true
			return nil
		}
		if lease.Holder != f.holder && lease.ExpiresAt.After(now) {
			return nil
		}
		update := tx.Model(&Lease{}).
			Where("name = ? AND (holder = ? OR expires_at <= ?)", name, f.holder, now).
			Updates(map[string]any{"holder": f.holder, "expires_at": now.Add(ttl)})
		if update.Error != nil {
			return update.Error
		}
		acquired = update.RowsAffected > 0
		return nil
	})
	return acquired, err
}

// Run starts all registered worker pools and blocks until ctx ends, then
// drains in-flight jobs for up to the drain window.
func (f *Fabric) Run(ctx context.Context) {
	f.mu.Lock()
	f.started = true
	workers := make([]*worker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.mu.Unlock()

	f.requeueOrphans(ctx)

	var wg sync.WaitGroup
	for _, w := range workers {
		for i := 0; i < w.concurrency; i++ {
			wg.Add(1)
			go func(w *worker) {
				defer wg.Done()
				f.runWorker(ctx, w)
			}(w)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.retentionLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.depthLoop(ctx)
	}()

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(f.drain):
		f.log.Warn("queue drain window elapsed with jobs still running")
	}
}

// requeueOrphans returns jobs left running by a previous process to pending.
func (f *Fabric) requeueOrphans(ctx context.Context) {
	result := f.db.WithContext(ctx).Model(&Job{}).
		Where("state = ?", StateRunning).
		Updates(map[string]any{"state": StatePending, "run_at": f.now(), "updated_at": f.now()})
	if result.Error != nil {
		f.log.Error("requeue orphaned jobs", "error", result.Error)
	} else if result.RowsAffected > 0 {
		f.log.Info("requeued orphaned jobs", "count", result.RowsAffected)
	}
}

func (f *Fabric) runWorker(ctx context.Context, w *worker) {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.singleton {
			ok, err := f.acquireLease(ctx, w.queue, 2*f.poll+time.Minute)
			if err != nil {
				f.log.Error("acquire lease", "queue", w.queue, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		for {
			job, err := f.claim(ctx, w.queue)
			if err != nil {
				f.log.Error("claim job", "queue", w.queue, "error", err)
				break
			}
			if job == nil {
				break
			}
			f.finish(ctx, job, f.runJob(ctx, w, job))
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (f *Fabric) runJob(ctx context.Context, w *worker, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job.Payload)
}

func (f *Fabric) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.enforceRetention(ctx)
		}
	}
}

// enforceRetention trims terminal jobs to the keep counts and max ages.
func (f *Fabric) enforceRetention(ctx context.Context) {
	now := f.now()
	f.trimState(ctx, StateCompleted, completedKeep, now.Add(-completedMaxAge))
	f.trimState(ctx, StateFailed, failedKeep, now.Add(-failedMaxAge))
}

func (f *Fabric) trimState(ctx context.Context, state string, keep int, cutoff time.Time) {
	db := f.db.WithContext(ctx)
	if err := db.Where("state = ? AND updated_at < ?", state, cutoff).Delete(&Job{}).Error; err != nil {
		f.log.Error("trim aged jobs", "state", state, "error", err)
		return
	}
	var boundary Job
	result := db.Where("state = ?", state).
		Order("updated_at desc").
		Offset(keep).
		Limit(1).
		Find(&boundary)
	if result.Error != nil {
		f.log.Error("find retention boundary", "state", state, "error", result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	if err := db.Where("state = ? AND updated_at <= ?", state, boundary.UpdatedAt).
		Delete(&Job{}).Error; err != nil {
		f.log.Error("trim excess jobs", "state", state, "error", err)
	}
}

func (f *Fabric) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for queue := range f.workers {
				var depth int64
				if err := f.db.WithContext(ctx).Model(&Job{}).
					Where("queue = ? AND state = ?", queue, StatePending).
					Count(&depth).Error; err == nil {
					observability.Queue().SetDepth(queue, float64(depth))
				}
			}
		}
	}
}

// Depth returns the number of pending jobs in queue.
func (f *Fabric) Depth(ctx context.Context, queue string) (int64, error) {
	var depth int64
	err := f.db.WithContext(ctx).Model(&Job{}).
		Where("queue = ? AND state = ?", queue, StatePending).
		Count(&depth).Error
	return depth, err
}
