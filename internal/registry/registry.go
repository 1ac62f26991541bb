// Package registry holds the live task records. It is the single owner of
// task state: every mutation goes through Update, which serializes writers
// per task and enforces the stage transition rules.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Stage is a pipeline lifecycle stage.
type Stage string

const (
	StageInitialized       Stage = "initialized"
	StageUpload            Stage = "upload"
	StageDetection         Stage = "detection"
	StageBackgroundRemoval Stage = "background_removal"
	StageVideoUpload       Stage = "video_upload"
	StageVideoProcessing   Stage = "video_processing"
	StageFinalizing        Stage = "finalizing"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// Terminal reports whether a stage ends the task lifecycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// allowedNext maps each stage to its permitted successor on the success
// path. Any non-terminal stage may additionally transition to failed.
var allowedNext = map[Stage]Stage{
	StageInitialized:       StageUpload,
	StageUpload:            StageDetection,
	StageDetection:         StageBackgroundRemoval,
	StageBackgroundRemoval: StageVideoUpload,
	StageVideoUpload:       StageVideoProcessing,
	StageVideoProcessing:   StageFinalizing,
	StageFinalizing:        StageCompleted,
}

// validTransition reports whether from → to follows an allowed edge.
// Staying on the same stage (mid-stage progress updates) is always valid.
func validTransition(from, to Stage) bool {
	if from == to {
		return true
	}
	if to == StageFailed {
		return !from.Terminal()
	}
	return allowedNext[from] == to
}

// Record is the live state of one task.
type Record struct {
	TaskID   string `json:"task_id"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`

	// Artifacts lists tier-relative paths registered for this task, in
	// creation order.
	Artifacts []string `json:"artifacts,omitempty"`
	// ResultPath is the final video artifact, set on completion.
	ResultPath string `json:"result_path,omitempty"`

	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	StageAtFailure Stage  `json:"stage_at_failure,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the record is frozen.
func (r Record) Terminal() bool {
	return r.Stage.Terminal()
}

// clone returns a deep copy so callers never share the artifact slice.
func (r Record) clone() Record {
	out := r
	out.Artifacts = append([]string(nil), r.Artifacts...)
	return out
}

// Errors returned by the registry.
var (
	ErrExists            = errors.New("task already registered")
	ErrNotFound          = errors.New("task not found")
	ErrOverloaded        = errors.New("registry at capacity")
	ErrTerminal          = errors.New("task record is terminal")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrProgressRewind    = errors.New("progress must not decrease")
	ErrNotPurgeable      = errors.New("task not eligible for purge")
)

// Mutator receives the current record and returns the next. It runs under
// the per-task lock, so it must not block on registry operations.
type Mutator func(Record) (Record, error)

// entry pairs a record with its per-task write lock.
type entry struct {
	mu  sync.Mutex
	rec Record
}

// Registry is the in-memory task store with a non-terminal admission cap.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*entry
	maxActive int
	grace     time.Duration
	logger    *slog.Logger
}

// New creates a registry. maxActive caps the number of non-terminal tasks
// admitted at once; grace is the minimum age of a terminal record before
// Purge may remove it.
func New(maxActive int, grace time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		tasks:     make(map[string]*entry),
		maxActive: maxActive,
		grace:     grace,
		logger:    logger.With(slog.String("component", "registry")),
	}
}

// Register admits a new task. It fails with ErrExists for a duplicate id
// and ErrOverloaded when the non-terminal count is at the cap.
func (r *Registry) Register(taskID string, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, taskID)
	}

	active := 0
	for _, e := range r.tasks {
		e.mu.Lock()
		if !e.rec.Terminal() {
			active++
		}
		e.mu.Unlock()
	}
	if active >= r.maxActive {
		return fmt.Errorf("%w: %d active tasks", ErrOverloaded, active)
	}

	now := time.Now()
	rec.TaskID = taskID
	if rec.Stage == "" {
		rec.Stage = StageInitialized
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	r.tasks[taskID] = &entry{rec: rec}

	r.logger.Debug("task registered",
		slog.String("task_id", taskID),
		slog.Int("active", active+1),
	)
	return nil
}

// Update applies a mutation under the task's lock. The mutation is
// rejected when the record is terminal, the stage change does not follow
// an allowed edge, or progress decreases.
func (r *Registry) Update(taskID string, mutate Mutator) error {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.rec
	if cur.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, cur.Stage)
	}

	next, err := mutate(cur.clone())
	if err != nil {
		return err
	}

	if !validTransition(cur.Stage, next.Stage) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur.Stage, next.Stage)
	}
	if next.Progress < cur.Progress {
		return fmt.Errorf("%w: %d < %d", ErrProgressRewind, next.Progress, cur.Progress)
	}

	next.TaskID = cur.TaskID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now()
	if next.Terminal() && next.FinishedAt.IsZero() {
		next.FinishedAt = next.UpdatedAt
	}

	e.rec = next
	return nil
}

// Get returns a snapshot of a task record.
func (r *Registry) Get(taskID string) (Record, error) {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// IsActive reports whether a task exists and is non-terminal. Used by the
// storage manager to exempt in-flight artifacts from retention sweeps.
func (r *Registry) IsActive(taskID string) bool {
	rec, err := r.Get(taskID)
	return err == nil && !rec.Terminal()
}

// Active returns the number of non-terminal tasks.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, e := range r.tasks {
		e.mu.Lock()
		if !e.rec.Terminal() {
			active++
		}
		e.mu.Unlock()
	}
	return active
}

// List returns snapshots of all records.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.tasks))
	for _, e := range r.tasks {
		e.mu.Lock()
		out = append(out, e.rec.clone())
		e.mu.Unlock()
	}
	return out
}

// Purge removes a record. Only terminal records older than the grace
// period are eligible.
func (r *Registry) Purge(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()

	if !rec.Terminal() {
		return fmt.Errorf("%w: %s is still %s", ErrNotPurgeable, taskID, rec.Stage)
	}
	if time.Since(rec.FinishedAt) < r.grace {
		return fmt.Errorf("%w: %s finished %s ago", ErrNotPurgeable, taskID,
			time.Since(rec.FinishedAt).Round(time.Second))
	}

	delete(r.tasks, taskID)
	r.logger.Debug("task purged", slog.String("task_id", taskID))
	return nil
}

// PurgeExpired removes every eligible terminal record and returns the
// count. Invoked by the maintenance scheduler.
func (r *Registry) PurgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for taskID, e := range r.tasks {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()

		if rec.Terminal() && time.Since(rec.FinishedAt) >= r.grace {
			delete(r.tasks, taskID)
			purged++
		}
	}

	if purged > 0 {
		r.logger.Info("purged expired task records", slog.Int("count", purged))
	}
	return purged
}
