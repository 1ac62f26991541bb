package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/avatarr/internal/config"
	"github.com/jmylchreest/avatarr/internal/models"
)

// Tier identifies an artifact storage tier. Each tier is a directory under
// the storage root with its own retention.
type Tier string

const (
	// TierTemp holds scratch files; shortest retention.
	TierTemp Tier = "temp"
	// TierUploads holds raw request inputs.
	TierUploads Tier = "uploads"
	// TierProcessed holds intermediate pipeline artifacts.
	TierProcessed Tier = "processed"
	// TierVideos holds final rendered videos; longest retention.
	TierVideos Tier = "videos"
)

// Tiers lists all tiers in sweep order.
var Tiers = []Tier{TierTemp, TierUploads, TierProcessed, TierVideos}

// indexLogName is the metadata log file under the storage root.
const indexLogName = "index.log"

// ErrNotFound is returned by Get for paths with no live artifact.
var ErrNotFound = errors.New("artifact not found")

// Artifact is the index entry for one live file.
type Artifact struct {
	Tier      Tier      `json:"tier"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Retention overrides the tier retention when non-zero.
	Retention time.Duration `json:"retention,omitempty"`
}

// TierStats aggregates the live artifacts of one tier.
type TierStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Stats is the storage report returned by Stat.
type Stats struct {
	PerTier     map[Tier]TierStats `json:"per_tier"`
	FreeBytes   uint64             `json:"free_bytes"`
	UsedPercent float64            `json:"used_percent"`
}

// ActivityProbe reports whether a task is still non-terminal. Artifacts
// owned by such tasks are exempt from retention sweeps.
type ActivityProbe func(taskID string) bool

// Manager owns the tier directories and the artifact index. Put and
// Release are safe under concurrent callers; Cleanup locks one tier at a
// time so writes to other tiers keep flowing.
type Manager struct {
	cfg     config.StorageConfig
	sandbox *Sandbox
	logger  *slog.Logger

	mu    sync.RWMutex
	index map[string]Artifact
	log   *indexLog

	tierLocks map[Tier]*sync.RWMutex

	probeMu sync.RWMutex
	probe   ActivityProbe
}

// NewManager creates the tier directories, rebuilds the index from the
// append-only log (dropping entries whose files are gone), compacts the
// log, and reopens it for appending.
func NewManager(cfg config.StorageConfig, logger *slog.Logger) (*Manager, error) {
	sandbox, err := NewSandbox(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("initializing storage root: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		sandbox:   sandbox,
		logger:    logger.With(slog.String("component", "storage")),
		index:     make(map[string]Artifact),
		tierLocks: make(map[Tier]*sync.RWMutex, len(Tiers)),
	}

	for _, tier := range Tiers {
		if err := sandbox.MkdirAll(string(tier)); err != nil {
			return nil, fmt.Errorf("creating tier %s: %w", tier, err)
		}
		m.tierLocks[tier] = &sync.RWMutex{}
	}

	logPath := filepath.Join(sandbox.BaseDir(), indexLogName)
	if err := m.rebuild(logPath); err != nil {
		return nil, err
	}

	m.log, err = openIndexLog(logPath)
	if err != nil {
		return nil, err
	}

	m.logger.Info("storage manager initialized",
		slog.String("root", sandbox.BaseDir()),
		slog.Int("artifacts", len(m.index)),
	)

	return m, nil
}

// rebuild replays the index log, drops records whose files no longer
// exist, and compacts the log down to the live set.
func (m *Manager) rebuild(logPath string) error {
	err := replayIndexLog(logPath, func(rec indexRecord) {
		switch rec.Op {
		case opPut:
			m.index[rec.Path] = Artifact{
				Tier:      rec.Tier,
				Path:      rec.Path,
				Size:      rec.Size,
				TaskID:    rec.TaskID,
				CreatedAt: rec.CreatedAt,
				Retention: rec.Retention,
			}
		case opRelease:
			delete(m.index, rec.Path)
		}
	})
	if err != nil {
		return err
	}

	live := make([]indexRecord, 0, len(m.index))
	for path, art := range m.index {
		if _, err := m.sandbox.Stat(path); err != nil {
			m.logger.Warn("dropping index entry for missing file",
				slog.String("path", path),
			)
			delete(m.index, path)
			continue
		}
		live = append(live, indexRecord{
			Op:        opPut,
			Tier:      art.Tier,
			Path:      art.Path,
			Size:      art.Size,
			TaskID:    art.TaskID,
			CreatedAt: art.CreatedAt,
			Retention: art.Retention,
		})
	}

	return rewriteIndexLog(logPath, live)
}

// SetActivityProbe installs the non-terminal task check used by Cleanup.
func (m *Manager) SetActivityProbe(probe ActivityProbe) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	m.probe = probe
}

func (m *Manager) taskActive(taskID string) bool {
	if taskID == "" {
		return false
	}
	m.probeMu.RLock()
	probe := m.probe
	m.probeMu.RUnlock()
	if probe == nil {
		return false
	}
	return probe(taskID)
}

// Put stores bytes in a tier and returns the assigned tier-relative path.
// The suggested name contributes only its extension; names are assigned by
// the manager. The write is atomic.
func (m *Manager) Put(tier Tier, data []byte, suggestedName, taskID string) (string, error) {
	return m.put(tier, suggestedName, taskID, 0, func(path string) (int64, error) {
		if err := m.sandbox.AtomicWrite(path, data); err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	})
}

// PutWithRetention stores bytes like Put but pins a per-artifact retention
// that replaces the tier retention in cleanup sweeps.
func (m *Manager) PutWithRetention(tier Tier, data []byte, suggestedName, taskID string, retention time.Duration) (string, error) {
	return m.put(tier, suggestedName, taskID, retention, func(path string) (int64, error) {
		if err := m.sandbox.AtomicWrite(path, data); err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	})
}

// PutReader streams from r into a tier. Same contract as Put.
func (m *Manager) PutReader(tier Tier, r io.Reader, suggestedName, taskID string) (string, error) {
	return m.put(tier, suggestedName, taskID, 0, func(path string) (int64, error) {
		return m.sandbox.AtomicWriteReader(path, r)
	})
}

func (m *Manager) put(tier Tier, suggestedName, taskID string, retention time.Duration, write func(path string) (int64, error)) (string, error) {
	lock, ok := m.tierLocks[tier]
	if !ok {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	name := models.NewULID().String() + sanitizeExt(suggestedName)
	path := string(tier) + "/" + name

	lock.RLock()
	size, err := write(path)
	lock.RUnlock()
	if err != nil {
		return "", fmt.Errorf("storing artifact in %s: %w", tier, err)
	}

	art := Artifact{
		Tier:      tier,
		Path:      path,
		Size:      size,
		TaskID:    taskID,
		CreatedAt: time.Now(),
		Retention: retention,
	}

	m.mu.Lock()
	m.index[path] = art
	m.mu.Unlock()

	if err := m.log.append(indexRecord{
		Op: opPut, Tier: tier, Path: path, Size: size,
		TaskID: taskID, CreatedAt: art.CreatedAt, Retention: retention,
	}); err != nil {
		m.logger.Warn("index log append failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Debug("artifact stored",
		slog.String("path", path),
		slog.Int64("size", size),
		slog.String("task_id", taskID),
	)

	return path, nil
}

// sanitizeExt extracts a safe file extension from a suggested name.
func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext == "" || ext == "." || len(ext) > 16 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}

// Get reads a live artifact by its tier-relative path.
func (m *Manager) Get(path string) ([]byte, error) {
	m.mu.RLock()
	_, ok := m.index[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	data, err := m.sandbox.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// Lookup returns the index entry for a path.
func (m *Manager) Lookup(path string) (Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	art, ok := m.index[path]
	return art, ok
}

// Release deletes an artifact immediately. Releasing an unknown or
// already-released path is a no-op, so rollback can re-issue releases.
func (m *Manager) Release(path string) error {
	m.mu.Lock()
	art, ok := m.index[path]
	if ok {
		delete(m.index, path)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := m.sandbox.Remove(path); err != nil {
		m.logger.Warn("releasing artifact file failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	if err := m.log.append(indexRecord{
		Op: opRelease, Tier: art.Tier, Path: path, CreatedAt: time.Now(),
	}); err != nil {
		m.logger.Warn("index log append failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Debug("artifact released", slog.String("path", path))
	return nil
}

// Stat reports per-tier artifact counts and disk usage for the root.
func (m *Manager) Stat() (Stats, error) {
	stats := Stats{PerTier: make(map[Tier]TierStats, len(Tiers))}
	for _, tier := range Tiers {
		stats.PerTier[tier] = TierStats{}
	}

	m.mu.RLock()
	for _, art := range m.index {
		ts := stats.PerTier[art.Tier]
		ts.Count++
		ts.Bytes += art.Size
		stats.PerTier[art.Tier] = ts
	}
	m.mu.RUnlock()

	usage, err := disk.Usage(m.sandbox.BaseDir())
	if err != nil {
		return stats, fmt.Errorf("reading disk usage: %w", err)
	}
	stats.FreeBytes = usage.Free
	stats.UsedPercent = usage.UsedPercent

	return stats, nil
}

// retention returns the configured retention for a tier.
func (m *Manager) retention(tier Tier) time.Duration {
	switch tier {
	case TierTemp:
		return m.cfg.TempRetention
	case TierUploads:
		return m.cfg.UploadsRetention
	case TierProcessed:
		return m.cfg.ProcessedRetention
	case TierVideos:
		return m.cfg.VideosRetention
	default:
		return 0
	}
}

// Cleanup sweeps every tier, deleting artifacts past their retention.
// When free disk space is below the configured threshold, the pass turns
// aggressive: temp is emptied regardless of age and the processed
// retention is halved. Artifacts owned by non-terminal tasks are exempt.
func (m *Manager) Cleanup(ctx context.Context) error {
	stats, err := m.Stat()
	aggressive := err == nil && m.cfg.MinFreeBytes.Bytes() > 0 &&
		stats.FreeBytes < uint64(m.cfg.MinFreeBytes.Bytes())

	if aggressive {
		m.logger.Warn("disk pressure detected, running aggressive cleanup",
			slog.Uint64("free_bytes", stats.FreeBytes),
			slog.Int64("min_free_bytes", m.cfg.MinFreeBytes.Bytes()),
		)
	}

	var removed int
	for _, tier := range Tiers {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		retention := m.retention(tier)
		if aggressive {
			switch tier {
			case TierTemp:
				retention = 0
			case TierProcessed:
				retention /= 2
			}
		}

		n, err := m.sweepTier(tier, retention)
		removed += n
		if err != nil {
			m.logger.Warn("tier sweep failed",
				slog.String("tier", string(tier)),
				slog.String("error", err.Error()),
			)
		}
	}

	if removed > 0 {
		m.logger.Info("cleanup finished", slog.Int("removed", removed))
	}
	return nil
}

// sweepTier deletes expired files in one tier under its exclusive lock.
// An artifact carrying its own retention uses it in place of the tier
// retention. Files not present in the index are orphans from a crash
// between write and index append; they age by mtime.
func (m *Manager) sweepTier(tier Tier, retention time.Duration) (int, error) {
	lock := m.tierLocks[tier]
	lock.Lock()
	defer lock.Unlock()

	entries, err := m.sandbox.List(string(tier))
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := string(tier) + "/" + entry.Name()

		m.mu.RLock()
		art, indexed := m.index[path]
		m.mu.RUnlock()

		var age time.Duration
		effective := retention
		if indexed {
			age = now.Sub(art.CreatedAt)
			if m.taskActive(art.TaskID) {
				continue
			}
			if art.Retention > 0 {
				effective = art.Retention
			}
		} else {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			age = now.Sub(info.ModTime())
		}

		if age < effective {
			continue
		}

		if err := m.sandbox.Remove(path); err != nil {
			m.logger.Warn("sweep remove failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++

		if indexed {
			m.mu.Lock()
			delete(m.index, path)
			m.mu.Unlock()
			if err := m.log.append(indexRecord{
				Op: opRelease, Tier: tier, Path: path, CreatedAt: now,
			}); err != nil {
				m.logger.Warn("index log append failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
		}

		m.logger.Debug("swept expired artifact",
			slog.String("path", path),
			slog.Duration("age", age),
		)
	}

	return removed, nil
}

// Close flushes and closes the index log.
func (m *Manager) Close() error {
	return m.log.close()
}
