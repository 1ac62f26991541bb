// Package scheduler runs the recurring maintenance jobs: storage cleanup,
// registry purging, and task history trimming.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/avatarr/internal/config"
	"github.com/jmylchreest/avatarr/internal/registry"
	"github.com/jmylchreest/avatarr/internal/repository"
	"github.com/jmylchreest/avatarr/internal/storage"
)

// Maintenance owns the background job schedule. Each job runs on its own
// fixed interval; overlapping runs of the same job are skipped.
type Maintenance struct {
	mu sync.Mutex

	cfg      config.MaintenanceConfig
	store    *storage.Manager
	registry *registry.Registry
	history  repository.TaskHistoryRepository
	logger   *slog.Logger

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewMaintenance creates the maintenance runner. history may be nil when
// the task archive is disabled.
func NewMaintenance(
	cfg config.MaintenanceConfig,
	store *storage.Manager,
	reg *registry.Registry,
	history repository.TaskHistoryRepository,
	logger *slog.Logger,
) *Maintenance {
	return &Maintenance{
		cfg:      cfg,
		store:    store,
		registry: reg,
		history:  history,
		logger:   logger.With(slog.String("component", "maintenance")),
	}
}

// Start schedules the jobs and begins running them.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("maintenance already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	cleanupEvery := m.cfg.CleanupInterval
	if cleanupEvery <= 0 {
		cleanupEvery = time.Hour
	}

	m.cron.Schedule(cron.Every(cleanupEvery), cron.FuncJob(m.runCleanup))
	m.cron.Schedule(cron.Every(cleanupEvery), cron.FuncJob(m.runRegistryPurge))
	if m.history != nil {
		m.cron.Schedule(cron.Every(24*time.Hour), cron.FuncJob(m.runHistoryTrim))
	}

	m.cron.Start()
	m.started = true

	m.logger.Info("maintenance started",
		slog.Duration("cleanup_interval", cleanupEvery),
		slog.Duration("history_retention", m.cfg.HistoryRetention),
	)
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}

	stopCtx := m.cron.Stop()
	m.cancel()
	<-stopCtx.Done()
	m.started = false

	m.logger.Info("maintenance stopped")
}

// RunNow triggers one full maintenance pass immediately. Used by the
// operator cleanup endpoint.
func (m *Maintenance) RunNow(ctx context.Context) error {
	if err := m.store.Cleanup(ctx); err != nil {
		return fmt.Errorf("storage cleanup: %w", err)
	}
	m.registry.PurgeExpired()
	if m.history != nil {
		m.trimHistory(ctx)
	}
	return nil
}

func (m *Maintenance) runCleanup() {
	if err := m.store.Cleanup(m.ctx); err != nil {
		m.logger.Error("storage cleanup failed", slog.Any("error", err))
	}
}

func (m *Maintenance) runRegistryPurge() {
	m.registry.PurgeExpired()
}

func (m *Maintenance) runHistoryTrim() {
	m.trimHistory(m.ctx)
}

func (m *Maintenance) trimHistory(ctx context.Context) {
	retention := m.cfg.HistoryRetention
	if retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-retention)
	removed, err := m.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error("task history trim failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		m.logger.Info("trimmed task history",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
}
