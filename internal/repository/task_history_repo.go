// Package repository provides persistence for archived task records.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/avatarr/internal/models"
	"gorm.io/gorm"
)

// TaskHistoryRepository stores and queries terminal task archive records.
type TaskHistoryRepository interface {
	Create(ctx context.Context, record *models.TaskHistory) error
	GetByTaskID(ctx context.Context, taskID models.ULID) (*models.TaskHistory, error)
	List(ctx context.Context, offset, limit int) ([]*models.TaskHistory, int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// taskHistoryRepo implements TaskHistoryRepository using GORM.
type taskHistoryRepo struct {
	db *gorm.DB
}

// NewTaskHistoryRepository creates a new TaskHistoryRepository.
func NewTaskHistoryRepository(db *gorm.DB) TaskHistoryRepository {
	return &taskHistoryRepo{db: db}
}

// Create inserts a new archive record.
func (r *taskHistoryRepo) Create(ctx context.Context, record *models.TaskHistory) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("creating task history: %w", err)
	}
	return nil
}

// GetByTaskID retrieves the archive record for a task.
// Returns nil without error when no record exists.
func (r *taskHistoryRepo) GetByTaskID(ctx context.Context, taskID models.ULID) (*models.TaskHistory, error) {
	var record models.TaskHistory
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting task history: %w", err)
	}
	return &record, nil
}

// List returns archive records ordered by finish time, newest first.
func (r *taskHistoryRepo) List(ctx context.Context, offset, limit int) ([]*models.TaskHistory, int64, error) {
	var records []*models.TaskHistory
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.TaskHistory{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting task history: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Order("finished_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("listing task history: %w", err)
	}

	return records, total, nil
}

// DeleteOlderThan removes archive records finished before the cutoff.
// Returns the number of rows removed.
func (r *taskHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("finished_at < ?", cutoff).
		Delete(&models.TaskHistory{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting old task history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure taskHistoryRepo implements TaskHistoryRepository at compile time.
var _ TaskHistoryRepository = (*taskHistoryRepo)(nil)
