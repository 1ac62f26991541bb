package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmylchreest/avatarr/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.TaskHistory{}))
	return db
}

func archivedTask(finished time.Time) *models.TaskHistory {
	return &models.TaskHistory{
		TaskID:        models.NewULID(),
		FinalStage:    "completed",
		ResultPath:    "videos/result.mp4",
		ArtifactCount: 4,
		SubmittedAt:   finished.Add(-90 * time.Second),
		FinishedAt:    finished,
		DurationMs:    90_000,
	}
}

func TestTaskHistoryRepo_CreateAndGet(t *testing.T) {
	repo := NewTaskHistoryRepository(newTestDB(t))
	ctx := context.Background()

	rec := archivedTask(time.Now())
	require.NoError(t, repo.Create(ctx, rec))

	got, err := repo.GetByTaskID(ctx, rec.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Equal(t, "completed", got.FinalStage)
	assert.Equal(t, 4, got.ArtifactCount)
}

func TestTaskHistoryRepo_GetMissing(t *testing.T) {
	repo := NewTaskHistoryRepository(newTestDB(t))

	got, err := repo.GetByTaskID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTaskHistoryRepo_ListNewestFirst(t *testing.T) {
	repo := NewTaskHistoryRepository(newTestDB(t))
	ctx := context.Background()

	now := time.Now()
	oldest := archivedTask(now.Add(-2 * time.Hour))
	middle := archivedTask(now.Add(-time.Hour))
	newest := archivedTask(now)
	for _, rec := range []*models.TaskHistory{oldest, middle, newest} {
		require.NoError(t, repo.Create(ctx, rec))
	}

	records, total, err := repo.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, records, 2)
	assert.Equal(t, newest.TaskID, records[0].TaskID)
	assert.Equal(t, middle.TaskID, records[1].TaskID)

	records, total, err = repo.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, records, 1)
	assert.Equal(t, oldest.TaskID, records[0].TaskID)
}

func TestTaskHistoryRepo_DeleteOlderThan(t *testing.T) {
	repo := NewTaskHistoryRepository(newTestDB(t))
	ctx := context.Background()

	now := time.Now()
	old := archivedTask(now.Add(-48 * time.Hour))
	fresh := archivedTask(now)
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.Create(ctx, fresh))

	removed, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, total, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
