package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, maxActive int, grace time.Duration) *Registry {
	t.Helper()
	return New(maxActive, grace, slog.Default())
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)

	require.NoError(t, r.Register("task-1", Record{}))

	rec, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", rec.TaskID)
	assert.Equal(t, StageInitialized, rec.Stage)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)

	require.NoError(t, r.Register("task-1", Record{}))
	err := r.Register("task-1", Record{})
	assert.ErrorIs(t, err, ErrExists)
}

func TestRegisterOverCapFails(t *testing.T) {
	r := newTestRegistry(t, 2, time.Hour)

	require.NoError(t, r.Register("task-1", Record{}))
	require.NoError(t, r.Register("task-2", Record{}))

	err := r.Register("task-3", Record{})
	assert.ErrorIs(t, err, ErrOverloaded)

	// A terminal task frees capacity.
	require.NoError(t, r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageFailed
		rec.ErrorKind = "canceled"
		return rec, nil
	}))
	assert.NoError(t, r.Register("task-3", Record{}))
}

func TestUpdateWalksAllowedStages(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	path := []struct {
		stage    Stage
		progress int
	}{
		{StageUpload, 20},
		{StageDetection, 25},
		{StageDetection, 40},
		{StageBackgroundRemoval, 50},
		{StageVideoUpload, 70},
		{StageVideoProcessing, 75},
		{StageFinalizing, 90},
		{StageCompleted, 100},
	}

	for _, step := range path {
		err := r.Update("task-1", func(rec Record) (Record, error) {
			rec.Stage = step.stage
			rec.Progress = step.progress
			return rec, nil
		})
		require.NoError(t, err, "transition to %s", step.stage)
	}

	rec, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, rec.Stage)
	assert.Equal(t, 100, rec.Progress)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestUpdateRejectsSkippedStage(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	err := r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageDetection // skips upload
		return rec, nil
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateRejectsProgressRewind(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	require.NoError(t, r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageUpload
		rec.Progress = 20
		return rec, nil
	}))

	err := r.Update("task-1", func(rec Record) (Record, error) {
		rec.Progress = 10
		return rec, nil
	})
	assert.ErrorIs(t, err, ErrProgressRewind)
}

func TestAnyNonTerminalStageMayFail(t *testing.T) {
	for _, stage := range []Stage{StageInitialized, StageUpload, StageVideoProcessing} {
		t.Run(string(stage), func(t *testing.T) {
			assert.True(t, validTransition(stage, StageFailed))
		})
	}
	assert.False(t, validTransition(StageCompleted, StageFailed))
	assert.False(t, validTransition(StageFailed, StageFailed))
}

func TestTerminalRecordIsFrozen(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	require.NoError(t, r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageFailed
		rec.StageAtFailure = StageInitialized
		rec.ErrorKind = "internal"
		return rec, nil
	}))

	err := r.Update("task-1", func(rec Record) (Record, error) {
		rec.ErrorMessage = "rewriting history"
		return rec, nil
	})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestMutatorErrorPropagates(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	wantErr := fmt.Errorf("mutator says no")
	err := r.Update("task-1", func(rec Record) (Record, error) {
		return rec, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The record is unchanged.
	rec, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, StageInitialized, rec.Stage)
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{Artifacts: []string{"uploads/a.jpg"}}))

	rec, err := r.Get("task-1")
	require.NoError(t, err)
	rec.Artifacts[0] = "mutated"

	again, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a.jpg", again.Artifacts[0])
}

func TestPurgeRules(t *testing.T) {
	r := newTestRegistry(t, 50, 50*time.Millisecond)
	require.NoError(t, r.Register("task-1", Record{}))

	// Non-terminal records cannot be purged.
	assert.ErrorIs(t, r.Purge("task-1"), ErrNotPurgeable)

	require.NoError(t, r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageFailed
		rec.ErrorKind = "timeout"
		return rec, nil
	}))

	// Terminal but inside the grace period.
	assert.ErrorIs(t, r.Purge("task-1"), ErrNotPurgeable)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.Purge("task-1"))

	_, err := r.Get("task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	r := newTestRegistry(t, 50, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("task-%d", i)
		require.NoError(t, r.Register(id, Record{}))
	}
	require.NoError(t, r.Update("task-0", func(rec Record) (Record, error) {
		rec.Stage = StageFailed
		return rec, nil
	}))
	require.NoError(t, r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageFailed
		return rec, nil
	}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, r.PurgeExpired())
	assert.Equal(t, 1, r.Active())
	assert.Len(t, r.List(), 1)
}

func TestIsActive(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	assert.True(t, r.IsActive("task-1"))
	assert.False(t, r.IsActive("no-such-task"))

	require.NoError(t, r.Update("task-1", func(rec Record) (Record, error) {
		rec.Stage = StageFailed
		return rec, nil
	}))
	assert.False(t, r.IsActive("task-1"))
}

func TestConcurrentUpdatesSerialized(t *testing.T) {
	r := newTestRegistry(t, 50, time.Hour)
	require.NoError(t, r.Register("task-1", Record{}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Update("task-1", func(rec Record) (Record, error) {
				rec.Artifacts = append(rec.Artifacts, "x")
				return rec, nil
			})
		}()
	}
	wg.Wait()

	rec, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Len(t, rec.Artifacts, 50, "every serialized append must land")
}
