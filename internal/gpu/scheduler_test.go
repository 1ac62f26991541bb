package gpu

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avatarr/internal/config"
)

const gib = 1024 * 1024 * 1024

func testGPUConfig() config.GPUConfig {
	return config.GPUConfig{
		DetectorSlots:     2,
		DetectorSlotVRAM:  config.ByteSize(2 * gib),
		SegmenterSlots:    1,
		SegmenterSlotVRAM: config.ByteSize(6 * gib),
		DeviceVRAM:        config.ByteSize(16 * gib),
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(testGPUConfig(), slog.Default())
	require.NoError(t, err)
	return s
}

func TestNewSchedulerRejectsOverCapacity(t *testing.T) {
	cfg := testGPUConfig()
	cfg.DeviceVRAM = config.ByteSize(8 * gib) // peak is 10 GiB

	_, err := NewScheduler(cfg, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peak VRAM")
}

func TestNewSchedulerRejectsZeroSlots(t *testing.T) {
	cfg := testGPUConfig()
	cfg.SegmenterSlots = 0

	_, err := NewScheduler(cfg, slog.Default())
	require.Error(t, err)
}

func TestAcquireRelease(t *testing.T) {
	s := newTestScheduler(t)

	lease, err := s.Acquire(context.Background(), ClassDetector, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ClassDetector, lease.Class)
	assert.Equal(t, "task-1", lease.TaskID)

	stats := s.Snapshot()
	assert.Equal(t, 1, stats.Classes[ClassDetector].InUse)
	assert.Equal(t, int64(2*gib), stats.InUseVRAM)

	s.Release(lease)

	stats = s.Snapshot()
	assert.Equal(t, 0, stats.Classes[ClassDetector].InUse)
	assert.Equal(t, int64(0), stats.InUseVRAM)
}

func TestAcquireUnknownClass(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.Acquire(context.Background(), Class("encoder"), "task-1")
	require.Error(t, err)
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	s := newTestScheduler(t)

	lease, err := s.Acquire(context.Background(), ClassSegmenter, "task-1")
	require.NoError(t, err)

	granted := make(chan *Lease, 1)
	go func() {
		l, err := s.Acquire(context.Background(), ClassSegmenter, "task-2")
		if err == nil {
			granted <- l
		}
	}()

	// The second acquire must be queued, not granted.
	require.Eventually(t, func() bool {
		return s.Snapshot().Classes[ClassSegmenter].Waiting == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case <-granted:
		t.Fatal("acquire succeeded while all slots were held")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release(lease)

	select {
	case l := <-granted:
		assert.Equal(t, "task-2", l.TaskID)
		s.Release(l)
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted the released slot")
	}
}

func TestAcquireFIFOOrder(t *testing.T) {
	s := newTestScheduler(t)

	first, err := s.Acquire(context.Background(), ClassSegmenter, "holder")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	enqueue := func(taskID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.Acquire(context.Background(), ClassSegmenter, taskID)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, taskID)
			mu.Unlock()
			s.Release(l)
		}()
		// Wait until this waiter is queued before adding the next one.
		require.Eventually(t, func() bool {
			mu.Lock()
			served := len(order)
			mu.Unlock()
			return s.Snapshot().Classes[ClassSegmenter].Waiting == 1+served
		}, time.Second, time.Millisecond)
	}

	enqueue("w1")
	enqueue("w2")
	enqueue("w3")

	s.Release(first)
	wg.Wait()

	assert.Equal(t, []string{"w1", "w2", "w3"}, order)
}

func TestAcquireContextCanceled(t *testing.T) {
	s := newTestScheduler(t)

	lease, err := s.Acquire(context.Background(), ClassSegmenter, "holder")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, ClassSegmenter, "task-2")
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return s.Snapshot().Classes[ClassSegmenter].Waiting == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled acquire did not return")
	}

	// The departed waiter must be gone and the slot reusable.
	assert.Equal(t, 0, s.Snapshot().Classes[ClassSegmenter].Waiting)
	s.Release(lease)
	assert.Equal(t, 0, s.Snapshot().Classes[ClassSegmenter].InUse)
}

func TestReleaseTwiceIgnored(t *testing.T) {
	s := newTestScheduler(t)

	lease, err := s.Acquire(context.Background(), ClassDetector, "task-1")
	require.NoError(t, err)

	s.Release(lease)
	s.Release(lease)
	s.Release(nil)

	assert.Equal(t, 0, s.Snapshot().Classes[ClassDetector].InUse)
}

func TestClassesIndependent(t *testing.T) {
	s := newTestScheduler(t)

	segLease, err := s.Acquire(context.Background(), ClassSegmenter, "seg-task")
	require.NoError(t, err)

	// Detector slots remain available while the segmenter is exhausted.
	detLease, err := s.Acquire(context.Background(), ClassDetector, "det-task")
	require.NoError(t, err)

	stats := s.Snapshot()
	assert.Equal(t, 1, stats.Classes[ClassSegmenter].InUse)
	assert.Equal(t, 1, stats.Classes[ClassDetector].InUse)
	assert.Equal(t, int64(8*gib), stats.InUseVRAM)

	s.Release(segLease)
	s.Release(detLease)
}
