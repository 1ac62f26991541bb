package storage

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avatarr/internal/config"
)

func testStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		Root:               t.TempDir(),
		TempRetention:      time.Hour,
		UploadsRetention:   7 * 24 * time.Hour,
		ProcessedRetention: 3 * 24 * time.Hour,
		VideosRetention:    30 * 24 * time.Hour,
	}
}

func newTestManager(t *testing.T, cfg config.StorageConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPutGetRelease(t *testing.T) {
	m := newTestManager(t, testStorageConfig(t))

	path, err := m.Put(TierUploads, []byte("image-data"), "selfie.jpg", "task-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, "uploads/"))
	assert.True(t, strings.HasSuffix(path, ".jpg"))

	data, err := m.Get(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-data"), data)

	art, ok := m.Lookup(path)
	require.True(t, ok)
	assert.Equal(t, TierUploads, art.Tier)
	assert.Equal(t, int64(10), art.Size)
	assert.Equal(t, "task-1", art.TaskID)

	require.NoError(t, m.Release(path))
	_, err = m.Get(path)
	assert.ErrorIs(t, err, ErrNotFound)

	// Release is idempotent.
	require.NoError(t, m.Release(path))
}

func TestPutAssignsUniqueNames(t *testing.T) {
	m := newTestManager(t, testStorageConfig(t))

	p1, err := m.Put(TierTemp, []byte("a"), "same.bin", "t")
	require.NoError(t, err)
	p2, err := m.Put(TierTemp, []byte("b"), "same.bin", "t")
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
}

func TestPutRejectsUnknownTier(t *testing.T) {
	m := newTestManager(t, testStorageConfig(t))

	_, err := m.Put(Tier("archive"), []byte("x"), "f.bin", "t")
	require.Error(t, err)
}

func TestPutReader(t *testing.T) {
	m := newTestManager(t, testStorageConfig(t))

	path, err := m.PutReader(TierVideos, bytes.NewReader([]byte("video-bytes")), "out.mp4", "task-9")
	require.NoError(t, err)

	art, ok := m.Lookup(path)
	require.True(t, ok)
	assert.Equal(t, int64(11), art.Size)

	data, err := m.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestSanitizeExt(t *testing.T) {
	assert.Equal(t, ".jpg", sanitizeExt("photo.JPG"))
	assert.Equal(t, ".mp4", sanitizeExt("a/b/clip.mp4"))
	assert.Equal(t, "", sanitizeExt("noext"))
	assert.Equal(t, "", sanitizeExt("trailingdot."))
	assert.Equal(t, "", sanitizeExt("x.averyveryverylongextension"))
}

func TestIndexRebuildAcrossRestart(t *testing.T) {
	cfg := testStorageConfig(t)

	m := newTestManager(t, cfg)
	kept, err := m.Put(TierUploads, []byte("keep"), "keep.png", "task-1")
	require.NoError(t, err)
	released, err := m.Put(TierUploads, []byte("gone"), "gone.png", "task-1")
	require.NoError(t, err)
	require.NoError(t, m.Release(released))

	// Simulate a file deleted behind the manager's back.
	vanished, err := m.Put(TierProcessed, []byte("vanish"), "v.png", "task-2")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(cfg.Root, filepath.FromSlash(vanished))))

	require.NoError(t, m.Close())

	m2, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)
	defer m2.Close()

	data, err := m2.Get(kept)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	_, err = m2.Get(released)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m2.Get(vanished)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatReportsTierUsage(t *testing.T) {
	m := newTestManager(t, testStorageConfig(t))

	_, err := m.Put(TierUploads, []byte("12345"), "a.jpg", "t1")
	require.NoError(t, err)
	_, err = m.Put(TierUploads, []byte("123"), "b.jpg", "t1")
	require.NoError(t, err)
	_, err = m.Put(TierVideos, []byte("1234567890"), "v.mp4", "t2")
	require.NoError(t, err)

	stats, err := m.Stat()
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PerTier[TierUploads].Count)
	assert.Equal(t, int64(8), stats.PerTier[TierUploads].Bytes)
	assert.Equal(t, 1, stats.PerTier[TierVideos].Count)
	assert.Equal(t, 0, stats.PerTier[TierTemp].Count)
	assert.NotZero(t, stats.FreeBytes)
}

func TestCleanupSweepsExpiredArtifacts(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.TempRetention = 10 * time.Millisecond
	m := newTestManager(t, cfg)

	expired, err := m.Put(TierTemp, []byte("old"), "old.bin", "")
	require.NoError(t, err)
	fresh, err := m.Put(TierUploads, []byte("new"), "new.bin", "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Cleanup(context.Background()))

	_, err = m.Get(expired)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(fresh)
	assert.NoError(t, err)
}

func TestCleanupHonorsRetentionOverride(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.TempRetention = time.Nanosecond
	m := newTestManager(t, cfg)

	pinned, err := m.PutWithRetention(TierTemp, []byte("pinned"), "pin.bin", "", time.Hour)
	require.NoError(t, err)
	doomed, err := m.Put(TierTemp, []byte("doomed"), "doom.bin", "")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Cleanup(context.Background()))

	_, err = m.Get(pinned)
	assert.NoError(t, err, "artifact with a longer declared retention must survive the tier sweep")
	_, err = m.Get(doomed)
	assert.ErrorIs(t, err, ErrNotFound)

	// The override is persisted and survives an index rebuild.
	require.NoError(t, m.Close())
	m2, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)
	defer m2.Close()

	art, ok := m2.Lookup(pinned)
	require.True(t, ok)
	assert.Equal(t, time.Hour, art.Retention)
}

func TestCleanupExemptsActiveTasks(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.TempRetention = time.Nanosecond
	m := newTestManager(t, cfg)

	m.SetActivityProbe(func(taskID string) bool {
		return taskID == "live-task"
	})

	exempt, err := m.Put(TierTemp, []byte("live"), "live.bin", "live-task")
	require.NoError(t, err)
	doomed, err := m.Put(TierTemp, []byte("done"), "done.bin", "done-task")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Cleanup(context.Background()))

	_, err = m.Get(exempt)
	assert.NoError(t, err, "artifact of a non-terminal task must survive")
	_, err = m.Get(doomed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupSweepsOrphans(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.TempRetention = time.Nanosecond
	m := newTestManager(t, cfg)

	// A file on disk that the index never saw.
	orphan := filepath.Join(cfg.Root, "temp", "orphan.bin")
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0640))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Cleanup(context.Background()))

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestAggressiveCleanupEmptiesTemp(t *testing.T) {
	cfg := testStorageConfig(t)
	// A threshold far above any real disk forces the aggressive pass.
	cfg.MinFreeBytes = config.ByteSize(1 << 60)
	m := newTestManager(t, cfg)

	path, err := m.Put(TierTemp, []byte("just-written"), "x.bin", "")
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(context.Background()))

	_, err = m.Get(path)
	assert.ErrorIs(t, err, ErrNotFound, "aggressive pass removes temp files of any age")
}

func TestSandboxRejectsEscapingPaths(t *testing.T) {
	sandbox, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	_, err = sandbox.ResolvePath("../outside")
	require.Error(t, err)

	_, err = sandbox.ResolvePath("/etc/passwd")
	require.Error(t, err)

	_, err = sandbox.ResolvePath("uploads/../../outside")
	require.Error(t, err)

	resolved, err := sandbox.ResolvePath("uploads/file.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resolved, sandbox.BaseDir()))
}

func TestAtomicWriteLeavesNoTempOnSuccess(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	require.NoError(t, err)

	require.NoError(t, sandbox.AtomicWrite("uploads/a.bin", []byte("data")))

	entries, err := os.ReadDir(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.bin", entries[0].Name())
}
