package handlers_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avatarr/internal/config"
	"github.com/jmylchreest/avatarr/internal/gpu"
	"github.com/jmylchreest/avatarr/internal/http/handlers"
	"github.com/jmylchreest/avatarr/internal/registry"
	"github.com/jmylchreest/avatarr/internal/scheduler"
	"github.com/jmylchreest/avatarr/internal/storage"
)

func newSystemStack(t *testing.T) (*chi.Mux, *storage.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := storage.NewManager(config.StorageConfig{
		Root:               t.TempDir(),
		TempRetention:      time.Hour,
		UploadsRetention:   time.Hour,
		ProcessedRetention: time.Hour,
		VideosRetention:    time.Hour,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched, err := gpu.NewScheduler(config.GPUConfig{
		DetectorSlots:     2,
		DetectorSlotVRAM:  config.ByteSize(2 << 30),
		SegmenterSlots:    1,
		SegmenterSlotVRAM: config.ByteSize(6 << 30),
		DeviceVRAM:        config.ByteSize(16 << 30),
	}, logger)
	require.NoError(t, err)

	reg := registry.New(50, time.Hour, logger)
	maintenance := scheduler.NewMaintenance(config.MaintenanceConfig{
		CleanupInterval: time.Hour,
	}, store, reg, nil, logger)

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	handlers.NewSystemHandler(store, sched, maintenance, logger).Register(api)
	handlers.NewHealthHandler("test").Register(api)

	return router, store
}

func TestSystemHandler_StorageStats(t *testing.T) {
	router, store := newSystemStack(t)

	_, err := store.Put(storage.TierUploads, []byte("image-bytes"), "selfie.jpg", "task-1")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/storage/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.StorageStatsBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.PerTier["uploads"].Count)
	assert.Equal(t, int64(len("image-bytes")), resp.PerTier["uploads"].Bytes)
	assert.NotZero(t, resp.FreeBytes)
}

func TestSystemHandler_GPUStats(t *testing.T) {
	router, _ := newSystemStack(t)

	req := httptest.NewRequest("GET", "/api/v1/gpu/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.GPUStatsBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Classes["detector"].Slots)
	assert.Equal(t, 1, resp.Classes["segmenter"].Slots)
	assert.Zero(t, resp.InUseVRAM)
}

func TestSystemHandler_RunCleanup(t *testing.T) {
	router, _ := newSystemStack(t)

	req := httptest.NewRequest("POST", "/api/v1/storage/cleanup", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cleanup completed")
}

func TestHealthHandler_GetHealth(t *testing.T) {
	router, _ := newSystemStack(t)

	req := httptest.NewRequest("GET", "/api/v1/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "disabled", resp.Components["database"].Status)
}
