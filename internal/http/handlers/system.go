package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/avatarr/internal/gpu"
	"github.com/jmylchreest/avatarr/internal/scheduler"
	"github.com/jmylchreest/avatarr/internal/storage"
)

// SystemHandler exposes storage and GPU introspection plus the manual
// cleanup trigger.
type SystemHandler struct {
	store       *storage.Manager
	gpu         *gpu.Scheduler
	maintenance *scheduler.Maintenance
	logger      *slog.Logger
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(
	store *storage.Manager,
	sched *gpu.Scheduler,
	maintenance *scheduler.Maintenance,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		store:       store,
		gpu:         sched,
		maintenance: maintenance,
		logger:      logger.With(slog.String("component", "system-handler")),
	}
}

// TierStatsResponse reports one storage tier.
type TierStatsResponse struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// StorageStatsBody is the response body for storage stats.
type StorageStatsBody struct {
	PerTier     map[string]TierStatsResponse `json:"per_tier"`
	FreeBytes   uint64                       `json:"free_bytes"`
	UsedPercent float64                      `json:"used_percent"`
}

// StorageStatsOutput is the output for storage stats.
type StorageStatsOutput struct {
	Body StorageStatsBody
}

// GPUClassResponse reports one GPU slot class.
type GPUClassResponse struct {
	Slots    int   `json:"slots"`
	InUse    int   `json:"in_use"`
	Waiting  int   `json:"waiting"`
	SlotVRAM int64 `json:"slot_vram"`
}

// GPUStatsBody is the response body for GPU stats.
type GPUStatsBody struct {
	Classes    map[string]GPUClassResponse `json:"classes"`
	DeviceVRAM int64                       `json:"device_vram"`
	InUseVRAM  int64                       `json:"in_use_vram"`
}

// GPUStatsOutput is the output for GPU stats.
type GPUStatsOutput struct {
	Body GPUStatsBody
}

// CleanupOutput is the output for a manual cleanup run.
type CleanupOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStorageStats",
		Method:      "GET",
		Path:        "/api/v1/storage/stats",
		Summary:     "Storage stats",
		Description: "Returns per-tier artifact counts and disk headroom",
		Tags:        []string{"System"},
	}, h.GetStorageStats)

	huma.Register(api, huma.Operation{
		OperationID: "runStorageCleanup",
		Method:      "POST",
		Path:        "/api/v1/storage/cleanup",
		Summary:     "Run cleanup",
		Description: "Triggers one maintenance pass: retention sweep, registry purge, history trim",
		Tags:        []string{"System"},
	}, h.RunCleanup)

	huma.Register(api, huma.Operation{
		OperationID: "getGPUStats",
		Method:      "GET",
		Path:        "/api/v1/gpu/stats",
		Summary:     "GPU stats",
		Description: "Returns slot occupancy and VRAM accounting per class",
		Tags:        []string{"System"},
	}, h.GetGPUStats)
}

// GetStorageStats returns per-tier artifact usage and disk headroom.
func (h *SystemHandler) GetStorageStats(ctx context.Context, input *struct{}) (*StorageStatsOutput, error) {
	stats, err := h.store.Stat()
	if err != nil {
		return nil, huma.Error500InternalServerError("reading storage stats: " + err.Error())
	}

	body := StorageStatsBody{
		PerTier:     make(map[string]TierStatsResponse, len(stats.PerTier)),
		FreeBytes:   stats.FreeBytes,
		UsedPercent: stats.UsedPercent,
	}
	for tier, ts := range stats.PerTier {
		body.PerTier[string(tier)] = TierStatsResponse{Count: ts.Count, Bytes: ts.Bytes}
	}

	return &StorageStatsOutput{Body: body}, nil
}

// GetGPUStats returns a consistent snapshot of GPU slot occupancy.
func (h *SystemHandler) GetGPUStats(ctx context.Context, input *struct{}) (*GPUStatsOutput, error) {
	snap := h.gpu.Snapshot()

	body := GPUStatsBody{
		Classes:    make(map[string]GPUClassResponse, len(snap.Classes)),
		DeviceVRAM: snap.DeviceVRAM,
		InUseVRAM:  snap.InUseVRAM,
	}
	for class, cs := range snap.Classes {
		body.Classes[string(class)] = GPUClassResponse{
			Slots:    cs.Slots,
			InUse:    cs.InUse,
			Waiting:  cs.Waiting,
			SlotVRAM: cs.SlotVRAM,
		}
	}

	return &GPUStatsOutput{Body: body}, nil
}

// RunCleanup triggers one immediate maintenance pass.
func (h *SystemHandler) RunCleanup(ctx context.Context, input *struct{}) (*CleanupOutput, error) {
	if err := h.maintenance.RunNow(ctx); err != nil {
		h.logger.Error("manual cleanup failed", slog.Any("error", err))
		return nil, huma.Error500InternalServerError("cleanup failed: " + err.Error())
	}

	out := &CleanupOutput{}
	out.Body.Success = true
	out.Body.Message = "cleanup completed"
	return out, nil
}
