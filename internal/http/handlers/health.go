package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/mem"
	"gorm.io/gorm"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// MemoryInfo reports process and system memory usage.
type MemoryInfo struct {
	AllocBytes    uint64  `json:"alloc_bytes"`
	SysBytes      uint64  `json:"sys_bytes"`
	NumGC         uint32  `json:"num_gc"`
	SystemTotal   uint64  `json:"system_total,omitempty"`
	SystemUsedPct float64 `json:"system_used_pct,omitempty"`
}

// ComponentHealth reports one dependency's status.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status        string                     `json:"status"`
	Timestamp     string                     `json:"timestamp"`
	Version       string                     `json:"version"`
	Uptime        string                     `json:"uptime"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Goroutines    int                        `json:"goroutines"`
	Memory        MemoryInfo                 `json:"memory"`
	Components    map[string]ComponentHealth `json:"components"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/healthz",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	components := map[string]ComponentHealth{
		"database": h.databaseHealth(ctx),
	}

	status := "healthy"
	for _, c := range components {
		if c.Status == "error" {
			status = "degraded"
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Goroutines:    runtime.NumGoroutine(),
			Memory:        h.memoryInfo(),
			Components:    components,
		},
	}, nil
}

func (h *HealthHandler) memoryInfo() MemoryInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	info := MemoryInfo{
		AllocBytes: ms.Alloc,
		SysBytes:   ms.Sys,
		NumGC:      ms.NumGC,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.SystemTotal = vm.Total
		info.SystemUsedPct = vm.UsedPercent
	}

	return info
}

func (h *HealthHandler) databaseHealth(ctx context.Context) ComponentHealth {
	if h.db == nil {
		return ComponentHealth{Status: "disabled"}
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		return ComponentHealth{Status: "error", Error: err.Error()}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		return ComponentHealth{Status: "error", Error: err.Error()}
	}

	return ComponentHealth{Status: "ok"}
}
