// Package handlers provides the ops API handlers for stitch.
package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/stitch/internal/compose"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	composer  *compose.Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithComposer attaches the composition handler so health reports include
// composition activity.
func (h *HealthHandler) WithComposer(c *compose.Handler) *HealthHandler {
	h.composer = c
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	CPUInfo       CPUInfo        `json:"cpu"`
	Memory        MemoryInfo     `json:"memory"`
	Compositions  *compose.Stats `json:"compositions,omitempty"`
}

// CPUInfo holds CPU load information.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load_1min"`
	Load5Min  float64 `json:"load_5min"`
	Load15Min float64 `json:"load_15min"`
}

// MemoryInfo holds memory usage information.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(_ context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       getCPUInfo(),
		Memory:        getMemoryInfo(),
	}
	if h.composer != nil {
		stats := h.composer.Stats()
		resp.Compositions = &stats
	}

	return &HealthOutput{Body: resp}, nil
}

// getCPUInfo returns CPU load information.
func getCPUInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
	}

	return info
}

// getMemoryInfo returns memory usage information.
func getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	return info
}
