package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stone-age-io/bootd/internal/utils"
	"go.uber.org/zap"
)

// Snapshot is a point-in-time view of the host
type Snapshot struct {
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	MemoryTotalGB   float64 `json:"memory_total_gb"`
	MemoryFreeGB    float64 `json:"memory_free_gb"`
	Storage         *Disk   `json:"storage,omitempty"`
	Timestamp       string  `json:"timestamp"`
}

// Disk describes the filesystem holding a directory
type Disk struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	FreePercent float64 `json:"free_percent"`
}

// HostInfo identifies the platform bootd runs on
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
}

// ProcessStats is bootd's own footprint
type ProcessStats struct {
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Collector gathers host statistics through gopsutil. CPU usage is
// computed from the delta between consecutive calls, so the first
// snapshot reports 0.
type Collector struct {
	logger      *zap.Logger
	storagePath string
	started     time.Time

	mu       sync.Mutex
	lastCPU  cpu.TimesStat
	hasCPU   bool
	hostInfo *HostInfo
}

// NewCollector creates a collector. storagePath selects the filesystem
// reported in snapshots; empty disables storage reporting.
func NewCollector(logger *zap.Logger, storagePath string) *Collector {
	return &Collector{
		logger:      logger,
		storagePath: storagePath,
		started:     time.Now(),
	}
}

// Snapshot collects CPU, memory and storage usage. Individual failures are
// logged and leave their fields zero.
func (c *Collector) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if usage, err := c.collectCPU(ctx); err != nil {
		c.logger.Warn("Failed to collect CPU usage", zap.Error(err))
	} else {
		snap.CPUUsagePercent = usage
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to collect memory usage", zap.Error(err))
	} else {
		snap.MemoryTotalGB = utils.GB(vmem.Total)
		snap.MemoryFreeGB = utils.GB(vmem.Available)
	}

	if c.storagePath != "" {
		if usage, err := disk.UsageWithContext(ctx, c.storagePath); err != nil {
			c.logger.Debug("Failed to collect storage usage",
				zap.String("path", c.storagePath),
				zap.Error(err))
		} else {
			snap.Storage = &Disk{
				Path:        c.storagePath,
				TotalGB:     utils.GB(usage.Total),
				FreeGB:      utils.GB(usage.Free),
				FreePercent: utils.Percent(usage.Free, usage.Total),
			}
		}
	}

	return snap
}

func (c *Collector) collectCPU(ctx context.Context) (float64, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(times) == 0 {
		return 0, fmt.Errorf("no CPU times returned")
	}

	current := times[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasCPU {
		c.lastCPU = current
		c.hasCPU = true
		return 0, nil
	}

	prev := c.lastCPU
	c.lastCPU = current
	return cpuUsage(prev, current), nil
}

// cpuUsage is the busy share of the time elapsed between two samples
func cpuUsage(prev, current cpu.TimesStat) float64 {
	total := func(t cpu.TimesStat) float64 {
		return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	}
	idle := func(t cpu.TimesStat) float64 {
		return t.Idle + t.Iowait
	}

	totalDelta := total(current) - total(prev)
	if totalDelta <= 0 {
		return 0
	}
	idleDelta := idle(current) - idle(prev)
	return utils.Round((totalDelta - idleDelta) / totalDelta * 100)
}

// Host returns the platform description. It is looked up once; later calls
// return the cached value.
func (c *Collector) Host(ctx context.Context) HostInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hostInfo != nil {
		return *c.hostInfo
	}

	info := HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	stat, err := host.InfoWithContext(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect host info", zap.Error(err))
		return info
	}

	info.Hostname = stat.Hostname
	info.Platform = stat.Platform
	info.PlatformVersion = stat.PlatformVersion
	info.KernelVersion = stat.KernelVersion
	info.UptimeSeconds = stat.Uptime
	if stat.KernelArch != "" {
		info.Arch = stat.KernelArch
	}
	c.hostInfo = &info
	return info
}

// Process reports bootd's memory use, goroutine count and uptime
func (c *Collector) Process() ProcessStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ProcessStats{
		MemoryUsageMB: utils.MB(m.Sys),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}
}
