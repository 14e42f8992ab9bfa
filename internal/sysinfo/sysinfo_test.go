package sysinfo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

func TestCPUUsage(t *testing.T) {
	tests := []struct {
		name    string
		prev    cpu.TimesStat
		current cpu.TimesStat
		want    float64
	}{
		{"idle", cpu.TimesStat{Idle: 100}, cpu.TimesStat{Idle: 200}, 0},
		{"half busy", cpu.TimesStat{User: 10, Idle: 10}, cpu.TimesStat{User: 60, Idle: 60}, 50},
		{"iowait counts as idle", cpu.TimesStat{}, cpu.TimesStat{System: 25, Iowait: 75}, 25},
		{"no progress", cpu.TimesStat{User: 5}, cpu.TimesStat{User: 5}, 0},
		{"counter reset", cpu.TimesStat{User: 50}, cpu.TimesStat{User: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuUsage(tt.prev, tt.current); got != tt.want {
				t.Errorf("cpuUsage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTailFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootd.log")

	var lines []string
	for i := 1; i <= 25; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := []struct {
		name    string
		n       int
		want    []string
		wantErr bool
	}{
		{"last three", 3, []string{"line 23", "line 24", "line 25"}, false},
		{"exact", 25, lines, false},
		{"more than file", 100, lines, false},
		{"zero", 0, nil, true},
		{"too many", MaxTailLines + 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TailFile(path, tt.n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("TailFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("TailFile() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := TailFile(filepath.Join(dir, "missing.log"), 5); err == nil {
		t.Errorf("TailFile() on missing file succeeded")
	}
}

func TestCollectorProcess(t *testing.T) {
	c := NewCollector(zap.NewNop(), "")
	stats := c.Process()
	if stats.Goroutines < 1 {
		t.Errorf("Process().Goroutines = %d, want >= 1", stats.Goroutines)
	}
	if stats.MemoryUsageMB <= 0 {
		t.Errorf("Process().MemoryUsageMB = %v, want > 0", stats.MemoryUsageMB)
	}
}

func TestCollectorSnapshot(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(zap.NewNop(), dir)

	first := c.Snapshot(context.Background())
	if first.CPUUsagePercent != 0 {
		t.Errorf("first Snapshot().CPUUsagePercent = %v, want 0", first.CPUUsagePercent)
	}
	if first.Timestamp == "" {
		t.Errorf("Snapshot().Timestamp is empty")
	}
	if first.Storage != nil && first.Storage.Path != dir {
		t.Errorf("Snapshot().Storage.Path = %q, want %q", first.Storage.Path, dir)
	}

	second := c.Snapshot(context.Background())
	if second.CPUUsagePercent < 0 || second.CPUUsagePercent > 100 {
		t.Errorf("Snapshot().CPUUsagePercent = %v, want 0..100", second.CPUUsagePercent)
	}
}
