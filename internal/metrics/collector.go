package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// MaxMemoryBytes returns the total physical memory, the basis for chunk
// sizing. Falls back to 4 GB when detection fails.
func MaxMemoryBytes() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 4 << 30
	}
	return int64(vm.Total)
}

// SystemMetrics holds one metrics snapshot.
type SystemMetrics struct {
	CPUPercent        float64 // system-wide CPU usage (0-100%)
	ProcessCPUPercent float64 // this process, per-core basis (can exceed 100%)
	ProcessRSSBytes   uint64
	MemoryPercent     float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// Collector periodically collects and logs system metrics.
type Collector struct {
	interval      time.Duration
	logger        *zap.Logger
	proc          *process.Process
	lastDiskStats map[string]disk.IOCountersStat
	lastDiskTime  time.Time
	mu            sync.RWMutex
	lastMetrics   *SystemMetrics
}

// NewCollector creates a metrics collector.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// Start begins periodic collection. Returns when the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample initializes the disk baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// GetMetrics returns the last collected snapshot.
func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

func (c *Collector) collect() {
	metrics := &SystemMetrics{Timestamp: time.Now()}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		metrics.CPUPercent = cpuPercent[0]
	}
	if c.proc != nil {
		if procCPU, err := c.proc.Percent(0); err == nil {
			metrics.ProcessCPUPercent = procCPU
		}
		if memInfo, err := c.proc.MemoryInfo(); err == nil && memInfo != nil {
			metrics.ProcessRSSBytes = memInfo.RSS
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryPercent = vmem.UsedPercent
	}
	metrics.DiskReadMBps, metrics.DiskWriteMBps = c.diskRates()

	c.mu.Lock()
	c.lastMetrics = metrics
	c.mu.Unlock()

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", metrics.CPUPercent),
		zap.Float64("proc_cpu", metrics.ProcessCPUPercent),
		zap.Uint64("proc_rss_mb", metrics.ProcessRSSBytes>>20),
		zap.Float64("mem_pct", metrics.MemoryPercent),
		zap.Float64("disk_r_mbps", metrics.DiskReadMBps),
		zap.Float64("disk_w_mbps", metrics.DiskWriteMBps))
}

// diskRates computes read/write throughput since the previous sample.
func (c *Collector) diskRates() (readMBps, writeMBps float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	now := time.Now()

	if c.lastDiskStats == nil {
		c.lastDiskStats = counters
		c.lastDiskTime = now
		return 0, 0
	}

	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0
	}

	var readDelta, writeDelta uint64
	for name, counter := range counters {
		if last, ok := c.lastDiskStats[name]; ok {
			if counter.ReadBytes >= last.ReadBytes {
				readDelta += counter.ReadBytes - last.ReadBytes
			}
			if counter.WriteBytes >= last.WriteBytes {
				writeDelta += counter.WriteBytes - last.WriteBytes
			}
		}
	}
	c.lastDiskStats = counters
	c.lastDiskTime = now

	readMBps = float64(readDelta) / elapsed / (1024 * 1024)
	writeMBps = float64(writeDelta) / elapsed / (1024 * 1024)
	return readMBps, writeMBps
}
