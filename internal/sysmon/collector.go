package sysmon

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/opsgate/opsgate/internal/logger"
)

// Built-in host metric names.
const (
	MetricCPUUsage    = "cpu_usage"
	MetricMemoryUsage = "memory_usage"
	MetricDiskUsage   = "disk_usage"
	MetricLoad1       = "load_1m"
)

// Collector samples host CPU, memory, disk and load into a Tracker on a
// fixed interval.
type Collector struct {
	log      logger.Logger
	tracker  *Tracker
	interval time.Duration
	diskPath string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a host metric collector. interval defaults to 30s.
func NewCollector(log logger.Logger, tracker *Tracker, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		log:      log.With(logger.String("component", "sysmon")),
		tracker:  tracker,
		interval: interval,
		diskPath: "/",
	}
}

// Start begins sampling in a background goroutine. An immediate first
// sample runs before the ticker starts so rules have data on the first
// evaluation.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.sample(ctx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sample(ctx)
			}
		}
	}()
}

// Stop halts sampling and waits for the sampler goroutine.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Collector) sample(ctx context.Context) {
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		c.tracker.Record(MetricCPUUsage, percents[0])
	} else if err != nil {
		c.log.Debug("cpu sample failed", logger.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		c.tracker.Record(MetricMemoryUsage, vm.UsedPercent)
	} else {
		c.log.Debug("memory sample failed", logger.Error(err))
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		c.tracker.Record(MetricDiskUsage, usage.UsedPercent)
	} else {
		c.log.Debug("disk sample failed", logger.Error(err))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		c.tracker.Record(MetricLoad1, avg.Load1)
	} else {
		c.log.Debug("load sample failed", logger.Error(err))
	}
}
