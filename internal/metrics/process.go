package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

type processSnapshot struct {
	at         time.Time
	readCount  uint64
	writeCount uint64
}

// PROCESSCollector scrapes the relay's own CPU/RAM, IO rate and goroutines.
// Params: metricName used as record key prefix.
// Returns: PROCESS collector instance.
type PROCESSCollector struct {
	metricName string
	pid        int32

	mu   sync.Mutex
	proc *goprocess.Process
	prev *processSnapshot
}

// NewPROCESSCollector creates a collector for the current process.
// Params: metricName record key prefix.
// Returns: configured PROCESS collector.
func NewPROCESSCollector(metricName string) *PROCESSCollector {
	return &PROCESSCollector{
		metricName: metricName,
		pid:        int32(os.Getpid()),
	}
}

// Name returns logical metric name.
// Params: none.
// Returns: metric name string.
func (c *PROCESSCollector) Name() string {
	return c.metricName
}

// Scrape reads process metrics and derives IOPS from the previous scrape.
// Params: ctx for cancellation.
// Returns: one `self` point or error.
func (c *PROCESSCollector) Scrape(ctx context.Context) ([]Point, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		proc, err := goprocess.NewProcessWithContext(ctx, c.pid)
		if err != nil {
			return nil, fmt.Errorf("open process %d: %w", c.pid, err)
		}
		c.proc = proc
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read host memory for process metrics: %w", err)
	}

	cpuUtil, err := c.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read process CPU percent: %w", err)
	}

	memInfo, err := c.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read process memory: %w", err)
	}

	ioStat, ioErr := c.proc.IOCountersWithContext(ctx)
	if ioErr != nil {
		ioStat = &goprocess.IOCountersStat{}
	}

	now := time.Now()
	iops := uint64(0)
	if c.prev != nil {
		seconds := now.Sub(c.prev.at).Seconds()
		readDelta := positiveDelta(ioStat.ReadCount, c.prev.readCount)
		writeDelta := positiveDelta(ioStat.WriteCount, c.prev.writeCount)
		iops = ratePerSecond(readDelta+writeDelta, seconds)
	}
	c.prev = &processSnapshot{at: now, readCount: ioStat.ReadCount, writeCount: ioStat.WriteCount}

	return []Point{
		{
			Key: "self",
			Values: map[string]float64{
				"cpu_util":   cpuUtil,
				"ram_rss":    float64(memInfo.RSS),
				"ram_util":   utilPercent(memInfo.RSS, vm.Total),
				"iops":       float64(iops),
				"goroutines": float64(runtime.NumGoroutine()),
			},
		},
	}, nil
}

// positiveDelta returns non-negative monotonically increasing delta.
// Params: current counter and previous counter value.
// Returns: counter delta or 0 when counter reset is detected.
func positiveDelta(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}

// ratePerSecond converts delta over elapsed seconds into per-second rate.
// Params: delta value and elapsed seconds.
// Returns: per-second rate as uint64.
func ratePerSecond(delta uint64, seconds float64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(float64(delta) / seconds)
}
