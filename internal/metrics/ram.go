package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// RAMCollector scrapes RAM totals, used/free, and utilization.
// Params: metricName used as record key prefix.
// Returns: RAM collector instance.
type RAMCollector struct {
	metricName string
}

// NewRAMCollector creates a RAM collector.
// Params: metricName record key prefix.
// Returns: configured RAM collector.
func NewRAMCollector(metricName string) *RAMCollector {
	return &RAMCollector{metricName: metricName}
}

// Name returns logical metric name.
// Params: none.
// Returns: metric name string.
func (c *RAMCollector) Name() string {
	return c.metricName
}

// Scrape reads RAM state from kernel and emits one `total` key.
// Params: ctx for cancellation.
// Returns: one RAM point or error.
func (c *RAMCollector) Scrape(ctx context.Context) ([]Point, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read virtual memory: %w", err)
	}

	return []Point{
		{
			Key: "total",
			Values: map[string]float64{
				"total": float64(vm.Total),
				"used":  float64(vm.Used),
				"free":  float64(vm.Available),
				"util":  utilPercent(vm.Used, vm.Total),
			},
		},
	}, nil
}

// utilPercent returns used/total as a percentage.
// Params: used and total byte counts.
// Returns: 0 when total is zero.
func utilPercent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return (float64(used) / float64(total)) * 100
}
