package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPUCollector scrapes CPU total and per-core utilization.
// Params: metricName used as record key prefix.
// Returns: CPU collector instance.
type CPUCollector struct {
	metricName string
	perCore    bool
}

// NewCPUCollector creates a CPU collector.
// Params: metricName record key prefix; perCore also emits one point per core.
// Returns: configured CPU collector.
func NewCPUCollector(metricName string, perCore bool) *CPUCollector {
	return &CPUCollector{metricName: metricName, perCore: perCore}
}

// Name returns logical metric name.
// Params: none.
// Returns: metric name string.
func (c *CPUCollector) Name() string {
	return c.metricName
}

// Scrape reads CPU utilization for total and optionally each core.
// Params: ctx for cancellation.
// Returns: keyed CPU points or error.
func (c *CPUCollector) Scrape(ctx context.Context) ([]Point, error) {
	total, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("read total CPU percent: %w", err)
	}

	points := make([]Point, 0, 1)
	if len(total) > 0 {
		points = append(points, Point{
			Key:    "total",
			Values: map[string]float64{"util": total[0]},
		})
	}
	if !c.perCore {
		return points, nil
	}

	perCore, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return nil, fmt.Errorf("read per-core CPU percent: %w", err)
	}
	for idx, util := range perCore {
		points = append(points, Point{
			Key:    fmt.Sprintf("core%d", idx),
			Values: map[string]float64{"util": util},
		})
	}

	return points, nil
}
