package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// SWAPCollector scrapes swap totals and utilization.
// Params: metricName used as record key prefix.
// Returns: SWAP collector instance.
type SWAPCollector struct {
	metricName string
}

// NewSWAPCollector creates a SWAP collector.
// Params: metricName record key prefix.
// Returns: configured SWAP collector.
func NewSWAPCollector(metricName string) *SWAPCollector {
	return &SWAPCollector{metricName: metricName}
}

// Name returns logical metric name.
func (c *SWAPCollector) Name() string {
	return c.metricName
}

// Scrape reads swap state and emits one `total` key.
// Params: ctx for cancellation.
// Returns: one SWAP point or error.
func (c *SWAPCollector) Scrape(ctx context.Context) ([]Point, error) {
	sm, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read swap memory: %w", err)
	}

	return []Point{
		{
			Key: "total",
			Values: map[string]float64{
				"total": float64(sm.Total),
				"used":  float64(sm.Used),
				"util":  utilPercent(sm.Used, sm.Total),
			},
		},
	}, nil
}
