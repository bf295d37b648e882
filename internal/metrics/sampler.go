package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SamplerConfig defines host self-telemetry sampling.
// Params: interval between scrapes, collectors to scrape and record submit function.
// Returns: sampler runtime configuration.
type SamplerConfig struct {
	Interval   time.Duration
	Collectors []Collector
	Submit     func(record any)
}

// Sampler periodically scrapes collectors and submits one flat record per tick.
// Record keys are "<collector>_<key>_<var>".
type Sampler struct {
	cfg    SamplerConfig
	logger *slog.Logger
}

// NewSampler validates config and builds a sampler.
// Params: cfg sampler settings; logger diagnostics output.
// Returns: sampler or validation error.
func NewSampler(cfg SamplerConfig, logger *slog.Logger) (*Sampler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sample interval must be > 0")
	}
	if len(cfg.Collectors) == 0 {
		return nil, fmt.Errorf("at least one collector is required")
	}
	if cfg.Submit == nil {
		return nil, fmt.Errorf("submit function is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Sampler{cfg: cfg, logger: logger.With(slog.String("producer", "hoststats"))}, nil
}

// DefaultCollectors returns the standard host collectors.
// Params: withProcess adds the relay's own process collector.
// Returns: collector list.
func DefaultCollectors(withProcess bool) []Collector {
	collectors := []Collector{
		NewCPUCollector("cpu", false),
		NewRAMCollector("ram"),
		NewSWAPCollector("swap"),
	}
	if withProcess {
		collectors = append(collectors, NewPROCESSCollector("process"))
	}
	return collectors
}

// Run executes the scrape loop until context cancellation.
// Params: ctx controls lifecycle.
// Returns: nil on graceful stop.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Warm-up scrape primes CPU percent baselines.
	s.SampleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce scrapes all collectors and submits the merged record.
// Params: ctx for scrape cancellation.
// Returns: true when a record was submitted.
func (s *Sampler) SampleOnce(ctx context.Context) bool {
	record := make(map[string]any)
	for _, collector := range s.cfg.Collectors {
		points, err := collector.Scrape(ctx)
		if err != nil {
			s.logger.Error("scrape failed", slog.String("metric", collector.Name()), slog.String("error", err.Error()))
			continue
		}
		for _, point := range points {
			for name, value := range point.Values {
				record[collector.Name()+"_"+point.Key+"_"+name] = value
			}
		}
	}

	if len(record) == 0 {
		return false
	}
	s.cfg.Submit(record)
	return true
}
