package metrics

import "context"

// Point is one keyed host sample with its variables.
// Params: key string (e.g. "total", "core0") and variable->value map.
// Returns: one scrape sample entity.
type Point struct {
	Key    string
	Values map[string]float64
}

// Collector scrapes one host metric and returns keyed points.
// Params: context for cancellation and deadlines.
// Returns: point list or scrape error.
type Collector interface {
	Name() string
	Scrape(ctx context.Context) ([]Point, error)
}
