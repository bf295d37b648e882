package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Offerer accepts records without blocking.
// Params: record producer payload.
// Returns: true when the record was enqueued.
type Offerer interface {
	Offer(record any) bool
}

// OfferFunc adapts a function into an Offerer.
type OfferFunc func(record any) bool

// Offer calls f.
func (f OfferFunc) Offer(record any) bool {
	return f(record)
}

// Result counts outcomes of one ingest batch.
// Params: none.
// Returns: accepted and dropped counters.
type Result struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// DecodeJSON reads a stream of JSON values and offers each record.
// A top-level array is flattened into its elements; numbers keep json.Number form.
// Params: r JSON stream (single value, array, or concatenated/NDJSON values); sink record consumer.
// Returns: batch counters and decode error that stopped the stream.
func DecodeJSON(r io.Reader, sink Offerer) (Result, error) {
	var result Result

	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	for {
		var value any
		err := decoder.Decode(&value)
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("decode JSON: %w", err)
		}

		items, isArray := value.([]any)
		if !isArray {
			items = []any{value}
		}
		for _, item := range items {
			if sink.Offer(item) {
				result.Accepted++
			} else {
				result.Dropped++
			}
		}
	}
}
