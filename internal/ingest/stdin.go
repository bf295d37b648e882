package ingest

import (
	"context"
	"io"
)

// ReadStream offers JSON records from r until EOF, decode failure or ctx cancellation.
// Params: ctx lifecycle context; r JSON stream (usually stdin); sink record consumer.
// Returns: offer counts and nil on EOF, decode error otherwise; zero counts on cancellation.
func ReadStream(ctx context.Context, r io.Reader, sink Offerer) (Result, error) {
	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := DecodeJSON(r, sink)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, nil
	case out := <-done:
		return out.result, out.err
	}
}
