package pipeline

import (
	"errors"
	"fmt"
)

// ErrPipelineStopped is returned when Start is called after Stop.
var ErrPipelineStopped = errors.New("pipeline already stopped")

// ErrPointRejected marks sink errors caused by the point itself.
// The writer neither reconnects nor retries on such errors.
var ErrPointRejected = errors.New("point rejected by sink encoder")

// FormatError reports a record that cannot become a point.
// Params: formatter measurement and reason text.
// Returns: error value; the record is dropped by the controller.
type FormatError struct {
	Measurement string
	Reason      string
}

// Error implements error.
func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s point: %s", e.Measurement, e.Reason)
}

// ConnectError reports a failure to build a sink connection.
// Params: endpoint and underlying cause.
// Returns: error value wrapping the dial failure.
type ConnectError struct {
	Endpoint string
	Err      error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

// Unwrap exposes the dial failure.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// WriteError reports a point dropped after the retry budget was spent.
// Params: endpoint, measurement, attempts made and the last cause.
// Returns: error value wrapping the last failure.
type WriteError struct {
	Endpoint    string
	Measurement string
	Attempts    int
	Err         error
}

// Error implements error.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s to %s failed after %d attempt(s): %v", e.Measurement, e.Endpoint, e.Attempts, e.Err)
}

// Unwrap exposes the last failure.
func (e *WriteError) Unwrap() error {
	return e.Err
}
