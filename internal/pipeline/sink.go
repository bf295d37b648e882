package pipeline

import (
	"context"
	"net"
	"strconv"
)

// SinkConnection is one live handle to the remote time-series store.
// Params: point to write.
// Returns: error when the store is unreachable or rejects the point.
type SinkConnection interface {
	Write(ctx context.Context, point Point) error
	Close() error
}

// Dialer builds fresh sink connections for one fixed target.
// Params: ctx bounds connection setup.
// Returns: new connection or error.
type Dialer interface {
	Dial(ctx context.Context) (SinkConnection, error)
	Target() SinkTarget
}

// SinkTarget names the destination used in diagnostics.
// Params: backend kind, host, port and database.
// Returns: immutable target description.
type SinkTarget struct {
	Kind     string
	Host     string
	Port     int
	Database string
}

// Endpoint returns host:port of the target.
// Params: none.
// Returns: address string.
func (t SinkTarget) Endpoint() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DialerFunc adapts a function into a Dialer.
// Params: target description and dial function.
// Returns: Dialer implementation.
type DialerFunc struct {
	Dest SinkTarget
	Fn   func(ctx context.Context) (SinkConnection, error)
}

// Dial calls the wrapped function.
func (d DialerFunc) Dial(ctx context.Context) (SinkConnection, error) {
	return d.Fn(ctx)
}

// Target returns the wrapped target description.
func (d DialerFunc) Target() SinkTarget {
	return d.Dest
}
