package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"mrelay/internal/pipeline"
)

const (
	influxPrecision = "ns"
	userAgent       = "mrelay"
)

// influxConn writes points through the InfluxDB 1.x HTTP API.
// Params: live HTTP client and target database.
// Returns: pipeline.SinkConnection implementation.
type influxConn struct {
	client   client.Client
	database string
}

// newInfluxConn builds an HTTP client for one resolved address.
// Params: addr base URL; database target db; username/password credentials; timeout request timeout.
// Returns: connection or client construction error.
func newInfluxConn(addr, database, username, password string, timeout time.Duration) (*influxConn, error) {
	httpClient, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:      addr,
		Username:  username,
		Password:  password,
		UserAgent: userAgent,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create influxdb client %s: %w", addr, err)
	}
	return &influxConn{client: httpClient, database: database}, nil
}

// Write encodes one point as a single-point batch and posts it.
// Params: ctx checked before the request; point formatted point.
// Returns: encode or HTTP write error.
func (c *influxConn) Write(ctx context.Context, point pipeline.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields, err := influxFields(point.Fields)
	if err != nil {
		return err
	}

	batch, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  c.database,
		Precision: influxPrecision,
	})
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	encoded, err := client.NewPoint(point.Measurement, point.Tags, fields, point.Time)
	if err != nil {
		return fmt.Errorf("%w: encode point %s: %v", pipeline.ErrPointRejected, point.Measurement, err)
	}
	batch.AddPoint(encoded)

	if err := c.client.Write(batch); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

// Close releases idle HTTP connections.
// Params: none.
// Returns: client close error.
func (c *influxConn) Close() error {
	return c.client.Close()
}

// influxFields converts a normalized field set into line-protocol field values.
// Nil and non-finite values are skipped; sequences and maps become JSON strings.
// Params: fields normalized point fields.
// Returns: encodable field map or an ErrPointRejected error when nothing is left.
func influxFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		switch typed := value.(type) {
		case nil:
			continue
		case float64:
			if math.IsNaN(typed) || math.IsInf(typed, 0) {
				continue
			}
			out[key] = typed
		case float32:
			if math.IsNaN(float64(typed)) || math.IsInf(float64(typed), 0) {
				continue
			}
			out[key] = widenFloat32(typed)
		case bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			out[key] = typed
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("%w: encode field %q: %v", pipeline.ErrPointRejected, key, err)
			}
			out[key] = string(encoded)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: point has no encodable fields", pipeline.ErrPointRejected)
	}
	return out, nil
}
