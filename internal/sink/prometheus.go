package sink

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/eryajf/promwrite"

	"mrelay/internal/pipeline"
)

// promConn writes points through Prometheus remote write.
// Params: remote-write client bound to one endpoint URL.
// Returns: pipeline.SinkConnection implementation.
type promConn struct {
	client *promwrite.Client
}

// newPromConn creates a remote-write client for one resolved URL.
// Params: url remote write endpoint.
// Returns: connection instance.
func newPromConn(url string) *promConn {
	return &promConn{client: promwrite.NewClient(url)}
}

// Write converts numeric fields into samples and pushes them in one request.
// Params: ctx request context; point formatted point.
// Returns: conversion or remote write error.
func (c *promConn) Write(ctx context.Context, point pipeline.Point) error {
	series := pointToTimeSeries(point)
	if len(series) == 0 {
		return fmt.Errorf("%w: point %s has no numeric fields", pipeline.ErrPointRejected, point.Measurement)
	}

	if _, err := c.client.Write(ctx, &promwrite.WriteRequest{TimeSeries: series}); err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	return nil
}

// Close is a no-op: the remote-write client keeps no dedicated connection.
// Params: none.
// Returns: nil.
func (c *promConn) Close() error {
	return nil
}

// pointToTimeSeries maps one point into one series per numeric field.
// Params: point formatted point.
// Returns: series sorted by metric name.
func pointToTimeSeries(point pipeline.Point) []promwrite.TimeSeries {
	samples := make(map[string]float64)
	flattenNumeric(sanitizeName(point.Measurement), point.Fields, samples)

	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)

	tagKeys := make([]string, 0, len(point.Tags))
	for key := range point.Tags {
		tagKeys = append(tagKeys, key)
	}
	sort.Strings(tagKeys)

	out := make([]promwrite.TimeSeries, 0, len(names))
	for _, name := range names {
		labels := make([]promwrite.Label, 0, len(tagKeys)+1)
		labels = append(labels, promwrite.Label{Name: "__name__", Value: name})
		for _, key := range tagKeys {
			labels = append(labels, promwrite.Label{Name: sanitizeName(key), Value: point.Tags[key]})
		}
		out = append(out, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  point.Time,
				Value: samples[name],
			},
		})
	}
	return out
}

// flattenNumeric collects numeric and bool leaves, joining nested keys with "_".
// Params: prefix current metric name; fields map level; out destination.
// Returns: none.
func flattenNumeric(prefix string, fields map[string]any, out map[string]float64) {
	for key, value := range fields {
		name := prefix + "_" + sanitizeName(key)
		switch typed := value.(type) {
		case map[string]any:
			flattenNumeric(name, typed, out)
		case bool:
			if typed {
				out[name] = 1
			} else {
				out[name] = 0
			}
		default:
			if number, ok := toFloat(typed); ok && !math.IsNaN(number) {
				out[name] = number
			}
		}
	}
}

// toFloat converts built-in numeric kinds to float64.
// Params: value normalized scalar.
// Returns: float value and true for numbers.
func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return widenFloat32(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	default:
		return 0, false
	}
}

// widenFloat32 converts through the shortest decimal form so 0.1 stays 0.1.
// Params: value single-precision number.
// Returns: double-precision number with the same decimal text.
func widenFloat32(value float32) float64 {
	widened, err := strconv.ParseFloat(strconv.FormatFloat(float64(value), 'g', -1, 32), 64)
	if err != nil {
		return float64(value)
	}
	return widened
}

// sanitizeName maps arbitrary text into a Prometheus metric/label name.
// Params: value raw name.
// Returns: name matching [a-zA-Z_][a-zA-Z0-9_]*.
func sanitizeName(value string) string {
	var builder strings.Builder
	builder.Grow(len(value))
	for idx, char := range value {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char == '_':
			builder.WriteRune(char)
		case char >= '0' && char <= '9':
			if idx == 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(char)
		default:
			builder.WriteByte('_')
		}
	}
	if builder.Len() == 0 {
		return "_"
	}
	return builder.String()
}
