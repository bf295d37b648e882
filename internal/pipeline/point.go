package pipeline

import (
	"sort"
	"strings"
	"time"
)

// Record is one producer-built key-value telemetry payload.
// Params: string keys and heterogeneous values.
// Returns: payload handed to Pipeline.Submit.
type Record = map[string]any

// HardwareClass identifies the compute class of the producing host.
// Params: none.
// Returns: enum used in measurement names and the `type` tag.
type HardwareClass string

const (
	// HardwareCPU marks hosts without a usable GPU.
	HardwareCPU HardwareClass = "cpu"
	// HardwareGPU marks hosts where GPU enumeration succeeded.
	HardwareGPU HardwareClass = "gpu"
)

// ParseHardwareClass converts config text into a hardware class.
// Params: value raw class name.
// Returns: class and true when value is cpu or gpu.
func ParseHardwareClass(value string) (HardwareClass, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(HardwareCPU):
		return HardwareCPU, true
	case string(HardwareGPU):
		return HardwareGPU, true
	default:
		return "", false
	}
}

// StaticTags contains process-wide attributes attached to every point.
// Params: host identity, hardware class and optional extra tags.
// Returns: immutable tag set resolved once at startup.
type StaticTags struct {
	Host     string
	Hardware HardwareClass
	Extra    map[string]string
}

// tagMap builds a fresh tag map for one point.
// Params: extraCap additional capacity for promoted tags.
// Returns: new map with ip_port/type and extra tags.
func (s StaticTags) tagMap(extraCap int) map[string]string {
	tags := make(map[string]string, len(s.Extra)+2+extraCap)
	for key, value := range s.Extra {
		tags[key] = value
	}
	tags["ip_port"] = s.Host
	tags["type"] = string(s.Hardware)
	return tags
}

// Point is one formatted time-series write unit.
// Params: measurement name, tag set, field set and timestamp.
// Returns: value passed to SinkWriter.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// FieldKeys returns sorted field names of the point.
// Params: none.
// Returns: sorted key list (values are never exposed in diagnostics).
func (p Point) FieldKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for key := range p.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
