package pipeline

import (
	"math"
	"strings"
	"time"
)

const (
	// ActorMeasurement is the fixed measurement of actor metric points.
	ActorMeasurement = "actor_metrics"

	roleKey    = "role"
	actorIDKey = "actor_id"
)

// Formatter turns an admitted record into a time-series point.
// Params: record payload and receipt time.
// Returns: point or *FormatError.
type Formatter interface {
	Format(record any, at time.Time) (Point, error)
	Measurement() string
}

// GeneralFormatter writes records to "<hardware>_ip_info" with static tags.
// Params: static tags resolved once at startup.
// Returns: formatter reusable for every record.
type GeneralFormatter struct {
	tags        StaticTags
	measurement string
}

// NewGeneralFormatter builds the general telemetry formatter.
// Params: tags static process tags.
// Returns: formatter with measurement fixed by hardware class.
func NewGeneralFormatter(tags StaticTags) *GeneralFormatter {
	return &GeneralFormatter{
		tags:        tags,
		measurement: string(tags.Hardware) + "_ip_info",
	}
}

// Measurement returns the fixed measurement name.
// Params: none.
// Returns: measurement string.
func (f *GeneralFormatter) Measurement() string {
	return f.measurement
}

// Format normalizes all record values into point fields.
// Params: record admitted payload; at point timestamp.
// Returns: point or *FormatError on non-map or empty payload.
func (f *GeneralFormatter) Format(record any, at time.Time) (Point, error) {
	values, ok := asRecord(record)
	if !ok {
		return Point{}, &FormatError{Measurement: f.measurement, Reason: "record is not a key-value payload"}
	}

	tags := f.tags.tagMap(0)
	fields, err := buildFields(f.measurement, values, tags)
	if err != nil {
		return Point{}, err
	}

	return Point{
		Measurement: f.measurement,
		Tags:        tags,
		Fields:      fields,
		Time:        at,
	}, nil
}

// ActorFormatter writes records to actor_metrics promoting role/actor_id to tags.
// Params: static tags resolved once at startup.
// Returns: formatter reusable for every record.
type ActorFormatter struct {
	tags StaticTags
}

// NewActorFormatter builds the actor metrics formatter.
// Params: tags static process tags.
// Returns: formatter instance.
func NewActorFormatter(tags StaticTags) *ActorFormatter {
	return &ActorFormatter{tags: tags}
}

// Measurement returns the fixed measurement name.
// Params: none.
// Returns: measurement string.
func (f *ActorFormatter) Measurement() string {
	return ActorMeasurement
}

// Format pops role/actor_id into tags and normalizes the remaining fields.
// Params: record admitted payload; at point timestamp.
// Returns: point or *FormatError on non-map or empty payload.
func (f *ActorFormatter) Format(record any, at time.Time) (Point, error) {
	values, ok := asRecord(record)
	if !ok {
		return Point{}, &FormatError{Measurement: ActorMeasurement, Reason: "record is not a key-value payload"}
	}

	tags := f.tags.tagMap(2)

	role, hasRole := values[roleKey]
	delete(values, roleKey)
	if hasRole && role != nil {
		if text := stringForm(Normalize(role)); text != "" {
			tags[roleKey] = text
		}
	}

	actorID, hasActorID := values[actorIDKey]
	delete(values, actorIDKey)
	if hasActorID && actorID != nil {
		if normalized := Normalize(actorID); normalized != nil {
			tags[actorIDKey] = stringForm(normalized)
		}
	}

	fields, err := buildFields(ActorMeasurement, values, tags)
	if err != nil {
		return Point{}, err
	}

	return Point{
		Measurement: ActorMeasurement,
		Tags:        tags,
		Fields:      fields,
		Time:        at,
	}, nil
}

// buildFields normalizes record values and enforces a non-empty field set.
// Keys already used as tags are dropped so tag and field sets stay disjoint.
// Top-level NaN and infinite numbers are dropped like nil values.
// Params: measurement for error context; values record copy; tags point tag set.
// Returns: field map or *FormatError.
func buildFields(measurement string, values Record, tags map[string]string) (map[string]any, error) {
	fields := make(map[string]any, len(values))
	present := 0
	for key, value := range values {
		name := strings.TrimSpace(key)
		if name == "" {
			continue
		}
		if _, isTag := tags[name]; isTag {
			continue
		}
		normalized := Normalize(value)
		if !isFinite(normalized) {
			continue
		}
		fields[name] = normalized
		if normalized != nil {
			present++
		}
	}

	if present == 0 {
		return nil, &FormatError{Measurement: measurement, Reason: "record has no non-null fields"}
	}
	return fields, nil
}

// isFinite reports false only for NaN and infinite floats.
// Params: value normalized scalar or container.
// Returns: true for every non-float value.
func isFinite(value any) bool {
	switch typed := value.(type) {
	case float64:
		return !math.IsNaN(typed) && !math.IsInf(typed, 0)
	case float32:
		return !math.IsNaN(float64(typed)) && !math.IsInf(float64(typed), 0)
	default:
		return true
	}
}
