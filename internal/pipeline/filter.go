package pipeline

import "reflect"

// Admit reports whether a submitted value is a key-value record.
// Params: record any producer value.
// Returns: true only for maps keyed by strings.
func Admit(record any) bool {
	switch typed := record.(type) {
	case nil:
		return false
	case map[string]any:
		return typed != nil
	}

	rv := reflect.ValueOf(record)
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String && !rv.IsNil()
}

// asRecord converts an admitted map into a Record without mutating the source.
// Params: record admitted value.
// Returns: shallow copy as Record and true, or false for non-map input.
func asRecord(record any) (Record, bool) {
	if typed, ok := record.(map[string]any); ok {
		if typed == nil {
			return nil, false
		}
		out := make(Record, len(typed))
		for key, value := range typed {
			out[key] = value
		}
		return out, true
	}

	rv := reflect.ValueOf(record)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
		return nil, false
	}
	out := make(Record, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
