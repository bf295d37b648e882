package pipeline

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Tensor is a fixed-shape numeric container that can flatten itself.
// Params: none.
// Returns: values in row-major element order.
type Tensor interface {
	Float64s() []float64
}

// Normalize converts an arbitrary producer value into a primitive tree.
// Params: value nested producer value.
// Returns: nil, bool, number, string, []any or map[string]any tree.
func Normalize(value any) any {
	if unwrapped, ok := unwrapScalar(value); ok {
		return unwrapped
	}

	switch typed := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return typed
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = Normalize(item)
		}
		return out
	case []byte:
		return string(typed)
	case Tensor:
		values := typed.Float64s()
		out := make([]any, len(values))
		for idx, item := range values {
			out[idx] = item
		}
		return out
	}

	return normalizeReflect(reflect.ValueOf(value))
}

// unwrapScalar unwraps library-specific numeric scalar wrappers.
// Params: value candidate wrapper.
// Returns: plain number (or normalized structpb payload) and true when unwrapped.
func unwrapScalar(value any) (any, bool) {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed, true
		}
		if parsed, err := typed.Float64(); err == nil {
			return parsed, true
		}
		return typed.String(), true
	case *wrapperspb.DoubleValue:
		if typed == nil {
			return nil, true
		}
		return typed.GetValue(), true
	case *wrapperspb.FloatValue:
		if typed == nil {
			return nil, true
		}
		return typed.GetValue(), true
	case *wrapperspb.Int64Value:
		if typed == nil {
			return nil, true
		}
		return typed.GetValue(), true
	case *wrapperspb.Int32Value:
		if typed == nil {
			return nil, true
		}
		return typed.GetValue(), true
	case *wrapperspb.UInt64Value:
		if typed == nil {
			return nil, true
		}
		return typed.GetValue(), true
	case *wrapperspb.UInt32Value:
		if typed == nil {
			return nil, true
		}
		return typed.GetValue(), true
	case *structpb.Value:
		if typed == nil {
			return nil, true
		}
		return Normalize(typed.AsInterface()), true
	case *structpb.Struct:
		if typed == nil {
			return nil, true
		}
		return Normalize(typed.AsMap()), true
	}
	return nil, false
}

// normalizeReflect handles named kinds, typed maps, slices and arrays.
// Params: rv reflected value.
// Returns: primitive tree value.
func normalizeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32:
		return float32(rv.Float())
	case reflect.Float64:
		return rv.Float()
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprint(rv.Interface())
		}
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for idx := 0; idx < rv.Len(); idx++ {
			out[idx] = Normalize(rv.Index(idx).Interface())
		}
		return out
	case reflect.Array:
		if isNumericArray(rv.Type()) {
			out := make([]any, 0, rv.Len())
			return flattenArray(rv, out)
		}
		out := make([]any, rv.Len())
		for idx := 0; idx < rv.Len(); idx++ {
			out[idx] = Normalize(rv.Index(idx).Interface())
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if _, ok := rv.Interface().(fmt.Stringer); ok {
			return fmt.Sprint(rv.Interface())
		}
		if rv.Elem().Kind() == reflect.Struct {
			return fmt.Sprint(rv.Interface())
		}
		return Normalize(rv.Elem().Interface())
	default:
		return fmt.Sprint(rv.Interface())
	}
}

// isNumericArray reports whether an array type (possibly nested) holds numbers only.
// Params: typ array type.
// Returns: true for [N]number and [N][M]number shapes.
func isNumericArray(typ reflect.Type) bool {
	for typ.Kind() == reflect.Array {
		typ = typ.Elem()
	}
	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// flattenArray appends numeric array elements in row-major order.
// Params: rv numeric array value; out destination slice.
// Returns: extended destination slice.
func flattenArray(rv reflect.Value, out []any) []any {
	for idx := 0; idx < rv.Len(); idx++ {
		item := rv.Index(idx)
		if item.Kind() == reflect.Array {
			out = flattenArray(item, out)
			continue
		}
		out = append(out, normalizeReflect(item))
	}
	return out
}

// stringForm renders a normalized scalar as tag text.
// Params: value normalized value.
// Returns: textual form without surrounding quotes.
func stringForm(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
