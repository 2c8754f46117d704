package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Message is the command-specific payload of an Envelope. After normalization it
// only holds string, float64, bool, nil, map[string]any and []any values.
type Message map[string]any

// NormalizeMessage converts m into its canonical wire form. Integer and float kinds
// become float64, typed maps with string keys become map[string]any and slices
// become []any. Values that cannot round-trip (funcs, channels, structs, NaN, ±Inf)
// yield ErrEncode. A nil input normalizes to an empty Message.
func NormalizeMessage(m map[string]any) (Message, error) {
	out := make(Message, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrEncode, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return t, nil
	case float64:
		return checkFloat(t)
	case float32:
		return checkFloat(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", t, err)
		}
		return checkFloat(f)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			nv, err := normalizeValue(inner)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = nv
		}
		return out, nil
	case Message:
		return normalizeValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			nv, err := normalizeValue(inner)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not a string", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			nv, err := normalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = nv
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			nv, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", rv.Type())
	}
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return f, nil
}

// Clone returns a deep copy of a normalized message.
func (m Message) Clone() Message {
	if m == nil {
		return Message{}
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
