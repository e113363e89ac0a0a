package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the declared type of a property. Values are held in their
// canonical Go form: string, int64, float64, bool, time.Time, []string or
// map[string]any.
type ValueKind int

const (
	KindAny ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindStrings
	KindMap
)

var kindNames = map[ValueKind]string{
	KindAny:     "any",
	KindString:  "string",
	KindInt:     "int",
	KindFloat:   "float",
	KindBool:    "bool",
	KindTime:    "time",
	KindStrings: "strings",
	KindMap:     "map",
}

func (k ValueKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseValueKind maps a kind name onto its constant.
func ParseValueKind(s string) (ValueKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindAny, nil
	}
	for kind, name := range kindNames {
		if name == s {
			return kind, nil
		}
	}
	return KindAny, fmt.Errorf("%w: unknown value kind %q", ErrIllegalArgument, s)
}

// CoerceValue converts v into the canonical representation of kind. Nil is
// passed through unchanged.
func CoerceValue(kind ValueKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindAny:
		return CloneValue(v), nil
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindInt:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case KindFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err == nil {
				return parsed, nil
			}
		}
	case KindStrings:
		switch list := v.(type) {
		case []string:
			return slices.Clone(list), nil
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%w: %T is not a string list element", ErrIllegalArgument, item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case KindMap:
		if m, ok := v.(map[string]any); ok {
			return cloneMap(m), nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not assignable to %s", ErrIllegalArgument, v, kind)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// floatToInt64 accepts whole numbers in [-2^63, 2^63).
func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// CloneValue deep-copies slices and maps so states never share mutable values.
func CloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case map[string]any:
		return cloneMap(t)
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// ValuesEqual compares two canonical property values.
func ValuesEqual(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []string:
		y, ok := b.([]string)
		return ok && slices.Equal(x, y)
	case map[string]any:
		y, ok := b.(map[string]any)
		return ok && maps.EqualFunc(x, y, ValuesEqual)
	case []any:
		y, ok := b.([]any)
		return ok && slices.EqualFunc(x, y, ValuesEqual)
	}
	return reflect.DeepEqual(a, b)
}
