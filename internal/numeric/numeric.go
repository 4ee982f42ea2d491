// Package numeric provides finite-number coercion for upstream payloads that
// mix JSON numbers and numeric strings. Every ingest boundary goes through
// AsFloat so that NaN and infinities never reach the scoring pipeline.
package numeric

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// AsFloat coerces v to a finite float64. The second return is false when v is
// not numeric or not finite.
func AsFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	default:
		return 0, false
	}
}

// AsFloatDefault coerces v to a finite float64, falling back to def.
func AsFloatDefault(v interface{}, def float64) float64 {
	if f, ok := AsFloat(v); ok {
		return f
	}
	return def
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Finite reports whether f is neither NaN nor infinite.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Sanitize returns f unchanged when finite, otherwise 0.
func Sanitize(f float64) float64 {
	if Finite(f) {
		return f
	}
	return 0
}

func finite(f float64) (float64, bool) {
	if !Finite(f) {
		return 0, false
	}
	return f, true
}
