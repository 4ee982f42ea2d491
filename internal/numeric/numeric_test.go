package numeric

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsFloat(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want float64
		ok   bool
	}{
		{"float64", 1.5, 1.5, true},
		{"int", 42, 42, true},
		{"int64", int64(-7), -7, true},
		{"numeric_string", "0.73", 0.73, true},
		{"padded_string", " 100 ", 100, true},
		{"json_number", json.Number("250.5"), 250.5, true},
		{"empty_string", "", 0, false},
		{"garbage_string", "n/a", 0, false},
		{"nan", math.NaN(), 0, false},
		{"pos_inf", math.Inf(1), 0, false},
		{"neg_inf", math.Inf(-1), 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
		{"map", map[string]interface{}{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsFloat(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAsFloatDefault(t *testing.T) {
	assert.Equal(t, 3.0, AsFloatDefault("3", 9))
	assert.Equal(t, 9.0, AsFloatDefault("bogus", 9))
	assert.Equal(t, 9.0, AsFloatDefault(math.NaN(), 9))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1, 0, 1))
	assert.Equal(t, 1.0, Clamp(2, 0, 1))
	assert.Equal(t, 0.5, Clamp(0.5, 0, 1))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, 1.25, Sanitize(1.25))
	assert.Equal(t, 0.0, Sanitize(math.NaN()))
	assert.Equal(t, 0.0, Sanitize(math.Inf(1)))
}
