package rules

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   float64
		wantOK bool
	}{
		{"integer", "25", 25, true},
		{"dot decimal", "107.90", 107.9, true},
		{"comma decimal", "107,90", 107.9, true},
		{"surrounding whitespace", "  42 \n", 42, true},
		{"negative", "-7.5", -7.5, true},
		{"negative comma", "-7,5", -7.5, true},
		{"exponent", "1e3", 1000, true},
		{"empty", "", 0, false},
		{"whitespace only", "   ", 0, false},
		{"letters", "abc", 0, false},
		{"grouping and decimal", "1.234,56", 0, false},
		{"two commas", "1,234,56", 0, false},
		{"currency", "R$ 10", 0, false},
		{"nan", "NaN", 0, false},
		{"inf", "Inf", 0, false},
		{"hex float", "0x1p-2", 0, false},
		{"underscore", "1_000", 0, false},
		{"overflow", "1e400", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseNumber(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseNumber(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ParseNumber(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// Property-based test: formatted floats parse back to the same value
func TestParseNumber_PropertyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatFloat output parses to the same value", prop.ForAll(
		func(f float64) bool {
			got, ok := ParseNumber(strconv.FormatFloat(f, 'f', -1, 64))
			return ok && got == f
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}
