// internal/rules/coercion.go
package rules

import (
	"math"
	"strconv"
	"strings"
)

/*
 * Numeric coercion for document text.
 *
 * PTU files are produced by many billing systems; decimal values arrive as
 * "107.90", "107,90" or " 107.9 ". ParseNumber trims ASCII whitespace, reads a
 * single comma as the decimal point and parses an IEEE-754 double. Anything
 * else (grouping separators, currency symbols, NaN/Inf spellings) fails, and a
 * failed parse makes numeric predicates false rather than erroring.
 */

// ParseNumber parses s as a decimal number, accepting comma as the decimal point.
// ok is false for empty, malformed or non-finite input.
func ParseNumber(s string) (float64, bool) {
	s = strings.Trim(s, " \t\r\n")
	if s == "" {
		return 0, false
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	for _, r := range s {
		// ParseFloat also accepts hex floats, underscores and "inf"/"nan" spellings
		if !(r >= '0' && r <= '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			return 0, false
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
