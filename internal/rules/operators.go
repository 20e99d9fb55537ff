// internal/rules/operators.go
package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/ptufix/internal/types"
)

/*
 * Predicate operators.
 *
 * Operators compare the trimmed text of one element against the predicate
 * operands. Text has already been read and null-checked by the caller;
 * compare only sees non-empty strings.
 *
 * Operator families:
 *   - exists/not_exists: structural, decided by the caller
 *   - equals/contains/starts_with (+ negations): string comparison
 *   - value_in: membership in an inline set
 *   - in_list/not_in_list/in_list_with_attribute: membership in a code list
 *   - numeric_gt/numeric_lt: IEEE-754 comparison after ParseNumber
 *
 * Negated operators are evaluated as the negation of their positive form so
 * the vacuous-truth rule for missing values lives in one place (evaluate.go).
 *
 * Function-based dispatch: a switch over the operator enum, no per-operator types.
 */

// Operator identifies a predicate test.
type Operator int

const (
	OpUnspecified Operator = iota
	OpExists
	OpNotExists
	OpEquals
	OpNotEquals
	OpContains
	OpNotContains
	OpStartsWith
	OpNotStartsWith
	OpInList
	OpNotInList
	OpInListWithAttribute
	OpNumericGT
	OpNumericLT
	OpValueIn
)

var operatorNames = map[Operator]string{
	OpExists:              "exists",
	OpNotExists:           "not_exists",
	OpEquals:              "equals",
	OpNotEquals:           "not_equals",
	OpContains:            "contains",
	OpNotContains:         "not_contains",
	OpStartsWith:          "starts_with",
	OpNotStartsWith:       "not_starts_with",
	OpInList:              "in_list",
	OpNotInList:           "not_in_list",
	OpInListWithAttribute: "in_list_with_attribute",
	OpNumericGT:           "numeric_gt",
	OpNumericLT:           "numeric_lt",
	OpValueIn:             "value_in",
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// ParseOperator maps a wire name to its Operator.
func ParseOperator(s string) (Operator, error) {
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}
	return OpUnspecified, fmt.Errorf("unknown operator %q", s)
}

// Negated reports whether o is the negation of a value-reading operator.
func (o Operator) Negated() bool {
	switch o {
	case OpNotEquals, OpNotContains, OpNotStartsWith, OpNotInList:
		return true
	}
	return false
}

// positive returns the operator that o negates, or o itself.
func (o Operator) positive() Operator {
	switch o {
	case OpNotEquals:
		return OpEquals
	case OpNotContains:
		return OpContains
	case OpNotStartsWith:
		return OpStartsWith
	case OpNotInList:
		return OpInList
	}
	return o
}

// usesList reports whether o reads a code list.
func (o Operator) usesList() bool {
	switch o {
	case OpInList, OpNotInList, OpInListWithAttribute:
		return true
	}
	return false
}

// compare applies the positive form of p.Op to a non-empty text value.
// set is the resolved code list for list operators, nil otherwise.
func compare(p *Predicate, text string, set *types.CodeSet) bool {
	switch p.Op.positive() {
	case OpEquals:
		return text == p.Value
	case OpContains:
		return strings.Contains(text, p.Value)
	case OpStartsWith:
		return strings.HasPrefix(text, p.Value)
	case OpValueIn:
		return compareIn(text, p.Values)
	case OpInList:
		return set != nil && set.Contains(text)
	case OpInListWithAttribute:
		return compareAttribute(set, text, p.AttrKey, p.AttrValue)
	case OpNumericGT:
		n, ok := ParseNumber(text)
		return ok && n > p.Number
	case OpNumericLT:
		n, ok := ParseNumber(text)
		return ok && n < p.Number
	default:
		return false
	}
}

// compareIn checks membership in an inline value set.
func compareIn(text string, values []string) bool {
	for _, v := range values {
		if text == v {
			return true
		}
	}
	return false
}

// compareAttribute checks membership and that the member's attribute bag has key=value.
func compareAttribute(set *types.CodeSet, code, key, value string) bool {
	if set == nil {
		return false
	}
	attrs, ok := set.Attributes(code)
	if !ok {
		return false
	}
	v, ok := attrs[key]
	return ok && v == value
}
