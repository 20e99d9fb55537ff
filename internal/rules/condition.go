// internal/rules/condition.go
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Condition expression trees.
 *
 * A condition is a sum type: All and Any group children, Leaf wraps a single
 * Predicate. Trees are decoded from the JSON stored with each rule and paths
 * are compiled once at decode time, so evaluation never parses.
 *
 * Wire format (one object per node):
 *   {"all": [C...]}  {"any": [C...]}
 *   {"op": "<operator>", "path": P, "value": S, "values": [S...],
 *    "list": ID, "attribute": K, "attribute_value": V, "number": N}
 *
 * Which leaf fields are required depends on the operator; see decodeLeaf.
 * Nesting is bounded by types.MaxConditionDepth.
 */

// Condition is one node of a condition tree: All, Any or Leaf.
type Condition interface {
	isCondition()
}

// All holds when every child holds. Stops at the first false child.
type All struct {
	Conditions []Condition
}

// Any holds when some child holds. Stops at the first true child.
type Any struct {
	Conditions []Condition
}

// Leaf evaluates a single predicate.
type Leaf struct {
	Predicate Predicate
}

func (All) isCondition()  {}
func (Any) isCondition()  {}
func (Leaf) isCondition() {}

// Predicate is a test on the first element selected by Path.
type Predicate struct {
	Op        Operator
	Path      *xmltree.Path
	Value     string   // equals, contains, starts_with and their negations
	Values    []string // value_in
	ListID    string   // list operators
	AttrKey   string   // in_list_with_attribute
	AttrValue string   // in_list_with_attribute
	Number    float64  // numeric_gt, numeric_lt
}

type conditionJSON struct {
	Op             string   `json:"op"`
	Path           string   `json:"path"`
	Value          *string  `json:"value"`
	Values         []string `json:"values"`
	List           string   `json:"list"`
	Attribute      string   `json:"attribute"`
	AttributeValue *string  `json:"attribute_value"`
	Number         *float64 `json:"number"`
}

// DecodeCondition parses the JSON form of a condition tree, compiling paths with ns.
// Returns an error wrapping types.ErrInvalidRule (and types.ErrPath for bad paths).
func DecodeCondition(raw json.RawMessage, ns xmltree.Namespaces) (Condition, error) {
	c, err := decodeCondition(raw, ns, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: condition: %w", types.ErrInvalidRule, err)
	}
	return c, nil
}

func decodeCondition(raw json.RawMessage, ns xmltree.Namespaces, depth int) (Condition, error) {
	if depth > types.MaxConditionDepth {
		return nil, fmt.Errorf("nesting deeper than %d", types.MaxConditionDepth)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	_, hasAll := fields["all"]
	_, hasAny := fields["any"]
	switch {
	case hasAll && hasAny:
		return nil, fmt.Errorf("node has both all and any")
	case hasAll:
		children, err := decodeChildren(fields["all"], ns, depth)
		if err != nil {
			return nil, err
		}
		return All{Conditions: children}, nil
	case hasAny:
		children, err := decodeChildren(fields["any"], ns, depth)
		if err != nil {
			return nil, err
		}
		return Any{Conditions: children}, nil
	}

	var leaf conditionJSON
	if err := json.Unmarshal(raw, &leaf); err != nil {
		return nil, err
	}
	pred, err := decodeLeaf(leaf, ns)
	if err != nil {
		return nil, err
	}
	return Leaf{Predicate: pred}, nil
}

func decodeChildren(raw json.RawMessage, ns xmltree.Namespaces, depth int) ([]Condition, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty group")
	}
	out := make([]Condition, 0, len(items))
	for _, item := range items {
		c, err := decodeCondition(item, ns, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeLeaf(j conditionJSON, ns xmltree.Namespaces) (Predicate, error) {
	op, err := ParseOperator(j.Op)
	if err != nil {
		return Predicate{}, err
	}
	if j.Path == "" {
		return Predicate{}, fmt.Errorf("%s: path is required", op)
	}
	path, err := xmltree.CompilePath(j.Path, ns)
	if err != nil {
		return Predicate{}, err
	}
	p := Predicate{Op: op, Path: path}

	switch op {
	case OpExists, OpNotExists:
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpNotStartsWith:
		if j.Value == nil {
			return Predicate{}, fmt.Errorf("%s: value is required", op)
		}
		p.Value = *j.Value
	case OpValueIn:
		if len(j.Values) == 0 {
			return Predicate{}, fmt.Errorf("%s: values is required", op)
		}
		p.Values = j.Values
	case OpInList, OpNotInList:
		if j.List == "" {
			return Predicate{}, fmt.Errorf("%s: list is required", op)
		}
		p.ListID = j.List
	case OpInListWithAttribute:
		if j.List == "" || j.Attribute == "" || j.AttributeValue == nil {
			return Predicate{}, fmt.Errorf("%s: list, attribute and attribute_value are required", op)
		}
		p.ListID = j.List
		p.AttrKey = j.Attribute
		p.AttrValue = *j.AttributeValue
	case OpNumericGT, OpNumericLT:
		if j.Number == nil {
			return Predicate{}, fmt.Errorf("%s: number is required", op)
		}
		p.Number = *j.Number
	}
	return p, nil
}
