// internal/rules/evaluate.go
package rules

import (
	"fmt"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Condition evaluation.
 *
 * Evaluates a condition tree against one context element. Pure over the tree:
 * predicates only read.
 *
 * Evaluation flow:
 *   1. All/Any: children in declaration order, short-circuit on first false/true
 *   2. Leaf exists/not_exists: decided by whether the path selects an element
 *   3. List operators: resolve the code list first (missing list aborts the rule)
 *   4. Read trimmed text of the first selected element
 *   5. Positive operators: missing or empty text is false
 *   6. Negated operators: missing or empty text is true (vacuous), otherwise the
 *      negation of the positive operator
 *
 * Children are never reordered: a cheaper child first would change which
 * list lookups happen, and list lookups are observable (missing list error).
 */

// ListResolver supplies code lists to list predicates.
// A nil set with nil error means the list does not exist.
type ListResolver interface {
	CodeSet(listID string) (*types.CodeSet, error)
}

// ListResolverFunc adapts a function to ListResolver.
type ListResolverFunc func(listID string) (*types.CodeSet, error)

// CodeSet calls f.
func (f ListResolverFunc) CodeSet(listID string) (*types.CodeSet, error) {
	return f(listID)
}

// Evaluate reports whether cond holds at ctx.
// Returns an error wrapping types.ErrMissingList when a referenced list does
// not exist, or the resolver's error (types.ErrCatalog on storage failure).
func Evaluate(ctx *xmltree.Element, cond Condition, lists ListResolver) (bool, error) {
	switch c := cond.(type) {
	case All:
		for _, child := range c.Conditions {
			ok, err := Evaluate(ctx, child, lists)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case Any:
		for _, child := range c.Conditions {
			ok, err := Evaluate(ctx, child, lists)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Leaf:
		return evaluatePredicate(ctx, &c.Predicate, lists)
	default:
		return false, fmt.Errorf("%w: unknown condition node %T", types.ErrCondition, cond)
	}
}

// evaluatePredicate orchestrates: resolve list -> select element -> read text -> compare.
func evaluatePredicate(ctx *xmltree.Element, p *Predicate, lists ListResolver) (bool, error) {
	switch p.Op {
	case OpExists:
		return xmltree.FindOne(ctx, p.Path) != nil, nil
	case OpNotExists:
		return xmltree.FindOne(ctx, p.Path) == nil, nil
	case OpUnspecified:
		return false, fmt.Errorf("%w: predicate without operator", types.ErrCondition)
	}

	var set *types.CodeSet
	if p.Op.usesList() {
		if lists == nil {
			return false, fmt.Errorf("%w: %s: no list resolver", types.ErrMissingList, p.ListID)
		}
		var err error
		set, err = lists.CodeSet(p.ListID)
		if err != nil {
			return false, err
		}
		if set == nil {
			return false, fmt.Errorf("%w: %s", types.ErrMissingList, p.ListID)
		}
	}

	text, ok := xmltree.Text(xmltree.FindOne(ctx, p.Path))
	if p.Op.Negated() {
		if !ok {
			return true, nil
		}
		return !compare(p, text, set), nil
	}
	if !ok {
		return false, nil
	}
	return compare(p, text, set), nil
}
