// internal/rules/apply.go
package rules

import (
	"fmt"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Action application.
 *
 * Apply dispatches on the action variant and reports what happened through
 * Outcome. Mutated means the tree changed; Alerted means an alert built-in
 * recorded a new entry. The engine treats either as an activation.
 *
 * Composite: children run in order, outcomes accumulate, the first child
 * error stops the remaining children. The returned Outcome still carries the
 * changes made before the error, since there is no rollback.
 *
 * Missing targets are not errors: SetText, RemoveElement and ReorderChildren
 * on a path that selects nothing report no change. EnsureElement fails with
 * ErrAction when neither the element nor its parent can be found.
 */

// Outcome is the effect of one action application.
type Outcome struct {
	Mutated bool
	Alerted bool
}

// Acted reports whether the application counts as a rule activation.
func (o Outcome) Acted() bool { return o.Mutated || o.Alerted }

// Advisory reports an activation that left the tree untouched.
func (o Outcome) Advisory() bool { return o.Alerted && !o.Mutated }

func (o *Outcome) add(other Outcome) {
	o.Mutated = o.Mutated || other.Mutated
	o.Alerted = o.Alerted || other.Alerted
}

// Invocation identifies the rule and document an action runs for.
// Used by stateful built-ins.
type Invocation struct {
	RuleID string
	Source string
	// Done, when closed, stops stateful built-ins from touching engine state.
	// A nil channel never closes.
	Done <-chan struct{}
}

// RotationScope selects how rotating_replacement counters are keyed.
type RotationScope string

const (
	// RotationGlobal shares counters across documents: the pool cycles over
	// the whole run, which is deterministic only for sequential batches.
	RotationGlobal RotationScope = "global"
	// RotationDocument keys counters by document, so each document starts at
	// the first pool record regardless of worker scheduling.
	RotationDocument RotationScope = "document"
)

// ParseRotationScope validates a configured scope. Empty means global.
func ParseRotationScope(s string) (RotationScope, error) {
	switch RotationScope(s) {
	case "", RotationGlobal:
		return RotationGlobal, nil
	case RotationDocument:
		return RotationDocument, nil
	}
	return "", fmt.Errorf("unknown rotation scope %q (want global or document)", s)
}

// Executor applies actions and owns built-in state.
// Safe for concurrent use on distinct documents.
type Executor struct {
	scope RotationScope
	state *engineState
}

// NewExecutor creates an executor with empty built-in state.
func NewExecutor(scope RotationScope) *Executor {
	if scope == "" {
		scope = RotationGlobal
	}
	return &Executor{scope: scope, state: newEngineState()}
}

// Reset clears rotation counters and the alert buffer.
func (x *Executor) Reset() { x.state.reset() }

// Alerts returns a copy of the alert buffer in recording order.
func (x *Executor) Alerts() []AlertRecord { return x.state.snapshotAlerts() }

// Apply runs a against ctx.
func (x *Executor) Apply(ctx *xmltree.Element, a Action, inv Invocation) (Outcome, error) {
	if ctx == nil {
		return Outcome{}, fmt.Errorf("%w: nil context", types.ErrAction)
	}
	switch act := a.(type) {
	case Composite:
		var out Outcome
		for i, child := range act.Actions {
			o, err := x.Apply(ctx, child, inv)
			out.add(o)
			if err != nil {
				return out, fmt.Errorf("composite step %d: %w", i, err)
			}
		}
		return out, nil

	case SetText:
		return Outcome{Mutated: xmltree.SetText(xmltree.FindOne(ctx, act.Path), act.Text)}, nil

	case RemoveElement:
		removed := false
		for _, el := range xmltree.FindAll(ctx, act.Path) {
			removed = xmltree.Remove(el) || removed
		}
		return Outcome{Mutated: removed}, nil

	case EnsureElement:
		return applyEnsure(ctx, act)

	case ReorderChildren:
		return Outcome{Mutated: xmltree.Reorder(xmltree.FindOne(ctx, act.Parent), act.Order)}, nil

	case NormalizeBoundaryDate:
		return Outcome{Mutated: act.apply(ctx)}, nil

	case RotatingReplacement:
		return Outcome{Mutated: act.apply(ctx, x.rotationKey(act, ctx, inv), x.state, inv.Done)}, nil

	case Alert:
		msg, values := act.render(ctx)
		_, local := xmltree.QName(ctx)
		added := x.state.addAlert(AlertRecord{
			Source:   inv.Source,
			RuleID:   inv.RuleID,
			Context:  local,
			Location: xmltree.Locate(ctx),
			Message:  msg,
			Values:   values,
		}, inv.Done)
		return Outcome{Alerted: added}, nil

	default:
		return Outcome{}, fmt.Errorf("%w: unknown action %T", types.ErrAction, a)
	}
}

func (x *Executor) rotationKey(a RotatingReplacement, ctx *xmltree.Element, inv Invocation) string {
	key := inv.RuleID + "\x00" + a.rotationKey(ctx)
	if x.scope == RotationDocument {
		key = inv.Source + "\x00" + key
	}
	return key
}

// applyEnsure creates the leaf of act.Path when it is missing. The new element
// always goes under the computed parent so the path resolves on the next
// application; an insert_after anchor that resolves under another parent is
// an action error.
func applyEnsure(ctx *xmltree.Element, act EnsureElement) (Outcome, error) {
	if existing := xmltree.FindOne(ctx, act.Path); existing != nil {
		return Outcome{Mutated: xmltree.SetText(existing, act.Text)}, nil
	}

	parent := xmltree.FindOne(ctx, act.parent)
	if parent == nil {
		return Outcome{}, fmt.Errorf("%w: ensure %s: parent %s not found", types.ErrAction, act.Path, act.parent)
	}

	where := xmltree.LastChild
	if act.Position == PositionFirstChild {
		where = xmltree.FirstChild
	}
	if act.InsertAfter != nil {
		if anchor := xmltree.FindOne(ctx, act.InsertAfter); anchor != nil {
			if anchor.Parent() != parent {
				return Outcome{}, fmt.Errorf("%w: ensure %s: insert_after %s is not a child of %s",
					types.ErrAction, act.Path, act.InsertAfter, act.parent)
			}
			where = xmltree.After(anchor)
		}
	}

	uri := act.uri
	if uri == "" {
		uri = xmltree.NamespaceURI(parent)
	}
	el := xmltree.NewElement(parent, uri, act.local)
	el.SetText(act.Text)
	return Outcome{Mutated: xmltree.Insert(parent, el, where)}, nil
}
