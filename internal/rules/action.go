// internal/rules/action.go
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Action expression trees.
 *
 * Actions are a sum type decoded from the rule's JSON. Every variant is
 * idempotent: applying it to the document it just produced reports no change.
 *
 * Wire format:
 *   {"type": "composite", "actions": [A...]}
 *   {"type": "set_text", "path": P, "text": S}
 *   {"type": "remove", "path": P}
 *   {"type": "ensure", "path": P, "text": S, "insert_after": P, "position": "first_child"|"last_child"}
 *   {"type": "reorder", "parent": P, "order": [local-name...]}
 *   {"type": "builtin", "name": N, "params": {...}}
 *
 * Built-ins: normalize_boundary_date, rotating_replacement, alert (builtin.go).
 */

// Action is one node of an action tree.
type Action interface {
	isAction()
}

// Composite applies children in order. No rollback on child failure.
type Composite struct {
	Actions []Action
}

// SetText overwrites the text of the first element at Path.
type SetText struct {
	Path *xmltree.Path
	Text string
}

// RemoveElement removes every element at Path.
type RemoveElement struct {
	Path *xmltree.Path
}

// Position is where EnsureElement attaches a created element.
type Position int

const (
	PositionLastChild Position = iota
	PositionFirstChild
)

// EnsureElement sets the text at Path, creating the element when missing.
type EnsureElement struct {
	Path        *xmltree.Path
	Text        string
	InsertAfter *xmltree.Path // optional, resolved from the context
	Position    Position

	parent *xmltree.Path
	uri    string
	local  string
}

// ReorderChildren reorders the children of the element at Parent by local name.
type ReorderChildren struct {
	Parent *xmltree.Path
	Order  []string
}

func (Composite) isAction()       {}
func (SetText) isAction()         {}
func (RemoveElement) isAction()   {}
func (EnsureElement) isAction()   {}
func (ReorderChildren) isAction() {}

type actionJSON struct {
	Type        string            `json:"type"`
	Actions     []json.RawMessage `json:"actions"`
	Path        string            `json:"path"`
	Text        *string           `json:"text"`
	InsertAfter string            `json:"insert_after"`
	Position    string            `json:"position"`
	Parent      string            `json:"parent"`
	Order       []string          `json:"order"`
	Name        string            `json:"name"`
	Params      json.RawMessage   `json:"params"`
}

// ActionOptions carries engine-level defaults needed while decoding built-ins.
type ActionOptions struct {
	Namespaces xmltree.Namespaces
	// BoundaryDateFields is used by normalize_boundary_date when params omit fields.
	BoundaryDateFields []string
}

// DecodeAction parses the JSON form of an action tree.
// Returns an error wrapping types.ErrInvalidRule (and types.ErrPath for bad paths).
func DecodeAction(raw json.RawMessage, opts ActionOptions) (Action, error) {
	a, err := decodeAction(raw, opts, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: action: %w", types.ErrInvalidRule, err)
	}
	return a, nil
}

func decodeAction(raw json.RawMessage, opts ActionOptions, depth int) (Action, error) {
	if depth > types.MaxConditionDepth {
		return nil, fmt.Errorf("nesting deeper than %d", types.MaxConditionDepth)
	}
	var j actionJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}

	ns := opts.Namespaces
	switch j.Type {
	case "composite":
		if len(j.Actions) == 0 {
			return nil, fmt.Errorf("composite: actions is required")
		}
		c := Composite{Actions: make([]Action, 0, len(j.Actions))}
		for _, item := range j.Actions {
			child, err := decodeAction(item, opts, depth+1)
			if err != nil {
				return nil, err
			}
			c.Actions = append(c.Actions, child)
		}
		return c, nil

	case "set_text":
		p, err := requirePath("set_text", "path", j.Path, ns)
		if err != nil {
			return nil, err
		}
		if j.Text == nil {
			return nil, fmt.Errorf("set_text: text is required")
		}
		return SetText{Path: p, Text: *j.Text}, nil

	case "remove":
		p, err := requirePath("remove", "path", j.Path, ns)
		if err != nil {
			return nil, err
		}
		return RemoveElement{Path: p}, nil

	case "ensure":
		return decodeEnsure(j, ns)

	case "reorder":
		p, err := requirePath("reorder", "parent", j.Parent, ns)
		if err != nil {
			return nil, err
		}
		if len(j.Order) == 0 {
			return nil, fmt.Errorf("reorder: order is required")
		}
		return ReorderChildren{Parent: p, Order: j.Order}, nil

	case "builtin":
		return decodeBuiltin(j.Name, j.Params, opts)

	case "":
		return nil, fmt.Errorf("type is required")
	default:
		return nil, fmt.Errorf("unknown action type %q", j.Type)
	}
}

func decodeEnsure(j actionJSON, ns xmltree.Namespaces) (Action, error) {
	p, err := requirePath("ensure", "path", j.Path, ns)
	if err != nil {
		return nil, err
	}
	if j.Text == nil {
		return nil, fmt.Errorf("ensure: text is required")
	}
	parent, uri, local, err := p.Leaf()
	if err != nil {
		return nil, err
	}
	e := EnsureElement{Path: p, Text: *j.Text, parent: parent, uri: uri, local: local}

	if j.InsertAfter != "" {
		after, err := xmltree.CompilePath(j.InsertAfter, ns)
		if err != nil {
			return nil, err
		}
		e.InsertAfter = after
	}
	switch j.Position {
	case "", "last_child":
		e.Position = PositionLastChild
	case "first_child":
		e.Position = PositionFirstChild
	default:
		return nil, fmt.Errorf("ensure: unknown position %q", j.Position)
	}
	return e, nil
}

func requirePath(kind, field, expr string, ns xmltree.Namespaces) (*xmltree.Path, error) {
	if expr == "" {
		return nil, fmt.Errorf("%s: %s is required", kind, field)
	}
	return xmltree.CompilePath(expr, ns)
}

// compilePathMap compiles name->expr pairs, returning the names in sorted order
// so application order is deterministic.
func compilePathMap(kind string, m map[string]string, ns xmltree.Namespaces) (map[string]*xmltree.Path, []string, error) {
	out := make(map[string]*xmltree.Path, len(m))
	names := make([]string, 0, len(m))
	for name, expr := range m {
		if strings.TrimSpace(name) == "" {
			return nil, nil, fmt.Errorf("%s: empty field name", kind)
		}
		p, err := requirePath(kind, name, expr, ns)
		if err != nil {
			return nil, nil, err
		}
		out[name] = p
		names = append(names, name)
	}
	sort.Strings(names)
	return out, names, nil
}
