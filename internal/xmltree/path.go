package xmltree

/*
 * Path expressions.
 *
 * A deliberately small XPath subset, compiled once and evaluated many times:
 *
 *   .                   the context element
 *   ./a/b               child steps
 *   .//a                descendant step (context excluded)
 *   ..                  parent
 *   ancestor::a         ancestors, nearest first
 *   p:a  a  *  p:*      name tests; an unprefixed name matches any namespace
 *   a[p:b='lit']        keep a when a child p:b has trimmed text lit
 *   ./a/text()          keep only elements with non-empty text
 *
 * Prefixed name tests are bound to URIs through Namespaces at compile time.
 * Results are de-duplicated and returned in document order, except when the
 * last step uses the ancestor axis, where nearest-first order is kept.
 */

import (
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/solatis/ptufix/internal/types"
)

type axis int

const (
	axisChild axis = iota
	axisDescendant
	axisParent
	axisSelf
	axisAncestor
)

type nameTest struct {
	prefix string
	uri    string
	local  string // "*" matches any local name
}

func (n nameTest) matches(e *etree.Element) bool {
	if n.local != "*" && e.Tag != n.local {
		return false
	}
	if n.prefix == "" {
		return true
	}
	return NamespaceURI(e) == n.uri
}

func (n nameTest) String() string {
	if n.prefix == "" {
		return n.local
	}
	return n.prefix + ":" + n.local
}

type textPredicate struct {
	name    nameTest
	literal string
}

type step struct {
	axis axis
	name nameTest
	pred *textPredicate
}

// Path is a compiled path expression. Safe for concurrent use.
type Path struct {
	expr  string
	steps []step
	text  bool
}

// String returns the source expression.
func (p *Path) String() string {
	return p.expr
}

// CompilePath parses expr, binding prefixes through ns.
// Returns an error wrapping types.ErrPath for malformed expressions or
// unbound prefixes.
func CompilePath(expr string, ns Namespaces) (*Path, error) {
	ps := &pathParser{src: strings.TrimSpace(expr), ns: ns}
	p, err := ps.parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrPath, expr, err)
	}
	return p, nil
}

// MustCompilePath is CompilePath that panics on error. For static expressions.
func MustCompilePath(expr string, ns Namespaces) *Path {
	p, err := CompilePath(expr, ns)
	if err != nil {
		panic(err)
	}
	return p
}

// Leaf splits the path into its parent path and the name of the element its
// last step selects. Used when an element has to be created at the path.
// Fails for paths whose last step is not a plain child name.
func (p *Path) Leaf() (parent *Path, uri, local string, err error) {
	if p.text || len(p.steps) == 0 {
		return nil, "", "", fmt.Errorf("%w: %q does not name a child element", types.ErrPath, p.expr)
	}
	last := p.steps[len(p.steps)-1]
	if last.axis != axisChild || last.pred != nil || last.name.local == "*" {
		return nil, "", "", fmt.Errorf("%w: %q does not name a child element", types.ErrPath, p.expr)
	}
	parentExpr := p.expr
	if i := strings.LastIndexByte(parentExpr, '/'); i >= 0 {
		parentExpr = strings.TrimRight(parentExpr[:i], "/")
	}
	if parentExpr == "" || parentExpr == p.expr {
		parentExpr = "."
	}
	return &Path{expr: parentExpr, steps: p.steps[:len(p.steps)-1]}, last.name.uri, last.name.local, nil
}

// FindAll evaluates p against ctx.
func FindAll(ctx *etree.Element, p *Path) []*etree.Element {
	if ctx == nil || p == nil {
		return nil
	}
	cur := []*etree.Element{ctx}
	for _, s := range p.steps {
		seen := make(map[*etree.Element]struct{})
		var next []*etree.Element
		for _, e := range cur {
			for _, m := range s.apply(e) {
				if _, dup := seen[m]; dup {
					continue
				}
				seen[m] = struct{}{}
				next = append(next, m)
			}
		}
		cur = next
		if len(cur) == 0 {
			return nil
		}
	}

	if p.text {
		filtered := cur[:0:0]
		for _, e := range cur {
			if _, ok := Text(e); ok {
				filtered = append(filtered, e)
			}
		}
		cur = filtered
	}

	if len(cur) > 1 && (len(p.steps) == 0 || p.steps[len(p.steps)-1].axis != axisAncestor) {
		sortDocumentOrder(cur)
	}
	return cur
}

// FindOne returns the first match of p under ctx, or nil.
func FindOne(ctx *etree.Element, p *Path) *etree.Element {
	all := FindAll(ctx, p)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func (s step) apply(e *etree.Element) []*etree.Element {
	var out []*etree.Element
	switch s.axis {
	case axisSelf:
		out = []*etree.Element{e}
	case axisParent:
		if p := e.Parent(); p != nil && p.Tag != "" {
			out = []*etree.Element{p}
		}
	case axisChild:
		for _, c := range e.ChildElements() {
			if s.name.matches(c) {
				out = append(out, c)
			}
		}
	case axisDescendant:
		walk(e, func(d *etree.Element) {
			if d != e && s.name.matches(d) {
				out = append(out, d)
			}
		})
	case axisAncestor:
		for p := e.Parent(); p != nil && p.Tag != ""; p = p.Parent() {
			if s.name.matches(p) {
				out = append(out, p)
			}
		}
	}
	if s.pred == nil {
		return out
	}
	kept := out[:0:0]
	for _, c := range out {
		if s.pred.holds(c) {
			kept = append(kept, c)
		}
	}
	return kept
}

func (tp *textPredicate) holds(e *etree.Element) bool {
	for _, c := range e.ChildElements() {
		if !tp.name.matches(c) {
			continue
		}
		if t, _ := Text(c); t == tp.literal {
			return true
		}
	}
	return false
}

// walk visits e and its descendants in document order.
func walk(e *etree.Element, fn func(*etree.Element)) {
	fn(e)
	for _, c := range e.ChildElements() {
		walk(c, fn)
	}
}

// sortDocumentOrder sorts elements of one tree in document order.
func sortDocumentOrder(els []*etree.Element) {
	root := els[0]
	for root.Parent() != nil {
		root = root.Parent()
	}
	pos := make(map[*etree.Element]int)
	n := 0
	walk(root, func(e *etree.Element) {
		pos[e] = n
		n++
	})
	sort.SliceStable(els, func(i, j int) bool {
		return pos[els[i]] < pos[els[j]]
	})
}

// pathParser is a hand-written scanner over the expression.
type pathParser struct {
	src string
	pos int
	ns  Namespaces
}

func (ps *pathParser) parse() (*Path, error) {
	if ps.src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	p := &Path{expr: ps.src}

	next := axisChild
	switch {
	case strings.HasPrefix(ps.src, ".//"):
		ps.pos = 3
		next = axisDescendant
	case strings.HasPrefix(ps.src, "./"):
		ps.pos = 2
	case ps.src == ".":
		return p, nil
	case strings.HasPrefix(ps.src, "/"):
		return nil, fmt.Errorf("absolute paths are not supported")
	}

	for {
		if ps.pos >= len(ps.src) {
			return nil, fmt.Errorf("expected step at offset %d", ps.pos)
		}
		if p.text {
			return nil, fmt.Errorf("text() must be the last step")
		}
		s, isText, err := ps.step(next)
		if err != nil {
			return nil, err
		}
		if isText {
			p.text = true
		} else if s.axis != axisSelf {
			p.steps = append(p.steps, s)
		}
		if len(p.steps) > types.MaxPathSteps {
			return nil, fmt.Errorf("more than %d steps", types.MaxPathSteps)
		}

		switch {
		case ps.pos == len(ps.src):
			return p, nil
		case strings.HasPrefix(ps.src[ps.pos:], "//"):
			ps.pos += 2
			next = axisDescendant
		case ps.src[ps.pos] == '/':
			ps.pos++
			next = axisChild
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", ps.src[ps.pos], ps.pos)
		}
	}
}

// step parses one location step. isText reports a text() step.
func (ps *pathParser) step(ax axis) (step, bool, error) {
	rest := ps.src[ps.pos:]
	switch {
	case strings.HasPrefix(rest, "text()"):
		ps.pos += len("text()")
		return step{}, true, nil
	case strings.HasPrefix(rest, ".."):
		if ax == axisDescendant {
			return step{}, false, fmt.Errorf(".. cannot follow //")
		}
		ps.pos += 2
		return step{axis: axisParent}, false, nil
	case strings.HasPrefix(rest, ".") && (len(rest) == 1 || rest[1] == '/'):
		ps.pos++
		return step{axis: axisSelf}, false, nil
	case strings.HasPrefix(rest, "ancestor::"):
		if ax == axisDescendant {
			return step{}, false, fmt.Errorf("ancestor:: cannot follow //")
		}
		ps.pos += len("ancestor::")
		ax = axisAncestor
	}

	name, err := ps.nameTest()
	if err != nil {
		return step{}, false, err
	}
	s := step{axis: ax, name: name}

	if ps.pos < len(ps.src) && ps.src[ps.pos] == '[' {
		pred, err := ps.predicate()
		if err != nil {
			return step{}, false, err
		}
		s.pred = pred
	}
	return s, false, nil
}

func (ps *pathParser) nameTest() (nameTest, error) {
	start := ps.pos
	for ps.pos < len(ps.src) {
		c := ps.src[ps.pos]
		if c == '/' || c == '[' || c == '=' || c == ']' {
			break
		}
		ps.pos++
	}
	raw := ps.src[start:ps.pos]
	if raw == "" {
		return nameTest{}, fmt.Errorf("expected name at offset %d", start)
	}
	prefix, local := splitQName(raw)
	if local == "" || strings.ContainsAny(local, ":()@ \t'\"") || strings.ContainsAny(prefix, "*()@ \t'\"") {
		return nameTest{}, fmt.Errorf("invalid name %q", raw)
	}
	n := nameTest{prefix: prefix, local: local}
	if prefix != "" {
		uri, ok := ps.ns[prefix]
		if !ok {
			return nameTest{}, fmt.Errorf("unbound prefix %q", prefix)
		}
		n.uri = uri
	}
	return n, nil
}

// predicate parses [p:name='literal'] or [p:name="literal"].
func (ps *pathParser) predicate() (*textPredicate, error) {
	ps.pos++ // [
	name, err := ps.nameTest()
	if err != nil {
		return nil, err
	}
	if ps.pos >= len(ps.src) || ps.src[ps.pos] != '=' {
		return nil, fmt.Errorf("expected '=' in predicate")
	}
	ps.pos++
	if ps.pos >= len(ps.src) || (ps.src[ps.pos] != '\'' && ps.src[ps.pos] != '"') {
		return nil, fmt.Errorf("expected quoted literal in predicate")
	}
	quote := ps.src[ps.pos]
	ps.pos++
	end := strings.IndexByte(ps.src[ps.pos:], quote)
	if end < 0 {
		return nil, fmt.Errorf("unterminated literal")
	}
	lit := ps.src[ps.pos : ps.pos+end]
	ps.pos += end + 1
	if ps.pos >= len(ps.src) || ps.src[ps.pos] != ']' {
		return nil, fmt.Errorf("expected ']' after predicate")
	}
	ps.pos++
	return &textPredicate{name: name, literal: lit}, nil
}
