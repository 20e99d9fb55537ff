package xmltree

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const asciiSpace = " \t\r\n"

// Text returns the trimmed text of e. ok is false when e is nil or its text
// is empty after trimming.
func Text(e *etree.Element) (string, bool) {
	if e == nil {
		return "", false
	}
	t := strings.Trim(e.Text(), asciiSpace)
	return t, t != ""
}

// SetText replaces the text of e. Reports false when the trimmed current
// text already equals s.
func SetText(e *etree.Element, s string) bool {
	if e == nil {
		return false
	}
	if cur, _ := Text(e); cur == s {
		return false
	}
	e.SetText(s)
	return true
}

// Locate returns the positional path of e from the document root, such as
// /ptu:lote[1]/ptu:guiaSADT[1]/ptu:procedimentosExecutados[2]. Positions
// count preceding siblings with the same tag.
func Locate(e *etree.Element) string {
	var steps []string
	for cur := e; cur != nil; cur = cur.Parent() {
		parent := cur.Parent()
		if parent == nil && cur.Tag == "" {
			break // document node
		}
		pos := 1
		if parent != nil {
			for _, sib := range parent.ChildElements() {
				if sib == cur {
					break
				}
				if sib.Space == cur.Space && sib.Tag == cur.Tag {
					pos++
				}
			}
		}
		steps = append(steps, cur.FullTag()+"["+strconv.Itoa(pos)+"]")
	}
	var b strings.Builder
	for i := len(steps) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(steps[i])
	}
	return b.String()
}

// Remove detaches e from its parent.
func Remove(e *etree.Element) bool {
	if e == nil {
		return false
	}
	parent := e.Parent()
	if parent == nil {
		return false
	}
	return parent.RemoveChild(e) != nil
}

type placementKind int

const (
	placeLastChild placementKind = iota
	placeFirstChild
	placeAfter
)

// Placement selects where Insert attaches a new element.
type Placement struct {
	kind   placementKind
	anchor *etree.Element
}

var (
	// LastChild appends after every existing child.
	LastChild = Placement{kind: placeLastChild}
	// FirstChild inserts before the first child element.
	FirstChild = Placement{kind: placeFirstChild}
)

// After inserts immediately after anchor, which must be a child of the parent.
func After(anchor *etree.Element) Placement {
	return Placement{kind: placeAfter, anchor: anchor}
}

// Insert attaches el under parent according to where.
// An After placement whose anchor is not a child of parent falls back to LastChild.
func Insert(parent, el *etree.Element, where Placement) bool {
	if parent == nil || el == nil {
		return false
	}
	switch where.kind {
	case placeAfter:
		if where.anchor != nil && where.anchor.Parent() == parent {
			parent.InsertChildAt(where.anchor.Index()+1, el)
			return true
		}
	case placeFirstChild:
		if first := firstChildElement(parent); first != nil {
			parent.InsertChildAt(first.Index(), el)
			return true
		}
	}
	parent.AddChild(el)
	return true
}

func firstChildElement(e *etree.Element) *etree.Element {
	for _, t := range e.Child {
		if c, ok := t.(*etree.Element); ok {
			return c
		}
	}
	return nil
}

// Reorder moves the child elements of parent whose local name appears in
// order to the front, in that order, followed by the remaining children in
// their original relative order. Non-element tokens (whitespace, comments)
// keep their positions. Reports false when the listed children already
// appear in the intended relative order.
func Reorder(parent *etree.Element, order []string) bool {
	if parent == nil {
		return false
	}
	current := parent.ChildElements()
	if len(current) < 2 {
		return false
	}

	rank := make(map[string]int, len(order))
	for i, name := range order {
		if _, dup := rank[name]; !dup {
			rank[name] = i
		}
	}

	buckets := make([][]*etree.Element, len(order))
	var rest []*etree.Element
	for _, c := range current {
		if r, ok := rank[c.Tag]; ok {
			buckets[r] = append(buckets[r], c)
		} else {
			rest = append(rest, c)
		}
	}
	intended := make([]*etree.Element, 0, len(current))
	for _, b := range buckets {
		intended = append(intended, b...)
	}
	intended = append(intended, rest...)

	// Only the relative order of listed children decides whether to act;
	// unlisted children interleaved with them are left where they are.
	same := true
	i := 0
	for _, c := range current {
		if _, ok := rank[c.Tag]; !ok {
			continue
		}
		if c != intended[i] {
			same = false
			break
		}
		i++
	}
	if same {
		return false
	}

	slots := make([]int, 0, len(current))
	for _, c := range current {
		slots = append(slots, c.Index())
	}
	for i := len(slots) - 1; i >= 0; i-- {
		parent.RemoveChildAt(slots[i])
	}
	for i, slot := range slots {
		parent.InsertChildAt(slot, intended[i])
	}
	return true
}
