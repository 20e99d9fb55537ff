package xmltree

import (
	"strings"

	"github.com/beevik/etree"
)

// Namespaces binds path prefixes to namespace URIs.
// Path steps match elements by resolved URI, so a document may use any
// prefix (or the default namespace) for a bound URI.
type Namespaces map[string]string

// NamespaceURI resolves the namespace of e from the xmlns declarations in
// scope. Returns "" for elements in no namespace.
func NamespaceURI(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return lookupNamespace(e, e.Space)
}

// QName returns the namespace URI and local name of e.
func QName(e *etree.Element) (string, string) {
	if e == nil {
		return "", ""
	}
	return NamespaceURI(e), e.Tag
}

// lookupNamespace walks from e to the root looking for the declaration of prefix.
// The empty prefix resolves the default namespace.
func lookupNamespace(e *etree.Element, prefix string) string {
	for cur := e; cur != nil; cur = cur.Parent() {
		for _, a := range cur.Attr {
			if prefix == "" {
				if a.Space == "" && a.Key == "xmlns" {
					return a.Value
				}
				continue
			}
			if a.Space == "xmlns" && a.Key == prefix {
				return a.Value
			}
		}
	}
	return ""
}

// prefixFor finds the prefix in scope at e that is bound to uri.
// ok is false when uri is not declared anywhere above e.
func prefixFor(e *etree.Element, uri string) (prefix string, ok bool) {
	if uri == "" {
		return "", lookupNamespace(e, "") == ""
	}
	if lookupNamespace(e, "") == uri {
		return "", true
	}
	for cur := e; cur != nil; cur = cur.Parent() {
		for _, a := range cur.Attr {
			if a.Space == "xmlns" && a.Value == uri && lookupNamespace(e, a.Key) == uri {
				return a.Key, true
			}
		}
	}
	return "", false
}

// NewElement creates an unattached element named local in namespace uri,
// using whichever prefix parent already binds to uri. When uri is not in scope
// the element carries its own default namespace declaration.
func NewElement(parent *etree.Element, uri, local string) *etree.Element {
	el := etree.NewElement(local)
	if parent == nil {
		if uri != "" {
			el.CreateAttr("xmlns", uri)
		}
		return el
	}
	prefix, ok := prefixFor(parent, uri)
	switch {
	case ok:
		el.Space = prefix
	case uri != "":
		el.CreateAttr("xmlns", uri)
	}
	return el
}

// splitQName splits "p:local" into its parts.
func splitQName(s string) (string, string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
