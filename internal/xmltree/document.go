// Package xmltree hides the XML library behind an element-centric API.
//
// Documents are fully materialized etree trees. Whitespace text nodes,
// comments, processing instructions, DOCTYPE and CDATA sections are kept as
// read, and the declared source encoding is recorded so it can be preserved
// on write.
//
// An unmodified document serializes back to the same bytes except for these
// normalizations:
//
//   - an XML declaration naming the output encoding is added or rewritten,
//     and a trailing newline is appended when missing;
//   - empty elements are written self-closed: <b></b> becomes <b/>;
//   - attribute values use double quotes, with " escaped as &quot;;
//   - whitespace between attributes collapses to one space;
//   - character and entity references are resolved and re-escaped only where
//     required: &#233; becomes é, &apos; in text becomes ', and > in text
//     becomes &gt;;
//   - CRLF line endings become LF, as the XML parser reports them.
//
// Lookups go through compiled Path expressions bound to namespace URIs
// (see path.go), never through the prefixes a document happens to use.
package xmltree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/solatis/ptufix/internal/types"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultEncoding is assumed when a document has no XML declaration.
const DefaultEncoding = "UTF-8"

var declEncodingRe = regexp.MustCompile(`encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)

// Element is a node of a document tree.
type Element = etree.Element

// Document is a parsed XML document with its source metadata.
type Document struct {
	tree     *etree.Document
	encoding string
	hash     string
}

// Parse parses a document from bytes.
// Returns an error wrapping types.ErrParse for malformed input and
// types.ErrEncoding when the declared charset is not supported.
func Parse(data []byte) (*Document, error) {
	enc := declaredEncoding(data)
	if !isUTF8(enc) {
		if _, err := lookupEncoding(enc); err != nil {
			return nil, err
		}
	}

	tree := etree.NewDocument()
	tree.ReadSettings.CharsetReader = charsetReader
	tree.ReadSettings.PreserveCData = true
	// Quotes in text stay literal on write.
	tree.WriteSettings.CanonicalText = true
	tree.WriteSettings.CanonicalAttrVal = true
	if err := tree.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrParse, err)
	}
	if tree.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", types.ErrParse)
	}

	sum := sha256.Sum256(data)
	return &Document{
		tree:     tree,
		encoding: enc,
		hash:     hex.EncodeToString(sum[:]),
	}, nil
}

// ParseFile reads and parses the document at path.
// Read failures are reported as parse failures: the file is unusable either way.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrParse, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, types.MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrParse, err)
	}
	if len(data) > types.MaxDocumentSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", types.ErrParse, path, types.MaxDocumentSize)
	}
	return Parse(data)
}

// Root returns the document element.
func (d *Document) Root() *Element {
	return d.tree.Root()
}

// Encoding returns the encoding declared by the source document.
func (d *Document) Encoding() string {
	return d.encoding
}

// Hash returns the hex SHA-256 of the source bytes.
func (d *Document) Hash() string {
	return d.hash
}

// Serialize writes the tree with an XML declaration naming enc.
// An empty enc keeps the source encoding. Text that the target charset cannot
// represent yields an error wrapping types.ErrEncoding.
func (d *Document) Serialize(enc string) ([]byte, error) {
	if enc == "" {
		enc = d.encoding
	}
	d.setDeclaration(enc)

	var buf bytes.Buffer
	if _, err := d.tree.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	out := buf.Bytes()
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}

	if isUTF8(enc) {
		return out, nil
	}
	e, err := lookupEncoding(enc)
	if err != nil {
		return nil, err
	}
	encoded, err := e.NewEncoder().Bytes(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s cannot represent document text: %v", types.ErrEncoding, enc, err)
	}
	return encoded, nil
}

// WriteFile serializes the document in its source encoding and replaces path
// atomically (temp file + rename). Disk failures wrap types.ErrIO.
func (d *Document) WriteFile(path string) error {
	data, err := d.Serialize("")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	return nil
}

// setDeclaration rewrites the encoding of an existing XML declaration or
// inserts a new declaration as the first token.
func (d *Document) setDeclaration(enc string) {
	for _, tok := range d.tree.Child {
		pi, ok := tok.(*etree.ProcInst)
		if !ok || pi.Target != "xml" {
			continue
		}
		if m := declEncodingRe.FindStringSubmatchIndex(pi.Inst); m != nil {
			if pi.Inst[m[2]:m[3]] != enc {
				pi.Inst = pi.Inst[:m[2]] + enc + pi.Inst[m[3]:]
			}
		} else {
			pi.Inst = strings.TrimSpace(pi.Inst) + ` encoding="` + enc + `"`
		}
		return
	}
	d.tree.InsertChildAt(0, etree.NewProcInst("xml", `version="1.0" encoding="`+enc+`"`))
	d.tree.InsertChildAt(1, etree.NewText("\n"))
}

// declaredEncoding extracts the encoding pseudo-attribute of the XML declaration.
func declaredEncoding(data []byte) string {
	head := data
	if len(head) > 256 {
		head = head[:256]
	}
	if !bytes.HasPrefix(bytes.TrimLeft(head, "\xef\xbb\xbf \t\r\n"), []byte("<?xml")) {
		return DefaultEncoding
	}
	end := bytes.Index(head, []byte("?>"))
	if end < 0 {
		return DefaultEncoding
	}
	if m := declEncodingRe.FindSubmatch(head[:end]); m != nil {
		return string(m[1])
	}
	return DefaultEncoding
}

func isUTF8(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return l == "" || l == "utf-8" || l == "utf8"
}

func lookupEncoding(label string) (encoding.Encoding, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: %q", types.ErrEncoding, label)
	}
	return enc, nil
}

// charsetReader adapts x/text decoders to encoding/xml's CharsetReader hook.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := lookupEncoding(label)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}
