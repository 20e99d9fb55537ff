package xmltree

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/solatis/ptufix/internal/types"
)

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unclosed", "<a><b></a>"},
		{"empty", ""},
		{"text only", "hello"},
		{"mismatched prefix", `<x:a xmlns:x="u"></y:a>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if !errors.Is(err, types.ErrParse) {
				t.Errorf("Parse() error = %v, want ErrParse", err)
			}
		})
	}
}

func TestParse_UnknownEncoding(t *testing.T) {
	_, err := Parse([]byte(`<?xml version="1.0" encoding="X-NOPE-1"?><a/>`))
	if !errors.Is(err, types.ErrEncoding) {
		t.Errorf("Parse() error = %v, want ErrEncoding", err)
	}
}

func TestDocument_Encoding(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`<?xml version="1.0" encoding="ISO-8859-1"?><a/>`, "ISO-8859-1"},
		{`<?xml version='1.0' encoding='utf-8'?><a/>`, "utf-8"},
		{`<?xml version="1.0"?><a/>`, DefaultEncoding},
		{`<a/>`, DefaultEncoding},
	}

	for _, tt := range tests {
		doc := mustParse(t, tt.src)
		if got := doc.Encoding(); got != tt.want {
			t.Errorf("Encoding() = %q, want %q", got, tt.want)
		}
	}
}

func TestSerialize_RoundTripUTF8(t *testing.T) {
	src := guideDoc
	doc := mustParse(t, src)
	if out := serialize(t, doc); out != src {
		t.Errorf("Serialize() round trip mismatch\n got: %q\nwant: %q", out, src)
	}
}

func TestSerialize_RoundTripVerbatim(t *testing.T) {
	const decl = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"
	tests := []struct {
		name string
		body string
	}{
		{"cdata", `<a><![CDATA[x<y & z]]></a>`},
		{"cdata beside text", `<a>pre <![CDATA[<raw>]]> post</a>`},
		{"comment", "<a><!-- keep me --><b>1</b></a>"},
		{"processing instruction", `<a><?app mode="x"?></a>`},
		{"doctype", "<!DOCTYPE a>\n<a/>"},
		{"quotes in text", `<a>say "hi" it's</a>`},
		{"namespaced attributes", `<p:a xmlns:p="urn:x" p:k="v" x="1"/>`},
		{"mixed whitespace", "<a>\n\t<b> x </b>\n  <c/>\n</a>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := decl + tt.body + "\n"
			if out := serialize(t, mustParse(t, src)); out != src {
				t.Errorf("Serialize() round trip mismatch\n got: %q\nwant: %q", out, src)
			}
		})
	}
}

func TestSerialize_DocumentedNormalizations(t *testing.T) {
	const decl = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty element pair", "<a><b></b></a>", "<a><b/></a>"},
		{"single-quoted attribute", "<a x='1'/>", `<a x="1"/>`},
		{"attribute with double quote", `<a x='say "hi"'/>`, `<a x="say &quot;hi&quot;"/>`},
		{"attribute spacing", `<a  x = "1"   y="2" />`, `<a x="1" y="2"/>`},
		{"character reference", "<a>&#233;</a>", "<a>é</a>"},
		{"apos entity", "<a>it&apos;s</a>", "<a>it's</a>"},
		{"greater-than in text", "<a>1 > 0</a>", "<a>1 &gt; 0</a>"},
		{"crlf", "<a>\r\n<b/>\r\n</a>", "<a>\n<b/>\n</a>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := decl + tt.want + "\n"
			if out := serialize(t, mustParse(t, decl+tt.body+"\n")); out != want {
				t.Errorf("Serialize() = %q, want %q", out, want)
			}
		})
	}
}

func TestParse_CDataText(t *testing.T) {
	doc := mustParse(t, `<a><![CDATA[ x<y ]]></a>`)
	if got, ok := Text(doc.Root()); !ok || got != "x<y" {
		t.Errorf("Text() = %q, %v, want %q, true", got, ok, "x<y")
	}
}

func TestSerialize_RoundTripLatin1(t *testing.T) {
	// "Internação" encoded as ISO-8859-1
	src := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<a>Interna\xe7\xe3o \"x\"</a>\n")
	doc, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
	if got, _ := Text(doc.Root()); got != `Internação "x"` {
		t.Errorf("Text() = %q, want decoded text", got)
	}

	out, err := doc.Serialize("")
	if err != nil {
		t.Fatalf("Serialize() error = %v, want nil", err)
	}
	if !bytes.Equal(out, src) {
		t.Errorf("Serialize() = %q, want %q", out, src)
	}
}

func TestSerialize_AddsDeclarationAndNewline(t *testing.T) {
	doc := mustParse(t, "<a>x</a>")
	want := "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<a>x</a>\n"
	if out := serialize(t, doc); out != want {
		t.Errorf("Serialize() = %q, want %q", out, want)
	}
}

func TestSerialize_Transcode(t *testing.T) {
	doc := mustParse(t, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<a>ação</a>\n")

	out, err := doc.Serialize("ISO-8859-1")
	if err != nil {
		t.Fatalf("Serialize() error = %v, want nil", err)
	}
	want := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<a>a\xe7\xe3o</a>\n"
	if string(out) != want {
		t.Errorf("Serialize() = %q, want %q", out, want)
	}
}

func TestSerialize_Unrepresentable(t *testing.T) {
	doc := mustParse(t, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<a>日本</a>\n")
	if _, err := doc.Serialize("ISO-8859-1"); !errors.Is(err, types.ErrEncoding) {
		t.Errorf("Serialize() error = %v, want ErrEncoding", err)
	}
}

func TestDocument_Hash(t *testing.T) {
	a := mustParse(t, "<a>1</a>")
	b := mustParse(t, "<a>1</a>")
	c := mustParse(t, "<a>2</a>")

	if a.Hash() != b.Hash() {
		t.Errorf("Hash() differs for identical input")
	}
	if a.Hash() == c.Hash() {
		t.Errorf("Hash() equal for different input")
	}
	if len(a.Hash()) != 64 {
		t.Errorf("len(Hash()) = %d, want 64", len(a.Hash()))
	}
}

func TestParseFile_WriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lote.xml")
	if err := os.WriteFile(path, []byte(guideDoc), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v, want nil", err)
	}
	SetText(FindOne(doc.Root(), MustCompilePath(".//ptu:seq_item", ptuNS)), "9")

	out := filepath.Join(dir, "out", "lote.xml")
	if err := doc.WriteFile(out); err != nil {
		t.Fatalf("WriteFile() error = %v, want nil", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<ptu:seq_item>9</ptu:seq_item>") {
		t.Errorf("written file missing mutation: %s", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 1 {
		t.Errorf("output dir has %d entries, want 1 (no temp files left)", len(entries))
	}
}

func TestParseFile_Missing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "missing.xml"))
	if !errors.Is(err, types.ErrParse) {
		t.Errorf("ParseFile() error = %v, want ErrParse", err)
	}
}
