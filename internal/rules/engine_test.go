// internal/rules/engine_test.go
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

// memCatalog serves rules and lists from memory in catalog order.
type memCatalog struct {
	rules   []types.Rule
	lists   map[string]*types.CodeList
	listErr error
	ruleErr error
}

func (m *memCatalog) ListActive(context.Context) ([]types.Rule, error) {
	if m.ruleErr != nil {
		return nil, m.ruleErr
	}
	var out []types.Rule
	for _, r := range m.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memCatalog) CodeSet(_ context.Context, listID string) (*types.CodeSet, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	l, ok := m.lists[listID]
	if !ok {
		return nil, nil
	}
	return types.NewCodeSet(l), nil
}

func newTestEngine(cat Catalog, observed *[]Activation) *Engine {
	opts := Options{
		Namespaces:         testNS,
		Prefix:             "ptu",
		BoundaryDateFields: []string{"dt_Internacao", "dt_Alta"},
		Logger:             slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}
	if observed != nil {
		opts.Observer = func(a Activation) { *observed = append(*observed, a) }
	}
	return NewEngine(cat, opts)
}

func ruleIDs(acts []Activation) []string {
	out := make([]string, 0, len(acts))
	for _, a := range acts {
		out = append(out, a.Rule.ID)
	}
	return out
}

const lotDoc = `<?xml version="1.0" encoding="UTF-8"?>
<ptu:guiaInternacao xmlns:ptu="http://ptu.unimed.coop.br/schemas/V3_0">
  <ptu:nr_GuiaPrestador>123</ptu:nr_GuiaPrestador>
  <ptu:itens>
    <ptu:procedimentosExecutados>
      <ptu:seq_item>1</ptu:seq_item>
      <ptu:cd_Servico>31005004</ptu:cd_Servico>
    </ptu:procedimentosExecutados>
    <ptu:procedimentosExecutados>
      <ptu:seq_item>2</ptu:seq_item>
      <ptu:cd_Servico>40301010</ptu:cd_Servico>
    </ptu:procedimentosExecutados>
    <ptu:procedimentosExecutados>
      <ptu:seq_item>3</ptu:seq_item>
      <ptu:cd_Servico>31009018</ptu:cd_Servico>
    </ptu:procedimentosExecutados>
  </ptu:itens>
</ptu:guiaInternacao>
`

func TestEngine_RuleOrdering(t *testing.T) {
	cat := &memCatalog{rules: []types.Rule{
		testRule("R2", 20, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"set_text","path":"./ptu:nr_GuiaPrestador","text":"R2"}`),
		testRule("R1", 10, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"ensure","path":"./ptu:obs","text":"R1"}`),
		testRule("R0", 20, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"ensure","path":"./ptu:obs2","text":"R0"}`),
	}}

	var observed []Activation
	engine := newTestEngine(cat, &observed)
	doc := mustParseDoc(t, lotDoc)

	mutated, err := engine.ApplyAll(context.Background(), doc, "lot.xml", nil)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if !mutated {
		t.Errorf("ApplyAll() = false, want true")
	}
	want := []string{"R1", "R0", "R2"}
	if got := ruleIDs(observed); !reflect.DeepEqual(got, want) {
		t.Errorf("activation order = %v, want %v", got, want)
	}
}

func TestEngine_ContextsInDocumentOrder(t *testing.T) {
	cat := &memCatalog{rules: []types.Rule{
		testRule("R-ITEM", 10, "procedimentosExecutados",
			`{"op":"starts_with","path":"./ptu:cd_Servico","value":"31"}`,
			`{"type":"ensure","path":"./ptu:flag","text":"S"}`),
	}}

	var observed []Activation
	engine := newTestEngine(cat, &observed)
	doc := mustParseDoc(t, lotDoc)

	if _, err := engine.ApplyAll(context.Background(), doc, "lot.xml", nil); err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	var seqs []string
	for _, a := range observed {
		s, _ := xmltree.Text(xmltree.FindOne(a.Context, xmltree.MustCompilePath("./ptu:seq_item", testNS)))
		seqs = append(seqs, s)
	}
	if want := []string{"1", "3"}; !reflect.DeepEqual(seqs, want) {
		t.Errorf("contexts = %v, want %v", seqs, want)
	}
}

func TestEngine_SkipsDetachedContexts(t *testing.T) {
	// The first item removes the shared container; later items are detached.
	cat := &memCatalog{rules: []types.Rule{
		testRule("R-DROP", 10, "procedimentosExecutados",
			`{"op":"exists","path":"./ptu:seq_item"}`,
			`{"type":"remove","path":".."}`),
	}}

	var observed []Activation
	engine := newTestEngine(cat, &observed)
	doc := mustParseDoc(t, lotDoc)

	mutated, err := engine.ApplyAll(context.Background(), doc, "lot.xml", nil)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if !mutated {
		t.Errorf("ApplyAll() = false, want true")
	}
	if len(observed) != 1 {
		t.Errorf("activations = %d, want 1", len(observed))
	}
}

func TestEngine_RuleIsolation(t *testing.T) {
	cat := &memCatalog{
		rules: []types.Rule{
			testRule("R1-MISSING-LIST", 10, "",
				`{"op":"in_list","path":"./ptu:nr_GuiaPrestador","list":"absent"}`,
				`{"type":"set_text","path":"./ptu:nr_GuiaPrestador","text":"x"}`),
			testRule("R2-BAD-PATH", 20, "",
				`{"op":"exists","path":"./ptu:a[["}`,
				`{"type":"remove","path":"./ptu:a"}`),
			testRule("R3-PANIC", 30, "",
				`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
				`{"type":"ensure","path":"./ptu:panic","text":"1"}`),
			testRule("R4-ACTION-ERROR", 40, "",
				`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
				`{"type":"ensure","path":"./ptu:nope/ptu:x","text":"1"}`),
			testRule("R5-OK", 50, "",
				`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
				`{"type":"set_text","path":"./ptu:nr_GuiaPrestador","text":"456"}`),
		},
	}

	var observed []Activation
	engine := newTestEngine(cat, &observed)
	doc := mustParseDoc(t, lotDoc)
	rec := RecorderFunc(func(a Activation) error {
		if a.Rule.ID == "R3-PANIC" {
			panic("recorder exploded")
		}
		return nil
	})

	mutated, err := engine.ApplyAll(context.Background(), doc, "lot.xml", rec)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v, want nil", err)
	}
	if !mutated {
		t.Errorf("ApplyAll() = false, want true")
	}
	if got := ruleIDs(observed); !reflect.DeepEqual(got, []string{"R5-OK"}) {
		t.Errorf("activations = %v, want [R5-OK]", got)
	}
	if got := textAt(t, doc.Root(), "./ptu:nr_GuiaPrestador"); got != "456" {
		t.Errorf("nr_GuiaPrestador = %q, want 456", got)
	}
}

func TestEngine_RecorderReceivesActivations(t *testing.T) {
	cat := &memCatalog{rules: []types.Rule{
		testRule("R-ITEM", 10, "procedimentosExecutados",
			`{"op":"equals","path":"./ptu:seq_item","value":"2"}`,
			`{"type":"set_text","path":"./ptu:cd_Servico","text":"40301011"}`),
		testRule("R-ALERT", 20, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"builtin","name":"alert","params":{"message":"guide {g}","data":{"g":"./ptu:nr_GuiaPrestador"}}}`),
	}}

	engine := newTestEngine(cat, nil)
	doc := mustParseDoc(t, lotDoc)
	var recorded []Activation
	rec := RecorderFunc(func(a Activation) error {
		recorded = append(recorded, a)
		return nil
	})

	if _, err := engine.ApplyAll(context.Background(), doc, "lot.xml", rec); err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("recorded = %d, want 2", len(recorded))
	}
	if recorded[0].Advisory || recorded[0].Source != "lot.xml" {
		t.Errorf("recorded[0] = %+v, want non-advisory from lot.xml", recorded[0])
	}
	if !recorded[1].Advisory {
		t.Errorf("recorded[1].Advisory = false, want true")
	}
	alerts := engine.Alerts()
	if len(alerts) != 1 || alerts[0].Message != "guide 123" {
		t.Errorf("Alerts() = %+v, want one alert \"guide 123\"", alerts)
	}
}

func TestEngine_AlertOnlyDoesNotMutate(t *testing.T) {
	cat := &memCatalog{rules: []types.Rule{
		testRule("R-ALERT", 10, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"builtin","name":"alert","params":{"message":"check"}}`),
	}}
	engine := newTestEngine(cat, nil)

	mutated, err := engine.ApplyAll(context.Background(), mustParseDoc(t, lotDoc), "lot.xml", nil)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if mutated {
		t.Errorf("ApplyAll() = true, want false for alert-only rules")
	}
}

func TestEngine_FatalErrors(t *testing.T) {
	okRule := testRule("R1", 10, "",
		`{"op":"in_list","path":"./ptu:nr_GuiaPrestador","list":"guides"}`,
		`{"type":"set_text","path":"./ptu:nr_GuiaPrestador","text":"x"}`)

	t.Run("list active fails", func(t *testing.T) {
		engine := newTestEngine(&memCatalog{ruleErr: fmt.Errorf("%w: disk gone", types.ErrCatalog)}, nil)
		_, err := engine.ApplyAll(context.Background(), mustParseDoc(t, lotDoc), "lot.xml", nil)
		if !errors.Is(err, types.ErrCatalog) {
			t.Errorf("ApplyAll() error = %v, want ErrCatalog", err)
		}
	})

	t.Run("code list lookup fails", func(t *testing.T) {
		engine := newTestEngine(&memCatalog{rules: []types.Rule{okRule}, listErr: types.ErrCatalog}, nil)
		_, err := engine.ApplyAll(context.Background(), mustParseDoc(t, lotDoc), "lot.xml", nil)
		if !errors.Is(err, types.ErrCatalog) {
			t.Errorf("ApplyAll() error = %v, want ErrCatalog", err)
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		engine := newTestEngine(&memCatalog{rules: []types.Rule{okRule}}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := engine.ApplyAll(ctx, mustParseDoc(t, lotDoc), "lot.xml", nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ApplyAll() error = %v, want context.Canceled", err)
		}
	})

	t.Run("recorder fatal", func(t *testing.T) {
		cat := &memCatalog{rules: []types.Rule{testRule("R1", 10, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"set_text","path":"./ptu:nr_GuiaPrestador","text":"x"}`)}}
		engine := newTestEngine(cat, nil)
		rec := RecorderFunc(func(Activation) error { return types.ErrIO })
		_, err := engine.ApplyAll(context.Background(), mustParseDoc(t, lotDoc), "lot.xml", rec)
		if !errors.Is(err, types.ErrIO) {
			t.Errorf("ApplyAll() error = %v, want ErrIO", err)
		}
	})
}

func TestEngine_SuccessLog(t *testing.T) {
	var buf bytes.Buffer
	cat := &memCatalog{rules: []types.Rule{func() types.Rule {
		r := testRule("R1", 10, "procedimentosExecutados",
			`{"op":"equals","path":"./ptu:seq_item","value":"1"}`,
			`{"type":"set_text","path":"./ptu:cd_Servico","text":"31005005"}`)
		r.SuccessLog = "{rule_id} fixed {context} in {source}"
		return r
	}()}}
	engine := NewEngine(cat, Options{
		Namespaces: testNS,
		Prefix:     "ptu",
		Logger:     slog.New(slog.NewTextHandler(&buf, nil)),
	})

	if _, err := engine.ApplyAll(context.Background(), mustParseDoc(t, lotDoc), "lot.xml", nil); err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if !strings.Contains(buf.String(), `success_log="R1 fixed procedimentosExecutados in lot.xml"`) {
		t.Errorf("log = %q, want rendered success log", buf.String())
	}
}

func TestEngine_ResetState(t *testing.T) {
	cat := &memCatalog{rules: []types.Rule{
		testRule("R-ALERT", 10, "",
			`{"op":"exists","path":"./ptu:nr_GuiaPrestador"}`,
			`{"type":"builtin","name":"alert","params":{"message":"check"}}`),
	}}
	engine := newTestEngine(cat, nil)
	doc := mustParseDoc(t, lotDoc)

	engine.ApplyAll(context.Background(), doc, "lot.xml", nil)
	if n := len(engine.Alerts()); n != 1 {
		t.Fatalf("len(Alerts()) = %d, want 1", n)
	}
	engine.ResetState()
	if n := len(engine.Alerts()); n != 0 {
		t.Errorf("len(Alerts()) after ResetState = %d, want 0", n)
	}
}

// Property-based test: a second ApplyAll over its own output reports no
// mutation and leaves the serialized document unchanged.
func TestEngine_PropertyIdempotent(t *testing.T) {
	cat := &memCatalog{rules: []types.Rule{
		testRule("R-DATES", 10, "",
			`{"op":"exists","path":".//ptu:dt_Internacao"}`,
			`{"type":"builtin","name":"normalize_boundary_date"}`),
		testRule("R-ORDER", 20, "",
			`{"op":"exists","path":"./ptu:itens"}`,
			`{"type":"reorder","parent":"./ptu:itens","order":["a","b","c"]}`),
		testRule("R-TOTAL", 30, "",
			`{"op":"not_exists","path":"./ptu:itens/ptu:total"}`,
			`{"type":"ensure","path":"./ptu:itens/ptu:total","text":"0","insert_after":"./ptu:itens/ptu:a"}`),
		testRule("R-OBS", 40, "",
			`{"op":"exists","path":"./ptu:obs"}`,
			`{"type":"remove","path":"./ptu:obs"}`),
		testRule("R-A", 50, "a",
			`{"op":"not_equals","path":".","value":"A"}`,
			`{"type":"set_text","path":".","text":"A"}`),
		testRule("R-TEAM", 60, "",
			`{"op":"exists","path":"./ptu:equipe"}`,
			rotationAction),
	}}

	names := []string{"a", "b", "c", "z"}
	build := func(day int, items []int, obs bool) string {
		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
		sb.WriteString(`<ptu:guiaInternacao xmlns:ptu="` + ptuURI + `">` + "\n")
		fmt.Fprintf(&sb, "  <ptu:dt_Internacao>2024-03-%02d</ptu:dt_Internacao>\n", day)
		sb.WriteString("  <ptu:cd_Beneficiario>B1</ptu:cd_Beneficiario>\n")
		sb.WriteString("  <ptu:equipe><ptu:cd_CPF>000</ptu:cd_CPF><ptu:nr_Conselho>X</ptu:nr_Conselho></ptu:equipe>\n")
		sb.WriteString("  <ptu:itens>\n")
		for i, n := range items {
			fmt.Fprintf(&sb, "    <ptu:%s>%d</ptu:%s>\n", names[n], i, names[n])
		}
		sb.WriteString("  </ptu:itens>\n")
		if obs {
			sb.WriteString("  <ptu:obs>x</ptu:obs>\n")
		}
		sb.WriteString("</ptu:guiaInternacao>\n")
		return sb.String()
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("second pass is a no-op", prop.ForAll(
		func(day int, items []int, obs bool) bool {
			engine := newTestEngine(cat, nil)
			doc, err := xmltree.Parse([]byte(build(day, items, obs)))
			if err != nil {
				return false
			}
			if _, err := engine.ApplyAll(context.Background(), doc, "p.xml", nil); err != nil {
				return false
			}
			first, err := doc.Serialize("")
			if err != nil {
				return false
			}
			again, err := engine.ApplyAll(context.Background(), doc, "p.xml", nil)
			if err != nil || again {
				return false
			}
			second, err := doc.Serialize("")
			return err == nil && bytes.Equal(first, second)
		},
		gen.IntRange(1, 31),
		gen.SliceOfN(5, gen.IntRange(0, len(names)-1)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
