// internal/catalog/rulefile_test.go
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/ptufix/internal/types"
)

const sampleRuleFile = `# operator-maintained rules
rules:
  - id: R-010
    name: Remove package code on internment
    category: ITEM_REJECTION
    priority: 10
    context_tag: procedimentosExecutados
    condition:
      op: in_list
      path: ./ptu:procedimentos/ptu:cd_Servico
      list: pacotes
    action: {type: set_text, path: ./ptu:cd_Pacote, text: "00"}
  - id: R-020
    category: OPTIMIZATION
    active: false
    accountable: false
    condition: {all: [{op: exists, path: ./ptu:nr_Lote}]}
    action: {type: remove, path: ./ptu:obs}
lists:
  - list_id: pacotes
    name: Pacotes
    values:
      - "10101012"
      - code: "10101020"
        attributes: {porte: "2"}
`

func TestParseRuleFile(t *testing.T) {
	rf, err := ParseRuleFile([]byte(sampleRuleFile))
	require.NoError(t, err)
	require.Len(t, rf.Rules, 2)

	r := rf.Rules[0]
	assert.Equal(t, "R-010", r.ID)
	assert.Equal(t, 10, r.Priority)
	assert.True(t, r.Active, "active defaults to true")
	assert.True(t, r.Accountable, "accountable defaults to true")
	assert.JSONEq(t, `{"op":"in_list","path":"./ptu:procedimentos/ptu:cd_Servico","list":"pacotes"}`, string(r.Condition))
	assert.JSONEq(t, `{"type":"set_text","path":"./ptu:cd_Pacote","text":"00"}`, string(r.Action))

	r = rf.Rules[1]
	assert.Equal(t, DefaultPriority, r.Priority)
	assert.False(t, r.Active)
	assert.False(t, r.Accountable)

	require.Len(t, rf.Lists, 1)
	assert.Equal(t, []string{"10101012", "10101020"}, rf.Lists[0].Codes())
	assert.Equal(t, "2", rf.Lists[0].Entries[1].Attributes["porte"])
}

func TestParseRuleFile_JSON(t *testing.T) {
	src := `{"rules": [{"id": "R1", "category": "VALIDATION", "priority": 1,
		"condition": {"op": "exists", "path": "./a"}, "action": {"type": "remove", "path": "./a"}}]}`
	rf, err := ParseRuleFile([]byte(src))
	require.NoError(t, err)
	require.Len(t, rf.Rules, 1)
	assert.Equal(t, types.CategoryValidation, rf.Rules[0].Category)
}

func TestParseRuleFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"not yaml", "rules: [unclosed"},
		{"missing id", "rules:\n  - category: VALIDATION\n    condition: {op: exists, path: ./a}\n    action: {type: remove, path: ./a}\n"},
		{"missing condition", "rules:\n  - id: R1\n    category: VALIDATION\n    action: {type: remove, path: ./a}\n"},
		{"bad category", "rules:\n  - id: R1\n    category: NOPE\n    condition: {op: exists, path: ./a}\n    action: {type: remove, path: ./a}\n"},
		{"duplicate id", "rules:\n" +
			"  - {id: R1, category: VALIDATION, condition: {op: exists, path: ./a}, action: {type: remove, path: ./a}}\n" +
			"  - {id: R1, category: VALIDATION, condition: {op: exists, path: ./a}, action: {type: remove, path: ./a}}\n"},
		{"list without id", "lists:\n  - values: [a]\n"},
		{"list values not a list", "lists:\n  - list_id: L\n    values: {a: b}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleFile([]byte(tt.src))
			assert.ErrorIs(t, err, types.ErrInvalidRule)
		})
	}
}

func TestImport_Reconciles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	rf, err := ParseRuleFile([]byte(sampleRuleFile))
	require.NoError(t, err)

	res, err := store.Import(ctx, rf, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"R-010", "R-020"}, res.Created)
	assert.Equal(t, 1, res.Lists)

	res, err = store.Import(ctx, rf, "alice")
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)
	assert.Equal(t, []string{"R-010", "R-020"}, res.Unchanged)

	rf.Rules[0].Priority = 1
	res, err = store.Import(ctx, rf, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"R-010"}, res.Updated)

	got, err := store.Get(ctx, "R-010")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 1, got.Priority)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R-010"}, ids(active))
}

func TestLoadCodeValues(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
		want    []types.CodeEntry
	}{
		{
			name:    "plain text",
			file:    "codes.txt",
			content: "# pacotes\n10101012\n\n  20202020  \n",
			want:    []types.CodeEntry{{Code: "10101012"}, {Code: "20202020"}},
		},
		{
			name:    "yaml sequence",
			file:    "codes.yaml",
			content: "- \"10101012\"\n- code: \"31009000\"\n  attributes: {porte: \"2\"}\n",
			want: []types.CodeEntry{
				{Code: "10101012"},
				{Code: "31009000", Attributes: map[string]string{"porte": "2"}},
			},
		},
		{
			name:    "json array",
			file:    "codes.json",
			content: `["A1", "B2"]`,
			want:    []types.CodeEntry{{Code: "A1"}, {Code: "B2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			got, err := LoadCodeValues(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
