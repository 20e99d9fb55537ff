// internal/catalog/rulefile.go
package catalog

/*
 * Rule source files.
 *
 * Operators maintain rules as a YAML (or JSON, which is valid YAML) file:
 *
 *   rules:
 *     - id: R-010
 *       category: ITEM_REJECTION
 *       priority: 10
 *       context_tag: procedimentosExecutados
 *       condition: {op: in_list, path: ./ptu:procedimentos/ptu:cd_Servico, list: pacotes}
 *       action: {type: set_text, path: ./ptu:cd_Pacote, text: "00"}
 *   lists:
 *     - list_id: pacotes
 *       values: ["10101012", {code: "10101020", attributes: {porte: "2"}}]
 *
 * Import reconciles the store with a file: missing rules are created,
 * changed rules are updated, identical rules are left alone. Rules present in
 * the store but absent from the file are not touched.
 */

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solatis/ptufix/internal/types"
)

// Defaults for fields a rule file may omit.
const (
	DefaultPriority = 100
)

// RuleFile is a parsed rule source file.
type RuleFile struct {
	Path  string
	Rules []types.Rule
	Lists []types.CodeList
}

type fileDoc struct {
	Rules []fileRule `yaml:"rules"`
	Lists []fileList `yaml:"lists"`
}

type fileRule struct {
	ID          string    `yaml:"id"`
	Code        string    `yaml:"code"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Group       string    `yaml:"group"`
	Category    string    `yaml:"category"`
	Active      *bool     `yaml:"active"`
	Priority    *int      `yaml:"priority"`
	Condition   yaml.Node `yaml:"condition"`
	Action      yaml.Node `yaml:"action"`
	ContextTag  string    `yaml:"context_tag"`
	SuccessLog  string    `yaml:"success_log"`
	ImpactBand  string    `yaml:"impact_band"`
	Accountable *bool     `yaml:"accountable"`
}

type fileList struct {
	ListID      string    `yaml:"list_id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Values      yaml.Node `yaml:"values"`
}

// LoadRuleFile reads and parses a rule source file.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	rf, err := ParseRuleFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rf.Path = path
	return rf, nil
}

// ParseRuleFile parses rule file content. Errors wrap types.ErrInvalidRule.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRule, err)
	}

	rf := &RuleFile{}
	seen := make(map[string]bool, len(doc.Rules))
	for i, fr := range doc.Rules {
		r, err := fr.toRule()
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", types.ErrInvalidRule, i, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %s", types.ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rf.Rules = append(rf.Rules, r)
	}

	for i, fl := range doc.Lists {
		if fl.ListID == "" {
			return nil, fmt.Errorf("%w: list %d: list_id is required", types.ErrInvalidRule, i)
		}
		raw, err := nodeJSON(&fl.Values)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", types.ErrInvalidRule, fl.ListID, err)
		}
		var entries []types.CodeEntry
		if raw != nil {
			if err := json.Unmarshal(raw, &entries); err != nil {
				return nil, fmt.Errorf("%w: list %s: values: %v", types.ErrInvalidRule, fl.ListID, err)
			}
		}
		rf.Lists = append(rf.Lists, types.CodeList{
			ListID:      fl.ListID,
			Name:        fl.Name,
			Description: fl.Description,
			Entries:     entries,
		})
	}
	return rf, nil
}

func (fr *fileRule) toRule() (types.Rule, error) {
	cond, err := nodeJSON(&fr.Condition)
	if err != nil {
		return types.Rule{}, fmt.Errorf("condition: %v", err)
	}
	action, err := nodeJSON(&fr.Action)
	if err != nil {
		return types.Rule{}, fmt.Errorf("action: %v", err)
	}
	r := types.Rule{
		ID:          fr.ID,
		Code:        fr.Code,
		Name:        fr.Name,
		Description: fr.Description,
		Group:       fr.Group,
		Category:    types.Category(fr.Category),
		Active:      true,
		Priority:    DefaultPriority,
		Condition:   cond,
		Action:      action,
		ContextTag:  fr.ContextTag,
		SuccessLog:  fr.SuccessLog,
		ImpactBand:  types.ImpactBand(fr.ImpactBand),
		Accountable: true,
	}
	if fr.Active != nil {
		r.Active = *fr.Active
	}
	if fr.Priority != nil {
		r.Priority = *fr.Priority
	}
	if fr.Accountable != nil {
		r.Accountable = *fr.Accountable
	}
	return r, nil
}

// nodeJSON converts a YAML subtree to compact JSON. An absent node yields nil.
func nodeJSON(n *yaml.Node) (json.RawMessage, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadCodeValues reads the values of one code list. The file is either a
// YAML/JSON sequence of codes and {code, attributes} entries, or plain text
// with one code per line where blank lines and # comments are skipped.
func LoadCodeValues(path string) ([]types.CodeEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read code list: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Content) == 1 && doc.Content[0].Kind == yaml.SequenceNode {
		raw, err := nodeJSON(doc.Content[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidRule, path, err)
		}
		var entries []types.CodeEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidRule, path, err)
		}
		return entries, nil
	}

	var entries []types.CodeEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		code := strings.TrimSpace(string(line))
		if code == "" || strings.HasPrefix(code, "#") {
			continue
		}
		entries = append(entries, types.CodeEntry{Code: code})
	}
	return entries, nil
}

// ImportResult lists what Import changed, by rule id.
type ImportResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Lists     int      `json:"lists"`
}

// Import reconciles the store with rf. Lists are stored first so rules that
// reference them compile against current data. Stops at the first failure.
func (s *Store) Import(ctx context.Context, rf *RuleFile, actor string) (*ImportResult, error) {
	res := &ImportResult{}
	for _, l := range rf.Lists {
		if err := s.UpsertList(ctx, l, actor); err != nil {
			return res, err
		}
		res.Lists++
	}

	reason := "import"
	if rf.Path != "" {
		reason = "import " + rf.Path
	}

	for _, r := range rf.Rules {
		current, err := s.Get(ctx, r.ID)
		if err != nil {
			return res, err
		}
		if current == nil {
			if _, err := s.Create(ctx, r, actor); err != nil {
				return res, err
			}
			res.Created = append(res.Created, r.ID)
			continue
		}
		if sameContent(*current, r) {
			res.Unchanged = append(res.Unchanged, r.ID)
			continue
		}
		if _, err := s.Update(ctx, r.ID, fullUpdate(r), actor, reason); err != nil {
			return res, err
		}
		res.Updated = append(res.Updated, r.ID)
	}

	s.logger.Info("rules imported",
		"source", rf.Path,
		"created", len(res.Created),
		"updated", len(res.Updated),
		"unchanged", len(res.Unchanged),
		"lists", res.Lists)
	return res, nil
}

// sameContent compares the operator-editable fields of two rules.
func sameContent(a, b types.Rule) bool {
	return a.Code == b.Code &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.Group == b.Group &&
		a.Category == b.Category &&
		a.Active == b.Active &&
		a.Priority == b.Priority &&
		a.ContextTag == b.ContextTag &&
		a.SuccessLog == b.SuccessLog &&
		a.ImpactBand == b.ImpactBand &&
		a.Accountable == b.Accountable &&
		bytes.Equal([]byte(compactJSON(a.Condition)), []byte(compactJSON(b.Condition))) &&
		bytes.Equal([]byte(compactJSON(a.Action)), []byte(compactJSON(b.Action)))
}

func fullUpdate(r types.Rule) types.RuleUpdate {
	return types.RuleUpdate{
		Code:        &r.Code,
		Name:        &r.Name,
		Description: &r.Description,
		Group:       &r.Group,
		Category:    &r.Category,
		Active:      &r.Active,
		Priority:    &r.Priority,
		Condition:   r.Condition,
		Action:      r.Action,
		ContextTag:  &r.ContextTag,
		SuccessLog:  &r.SuccessLog,
		ImpactBand:  &r.ImpactBand,
		Accountable: &r.Accountable,
	}
}
