// internal/ruleconfig/rulefile.go
package ruleconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solatis/ptufix/internal/types"
)

// sourceFile is a rule file held as a YAML node tree so edits keep the
// operator's comments, key order and formatting of untouched rules.
type sourceFile struct {
	path string
	mode os.FileMode
	doc  yaml.Node
}

// ruleHeader is the part of a rule entry the manager reads.
type ruleHeader struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Active   *bool  `yaml:"active"`
}

func (h ruleHeader) active() bool {
	return h.Active == nil || *h.Active
}

func readSource(path string) (*sourceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rule file: %w", err)
	}
	sf := &sourceFile{path: path, mode: info.Mode().Perm()}
	if err := yaml.Unmarshal(data, &sf.doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidRule, path, err)
	}
	return sf, nil
}

// ruleNodes returns the mapping node of every entry under the top-level
// rules key, in file order.
func (sf *sourceFile) ruleNodes() ([]*yaml.Node, error) {
	if len(sf.doc.Content) == 0 {
		return nil, nil
	}
	root := sf.doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s: top level is not a mapping", types.ErrInvalidRule, sf.path)
	}
	seq := mappingValue(root, "rules")
	if seq == nil {
		return nil, nil
	}
	if seq.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: %s: rules is not a list", types.ErrInvalidRule, sf.path)
	}
	out := make([]*yaml.Node, 0, len(seq.Content))
	for _, n := range seq.Content {
		if n.Kind == yaml.MappingNode {
			out = append(out, n)
		}
	}
	return out, nil
}

func (sf *sourceFile) headers() ([]ruleHeader, error) {
	nodes, err := sf.ruleNodes()
	if err != nil {
		return nil, err
	}
	out := make([]ruleHeader, 0, len(nodes))
	for _, n := range nodes {
		var h ruleHeader
		if err := n.Decode(&h); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidRule, sf.path, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// find returns the node and header of ruleID, or types.ErrRuleNotFound.
func (sf *sourceFile) find(ruleID string) (*yaml.Node, ruleHeader, error) {
	nodes, err := sf.ruleNodes()
	if err != nil {
		return nil, ruleHeader{}, err
	}
	for _, n := range nodes {
		var h ruleHeader
		if err := n.Decode(&h); err != nil {
			return nil, ruleHeader{}, fmt.Errorf("%w: %s: %v", types.ErrInvalidRule, sf.path, err)
		}
		if h.ID == ruleID {
			return n, h, nil
		}
	}
	return nil, ruleHeader{}, fmt.Errorf("%w: %s in %s", types.ErrRuleNotFound, ruleID, sf.path)
}

// setActive rewrites or appends the active key of a rule mapping.
func setActive(rule *yaml.Node, active bool) {
	value := "false"
	if active {
		value = "true"
	}
	if v := mappingValue(rule, "active"); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!bool"
		v.Value = value
		v.Style = 0
		v.Content = nil
		return
	}
	rule.Content = append(rule.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "active"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: value},
	)
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// encode renders the tree in the file's own format: JSON files stay JSON.
func (sf *sourceFile) encode() ([]byte, error) {
	if strings.EqualFold(filepath.Ext(sf.path), ".json") {
		var v any
		if err := sf.doc.Decode(&v); err != nil {
			return nil, fmt.Errorf("encode %s: %w", sf.path, err)
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", sf.path, err)
		}
		return append(data, '\n'), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&sf.doc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", sf.path, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", sf.path, err)
	}
	return buf.Bytes(), nil
}

// writeAtomic replaces path with data through a temp file in the same
// directory and a rename.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", types.ErrIO, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: sync %s: %v", types.ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close %s: %v", types.ErrIO, path, err)
	}
	if mode != 0 {
		if err := os.Chmod(tmpPath, mode); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("%w: chmod %s: %v", types.ErrIO, path, err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename %s: %v", types.ErrIO, path, err)
	}
	return nil
}
