// internal/rules/compile.go
package rules

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Rule compilation and validation.
 *
 * Compiles types.Rule to CompiledRule: the JSON condition and action are
 * decoded into expression trees and every path is compiled once against the
 * engine's namespace binding.
 *
 * Compilation workflow:
 *   1. Validate structural fields (id, category, impact band)
 *   2. Decode the condition tree (depth limit, per-operator required fields)
 *   3. Decode the action tree (built-ins resolve their defaults here)
 *   4. Compile the context path from context_tag (".//prefix:tag"), or none
 *      when the root is the only context
 *
 * Compile-time validation moves malformed paths and unknown operators to rule
 * creation time: the catalog rejects them on write and the engine skips any
 * that slip through without touching the document.
 */

// CompiledRule is a rule ready for evaluation.
type CompiledRule struct {
	Rule      types.Rule
	Contexts  *xmltree.Path // nil: the document root is the only context
	Condition Condition
	Action    Action
}

// CompileOptions bind paths and built-in defaults.
type CompileOptions struct {
	Namespaces xmltree.Namespaces
	// Prefix is the namespace prefix used to build context paths from context_tag.
	Prefix             string
	BoundaryDateFields []string
}

// Compile validates and pre-processes a rule for evaluation.
// Returns an error wrapping types.ErrInvalidRule.
func Compile(rule types.Rule, opts CompileOptions) (*CompiledRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	cond, err := DecodeCondition(rule.Condition, opts.Namespaces)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	act, err := DecodeAction(rule.Action, ActionOptions{
		Namespaces:         opts.Namespaces,
		BoundaryDateFields: opts.BoundaryDateFields,
	})
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	compiled := &CompiledRule{Rule: rule, Condition: cond, Action: act}
	if rule.ContextTag != "" {
		expr := ".//" + rule.ContextTag
		if opts.Prefix != "" {
			expr = ".//" + opts.Prefix + ":" + rule.ContextTag
		}
		compiled.Contexts, err = xmltree.CompilePath(expr, opts.Namespaces)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: context_tag: %w", types.ErrInvalidRule, rule.ID, err)
		}
	}
	return compiled, nil
}

// ruleCache memoizes compilation by id and version. The raw condition and
// action bytes are compared as well, so a rule edited outside the catalog
// without a version bump is still recompiled.
type ruleCache struct {
	mu      sync.Mutex
	opts    CompileOptions
	entries map[string]cacheEntry
}

type cacheEntry struct {
	version  int
	src      source
	compiled *CompiledRule
	err      error
}

func newRuleCache(opts CompileOptions) *ruleCache {
	return &ruleCache{opts: opts, entries: make(map[string]cacheEntry)}
}

func (c *ruleCache) get(rule types.Rule) (*CompiledRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[rule.ID]; ok && e.version == rule.Version && sameSource(e, rule) {
		if e.compiled != nil {
			// Refresh non-compiled fields (active, priority, category) from the snapshot.
			refreshed := *e.compiled
			refreshed.Rule = rule
			return &refreshed, nil
		}
		return nil, e.err
	}
	compiled, err := Compile(rule, c.opts)
	c.entries[rule.ID] = cacheEntry{
		version:  rule.Version,
		src:      source{condition: rule.Condition, action: rule.Action, contextTag: rule.ContextTag},
		compiled: compiled,
		err:      err,
	}
	return compiled, err
}

func (c *ruleCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

type source struct {
	condition, action []byte
	contextTag        string
}

func sameSource(e cacheEntry, r types.Rule) bool {
	return bytes.Equal(e.src.condition, r.Condition) &&
		bytes.Equal(e.src.action, r.Action) &&
		e.src.contextTag == r.ContextTag
}
