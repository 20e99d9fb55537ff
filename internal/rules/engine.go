// internal/rules/engine.go
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Rule engine.
 *
 * ApplyAll runs every active rule against one document:
 *
 *   for rule in catalog.ListActive()            (priority, id) order
 *     compile (cached by id@version)            failure: log, skip rule
 *     contexts = FindAll(root, .//prefix:tag)   or [root]
 *     for context in contexts                   document order
 *       skip if detached by an earlier mutation
 *       Evaluate(context, condition)
 *       Apply(context, action)
 *       on activation: recorder.Record, observer, success log
 *
 * Any error or panic inside a rule aborts that rule only and is logged with
 * rule_id. ApplyAll returns an error for catalog failures (types.ErrCatalog),
 * fatal recorder failures and context cancellation; every other failure is
 * absorbed here.
 *
 * The engine holds no per-document state. Built-in state (rotation counters,
 * alert buffer) lives in the Executor for the engine's lifetime; ResetState
 * clears it.
 */

// Catalog is the engine's view of the rule catalog store.
type Catalog interface {
	ListActive(ctx context.Context) ([]types.Rule, error)
	// CodeSet returns nil, nil when the list does not exist.
	CodeSet(ctx context.Context, listID string) (*types.CodeSet, error)
}

// Activation is one rule that acted on one context.
type Activation struct {
	Rule     types.Rule
	Context  *xmltree.Element
	Source   string
	Advisory bool // alert only, the tree was not changed
}

// Recorder receives activations in order. The glosa ledger implements it.
type Recorder interface {
	Record(a Activation) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(a Activation) error

// Record calls f.
func (f RecorderFunc) Record(a Activation) error { return f(a) }

// Options configures an Engine.
type Options struct {
	Namespaces         xmltree.Namespaces
	Prefix             string
	RotationScope      RotationScope
	BoundaryDateFields []string
	Logger             *slog.Logger
	// Observer, when set, sees every activation after it is recorded.
	Observer func(Activation)
}

// Engine applies catalog rules to documents. Safe for concurrent use on
// distinct documents.
type Engine struct {
	catalog  Catalog
	exec     *Executor
	cache    *ruleCache
	logger   *slog.Logger
	observer func(Activation)
}

// NewEngine creates an engine reading rules from catalog.
func NewEngine(catalog Catalog, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog: catalog,
		exec:    NewExecutor(opts.RotationScope),
		cache: newRuleCache(CompileOptions{
			Namespaces:         opts.Namespaces,
			Prefix:             opts.Prefix,
			BoundaryDateFields: opts.BoundaryDateFields,
		}),
		logger:   logger.With("component", "engine"),
		observer: opts.Observer,
	}
}

// ResetState clears built-in state and the compile cache.
func (e *Engine) ResetState() {
	e.logger.Debug("engine state reset",
		"rotation_counters", e.exec.state.rotationCounters(),
		"alerts", len(e.exec.Alerts()))
	e.exec.Reset()
	e.cache.reset()
}

// Alerts returns the alerts recorded since the last reset.
func (e *Engine) Alerts() []AlertRecord { return e.exec.Alerts() }

// ApplyAll applies every active rule to doc and reports whether the tree changed.
// rec may be nil.
func (e *Engine) ApplyAll(ctx context.Context, doc *xmltree.Document, source string, rec Recorder) (bool, error) {
	rules, err := e.catalog.ListActive(ctx)
	if err != nil {
		return false, fmt.Errorf("list active rules: %w", err)
	}

	root := doc.Root()
	mutated := false
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return mutated, err
		}
		if !rule.Active {
			continue
		}

		compiled, err := e.cache.get(rule)
		if err != nil {
			e.logger.Warn("rule skipped", "rule_id", rule.ID, "error", err)
			continue
		}

		changed, err := e.applyRule(ctx, compiled, root, source, rec)
		mutated = mutated || changed
		if err == nil {
			continue
		}
		if isEngineFatal(err) {
			return mutated, err
		}
		e.logger.Warn("rule failed", "rule_id", rule.ID, "source", source, "error", err)
	}
	return mutated, nil
}

// isEngineFatal reports errors that must stop the whole document.
func isEngineFatal(err error) bool {
	return types.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// applyRule runs one rule over its contexts. changed reports tree mutations
// made before any error.
func (e *Engine) applyRule(ctx context.Context, r *CompiledRule, root *xmltree.Element, source string, rec Recorder) (changed bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", types.ErrAction, p)
		}
	}()

	contexts := []*xmltree.Element{root}
	if r.Contexts != nil {
		contexts = xmltree.FindAll(root, r.Contexts)
	}

	lists := ListResolverFunc(func(listID string) (*types.CodeSet, error) {
		return e.catalog.CodeSet(ctx, listID)
	})
	inv := Invocation{RuleID: r.Rule.ID, Source: source, Done: ctx.Done()}

	for _, c := range contexts {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		if !attached(c, root) {
			continue
		}

		ok, err := Evaluate(c, r.Condition, lists)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}

		out, err := e.exec.Apply(c, r.Action, inv)
		changed = changed || out.Mutated
		if err != nil {
			return changed, err
		}
		if !out.Acted() {
			continue
		}

		a := Activation{Rule: r.Rule, Context: c, Source: source, Advisory: out.Advisory()}
		if rec != nil {
			if err := rec.Record(a); err != nil {
				return changed, fmt.Errorf("record activation: %w", err)
			}
		}
		if e.observer != nil {
			e.observer(a)
		}
		if r.Rule.SuccessLog != "" {
			e.logger.Info("rule applied",
				"rule_id", r.Rule.ID,
				"source", source,
				"success_log", renderSuccessLog(r.Rule.SuccessLog, r.Rule.ID, source, c))
		}
	}
	return changed, nil
}

// attached reports whether e is still inside the tree rooted at root.
func attached(e, root *xmltree.Element) bool {
	for cur := e; cur != nil; cur = cur.Parent() {
		if cur == root {
			return true
		}
	}
	return false
}

// renderSuccessLog expands {rule_id}, {source} and {context} in tmpl.
func renderSuccessLog(tmpl, ruleID, source string, c *xmltree.Element) string {
	_, local := xmltree.QName(c)
	return strings.NewReplacer(
		"{rule_id}", ruleID,
		"{source}", source,
		"{context}", local,
	).Replace(tmpl)
}
