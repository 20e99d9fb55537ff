// internal/rules/builtin.go
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/solatis/ptufix/internal/xmltree"
)

/*
 * Built-in actions.
 *
 * A closed set of transformations that need logic or state beyond the
 * declarative primitives:
 *
 *   normalize_boundary_date  rewrite day 31 to day 30 in whitelisted date fields
 *                            params: {"fields": [local-name...]} (default from engine config)
 *   rotating_replacement     assign one record of a static pool, chosen by a
 *                            per-engine counter keyed by the value at key_path
 *                            params: {"pool": [{field: value}...], "fields": {field: P},
 *                                     "key_path": P, "remove": [P...]}
 *   alert                    append a rendered message to the engine alert buffer
 *                            params: {"message": T, "data": {name: P}}
 *
 * State (rotation counters, alert buffer) lives in engineState, owned by one
 * Engine and guarded by its mutex so batch workers can share the engine.
 * Reset clears it between runs.
 */

// NormalizeBoundaryDate rewrites calendar day 31 to day 30 in the named fields.
type NormalizeBoundaryDate struct {
	Fields []string
	paths  []*xmltree.Path
}

// RotatingReplacement writes one pool record into the document.
type RotatingReplacement struct {
	Pool    []map[string]string
	Fields  map[string]*xmltree.Path
	KeyPath *xmltree.Path
	Remove  []*xmltree.Path

	fieldNames []string
}

// Alert records a message without touching the tree.
type Alert struct {
	Message string
	Data    map[string]*xmltree.Path

	dataNames []string
}

func (NormalizeBoundaryDate) isAction() {}
func (RotatingReplacement) isAction()   {}
func (Alert) isAction()                 {}

// AlertRecord is one entry of the engine alert buffer.
type AlertRecord struct {
	Source   string            `json:"source"`
	RuleID   string            `json:"rule_id"`
	Context  string            `json:"context"`
	Location string            `json:"location"`
	Message  string            `json:"message"`
	Values   map[string]string `json:"values,omitempty"`
}

func decodeBuiltin(name string, params json.RawMessage, opts ActionOptions) (Action, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	switch name {
	case "normalize_boundary_date":
		var p struct {
			Fields []string `json:"fields"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		fields := p.Fields
		if len(fields) == 0 {
			fields = opts.BoundaryDateFields
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("%s: no fields configured", name)
		}
		a := NormalizeBoundaryDate{Fields: fields}
		for _, f := range fields {
			path, err := xmltree.CompilePath(".//"+f, opts.Namespaces)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			a.paths = append(a.paths, path)
		}
		return a, nil

	case "rotating_replacement":
		var p struct {
			Pool    []map[string]string `json:"pool"`
			Fields  map[string]string   `json:"fields"`
			KeyPath string              `json:"key_path"`
			Remove  []string            `json:"remove"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(p.Pool) == 0 || len(p.Fields) == 0 {
			return nil, fmt.Errorf("%s: pool and fields are required", name)
		}
		fields, names, err := compilePathMap(name, p.Fields, opts.Namespaces)
		if err != nil {
			return nil, err
		}
		for i, rec := range p.Pool {
			for k := range rec {
				if _, ok := fields[k]; !ok {
					return nil, fmt.Errorf("%s: pool record %d: field %q has no path", name, i, k)
				}
			}
		}
		a := RotatingReplacement{Pool: p.Pool, Fields: fields, fieldNames: names}
		if p.KeyPath != "" {
			if a.KeyPath, err = xmltree.CompilePath(p.KeyPath, opts.Namespaces); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		for _, expr := range p.Remove {
			rp, err := xmltree.CompilePath(expr, opts.Namespaces)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			a.Remove = append(a.Remove, rp)
		}
		return a, nil

	case "alert":
		var p struct {
			Message string            `json:"message"`
			Data    map[string]string `json:"data"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("%s: message is required", name)
		}
		data, names, err := compilePathMap(name, p.Data, opts.Namespaces)
		if err != nil {
			return nil, err
		}
		return Alert{Message: p.Message, Data: data, dataNames: names}, nil

	case "":
		return nil, fmt.Errorf("builtin: name is required")
	default:
		return nil, fmt.Errorf("unknown builtin %q", name)
	}
}

var (
	// YYYY-MM-31 or YYYY/MM/31 with an optional non-digit suffix (time part).
	dashedDay31 = regexp.MustCompile(`^(\d{4}[-/](?:0[1-9]|1[0-2])[-/])31((?:[^0-9].*)?)$`)
	// YYYYMM31 with an optional HHMMSS and an optional non-digit suffix.
	compactDay31 = regexp.MustCompile(`^(\d{4}(?:0[1-9]|1[0-2]))31((?:\d{6})?(?:[^0-9].*)?)$`)
)

// normalizeDay31 returns s with day 31 replaced by day 30, and whether it changed.
func normalizeDay31(s string) (string, bool) {
	for _, re := range []*regexp.Regexp{dashedDay31, compactDay31} {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1] + "30" + m[2], true
		}
	}
	return s, false
}

func (a NormalizeBoundaryDate) apply(ctx *xmltree.Element) bool {
	mutated := false
	for _, p := range a.paths {
		for _, el := range xmltree.FindAll(ctx, p) {
			text, ok := xmltree.Text(el)
			if !ok {
				continue
			}
			if fixed, changed := normalizeDay31(text); changed {
				mutated = xmltree.SetText(el, fixed) || mutated
			}
		}
	}
	return mutated
}

// holdsPoolRecord reports whether every field of some pool record already has
// the record's value in the document.
func (a RotatingReplacement) holdsPoolRecord(ctx *xmltree.Element) bool {
	for _, rec := range a.Pool {
		match := len(rec) > 0
		for field, want := range rec {
			got, _ := xmltree.Text(xmltree.FindOne(ctx, a.Fields[field]))
			if got != want {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (a RotatingReplacement) apply(ctx *xmltree.Element, key string, st *engineState, done <-chan struct{}) bool {
	if a.holdsPoolRecord(ctx) {
		return false
	}
	n, ok := st.nextRotation(key, done)
	if !ok {
		return false
	}
	rec := a.Pool[n%uint64(len(a.Pool))]

	mutated := false
	for _, rp := range a.Remove {
		for _, el := range xmltree.FindAll(ctx, rp) {
			mutated = xmltree.Remove(el) || mutated
		}
	}
	for _, field := range a.fieldNames {
		value, ok := rec[field]
		if !ok {
			continue
		}
		mutated = xmltree.SetText(xmltree.FindOne(ctx, a.Fields[field]), value) || mutated
	}
	return mutated
}

// rotationKey extracts the counter key for ctx. An empty key selects the
// shared fallback bucket.
func (a RotatingReplacement) rotationKey(ctx *xmltree.Element) string {
	if a.KeyPath == nil {
		return ""
	}
	k, _ := xmltree.Text(xmltree.FindOne(ctx, a.KeyPath))
	return k
}

func (a Alert) render(ctx *xmltree.Element) (string, map[string]string) {
	if len(a.dataNames) == 0 {
		return a.Message, nil
	}
	values := make(map[string]string, len(a.dataNames))
	pairs := make([]string, 0, 2*len(a.dataNames))
	for _, name := range a.dataNames {
		v, _ := xmltree.Text(xmltree.FindOne(ctx, a.Data[name]))
		values[name] = v
		pairs = append(pairs, "{"+name+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(a.Message), values
}

// engineState is the process-lifetime state of built-in actions.
type engineState struct {
	mu        sync.Mutex
	counters  map[string]uint64
	alerts    []AlertRecord
	alertSeen map[string]struct{}
}

func newEngineState() *engineState {
	return &engineState{
		counters:  make(map[string]uint64),
		alertSeen: make(map[string]struct{}),
	}
}

// nextRotation advances the counter for key. ok is false, and the counter
// untouched, once done is closed.
func (s *engineState) nextRotation(key string, done <-chan struct{}) (n uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if closed(done) {
		return 0, false
	}
	n = s.counters[key]
	s.counters[key] = n + 1
	return n, true
}

// addAlert appends rec unless an identical alert was already recorded for
// the same source, rule and context element, or done is closed.
func (s *engineState) addAlert(rec AlertRecord, done <-chan struct{}) bool {
	key := rec.Source + "\x00" + rec.RuleID + "\x00" + rec.Location + "\x00" + rec.Message
	s.mu.Lock()
	defer s.mu.Unlock()
	if closed(done) {
		return false
	}
	if _, dup := s.alertSeen[key]; dup {
		return false
	}
	s.alertSeen[key] = struct{}{}
	s.alerts = append(s.alerts, rec)
	return true
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (s *engineState) snapshotAlerts() []AlertRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AlertRecord, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func (s *engineState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]uint64)
	s.alerts = nil
	s.alertSeen = make(map[string]struct{})
}

// rotationCounters returns a sorted copy of counter keys and values. Diagnostics only.
func (s *engineState) rotationCounters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.counters))
	for k, v := range s.counters {
		out = append(out, fmt.Sprintf("%q=%d", k, v))
	}
	sort.Strings(out)
	return out
}
