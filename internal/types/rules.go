// internal/types/rules.go
package types

/*
 * Domain types for the rule catalog.
 *
 * Rule carries the declarative condition and action as raw JSON; internal/rules
 * compiles them into expression trees. Keeping the raw form here lets the
 * catalog store and the rule source files round-trip rules without depending
 * on the interpreter.
 *
 * Key types:
 *   - Rule: persisted declarative correction with audit fields
 *   - RuleUpdate: partial update applied by the catalog store
 *   - CodeList: named set of codes referenced by list predicates
 *   - HistoryEntry: pre-image written on every catalog write
 */

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category drives how the glosa tracker accounts for a rule activation.
type Category string

const (
	CategoryWholeDocRejection Category = "WHOLE_DOC_REJECTION"
	CategoryItemRejection     Category = "ITEM_REJECTION"
	CategoryValidation        Category = "VALIDATION"
	CategoryOptimization      Category = "OPTIMIZATION"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryWholeDocRejection, CategoryItemRejection, CategoryValidation, CategoryOptimization:
		return true
	}
	return false
}

// ImpactBand is advisory only.
type ImpactBand string

const (
	ImpactLow    ImpactBand = "LOW"
	ImpactMedium ImpactBand = "MEDIUM"
	ImpactHigh   ImpactBand = "HIGH"
)

// Valid reports whether b is a known band. The empty band is accepted.
func (b ImpactBand) Valid() bool {
	switch b {
	case "", ImpactLow, ImpactMedium, ImpactHigh:
		return true
	}
	return false
}

// Rule is the unit of declarative correction.
type Rule struct {
	ID          string          `json:"id" yaml:"id" db:"id"`
	Code        string          `json:"code,omitempty" yaml:"code,omitempty" db:"code"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty" db:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty" db:"description"`
	Group       string          `json:"group,omitempty" yaml:"group,omitempty" db:"rule_group"`
	Category    Category        `json:"category" yaml:"category" db:"category"`
	Active      bool            `json:"active" yaml:"active" db:"active"`
	Priority    int             `json:"priority" yaml:"priority" db:"priority"`
	Condition   json.RawMessage `json:"condition" yaml:"-" db:"condition_json"`
	Action      json.RawMessage `json:"action" yaml:"-" db:"action_json"`
	ContextTag  string          `json:"context_tag,omitempty" yaml:"context_tag,omitempty" db:"context_tag"`
	SuccessLog  string          `json:"success_log,omitempty" yaml:"success_log,omitempty" db:"success_log"`
	ImpactBand  ImpactBand      `json:"impact_band,omitempty" yaml:"impact_band,omitempty" db:"impact_band"`
	Accountable bool            `json:"accountable" yaml:"accountable" db:"accountable"`
	Version     int             `json:"version" yaml:"-" db:"version"`
	CreatedBy   string          `json:"created_by,omitempty" yaml:"-" db:"created_by"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-" db:"-"`
	UpdatedBy   string          `json:"updated_by,omitempty" yaml:"-" db:"updated_by"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"-" db:"-"`
}

// Validate checks the structural invariants a catalog write must hold.
// Condition and action well-formedness is checked by rules.Compile.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: rule %s: unknown category %q", ErrInvalidRule, r.ID, r.Category)
	}
	if !r.ImpactBand.Valid() {
		return fmt.Errorf("%w: rule %s: unknown impact band %q", ErrInvalidRule, r.ID, r.ImpactBand)
	}
	if len(r.Condition) == 0 {
		return fmt.Errorf("%w: rule %s: condition is required", ErrInvalidRule, r.ID)
	}
	if len(r.Action) == 0 {
		return fmt.Errorf("%w: rule %s: action is required", ErrInvalidRule, r.ID)
	}
	return nil
}

// Financial reports whether activations of r may carry monetary value.
func (r *Rule) Financial() bool {
	if !r.Accountable {
		return false
	}
	return r.Category == CategoryWholeDocRejection || r.Category == CategoryItemRejection
}

// RuleUpdate holds the fields changed by a catalog update. Nil fields are kept.
type RuleUpdate struct {
	Code        *string
	Name        *string
	Description *string
	Group       *string
	Category    *Category
	Active      *bool
	Priority    *int
	Condition   json.RawMessage
	Action      json.RawMessage
	ContextTag  *string
	SuccessLog  *string
	ImpactBand  *ImpactBand
	Accountable *bool
}

// Apply copies the set fields of u onto r.
func (u RuleUpdate) Apply(r *Rule) {
	if u.Code != nil {
		r.Code = *u.Code
	}
	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.Group != nil {
		r.Group = *u.Group
	}
	if u.Category != nil {
		r.Category = *u.Category
	}
	if u.Active != nil {
		r.Active = *u.Active
	}
	if u.Priority != nil {
		r.Priority = *u.Priority
	}
	if len(u.Condition) > 0 {
		r.Condition = u.Condition
	}
	if len(u.Action) > 0 {
		r.Action = u.Action
	}
	if u.ContextTag != nil {
		r.ContextTag = *u.ContextTag
	}
	if u.SuccessLog != nil {
		r.SuccessLog = *u.SuccessLog
	}
	if u.ImpactBand != nil {
		r.ImpactBand = *u.ImpactBand
	}
	if u.Accountable != nil {
		r.Accountable = *u.Accountable
	}
}

// ChangeType tags a history entry.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// HistoryEntry is the pre-image of a rule written before each catalog write.
// For CREATE entries the image is the created record.
type HistoryEntry struct {
	ID         string          `json:"id" db:"id"`
	RuleID     string          `json:"rule_id" db:"rule_id"`
	Version    int             `json:"version" db:"version"`
	PreImage   json.RawMessage `json:"pre_image" db:"pre_image_json"`
	ChangeType ChangeType      `json:"change_type" db:"change_type"`
	ChangedAt  time.Time       `json:"changed_at" db:"-"`
	ChangedBy  string          `json:"changed_by" db:"changed_by"`
	Reason     string          `json:"reason,omitempty" db:"reason"`
}

// CodeEntry is one member of a code list with its optional attribute bag.
type CodeEntry struct {
	Code       string            `json:"code"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// UnmarshalJSON accepts either a bare string code or a {code, attributes} object.
func (e *CodeEntry) UnmarshalJSON(data []byte) error {
	var code string
	if err := json.Unmarshal(data, &code); err == nil {
		e.Code = code
		e.Attributes = nil
		return nil
	}
	type plain CodeEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = CodeEntry(p)
	return nil
}

// CodeList is a named, versioned set of codes.
type CodeList struct {
	ListID      string      `json:"list_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Entries     []CodeEntry `json:"values"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Codes returns the list's codes in stored order.
func (l *CodeList) Codes() []string {
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.Code)
	}
	return out
}

// CodeSet is an indexed, read-only view of a CodeList for membership tests.
type CodeSet struct {
	list  *CodeList
	index map[string]int
}

// NewCodeSet indexes l. The list must not be modified afterwards.
func NewCodeSet(l *CodeList) *CodeSet {
	idx := make(map[string]int, len(l.Entries))
	for i, e := range l.Entries {
		if _, dup := idx[e.Code]; !dup {
			idx[e.Code] = i
		}
	}
	return &CodeSet{list: l, index: idx}
}

// List returns the underlying code list.
func (s *CodeSet) List() *CodeList { return s.list }

// Contains reports whether code is a member.
func (s *CodeSet) Contains(code string) bool {
	_, ok := s.index[code]
	return ok
}

// Attributes returns the attribute bag of code; ok is false for non-members.
func (s *CodeSet) Attributes(code string) (map[string]string, bool) {
	i, ok := s.index[code]
	if !ok {
		return nil, false
	}
	return s.list.Entries[i].Attributes, true
}
