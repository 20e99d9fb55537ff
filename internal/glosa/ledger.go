// internal/glosa/ledger.go
package glosa

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/solatis/ptufix/internal/rules"
	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

// Optimization descriptions written by the hierarchy rules.
const (
	DescItemSuppressed = "item suppressed by prior whole-doc save"
	DescItemSuperseded = "item superseded by whole-doc save"
	DescAdvisory       = "alert raised"
	DescRuleApplied    = "rule applied"
)

type itemKey struct {
	guide string
	seq   int
}

// Ledger accumulates the glosa records of one document in memory until the
// batch processor confirms the document was written. A Ledger belongs to the
// goroutine processing its document and is not safe for concurrent use.
type Ledger struct {
	tracker *Tracker
	runID   int64
	docPath string

	wholeDoc   map[string]*types.WholeDocSave
	wholeOrder []string

	items     map[itemKey]*types.ItemSave
	itemOrder []itemKey

	optimizations []types.Optimization
}

// NewLedger starts an empty ledger for one document of a run.
func (t *Tracker) NewLedger(runID int64, docPath string) *Ledger {
	return &Ledger{
		tracker:  t,
		runID:    runID,
		docPath:  docPath,
		wholeDoc: make(map[string]*types.WholeDocSave),
		items:    make(map[itemKey]*types.ItemSave),
	}
}

// WholeDocSaves returns the pending whole-doc saves in first-record order.
func (l *Ledger) WholeDocSaves() []types.WholeDocSave {
	out := make([]types.WholeDocSave, 0, len(l.wholeOrder))
	for _, g := range l.wholeOrder {
		out = append(out, *l.wholeDoc[g])
	}
	return out
}

// ItemSaves returns the pending item saves in first-record order.
func (l *Ledger) ItemSaves() []types.ItemSave {
	out := make([]types.ItemSave, 0, len(l.itemOrder))
	for _, k := range l.itemOrder {
		if s, ok := l.items[k]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// Optimizations returns the pending optimization records in record order.
func (l *Ledger) Optimizations() []types.Optimization {
	return append([]types.Optimization(nil), l.optimizations...)
}

// Empty reports whether the ledger holds nothing to commit.
func (l *Ledger) Empty() bool {
	return len(l.wholeOrder) == 0 && len(l.items) == 0 && len(l.optimizations) == 0
}

// Record classifies one activation. Activations whose guide or item cannot
// be identified are dropped without error.
func (l *Ledger) Record(a rules.Activation) error {
	rule := a.Rule
	if a.Advisory || !rule.Financial() {
		guideID := ""
		if guide := l.tracker.guideOf(a.Context); guide != nil {
			guideID, _ = l.tracker.guideID(guide)
		}
		l.addOptimization(guideID, rule.ID, describe(a))
		return nil
	}

	switch rule.Category {
	case types.CategoryWholeDocRejection:
		l.recordWholeDoc(a)
	case types.CategoryItemRejection:
		l.recordItem(a)
	default:
		return fmt.Errorf("rule %s: unexpected category %q", rule.ID, rule.Category)
	}
	return nil
}

func (l *Ledger) recordWholeDoc(a rules.Activation) {
	t := l.tracker
	guide := t.guideOf(a.Context)
	if guide == nil {
		t.logger.Debug("whole-doc save without guide", "rule_id", a.Rule.ID, "path", l.docPath)
		return
	}
	guideID, ok := t.guideID(guide)
	if !ok {
		t.logger.Debug("whole-doc save without guide id", "rule_id", a.Rule.ID, "path", l.docPath)
		return
	}

	if save, ok := l.wholeDoc[guideID]; ok {
		types.MergeRuleIDs(&save.RuleIDs, a.Rule.ID)
		return
	}

	total, count := t.guideTotal(guide, l.docPath)
	l.wholeDoc[guideID] = &types.WholeDocSave{
		RunID:      l.runID,
		DocPath:    l.docPath,
		GuideID:    guideID,
		TotalValue: total,
		ItemCount:  count,
		RuleIDs:    []string{a.Rule.ID},
	}
	l.wholeOrder = append(l.wholeOrder, guideID)

	// Item saves recorded earlier for this guide give way to the whole-doc save.
	kept := l.itemOrder[:0]
	for _, k := range l.itemOrder {
		if k.guide != guideID {
			kept = append(kept, k)
			continue
		}
		for _, id := range l.items[k].RuleIDs {
			l.addOptimization(guideID, id, DescItemSuperseded)
		}
		delete(l.items, k)
	}
	l.itemOrder = kept
}

func (l *Ledger) recordItem(a rules.Activation) {
	t := l.tracker
	guide := t.guideOf(a.Context)
	if guide == nil {
		t.logger.Debug("item save without guide", "rule_id", a.Rule.ID, "path", l.docPath)
		return
	}
	guideID, ok := t.guideID(guide)
	if !ok {
		t.logger.Debug("item save without guide id", "rule_id", a.Rule.ID, "path", l.docPath)
		return
	}

	if _, ok := l.wholeDoc[guideID]; ok {
		l.addOptimization(guideID, a.Rule.ID, DescItemSuppressed)
		return
	}

	item := t.itemOf(a.Context)
	if item == nil {
		t.logger.Debug("item save without item element", "rule_id", a.Rule.ID, "path", l.docPath)
		return
	}
	seq := t.itemSeq(item)
	if seq == 0 {
		t.logger.Debug("item save without seq_item", "rule_id", a.Rule.ID, "path", l.docPath)
		return
	}

	key := itemKey{guide: guideID, seq: seq}
	if save, ok := l.items[key]; ok {
		types.MergeRuleIDs(&save.RuleIDs, a.Rule.ID)
		return
	}

	service, surcharge := t.itemValues(item, l.docPath)
	code, _ := xmltree.Text(xmltree.FindOne(item, t.serviceCode))
	l.items[key] = &types.ItemSave{
		RunID:          l.runID,
		DocPath:        l.docPath,
		GuideID:        guideID,
		ItemSeq:        seq,
		ServiceCode:    code,
		ServiceValue:   service,
		SurchargeValue: surcharge,
		TotalValue:     service + surcharge,
		RuleIDs:        []string{a.Rule.ID},
	}
	l.itemOrder = append(l.itemOrder, key)
}

func (l *Ledger) addOptimization(guideID, ruleID, desc string) {
	l.optimizations = append(l.optimizations, types.Optimization{
		RunID:       l.runID,
		DocPath:     l.docPath,
		GuideID:     guideID,
		RuleID:      ruleID,
		Description: desc,
	})
}

func describe(a rules.Activation) string {
	if a.Advisory {
		return DescAdvisory
	}
	switch {
	case a.Rule.Description != "":
		return a.Rule.Description
	case a.Rule.Name != "":
		return a.Rule.Name
	}
	return DescRuleApplied
}

// parseMoney reads a monetary amount with a dot decimal separator.
// Negative amounts are credits and are kept.
func parseMoney(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
