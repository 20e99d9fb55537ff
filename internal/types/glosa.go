package types

// WholeDocSave records a guide whose rejection was prevented as a whole.
// Unique per (RunID, GuideID).
type WholeDocSave struct {
	ID         string   `json:"id"`
	RunID      int64    `json:"run_id"`
	DocPath    string   `json:"doc_path"`
	GuideID    string   `json:"guide_id"`
	TotalValue float64  `json:"total_value"`
	ItemCount  int      `json:"item_count"`
	RuleIDs    []string `json:"rule_ids"`
}

// ItemSave records one procedure item whose rejection was prevented.
// Unique per (RunID, GuideID, ItemSeq).
type ItemSave struct {
	ID             string   `json:"id"`
	RunID          int64    `json:"run_id"`
	DocPath        string   `json:"doc_path"`
	GuideID        string   `json:"guide_id"`
	ItemSeq        int      `json:"item_seq"`
	ServiceCode    string   `json:"service_code"`
	ServiceValue   float64  `json:"service_value"`
	SurchargeValue float64  `json:"surcharge_value"`
	TotalValue     float64  `json:"total_value"`
	RuleIDs        []string `json:"rule_ids"`
}

// Optimization records a correction with no direct financial impact.
type Optimization struct {
	ID          string `json:"id"`
	RunID       int64  `json:"run_id"`
	DocPath     string `json:"doc_path"`
	GuideID     string `json:"guide_id,omitempty"`
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

// MergeRuleIDs appends the ids not yet present in dst, preserving first-append order.
// Reports whether dst changed.
func MergeRuleIDs(dst *[]string, ids ...string) bool {
	changed := false
	for _, id := range ids {
		found := false
		for _, have := range *dst {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			*dst = append(*dst, id)
			changed = true
		}
	}
	return changed
}
