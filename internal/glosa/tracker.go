// internal/glosa/tracker.go

// Package glosa accounts for the rejections (glosas) each correction avoided.
//
// During rule application a Ledger classifies every activation into whole-doc
// saves, item saves and optimizations, in memory. The batch processor commits
// the ledger only after the corrected document is on disk, so the glosa
// tables never describe a document that failed to write.
//
// Two invariants hold per run: a guide with a whole-doc save has no item
// saves, and repeated saves of the same guide or item merge rule ids instead
// of adding value twice. Both are enforced in the ledger and again at commit
// time against rows from earlier documents of the run, with the UNIQUE keys
// of whole_doc_save and item_save as the final arbiter.
package glosa

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/ptufix/internal/core/db"
	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

// Config locates guides and items in a document.
type Config struct {
	Namespaces xmltree.Namespaces
	Prefix     string
	// GuideTags are local names of guide elements.
	GuideTags []string
	// GuideIDPath is evaluated relative to the guide.
	GuideIDPath string
	// DeclaredTotalPath is evaluated relative to the guide.
	DeclaredTotalPath string
	// ItemTag is the local name of a procedure item.
	ItemTag string
	Logger  *slog.Logger
}

// DefaultConfig returns the PTU v3.0 layout.
func DefaultConfig() Config {
	return Config{
		Namespaces:        xmltree.Namespaces{"ptu": "http://ptu.unimed.coop.br/schemas/V3_0"},
		Prefix:            "ptu",
		GuideTags:         []string{"guiaInternacao", "guiaSADT", "guiaHonorarios", "guiaConsulta", "guiaResumoInternacao"},
		GuideIDPath:       ".//ptu:nr_GuiaPrestador",
		DeclaredTotalPath: "./ptu:valoresGuia/ptu:vl_TotalGeral",
		ItemTag:           "procedimentosExecutados",
	}
}

// Tracker classifies activations and persists glosa records.
type Tracker struct {
	db      *sqlx.DB
	queries *db.Queries
	logger  *slog.Logger

	guideTags map[string]bool
	itemTag   string

	guideIDPath   *xmltree.Path
	declaredTotal *xmltree.Path
	items         *xmltree.Path
	seq           *xmltree.Path
	serviceValue  *xmltree.Path
	surcharge     *xmltree.Path
	serviceCode   *xmltree.Path
}

// NewTracker compiles cfg's paths. database may be nil for a tracker that
// only builds ledgers (Commit then fails).
func NewTracker(database *sqlx.DB, queries *db.Queries, cfg Config) (*Tracker, error) {
	if len(cfg.GuideTags) == 0 {
		return nil, fmt.Errorf("glosa: at least one guide tag is required")
	}
	if cfg.ItemTag == "" {
		return nil, fmt.Errorf("glosa: item tag is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		db:        database,
		queries:   queries,
		logger:    logger.With("component", "glosa"),
		guideTags: make(map[string]bool, len(cfg.GuideTags)),
		itemTag:   cfg.ItemTag,
	}
	for _, g := range cfg.GuideTags {
		t.guideTags[g] = true
	}

	q := func(local string) string {
		if cfg.Prefix == "" {
			return local
		}
		return cfg.Prefix + ":" + local
	}
	paths := []struct {
		dst  **xmltree.Path
		expr string
	}{
		{&t.guideIDPath, cfg.GuideIDPath},
		{&t.declaredTotal, cfg.DeclaredTotalPath},
		{&t.items, ".//" + q(cfg.ItemTag)},
		{&t.seq, "./" + q("seq_item")},
		{&t.serviceValue, "./" + q("valores") + "/" + q("vl_ServCobrado")},
		{&t.surcharge, "./" + q("valores") + "/" + q("tx_AdmServico")},
		{&t.serviceCode, "./" + q("procedimentos") + "/" + q("cd_Servico")},
	}
	for _, p := range paths {
		if p.expr == "" {
			continue
		}
		compiled, err := xmltree.CompilePath(p.expr, cfg.Namespaces)
		if err != nil {
			return nil, fmt.Errorf("glosa: %w", err)
		}
		*p.dst = compiled
	}
	if t.guideIDPath == nil {
		return nil, fmt.Errorf("glosa: guide id path is required")
	}
	return t, nil
}

// guideOf returns the nearest guide element at or above e.
func (t *Tracker) guideOf(e *xmltree.Element) *xmltree.Element {
	for cur := e; cur != nil; cur = cur.Parent() {
		if t.guideTags[cur.Tag] {
			return cur
		}
	}
	return nil
}

func (t *Tracker) guideID(guide *xmltree.Element) (string, bool) {
	return xmltree.Text(xmltree.FindOne(guide, t.guideIDPath))
}

// itemOf returns the item element at or above e.
func (t *Tracker) itemOf(e *xmltree.Element) *xmltree.Element {
	for cur := e; cur != nil; cur = cur.Parent() {
		if cur.Tag == t.itemTag {
			return cur
		}
	}
	return nil
}

func (t *Tracker) itemSeq(item *xmltree.Element) int {
	text, ok := xmltree.Text(xmltree.FindOne(item, t.seq))
	if !ok {
		return 0
	}
	seq, err := strconv.Atoi(text)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

func (t *Tracker) itemValues(item *xmltree.Element, docPath string) (service, surcharge float64) {
	return t.money(item, t.serviceValue, "vl_ServCobrado", docPath),
		t.money(item, t.surcharge, "tx_AdmServico", docPath)
}

// money reads an amount; missing is 0, unparsable is 0 with a warning.
func (t *Tracker) money(ctx *xmltree.Element, p *xmltree.Path, field, docPath string) float64 {
	text, ok := xmltree.Text(xmltree.FindOne(ctx, p))
	if !ok {
		return 0
	}
	v, ok := parseMoney(text)
	if !ok {
		t.logger.Warn("unparsable amount, using 0", "field", field, "value", text, "path", docPath)
		return 0
	}
	return v
}

// guideTotal returns the declared guide total when present and parseable,
// otherwise the sum of the item values. The item count is always counted.
func (t *Tracker) guideTotal(guide *xmltree.Element, docPath string) (float64, int) {
	items := xmltree.FindAll(guide, t.items)
	if t.declaredTotal != nil {
		if text, ok := xmltree.Text(xmltree.FindOne(guide, t.declaredTotal)); ok {
			if v, ok := parseMoney(text); ok {
				return v, len(items)
			}
			t.logger.Warn("unparsable declared total, summing items", "value", text, "path", docPath)
		}
	}
	var total float64
	for _, item := range items {
		service, surcharge := t.itemValues(item, docPath)
		total += service + surcharge
	}
	return total, len(items)
}

// CommitResult counts the rows a commit touched.
type CommitResult struct {
	WholeDocSaves int
	ItemSaves     int
	Merged        int
	Optimizations int
}

// Commit persists the ledger in one transaction. Failures wrap types.ErrTracker.
func (t *Tracker) Commit(ctx context.Context, l *Ledger) (*CommitResult, error) {
	res := &CommitResult{}
	if l.Empty() {
		return res, nil
	}
	if t.db == nil {
		return nil, fmt.Errorf("%w: no database", types.ErrTracker)
	}

	err := db.WithTx(ctx, t.db, func(tx *sqlx.Tx) error {
		*res = CommitResult{}
		for _, save := range l.WholeDocSaves() {
			merged, err := t.commitWholeDoc(ctx, tx, save)
			if err != nil {
				return err
			}
			if merged {
				res.Merged++
			} else {
				res.WholeDocSaves++
			}
			n, err := t.supersedeItems(ctx, tx, save)
			if err != nil {
				return err
			}
			res.Optimizations += n
		}

		for _, save := range l.ItemSaves() {
			suppressed, err := t.wholeDocExists(ctx, tx, save.RunID, save.GuideID)
			if err != nil {
				return err
			}
			if suppressed {
				for _, id := range save.RuleIDs {
					opt := types.Optimization{RunID: save.RunID, DocPath: save.DocPath, GuideID: save.GuideID, RuleID: id, Description: DescItemSuppressed}
					if err := t.insertOptimization(ctx, tx, opt); err != nil {
						return err
					}
					res.Optimizations++
				}
				continue
			}
			merged, err := t.commitItem(ctx, tx, save)
			if err != nil {
				return err
			}
			if merged {
				res.Merged++
			} else {
				res.ItemSaves++
			}
		}

		for _, opt := range l.Optimizations() {
			if err := t.insertOptimization(ctx, tx, opt); err != nil {
				return err
			}
			res.Optimizations++
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, types.ErrTracker) {
			err = fmt.Errorf("%w: %v", types.ErrTracker, err)
		}
		return nil, err
	}

	t.logger.Debug("glosa committed",
		"run_id", l.runID,
		"path", l.docPath,
		"whole_doc_saves", res.WholeDocSaves,
		"item_saves", res.ItemSaves,
		"merged", res.Merged,
		"optimizations", res.Optimizations)
	return res, nil
}

// commitWholeDoc inserts save or, when the key exists, merges its rule ids.
// A lost race (conflict, then the row vanished) is retried once.
func (t *Tracker) commitWholeDoc(ctx context.Context, tx *sqlx.Tx, save types.WholeDocSave) (merged bool, err error) {
	ruleIDs, err := json.Marshal(save.RuleIDs)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrTracker, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		r, err := t.queries.Exec(ctx, tx, "insert-whole-doc-save",
			types.NewRecordID(), save.RunID, save.DocPath, save.GuideID,
			save.TotalValue, save.ItemCount, string(ruleIDs), db.FormatTime(time.Now()))
		if err != nil {
			return false, fmt.Errorf("%w: insert whole-doc save %s: %v", types.ErrTracker, save.GuideID, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return false, nil
		}

		var row wholeDocRow
		err = t.queries.Get(ctx, tx, "get-whole-doc-save", &row, save.RunID, save.GuideID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: read whole-doc save %s: %v", types.ErrTracker, save.GuideID, err)
		}
		if err := t.mergeRules(ctx, tx, "update-whole-doc-save-rules", row.RuleIDs, save.RuleIDs, save.RunID, save.GuideID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: whole-doc save %s: conflict persisted after retry", types.ErrTracker, save.GuideID)
}

func (t *Tracker) commitItem(ctx context.Context, tx *sqlx.Tx, save types.ItemSave) (merged bool, err error) {
	ruleIDs, err := json.Marshal(save.RuleIDs)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrTracker, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		r, err := t.queries.Exec(ctx, tx, "insert-item-save",
			types.NewRecordID(), save.RunID, save.DocPath, save.GuideID, save.ItemSeq,
			save.ServiceCode, save.ServiceValue, save.SurchargeValue, save.TotalValue,
			string(ruleIDs), db.FormatTime(time.Now()))
		if err != nil {
			return false, fmt.Errorf("%w: insert item save %s/%d: %v", types.ErrTracker, save.GuideID, save.ItemSeq, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return false, nil
		}

		var row itemRow
		err = t.queries.Get(ctx, tx, "get-item-save", &row, save.RunID, save.GuideID, save.ItemSeq)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: read item save %s/%d: %v", types.ErrTracker, save.GuideID, save.ItemSeq, err)
		}
		if err := t.mergeRules(ctx, tx, "update-item-save-rules", row.RuleIDs, save.RuleIDs, save.RunID, save.GuideID, save.ItemSeq); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: item save %s/%d: conflict persisted after retry", types.ErrTracker, save.GuideID, save.ItemSeq)
}

// mergeRules appends ids to the stored rule list, keeping first-append order.
func (t *Tracker) mergeRules(ctx context.Context, tx *sqlx.Tx, query, stored string, ids []string, key ...any) error {
	var have []string
	if err := json.Unmarshal([]byte(stored), &have); err != nil {
		return fmt.Errorf("%w: decode rule ids: %v", types.ErrTracker, err)
	}
	if !types.MergeRuleIDs(&have, ids...) {
		return nil
	}
	encoded, err := json.Marshal(have)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTracker, err)
	}
	args := append([]any{string(encoded)}, key...)
	if _, err := t.queries.Exec(ctx, tx, query, args...); err != nil {
		return fmt.Errorf("%w: merge rule ids: %v", types.ErrTracker, err)
	}
	return nil
}

// supersedeItems turns committed item saves of save's guide into
// optimizations and deletes them.
func (t *Tracker) supersedeItems(ctx context.Context, tx *sqlx.Tx, save types.WholeDocSave) (int, error) {
	var rows []itemRow
	if err := t.queries.Select(ctx, tx, "list-item-saves-for-guide", &rows, save.RunID, save.GuideID); err != nil {
		return 0, fmt.Errorf("%w: list item saves %s: %v", types.ErrTracker, save.GuideID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n := 0
	for _, row := range rows {
		item, err := row.toItemSave()
		if err != nil {
			return n, err
		}
		for _, id := range item.RuleIDs {
			opt := types.Optimization{RunID: item.RunID, DocPath: item.DocPath, GuideID: item.GuideID, RuleID: id, Description: DescItemSuperseded}
			if err := t.insertOptimization(ctx, tx, opt); err != nil {
				return n, err
			}
			n++
		}
	}
	if _, err := t.queries.Exec(ctx, tx, "delete-item-saves-for-guide", save.RunID, save.GuideID); err != nil {
		return n, fmt.Errorf("%w: delete item saves %s: %v", types.ErrTracker, save.GuideID, err)
	}
	t.logger.Info("item saves superseded by whole-doc save",
		"run_id", save.RunID, "guide_id", save.GuideID, "items", len(rows))
	return n, nil
}

func (t *Tracker) wholeDocExists(ctx context.Context, tx *sqlx.Tx, runID int64, guideID string) (bool, error) {
	var row wholeDocRow
	err := t.queries.Get(ctx, tx, "get-whole-doc-save", &row, runID, guideID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read whole-doc save %s: %v", types.ErrTracker, guideID, err)
	}
	return true, nil
}

func (t *Tracker) insertOptimization(ctx context.Context, tx *sqlx.Tx, opt types.Optimization) error {
	_, err := t.queries.Exec(ctx, tx, "insert-optimization",
		types.NewRecordID(), opt.RunID, opt.DocPath, opt.GuideID, opt.RuleID, opt.Description,
		db.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("%w: insert optimization %s: %v", types.ErrTracker, opt.RuleID, err)
	}
	return nil
}

// Report is every glosa record of one run.
type Report struct {
	WholeDocSaves []types.WholeDocSave `json:"whole_doc_saves"`
	ItemSaves     []types.ItemSave     `json:"item_saves"`
	Optimizations []types.Optimization `json:"optimizations"`
}

// TotalSaved sums the value of whole-doc and item saves.
func (r *Report) TotalSaved() float64 {
	var total float64
	for _, s := range r.WholeDocSaves {
		total += s.TotalValue
	}
	for _, s := range r.ItemSaves {
		total += s.TotalValue
	}
	return total
}

// Report reads the committed records of a run.
func (t *Tracker) Report(ctx context.Context, runID int64) (*Report, error) {
	if t.db == nil {
		return nil, fmt.Errorf("%w: no database", types.ErrTracker)
	}

	var wholeRows []wholeDocRow
	if err := t.queries.Select(ctx, t.db, "list-whole-doc-saves", &wholeRows, runID); err != nil {
		return nil, fmt.Errorf("%w: list whole-doc saves: %v", types.ErrTracker, err)
	}
	var itemRows []itemRow
	if err := t.queries.Select(ctx, t.db, "list-item-saves", &itemRows, runID); err != nil {
		return nil, fmt.Errorf("%w: list item saves: %v", types.ErrTracker, err)
	}
	var optRows []optimizationRow
	if err := t.queries.Select(ctx, t.db, "list-optimizations", &optRows, runID); err != nil {
		return nil, fmt.Errorf("%w: list optimizations: %v", types.ErrTracker, err)
	}

	rep := &Report{}
	for _, r := range wholeRows {
		s, err := r.toWholeDocSave()
		if err != nil {
			return nil, err
		}
		rep.WholeDocSaves = append(rep.WholeDocSaves, s)
	}
	for _, r := range itemRows {
		s, err := r.toItemSave()
		if err != nil {
			return nil, err
		}
		rep.ItemSaves = append(rep.ItemSaves, s)
	}
	for _, r := range optRows {
		rep.Optimizations = append(rep.Optimizations, types.Optimization(r))
	}
	return rep, nil
}

type wholeDocRow struct {
	ID         string  `db:"id"`
	RunID      int64   `db:"run_id"`
	DocPath    string  `db:"doc_path"`
	GuideID    string  `db:"guide_id"`
	TotalValue float64 `db:"total_value"`
	ItemCount  int     `db:"item_count"`
	RuleIDs    string  `db:"rule_ids_json"`
}

func (r wholeDocRow) toWholeDocSave() (types.WholeDocSave, error) {
	s := types.WholeDocSave{
		ID: r.ID, RunID: r.RunID, DocPath: r.DocPath, GuideID: r.GuideID,
		TotalValue: r.TotalValue, ItemCount: r.ItemCount,
	}
	if err := json.Unmarshal([]byte(r.RuleIDs), &s.RuleIDs); err != nil {
		return s, fmt.Errorf("%w: whole-doc save %s: decode rule ids: %v", types.ErrTracker, r.ID, err)
	}
	return s, nil
}

type itemRow struct {
	ID             string  `db:"id"`
	RunID          int64   `db:"run_id"`
	DocPath        string  `db:"doc_path"`
	GuideID        string  `db:"guide_id"`
	ItemSeq        int     `db:"item_seq"`
	ServiceCode    string  `db:"service_code"`
	ServiceValue   float64 `db:"service_value"`
	SurchargeValue float64 `db:"surcharge_value"`
	TotalValue     float64 `db:"total_value"`
	RuleIDs        string  `db:"rule_ids_json"`
}

func (r itemRow) toItemSave() (types.ItemSave, error) {
	s := types.ItemSave{
		ID: r.ID, RunID: r.RunID, DocPath: r.DocPath, GuideID: r.GuideID, ItemSeq: r.ItemSeq,
		ServiceCode: r.ServiceCode, ServiceValue: r.ServiceValue,
		SurchargeValue: r.SurchargeValue, TotalValue: r.TotalValue,
	}
	if err := json.Unmarshal([]byte(r.RuleIDs), &s.RuleIDs); err != nil {
		return s, fmt.Errorf("%w: item save %s: decode rule ids: %v", types.ErrTracker, r.ID, err)
	}
	return s, nil
}

type optimizationRow struct {
	ID          string `db:"id"`
	RunID       int64  `db:"run_id"`
	DocPath     string `db:"doc_path"`
	GuideID     string `db:"guide_id"`
	RuleID      string `db:"rule_id"`
	Description string `db:"description"`
}
