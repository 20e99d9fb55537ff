// internal/batch/processor.go

// Package batch runs the rule engine over sets of documents.
//
// Each document goes through parse, rule application, write and glosa
// commit, in that order, under a per-file deadline:
//
//	parse ──► ApplyAll ──► write (only if mutated) ──► commit ledger ──► outcome
//	  │          │              │                          │
//	ERROR      ERROR/fatal    fatal (ErrIO)             logged, file stays SUCCESS
//
// A failing document never stops the batch; the batch stops when the error
// count reaches MaxErrors or a fatal error (types.IsFatal) occurs. Documents
// after the stop point are not attempted.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solatis/ptufix/internal/glosa"
	"github.com/solatis/ptufix/internal/rules"
	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxErrors   = 10
	DefaultFileTimeout = 30 * time.Second
	DefaultOpType      = "correction"
)

// Applier is the rule engine as seen by the processor.
type Applier interface {
	ApplyAll(ctx context.Context, doc *xmltree.Document, source string, rec rules.Recorder) (bool, error)
}

// Config controls one batch.
type Config struct {
	MaxErrors     int
	FileTimeout   time.Duration
	Workers       int
	OutputDir     string // empty writes in place
	SkipProcessed bool
	Actor         string
	OpType        string
}

// Options wires a Processor. Runs and Tracker are optional; a Tracker
// requires Runs because glosa rows reference their run.
type Options struct {
	Config  Config
	Runs    *RunStore
	Tracker *glosa.Tracker
	Metrics *Metrics
	Logger  *slog.Logger
}

// FileResult is the outcome of one document.
type FileResult struct {
	Path       string              `json:"path"`
	Status     types.OutcomeStatus `json:"status"`
	Mutated    bool                `json:"mutated"`
	OutputPath string              `json:"output_path,omitempty"`
	Message    string              `json:"message,omitempty"`
	Duration   time.Duration       `json:"duration"`

	hash string
	err  error
}

// ErrorDetail names a failed document.
type ErrorDetail struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary describes a finished (or stopped) batch.
type Summary struct {
	RunID        int64         `json:"run_id,omitempty"`
	Total        int           `json:"total"`
	Processed    int           `json:"processed"`
	Success      int           `json:"success"`
	Errors       int           `json:"errors"`
	Skipped      int           `json:"skipped"`
	Mutated      int           `json:"mutated"`
	Results      []FileResult  `json:"results"`
	ErrorDetails []ErrorDetail `json:"error_details"`
	Duration     time.Duration `json:"duration"`
	Throughput   float64       `json:"throughput"` // successful documents per second
	Aborted      bool          `json:"aborted"`
}

// Processor applies the engine to documents with per-file isolation.
type Processor struct {
	engine  Applier
	runs    *RunStore
	tracker *glosa.Tracker
	metrics *Metrics
	cfg     Config
	logger  *slog.Logger
}

// NewProcessor validates opts and fills config defaults.
func NewProcessor(engine Applier, opts Options) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if opts.Tracker != nil && opts.Runs == nil {
		return nil, fmt.Errorf("glosa tracking requires a run store")
	}
	cfg := opts.Config
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = DefaultFileTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.OpType == "" {
		cfg.OpType = DefaultOpType
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		engine:  engine,
		runs:    opts.Runs,
		tracker: opts.Tracker,
		metrics: opts.Metrics,
		cfg:     cfg,
		logger:  logger.With("component", "batch"),
	}, nil
}

// batchState is shared by the workers of one batch.
type batchState struct {
	mu       sync.Mutex
	results  []*FileResult // indexed by input position; nil = not attempted
	errors   int
	stopped  atomic.Bool
	aborted  bool
	fatalErr error
}

// ProcessBatch processes paths and returns the summary. The error is
// types.ErrBatchAborted when the error budget ran out, a fatal error when one
// halted the batch, or the context error on cancellation. The summary is
// returned in every case.
func (p *Processor) ProcessBatch(ctx context.Context, paths []string) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Total: len(paths)}

	var runID int64
	if p.runs != nil {
		id, err := p.runs.Start(ctx, p.cfg.OpType, p.cfg.Actor, len(paths))
		if err != nil {
			return sum, err
		}
		runID = id
		sum.RunID = id
	}
	p.logger.Info("batch started", "run_id", runID, "files", len(paths), "workers", p.cfg.Workers, "max_errors", p.cfg.MaxErrors)

	st := &batchState{results: make([]*FileResult, len(paths))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i, path := range paths {
		i, path := i, path
		if st.stopped.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// With a full pool Go blocks, so the stop flag may have flipped
			// between dispatch and start.
			if st.stopped.Load() {
				return nil
			}
			res := p.processFile(gctx, runID, path)
			return p.settle(gctx, st, i, runID, res)
		})
	}
	waitErr := g.Wait()

	for _, r := range st.results {
		if r == nil {
			continue
		}
		sum.Processed++
		switch r.Status {
		case types.OutcomeSuccess:
			sum.Success++
			if r.Mutated {
				sum.Mutated++
			}
		case types.OutcomeError:
			sum.Errors++
			sum.ErrorDetails = append(sum.ErrorDetails, ErrorDetail{Path: r.Path, Error: r.Message})
		case types.OutcomeSkipped:
			sum.Skipped++
		}
		sum.Results = append(sum.Results, *r)
	}
	sum.Aborted = st.aborted || st.fatalErr != nil
	sum.Duration = time.Since(start)
	if secs := sum.Duration.Seconds(); secs > 0 {
		sum.Throughput = float64(sum.Success) / secs
	}

	var err error
	switch {
	case st.fatalErr != nil:
		err = st.fatalErr
	case waitErr != nil:
		err = waitErr
	case ctx.Err() != nil:
		err = ctx.Err()
	case st.aborted:
		err = types.ErrBatchAborted
	}

	if sum.Aborted {
		p.metrics.observeAbort()
	}
	if p.runs != nil {
		status := types.RunCompleted
		if st.fatalErr != nil || ctx.Err() != nil {
			status = types.RunFailed
		}
		// The batch context may be cancelled; the run row must still close.
		if ferr := p.runs.Finish(context.WithoutCancel(ctx), runID, status, sum.Processed, sum.Success, sum.Errors); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "batch finished",
		"run_id", runID,
		"processed", sum.Processed,
		"success", sum.Success,
		"errors", sum.Errors,
		"skipped", sum.Skipped,
		"aborted", sum.Aborted,
		"duration", sum.Duration,
		"error", err)
	return sum, err
}

// settle records a file result, persists its outcome and updates the stop
// conditions. A returned error cancels the remaining workers.
func (p *Processor) settle(ctx context.Context, st *batchState, idx int, runID int64, res *FileResult) error {
	st.mu.Lock()
	halted := st.fatalErr != nil
	st.mu.Unlock()
	if halted {
		// Cancelled by another worker's fatal error; not counted.
		return nil
	}

	p.metrics.observe(*res)
	p.logFile(res)

	if p.runs != nil {
		err := p.runs.RecordOutcome(ctx, types.FileOutcome{
			RunID:       runID,
			Path:        res.Path,
			ContentHash: res.hash,
			Status:      res.Status,
			Mutated:     res.Mutated,
			Message:     res.Message,
		})
		if err != nil && res.err == nil {
			res.err = err
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.fatalErr != nil {
		return nil
	}
	st.results[idx] = res

	if res.err != nil && types.IsFatal(res.err) {
		st.fatalErr = fmt.Errorf("%s: %w", res.Path, res.err)
		st.stopped.Store(true)
		p.logger.Error("batch halted", "path", res.Path, "error", res.err)
		return st.fatalErr
	}
	if res.Status == types.OutcomeError {
		st.errors++
		if st.errors >= p.cfg.MaxErrors && !st.aborted {
			st.aborted = true
			st.stopped.Store(true)
			p.logger.Warn("batch aborted", "errors", st.errors, "max_errors", p.cfg.MaxErrors)
		}
	}
	return nil
}

func (p *Processor) logFile(r *FileResult) {
	switch r.Status {
	case types.OutcomeError:
		p.logger.Warn("file failed", "path", r.Path, "status", r.Status, "error", r.Message, "duration", r.Duration)
	default:
		p.logger.Info("file processed", "path", r.Path, "status", r.Status, "mutated", r.Mutated, "duration", r.Duration)
	}
}

type engineResult struct {
	doc     *xmltree.Document
	hash    string
	mutated bool
	skipped bool
	err     error
}

// runEngine parses path, consults the processed-file index and applies the
// rules. It runs under the per-file deadline.
func (p *Processor) runEngine(ctx context.Context, path string, rec rules.Recorder) engineResult {
	doc, err := xmltree.ParseFile(path)
	if err != nil {
		return engineResult{err: err}
	}
	hash := doc.Hash()
	if err := ctx.Err(); err != nil {
		return engineResult{hash: hash, err: err}
	}

	if p.cfg.SkipProcessed && p.runs != nil {
		done, err := p.runs.Processed(ctx, hash)
		if err != nil {
			return engineResult{hash: hash, err: err}
		}
		if done {
			return engineResult{hash: hash, skipped: true}
		}
	}

	mutated, err := p.engine.ApplyAll(ctx, doc, path, rec)
	return engineResult{doc: doc, hash: hash, mutated: mutated, err: err}
}

// processFile handles one document end to end.
func (p *Processor) processFile(ctx context.Context, runID int64, path string) *FileResult {
	start := time.Now()
	res := &FileResult{Path: path}
	fail := func(err error) *FileResult {
		res.Status = types.OutcomeError
		res.Message = err.Error()
		res.err = err
		res.Duration = time.Since(start)
		return res
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.FileTimeout)
	defer cancel()

	var ledger *glosa.Ledger
	var rec rules.Recorder
	if p.tracker != nil {
		ledger = p.tracker.NewLedger(runID, path)
		rec = ledger
	}

	// Parsing and the engine run on their own goroutine so the deadline holds
	// even when a single rule does not return; on timeout the tree and ledger
	// are dropped.
	done := make(chan engineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- engineResult{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		done <- p.runEngine(fctx, path, rec)
	}()

	var er engineResult
	select {
	case er = <-done:
	case <-fctx.Done():
		er = engineResult{err: fctx.Err()}
	}
	if er.hash != "" {
		res.hash = er.hash
	}
	if er.err != nil {
		if errors.Is(er.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fail(fmt.Errorf("%w after %s", types.ErrTimeout, p.cfg.FileTimeout))
		}
		return fail(er.err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if fctx.Err() != nil {
		return fail(fmt.Errorf("%w after %s", types.ErrTimeout, p.cfg.FileTimeout))
	}
	if er.skipped {
		res.Status = types.OutcomeSkipped
		res.Message = "already processed"
		res.Duration = time.Since(start)
		return res
	}
	doc := er.doc

	res.Mutated = er.mutated
	if er.mutated {
		out := path
		if p.cfg.OutputDir != "" {
			out = filepath.Join(p.cfg.OutputDir, filepath.Base(path))
		}
		if err := doc.WriteFile(out); err != nil {
			return fail(err)
		}
		res.OutputPath = out
	}

	res.Status = types.OutcomeSuccess
	if ledger != nil {
		// The document is on disk; the commit is no longer bound by the file deadline.
		if _, err := p.tracker.Commit(context.WithoutCancel(ctx), ledger); err != nil {
			p.logger.Warn("glosa not recorded", "path", path, "error", err)
			res.Message = "glosa not recorded: " + err.Error()
		}
	}
	res.Duration = time.Since(start)
	return res
}
