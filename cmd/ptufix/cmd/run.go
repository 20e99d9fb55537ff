package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/solatis/ptufix/internal/batch"
	"github.com/solatis/ptufix/internal/core/config"
	"github.com/solatis/ptufix/internal/glosa"
	"github.com/solatis/ptufix/internal/rules"
	"github.com/solatis/ptufix/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run <path|glob>...",
	Short: "Apply active rules to a batch of documents",
	Long: `Apply every active catalog rule to each document. Arguments are files,
directories (their *.xml files) or doublestar globs such as 'lots/**/*.xml'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent batch runs",
	RunE:  runRunsList,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show outcomes and glosa totals of a run",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(runCmd, runsCmd, reportCmd)

	runCmd.Flags().Int("max-errors", 0, "abort after this many failed documents")
	runCmd.Flags().Duration("timeout", 0, "per-document deadline")
	runCmd.Flags().Int("workers", 0, "documents processed concurrently")
	runCmd.Flags().String("output-dir", "", "write corrected documents here instead of in place")
	runCmd.Flags().String("actor", "cli", "actor recorded on the run")
	runCmd.Flags().Bool("skip-processed", false, "skip documents already processed successfully")
	runCmd.Flags().String("metrics-file", "", "write Prometheus metrics to this textfile")

	runsCmd.Flags().Int("limit", 20, "number of runs")

	reportCmd.Flags().Int64("run-id", 0, "run id")
	reportCmd.MarkFlagRequired("run-id")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type batchReport struct {
	Summary *batch.Summary      `json:"summary"`
	Glosa   *glosaTotals        `json:"glosa,omitempty"`
	Alerts  []rules.AlertRecord `json:"alerts,omitempty"`
}

type glosaTotals struct {
	WholeDocSaves int     `json:"whole_doc_saves"`
	ItemSaves     int     `json:"item_saves"`
	Optimizations int     `json:"optimizations"`
	TotalSaved    float64 `json:"total_saved"`
}

func glosaConfig(cfg *config.Config) glosa.Config {
	return glosa.Config{
		Namespaces:        namespaces(cfg),
		Prefix:            cfg.Engine.Prefix,
		GuideTags:         cfg.Glosa.GuideTags,
		GuideIDPath:       cfg.Glosa.GuideIDPath,
		DeclaredTotalPath: cfg.Glosa.DeclaredTotalPath,
		ItemTag:           cfg.Glosa.ItemTag,
		Logger:            logger,
	}
}

func totals(r *glosa.Report) *glosaTotals {
	return &glosaTotals{
		WholeDocSaves: len(r.WholeDocSaves),
		ItemSaves:     len(r.ItemSaves),
		Optimizations: len(r.Optimizations),
		TotalSaved:    r.TotalSaved(),
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, database, queries, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	if cmd.Flags().Changed("max-errors") {
		cfg.Batch.MaxErrors, _ = cmd.Flags().GetInt("max-errors")
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Batch.FileTimeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Batch.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.Batch.OutputDir, _ = cmd.Flags().GetString("output-dir")
	}
	if cmd.Flags().Changed("skip-processed") {
		cfg.Batch.SkipProcessed, _ = cmd.Flags().GetBool("skip-processed")
	}
	if cmd.Flags().Changed("metrics-file") {
		cfg.Batch.MetricsFile, _ = cmd.Flags().GetString("metrics-file")
	}
	actor, _ := cmd.Flags().GetString("actor")

	paths, err := batch.ExpandPaths(args)
	if err != nil {
		return err
	}
	if cfg.Batch.OutputDir != "" {
		if err := os.MkdirAll(cfg.Batch.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	scope, err := rules.ParseRotationScope(cfg.Engine.RotationScope)
	if err != nil {
		return err
	}
	engine := rules.NewEngine(store, rules.Options{
		Namespaces:         namespaces(cfg),
		Prefix:             cfg.Engine.Prefix,
		RotationScope:      scope,
		BoundaryDateFields: cfg.Engine.BoundaryDateFields,
		Logger:             logger,
	})

	tracker, err := glosa.NewTracker(database, queries, glosaConfig(cfg))
	if err != nil {
		return err
	}
	runs, err := batch.NewRunStore(database, queries)
	if err != nil {
		return err
	}
	metrics := batch.NewMetrics()

	processor, err := batch.NewProcessor(engine, batch.Options{
		Config: batch.Config{
			MaxErrors:     cfg.Batch.MaxErrors,
			FileTimeout:   cfg.Batch.FileTimeout,
			Workers:       cfg.Batch.Workers,
			OutputDir:     cfg.Batch.OutputDir,
			SkipProcessed: cfg.Batch.SkipProcessed,
			Actor:         actor,
		},
		Runs:    runs,
		Tracker: tracker,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	sum, runErr := processor.ProcessBatch(ctx, paths)

	out := batchReport{Summary: sum, Alerts: engine.Alerts()}
	if sum != nil && sum.RunID != 0 {
		report, err := tracker.Report(context.WithoutCancel(ctx), sum.RunID)
		if err != nil {
			logger.Warn("glosa report unavailable", "run_id", sum.RunID, "error", err)
		} else {
			out.Glosa = totals(report)
		}
	}
	if cfg.Batch.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.Batch.MetricsFile); err != nil {
			logger.Warn("metrics not written", "path", cfg.Batch.MetricsFile, "error", err)
		}
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}

	if errors.Is(runErr, types.ErrBatchAborted) {
		return fmt.Errorf("%w after %d errors", runErr, sum.Errors)
	}
	return runErr
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, queries, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := batch.NewRunStore(database, queries)
	if err != nil {
		return err
	}
	list, err := runs.List(ctx, limit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), list)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	runID, _ := cmd.Flags().GetInt64("run-id")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, queries, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := batch.NewRunStore(database, queries)
	if err != nil {
		return err
	}
	run, err := runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %d not found", runID)
	}
	outcomes, err := runs.Outcomes(ctx, runID)
	if err != nil {
		return err
	}

	tracker, err := glosa.NewTracker(database, queries, glosaConfig(cfg))
	if err != nil {
		return err
	}
	report, err := tracker.Report(ctx, runID)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"run":      run,
		"outcomes": outcomes,
		"glosa":    report,
		"totals":   totals(report),
	})
}
