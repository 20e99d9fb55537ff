package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/ptufix/internal/catalog"
	"github.com/solatis/ptufix/internal/core/config"
	"github.com/solatis/ptufix/internal/core/db"
	"github.com/solatis/ptufix/internal/rules"
	"github.com/solatis/ptufix/internal/types"
	"github.com/solatis/ptufix/internal/xmltree"
)

// Version is the ptufix release.
const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:     "ptufix",
	Short:   "Declarative correction engine for PTU billing files",
	Long:    `ptufix applies a catalog of declarative rules to PTU/TISS XML billing lots and tracks the rejections each correction prevented.`,
	Version: Version,
	// Errors are logged once by Execute.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, logFormat, os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

// Execute runs the root command. A non-nil error means exit code 1.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		return err
	}
	return nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want json or text)", format)
}

// loadConfig reads the config file and applies --db-url.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	return cfg, nil
}

// openDatabase opens the catalog database and refuses to continue while
// migrations are pending.
func openDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, *db.Queries, error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("--db-url required (or PTU_DATABASE_URL)")
	}
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	status, err := db.MigrateStatus(ctx, database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, m := range status {
		if !m.Applied {
			database.Close()
			return nil, nil, fmt.Errorf("migration %s not applied - run 'ptufix migrate up' first", m.ID)
		}
	}

	queries, err := db.LoadQueries()
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, queries, nil
}

func namespaces(cfg *config.Config) xmltree.Namespaces {
	return xmltree.Namespaces{cfg.Engine.Prefix: cfg.Engine.NamespaceURI}
}

func compileOptions(cfg *config.Config) rules.CompileOptions {
	return rules.CompileOptions{
		Namespaces:         namespaces(cfg),
		Prefix:             cfg.Engine.Prefix,
		BoundaryDateFields: cfg.Engine.BoundaryDateFields,
	}
}

// newStore opens the rule catalog; every write must compile.
func newStore(database *sqlx.DB, queries *db.Queries, cfg *config.Config) (*catalog.Store, error) {
	opts := compileOptions(cfg)
	return catalog.NewStore(database, queries, catalog.Options{
		Logger: logger,
		Validator: func(r types.Rule) error {
			_, err := rules.Compile(r, opts)
			return err
		},
	})
}

// openStore loads config, database and catalog in one step. The caller
// closes the returned database.
func openStore(ctx context.Context) (*config.Config, *sqlx.DB, *db.Queries, *catalog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	database, queries, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	store, err := newStore(database, queries, cfg)
	if err != nil {
		database.Close()
		return nil, nil, nil, nil, err
	}
	return cfg, database, queries, store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
