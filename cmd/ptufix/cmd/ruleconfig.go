package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/solatis/ptufix/internal/ruleconfig"
)

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a rule in a rule file (and the catalog, when configured)",
	RunE:  runDisable,
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable a rule in a rule file (and the catalog, when configured)",
	RunE:  runEnable,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a rule is enabled, disabled or missing",
	RunE:  runStatus,
}

var listDisabledCmd = &cobra.Command{
	Use:   "list-disabled",
	Short: "List disabled rules of a rule file, or of the catalog without --file",
	RunE:  runListDisabled,
}

var auditLogCmd = &cobra.Command{
	Use:   "audit-log",
	Short: "Show rule-config journal entries, newest first",
	RunE:  runAuditLog,
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List snapshots of a rule file, newest first",
	RunE:  runVersions,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save a timestamped copy of a rule file",
	RunE:  runSnapshot,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore a rule file from a snapshot",
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(disableCmd, enableCmd, statusCmd, listDisabledCmd, auditLogCmd, versionsCmd, snapshotCmd, rollbackCmd)

	for _, c := range []*cobra.Command{disableCmd, enableCmd, statusCmd, versionsCmd, snapshotCmd, rollbackCmd} {
		c.Flags().String("file", "", "rule file (YAML or JSON)")
		c.MarkFlagRequired("file")
	}
	for _, c := range []*cobra.Command{disableCmd, enableCmd, statusCmd} {
		c.Flags().String("rule-id", "", "rule id")
		c.MarkFlagRequired("rule-id")
	}
	for _, c := range []*cobra.Command{disableCmd, enableCmd, snapshotCmd, rollbackCmd} {
		c.Flags().String("user", "cli", "actor recorded in the journal")
	}
	disableCmd.Flags().String("reason", "", "why the rule is disabled")
	listDisabledCmd.Flags().String("file", "", "rule file; empty lists the catalog")
	auditLogCmd.Flags().Int("limit", 20, "number of entries (0 for all)")
	rollbackCmd.Flags().String("timestamp", "", "snapshot timestamp as shown by versions")
	rollbackCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	rollbackCmd.MarkFlagRequired("timestamp")
}

// newManager builds a manager. The catalog is attached only when a database
// is configured and withCatalog is set; the caller closes the returned
// database when non-nil.
func newManager(ctx context.Context, withCatalog bool) (*ruleconfig.Manager, *sqlx.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	opts := ruleconfig.Options{
		JournalPath: cfg.RuleConfig.JournalPath,
		BackupDir:   cfg.RuleConfig.BackupDir,
		Logger:      logger,
	}

	var database *sqlx.DB
	if withCatalog && cfg.Database.URL != "" {
		d, queries, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store, err := newStore(d, queries, cfg)
		if err != nil {
			d.Close()
			return nil, nil, err
		}
		database = d
		opts.Catalog = store
	}

	mgr, err := ruleconfig.NewManager(opts)
	if err != nil {
		if database != nil {
			database.Close()
		}
		return nil, nil, err
	}
	return mgr, database, nil
}

func closeDB(d *sqlx.DB) {
	if d != nil {
		d.Close()
	}
}

func runDisable(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	file, _ := cmd.Flags().GetString("file")
	ruleID, _ := cmd.Flags().GetString("rule-id")
	user, _ := cmd.Flags().GetString("user")
	reason, _ := cmd.Flags().GetString("reason")

	mgr, database, err := newManager(ctx, true)
	if err != nil {
		return err
	}
	defer closeDB(database)

	change, err := mgr.Disable(ctx, file, ruleID, user, reason)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), change)
}

func runEnable(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	file, _ := cmd.Flags().GetString("file")
	ruleID, _ := cmd.Flags().GetString("rule-id")
	user, _ := cmd.Flags().GetString("user")

	mgr, database, err := newManager(ctx, true)
	if err != nil {
		return err
	}
	defer closeDB(database)

	change, err := mgr.Enable(ctx, file, ruleID, user)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), change)
}

func runStatus(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	ruleID, _ := cmd.Flags().GetString("rule-id")

	mgr, _, err := newManager(context.Background(), false)
	if err != nil {
		return err
	}
	status, err := mgr.Status(file, ruleID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return nil
}

func runListDisabled(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	file, _ := cmd.Flags().GetString("file")

	mgr, database, err := newManager(ctx, file == "")
	if err != nil {
		return err
	}
	defer closeDB(database)

	refs, err := mgr.ListDisabled(ctx, file)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), refs)
}

func runAuditLog(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	mgr, _, err := newManager(context.Background(), false)
	if err != nil {
		return err
	}
	entries, err := mgr.AuditLog(limit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), entries)
}

func runVersions(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	mgr, _, err := newManager(context.Background(), false)
	if err != nil {
		return err
	}
	versions, err := mgr.ListVersions(file)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), versions)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	user, _ := cmd.Flags().GetString("user")

	mgr, _, err := newManager(context.Background(), false)
	if err != nil {
		return err
	}
	ref, err := mgr.Snapshot(file, user)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ref)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	file, _ := cmd.Flags().GetString("file")
	timestamp, _ := cmd.Flags().GetString("timestamp")
	user, _ := cmd.Flags().GetString("user")
	yes, _ := cmd.Flags().GetBool("yes")

	if !yes {
		ok, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Roll back %s to %s?", file, timestamp))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rollback cancelled")
		}
	}

	mgr, database, err := newManager(ctx, true)
	if err != nil {
		return err
	}
	defer closeDB(database)

	res, err := mgr.Rollback(ctx, file, timestamp, user)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
