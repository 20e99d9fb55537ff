package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/ptufix/internal/catalog"
	"github.com/solatis/ptufix/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the rule catalog",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or update catalog rules and lists from a rule file",
	RunE:  runRulesImport,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog rules in evaluation order",
	RunE:  runRulesList,
}

var rulesHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the change history of a rule, newest first",
	RunE:  runRulesHistory,
}

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "Manage code lists",
}

var listsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or replace a code list from a file",
	RunE:  runListsSet,
}

var watchRulesCmd = &cobra.Command{
	Use:   "watch-rules",
	Short: "Import a rule file and re-import it whenever it changes",
	RunE:  runWatchRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd, listsCmd, watchRulesCmd)
	rulesCmd.AddCommand(rulesImportCmd, rulesListCmd, rulesHistoryCmd)
	listsCmd.AddCommand(listsSetCmd)

	rulesImportCmd.Flags().String("file", "", "rule file (YAML or JSON)")
	rulesImportCmd.Flags().String("user", "cli", "actor recorded in history")
	rulesImportCmd.MarkFlagRequired("file")

	rulesListCmd.Flags().Bool("all", false, "include inactive rules")

	rulesHistoryCmd.Flags().String("rule-id", "", "rule id")
	rulesHistoryCmd.MarkFlagRequired("rule-id")

	listsSetCmd.Flags().String("list-id", "", "code list id")
	listsSetCmd.Flags().String("file", "", "values file (one code per line, or a YAML/JSON list)")
	listsSetCmd.Flags().String("name", "", "display name")
	listsSetCmd.Flags().String("user", "cli", "actor recorded on the list")
	listsSetCmd.MarkFlagRequired("list-id")
	listsSetCmd.MarkFlagRequired("file")

	watchRulesCmd.Flags().String("file", "", "rule file (YAML or JSON)")
	watchRulesCmd.Flags().String("user", "watcher", "actor recorded in history")
	watchRulesCmd.Flags().Duration("debounce", catalog.DefaultDebounce, "quiet period before a reload")
	watchRulesCmd.MarkFlagRequired("file")
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	file, _ := cmd.Flags().GetString("file")
	user, _ := cmd.Flags().GetString("user")

	_, database, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	rf, err := catalog.LoadRuleFile(file)
	if err != nil {
		return err
	}
	res, err := store.Import(ctx, rf, user)
	if err != nil {
		return fmt.Errorf("import %s: %w", file, err)
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	all, _ := cmd.Flags().GetBool("all")

	_, database, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	var list []types.Rule
	if all {
		list, err = store.All(ctx)
	} else {
		list, err = store.ListActive(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), list)
}

func runRulesHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ruleID, _ := cmd.Flags().GetString("rule-id")

	_, database, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	history, err := store.History(ctx, ruleID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), history)
}

func runListsSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	listID, _ := cmd.Flags().GetString("list-id")
	file, _ := cmd.Flags().GetString("file")
	name, _ := cmd.Flags().GetString("name")
	user, _ := cmd.Flags().GetString("user")

	entries, err := catalog.LoadCodeValues(file)
	if err != nil {
		return err
	}

	_, database, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	if name == "" {
		current, err := store.CodeLists(ctx)
		if err != nil {
			return err
		}
		for _, l := range current {
			if l.ListID == listID {
				name = l.Name
			}
		}
	}
	list := types.CodeList{ListID: listID, Name: name, Entries: entries}
	if err := store.UpsertList(ctx, list, user); err != nil {
		return err
	}
	logger.Info("code list stored", "list_id", listID, "values", len(entries), "actor", user)
	return printJSON(cmd.OutOrStdout(), map[string]any{"list_id": listID, "values": len(entries)})
}

func runWatchRules(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	file, _ := cmd.Flags().GetString("file")
	user, _ := cmd.Flags().GetString("user")
	debounce, _ := cmd.Flags().GetDuration("debounce")

	_, database, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	w, err := catalog.NewWatcher(store, file, user, debounce, logger)
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("rule watcher stopped", "file", file)
	return nil
}
