package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/internal/observability"
	"github.com/xkilldash9x/dredge/internal/rules"
)

// newRulesCmd groups the rule file maintenance subcommands.
func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Maintain the YAML rule file",
	}

	var rulesFile string
	rulesCmd.PersistentFlags().StringVarP(&rulesFile, "rules", "r", "rules.yaml", "rule file to operate on")

	addCmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Merge rules from another file, skipping same-named rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			n, err := rules.Add(rulesFile, args[0], logger)
			if err != nil {
				return err
			}
			logger.Info("Rules merged",
				zap.Int("added", n), zap.String("file", rulesFile))
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a rule by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			removed, err := rules.Remove(rulesFile, args[0], logger)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no rule named %q in %s", args[0], rulesFile)
			}
			logger.Info("Rule removed",
				zap.String("name", args[0]), zap.String("file", rulesFile))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the rules in severity order",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			loaded, err := rules.Load(rulesFile, logger)
			if err != nil {
				return err
			}
			compiled, err := rules.Compile(loaded, logger)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tPATH\tSIGNATURE")
			for _, r := range compiled.Rules() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Severity, r.Path, r.Signature)
			}
			return tw.Flush()
		},
	}

	rulesCmd.AddCommand(addCmd, removeCmd, listCmd)
	return rulesCmd
}
