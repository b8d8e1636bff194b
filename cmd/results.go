package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/export"
	"github.com/xkilldash9x/dredge/internal/observability"
	"github.com/xkilldash9x/dredge/internal/store"
)

// newResultsCmd groups the stored-finding subcommands.
func newResultsCmd() *cobra.Command {
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect and export stored findings",
	}

	var (
		targetLike  string
		ruleLike    string
		minSeverity string
		limit       int
	)
	resultsCmd.PersistentFlags().StringVar(&targetLike, "target", "", "filter targets with a SQL LIKE pattern")
	resultsCmd.PersistentFlags().StringVar(&ruleLike, "rule", "", "filter rule names with a SQL LIKE pattern")
	resultsCmd.PersistentFlags().StringVar(&minSeverity, "min-severity", "", "drop findings below this severity")
	resultsCmd.PersistentFlags().IntVar(&limit, "limit", 0, "maximum findings to return, 0 for all")

	queryFindings := func(cmd *cobra.Command) ([]schemas.Finding, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if minSeverity != "" && !schemas.Severity(minSeverity).Valid() {
			return nil, fmt.Errorf("unknown severity %q", minSeverity)
		}

		st, err := store.Open(cmd.Context(), cfg.Database, observability.GetLogger())
		if err != nil {
			return nil, err
		}
		defer st.Close()

		return st.QueryFindings(cmd.Context(), store.Filter{
			TargetLike:  targetLike,
			RuleLike:    ruleLike,
			MinSeverity: schemas.Severity(minSeverity),
			Limit:       limit,
		})
	}

	var (
		format string
		output string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export findings as CSV or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			fm, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			findings, err := queryFindings(cmd)
			if err != nil {
				return err
			}

			out := os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := export.Write(out, findings, fm); err != nil {
				return err
			}
			if output != "" && output != "-" {
				observability.GetLogger().Info("Findings exported",
					zap.Int("count", len(findings)),
					zap.String("file", output))
			}
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "csv", "export format: csv or json")
	exportCmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print findings as a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := queryFindings(cmd)
			if err != nil {
				return err
			}
			return export.Table(os.Stdout, findings)
		},
	}

	resultsCmd.AddCommand(exportCmd, listCmd)
	return resultsCmd
}
