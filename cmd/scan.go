package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/master"
	"github.com/xkilldash9x/dredge/internal/observability"
	"github.com/xkilldash9x/dredge/internal/scanner"
	"github.com/xkilldash9x/dredge/internal/store"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	var (
		inputFile string
		rulesFile string
		rescan    bool
		dnsOnly   bool
		listen    string
	)

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Runs a scan over a target list with a rule file",
		Long: `Reads newline-separated domains from the input file, expands them against
the rule file, and probes every pair. With --listen the process becomes a
master that hands the work to remote workers instead of probing itself.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind tuning flags onto their config keys so they override the
			// config file and environment with the right precedence.
			for flag, key := range map[string]string{
				"concurrency": "probe.concurrency",
				"batch-size":  "probe.batch_size",
				"timeout":     "probe.timeout",
				"retries":     "probe.retries",
				"rate-limit":  "probe.rate_limit",
				"chunk-size":  "distributed.chunk_size",
				"database":    "database.path",
			} {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Scan.InputFile = inputFile
			cfg.Scan.RulesFile = rulesFile
			cfg.Scan.Rescan = rescan
			cfg.Scan.DNSOnly = dnsOnly
			cfg.Distributed.Listen = listen

			var summary schemas.ScanSummary
			if listen != "" {
				summary, err = runMaster(cmd, cfg, logger)
			} else {
				summary, err = scanner.Run(ctx, cfg, logger)
			}
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}

	scanCmd.Flags().StringVarP(&inputFile, "input", "i", "", "newline-separated domain list (required)")
	scanCmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "YAML rule file (required)")
	scanCmd.Flags().IntP("concurrency", "c", 100, "maximum in-flight HTTP requests")
	scanCmd.Flags().StringP("database", "d", "dredge.db", "findings database path")
	scanCmd.Flags().IntP("batch-size", "b", 1000, "maximum targets awaiting DNS resolution")
	scanCmd.Flags().Duration("timeout", 10*time.Second, "per-request HTTP timeout")
	scanCmd.Flags().Int("retries", 2, "retry budget per probe")
	scanCmd.Flags().Float64("rate-limit", 0, "outbound requests per second, 0 to disable")
	scanCmd.Flags().Int("chunk-size", 1000, "work items per leased chunk")
	scanCmd.Flags().BoolVar(&rescan, "rescan", false, "overwrite existing findings instead of keeping the first")
	scanCmd.Flags().BoolVar(&dnsOnly, "dns-only", false, "resolve targets without probing")
	scanCmd.Flags().StringVar(&listen, "listen", "", "serve work to remote workers on this address instead of scanning locally")
	scanCmd.MarkFlagRequired("input")
	scanCmd.MarkFlagRequired("rules")

	return scanCmd
}

// runMaster runs the distributed side of a scan: same inputs, but the chunks
// go out to registered workers and results come back over the wire.
func runMaster(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) (schemas.ScanSummary, error) {
	ctx := cmd.Context()

	in, err := scanner.LoadInputs(cfg, logger)
	if err != nil {
		return schemas.ScanSummary{}, err
	}

	cache, err := dnscache.Open(cfg.DNS, logger)
	if err != nil {
		return schemas.ScanSummary{}, fmt.Errorf("opening dns cache: %w", err)
	}
	defer cache.Close()

	st, err := store.Open(ctx, cfg.Database, logger, store.WithRescan(cfg.Scan.Rescan))
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	defer st.Close()

	chunks := in.Chunks(cfg.Distributed.ChunkSize)
	m := master.New(cfg.Distributed, st, cache, in.Rules, chunks, len(in.Targets), logger)
	return m.Run(ctx)
}

func printSummary(s schemas.ScanSummary) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "targets\t%d\n", s.Targets)
	fmt.Fprintf(tw, "probes\t%d\n", s.Probes)
	fmt.Fprintf(tw, "probes ok\t%d\n", s.ProbesOK)
	for kind, n := range s.ProbesFailed {
		fmt.Fprintf(tw, "probes failed (%s)\t%d\n", kind, n)
	}
	for sev, n := range s.Findings {
		fmt.Fprintf(tw, "findings (%s)\t%d\n", sev, n)
	}
	if s.DeadWorkers > 0 {
		fmt.Fprintf(tw, "dead workers\t%d\n", s.DeadWorkers)
	}
	fmt.Fprintf(tw, "elapsed\t%s\n", s.Elapsed.Round(10*time.Millisecond))
	tw.Flush()
}
