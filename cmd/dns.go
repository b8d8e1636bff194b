package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/observability"
)

// newDNSCmd groups the resolution cache subcommands.
func newDNSCmd() *cobra.Command {
	dnsCmd := &cobra.Command{
		Use:   "dns",
		Short: "Inspect and maintain the resolution cache",
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Drop every cached resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache, err := dnscache.Open(cfg.DNS, logger)
			if err != nil {
				return err
			}
			defer cache.Close()

			if err := cache.Flush(); err != nil {
				return err
			}
			logger.Info("DNS cache flushed", zap.String("path", cfg.DNS.CachePath))
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report cache size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache, err := dnscache.Open(cfg.DNS, observability.GetLogger())
			if err != nil {
				return err
			}
			defer cache.Close()

			status := cache.Stats()
			fmt.Printf("path:    %s\n", cfg.DNS.CachePath)
			fmt.Printf("entries: %d\n", status.Entries)
			return nil
		},
	}

	dnsCmd.AddCommand(flushCmd, statusCmd)
	return dnsCmd
}
