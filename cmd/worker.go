package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/observability"
	"github.com/xkilldash9x/dredge/internal/worker"
)

const defaultPidFile = "dredge-worker.pid"

// newWorkerCmd groups the scan agent lifecycle subcommands.
func newWorkerCmd() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the remote scan agent",
	}

	var pidPath string
	workerCmd.PersistentFlags().StringVar(&pidPath, "pid-file", defaultPidFile, "pid file used by stop and status")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to a master and process leased chunks until drained",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("distributed.master_addr", cmd.Flags().Lookup("master"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pf := worker.NewPidFile(pidPath)
			if err := pf.Write(); err != nil {
				return err
			}
			defer pf.Remove()

			cache, err := dnscache.Open(cfg.DNS, logger)
			if err != nil {
				return fmt.Errorf("opening dns cache: %w", err)
			}
			defer cache.Close()

			w := worker.New(cfg, cache, logger)
			return w.Run(ctx)
		},
	}
	startCmd.Flags().StringP("master", "m", "", "master address to dial (host:port)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal the running worker to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := worker.NewPidFile(pidPath).Stop()
			if err != nil {
				return err
			}
			observability.GetLogger().Info("Stop signal sent", zap.Int("pid", pid))
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a worker is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, alive, err := worker.NewPidFile(pidPath).Status()
			if err != nil {
				return err
			}
			switch {
			case alive:
				fmt.Printf("worker running with pid %d\n", pid)
			case pid != 0:
				fmt.Printf("worker pid %d recorded but not running\n", pid)
			default:
				fmt.Println("no worker running")
			}
			return nil
		},
	}

	workerCmd.AddCommand(startCmd, stopCmd, statusCmd)
	return workerCmd
}
