package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/leonunix/kbsync/internal/config"
	"github.com/leonunix/kbsync/internal/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("kbsync failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "kbsync",
		Short:         "Synchronize tenant documents into managed knowledge-base indexes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			*cfg = *loaded
			util.SetupLogger(cfg.Logging.Level)
			return nil
		},
	}
	cfg = &config.Config{}
	root.PersistentFlags().StringVar(&configPath, "config", "kbsync.yaml", "path to configuration file")

	root.AddCommand(
		newServeCmd(cfg),
		newRunCmd(cfg),
		newLockCmd(cfg),
		newStatusCmd(cfg),
	)
	return root
}
