// Command openbudget runs the OpenBudget ledger service and its tooling.
package main

import (
	"fmt"
	"os"

	"openbudget/pkg/config"
	"openbudget/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envName   string
	configDir string
)

var rootCmd = &cobra.Command{
	Use:           "openbudget",
	Short:         "Public budget ledger with milestone-gated fund release",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envName, "env", config.GetConfigEnv(), "config environment (local, production, ...)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory holding base.yaml and <env>.yaml")
}

// bootstrap loads config and builds the logger shared by every command.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envName, configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
