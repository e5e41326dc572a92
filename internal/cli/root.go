package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/config"
	"github.com/ppiankov/autoremedy/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "autoremedy",
	Short: "Alert-to-action automation engine for managed IT",
	Long: `Receives monitoring alerts from RMM and PSA tools, matches them against
automation rules and runs the remediation actions: scripts, ticket updates,
notifications and escalations through chains of assignees.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default ~/.autoremedy/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config and expands ~ in paths.
func loadConfig() (*config.Config, string, error) {
	cfg, hash, err := config.LoadWithHash(configPath)
	if err != nil {
		return nil, "", err
	}
	cfg.RulesFile = config.ExpandHome(cfg.RulesFile)
	cfg.AuditLog = config.ExpandHome(cfg.AuditLog)
	cfg.InboxDir = config.ExpandHome(cfg.InboxDir)
	cfg.Store.Path = config.ExpandHome(cfg.Store.Path)
	cfg.Scripts.Dir = config.ExpandHome(cfg.Scripts.Dir)
	return cfg, hash, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return logger, nil
}
