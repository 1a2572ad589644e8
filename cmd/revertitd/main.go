// Package main is the daemon entry point for meshadmin-revertit.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshadmin/revertit/internal/config"
	"github.com/meshadmin/revertit/internal/daemon"
)

var (
	configPath string
	forceReset bool
	foreground bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "revertitd",
	Short: "Safety daemon that snapshots and auto-reverts watched configuration files",
	Long: `revertitd watches a curated set of system configuration files, snapshots
each one before an edit takes effect, opens a bounded confirmation window,
and automatically restores the prior state if the window expires or
connectivity to the host is lost.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/meshadmin-revertit/config.yaml", "path to the daemon's YAML configuration")
	rootCmd.Flags().BoolVar(&forceReset, "force-reset", false, "discard an unreadable ledger journal instead of refusing to start")
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "log to stderr instead of the production log files")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := createLogger(foreground)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration invalid, refusing to start", zap.Error(err))
		return fmt.Errorf("loading configuration: %w", err)
	}

	d, err := daemon.New(logger, &cfg, forceReset)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}

	logger.Info("starting revertitd", zap.String("config", configPath))
	return d.Run(context.Background())
}

func createLogger(foreground bool) *zap.Logger {
	if foreground {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"/var/log/meshadmin-revertit/revertitd.log"}
	cfg.ErrorOutputPaths = []string{"/var/log/meshadmin-revertit/revertitd.error.log"}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
