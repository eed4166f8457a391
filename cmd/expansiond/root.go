package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/expansiond/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	// Global flags
	cfgPath     string
	downloadDir string
	logLevel    string
	logFormat   string
	quiet       bool
	globalCfg   *config.Config
	logger      = slog.Default()
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expansiond",
		Short: "Resumable downloader for application expansion files",
		Long: `expansiond keeps an application's expansion files (a primary file and an
optional patch file) in sync with what its licensing server or static manifest
says they should be. Interrupted transfers resume from the last checkpoint
as long as the server still serves the same object.`,
		Example: `  expansiond fetch
  expansiond fetch --listen 127.0.0.1:8686 --retry 5
  expansiond status
  expansiond reset --slot 1
  expansiond config validate`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
				if err := globalCfg.ApplyEnv(); err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			if downloadDir != "" {
				globalCfg.DownloadDir = downloadDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "download_dir", globalCfg.DownloadDir)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&downloadDir, "download-dir", "", "override download directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newFetchCmd(),
		newStatusCmd(),
		newResetCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
		"init":    true,
	}
	return skipConfigCmds[cmdName]
}
