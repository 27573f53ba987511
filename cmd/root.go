package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/weatherlogd/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=v1.2.3".
var Version = "dev"

var (
	cfgFile   string
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "weatherlogd",
	Short: "Data logger for Ambient Weather stations",
	Long: `weatherlogd polls an Ambient Weather station over the REST API, stores
every measurement once in a local SQLite file, migrates that file between
schema versions, and keeps tiered off-site backups in S3-compatible object
storage. A read-only REST API serves the stored measurements.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json, overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs and returns the process logger. Flags win over the
// configured values.
func setupLogging(format, level string) *slog.Logger {
	if logFormat != "" {
		format = logFormat
	}
	if logLevel != "" {
		level = logLevel
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads the configuration, validating all of it when full is
// set, and sets up logging from it.
func loadConfig(full bool) (*config.Config, *slog.Logger, error) {
	setupLogging("json", "info")

	var (
		cfg *config.Config
		err error
	)
	if full {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.Read(cfgFile)
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogging(cfg.LogFormat, cfg.LogLevel), nil
}
