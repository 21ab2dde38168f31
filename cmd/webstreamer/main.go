// Package main is the webstreamer command.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/webstreamer/webstreamer/internal/config"
	"github.com/webstreamer/webstreamer/internal/logging/loki"
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultConfigFile = "webstreamer.yaml"

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "webstreamer",
		Short: "Stream channel media over HTTP",
		Long: `webstreamer serves media stored as channel messages over plain HTTP,
with byte-range support, token-gated links and load balancing across workers.

Examples:
  # Run the gateway
  webstreamer serve -c webstreamer.yaml

  # Print the stream link for message 42
  webstreamer link 42 --qr

  # Upload a file into a local store worker
  webstreamer store put movie.mp4 --worker local`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLinkCmd())
	rootCmd.AddCommand(newStoreCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("webstreamer %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads and validates the config file. The file's log_level
// applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cmd.Flags().Changed("log-level") && !config.ApplyLogLevel(cfg.LogLevel) {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level in config, keeping default")
	}
	return cfg, nil
}

// setupLoki adds Loki shipping to the global logger when enabled. The
// returned func flushes and stops the writer.
func setupLoki(cfg *config.Config) func() {
	if !cfg.Loki.Enabled {
		return func() {}
	}

	flushInterval, err := cfg.Loki.FlushIntervalDuration()
	if err != nil {
		flushInterval = loki.DefaultFlushInterval
	}
	labels := map[string]string{"version": Version}
	if host, err := os.Hostname(); err == nil {
		labels["host"] = host
	}
	for k, v := range cfg.Loki.Labels {
		labels[k] = v
	}

	lokiWriter := loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: flushInterval,
		Labels:        labels,
	})
	lokiWriter.Start()

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		lokiWriter,
	))
	log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	return lokiWriter.Stop
}
