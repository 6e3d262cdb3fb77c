package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"echoroom-agent/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "echoroom",
		Short:         "EchoRoom: chat with fictionalized historical personas",
		Long:          "echoroom serves the persona chat and roundtable API behind a rate and cost governor, either as an HTTP server or as an AWS Lambda function.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newLambdaCmd(opts),
		newPersonasCmd(opts),
		newUsageCmd(opts),
	)
	return rootCmd
}

// load reads the configuration and installs the process logger.
func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if lvl := strings.TrimSpace(o.logLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("--log-level: %w", err)
	}
	logger := config.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
