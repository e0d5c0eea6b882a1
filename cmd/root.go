// Package cmd provides the strata command-line interface.
//
// Configuration is resolved with this precedence, highest first:
//  1. Command-line flags (--config, --port, --log-level, ...)
//  2. STRATA_CONFIG_FILE: path to a custom configuration file
//  3. STRATA_<SECTION>_<KEY> environment variables (STRATA_SERVER_PORT, ...)
//  4. The .strata.yml configuration file
//  5. Built-in defaults
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/strata/internal/config"
	"github.com/conneroisu/strata/internal/di"
	"github.com/conneroisu/strata/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Compile, cache and serve headless CMS collection schemas",
	Long: `Strata compiles TypeScript collection definitions into JavaScript
artifacts, keeps a registry of the compiled collections, and serves them
together with the category tree over a cached HTTP API.

Quick Start:
  strata compile              Compile every collection once
  strata serve                Start the API server and watch for changes
  strata collections list     List the compiled collections
  strata categories show      Print the category tree`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .strata.yml, can also use STRATA_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the configuration file and the environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("STRATA_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".strata")
	}

	viper.SetEnvPrefix("STRATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// a missing file falls back to defaults and the environment
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = cfg.Format
	return logging.NewLogger(lc), nil
}

// setup loads the configuration and builds the container. The returned
// function shuts the container down.
func setup(ctx context.Context) (*di.Container, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	container, err := di.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	cleanup := func() {
		if err := container.Shutdown(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error during shutdown: %v\n", err)
		}
	}
	return container, cleanup, nil
}
