// Package cmd provides the command-line interface for assetpipe.
//
// Configuration is read from several sources with this precedence:
//
//  1. Command-line flags (--config, --mode, --port, ...)
//  2. ASSETPIPE_* environment variables (ASSETPIPE_SERVER_PORT, ...)
//  3. A .env file in the working directory
//  4. The configuration file: --config, then ASSETPIPE_CONFIG_FILE, then
//     .assetpipe.yml in the working directory
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/logging"
)

var (
	cfgFile   string
	logLevel  = newChoice("info", "debug", "info", "warn", "error")
	logFormat = newChoice("text", "text", "json")
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "assetpipe",
	Short: "Build and serve front-end assets",
	Long: `assetpipe turns a tree of JavaScript, Vue components, stylesheets and
images into browser-ready chunks, an HTML document and an asset manifest.

Quick Start:
  assetpipe serve                 Start the development server
  assetpipe build                 Build for production into dist/
  assetpipe inspect               Show the chunk layout of a build
  assetpipe publish               Upload dist/ to object storage

Command Aliases:
  serve (s), build (b), inspect (i)`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .assetpipe.yml, can also use ASSETPIPE_CONFIG_FILE)")
	rootCmd.PersistentFlags().VarP(logLevel, "log-level", "l", "log level ("+logLevel.Allowed()+")")
	rootCmd.PersistentFlags().Var(logFormat, "log-format", "log format ("+logFormat.Allowed()+")")
}

// initConfig points viper at the configuration file and the environment.
// A missing file is not an error; defaults apply.
func initConfig() {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "Ignoring .env:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("ASSETPIPE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".assetpipe")
	}

	viper.SetEnvPrefix("ASSETPIPE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// project is everything a command needs to run a pipeline.
type project struct {
	root   string
	cfg    *config.Config
	policy config.ModePolicy
	logger logging.Logger
}

// loadProject loads the configuration from v and resolves the mode policy.
// The project root is the directory of the configuration file, or the
// working directory.
func loadProject(v *viper.Viper) (*project, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, err
	}
	policy, err := config.ResolvePolicy(cfg, os.Getenv)
	if err != nil {
		return nil, err
	}

	root := "."
	if used := v.ConfigFileUsed(); used != "" {
		root = filepath.Dir(used)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	logger.Debug(context.Background(), "project loaded", "root", root, "mode", policy.Mode().String())
	return &project{root: root, cfg: cfg, policy: policy, logger: logger}, nil
}

func newLogger() (logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel.String())
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = logFormat.String()
	return logging.NewLogger(lc), nil
}
