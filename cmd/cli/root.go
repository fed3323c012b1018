// Package cli provides the command-line interface for portsim.
// This package implements the Cobra-based command tree: one-off scans,
// scan history, port presets, configuration and the API server.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/logging"
)

const envPrefix = "PORTSIM"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "portsim",
	Short: "Simulated TCP port scanner",
	Long: `portsim simulates TCP port scans against a target. Ports are resolved
from presets or custom lists, classified by a probabilistic model, and
throttled according to the selected scan method. Completed scans are kept
in a bounded history and can be exported as JSON.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./portsim.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig locates the config file and enables PORTSIM_* environment
// overrides, e.g. PORTSIM_API_PORT or PORTSIM_HISTORY_DSN.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("portsim")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// overrideKeys are the settings that may be overridden from the environment.
var overrideKeys = []string{
	"scanning.default_preset",
	"scanning.default_method",
	"history.driver",
	"history.dsn",
	"history.limit",
	"api.listen_addr",
	"api.port",
	"api.enable_metrics",
	"logging.level",
	"logging.format",
	"logging.output",
}

// loadConfig loads the config file found by initConfig and applies
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}

	for _, key := range overrideKeys {
		if _, ok := os.LookupEnv(envName(key)); ok {
			applyOverride(cfg, key)
		}
	}
	if verbose {
		cfg.Logging.Level = logging.LevelDebug
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envName returns the environment variable for a config key.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyOverride(cfg *config.Config, key string) {
	switch key {
	case "scanning.default_preset":
		cfg.Scanning.DefaultPreset = viper.GetString(key)
	case "scanning.default_method":
		cfg.Scanning.DefaultMethod = viper.GetString(key)
	case "history.driver":
		cfg.History.Driver = viper.GetString(key)
	case "history.dsn":
		cfg.History.DSN = viper.GetString(key)
	case "history.limit":
		cfg.History.Limit = viper.GetInt(key)
	case "api.listen_addr":
		cfg.API.ListenAddr = viper.GetString(key)
	case "api.port":
		cfg.API.Port = viper.GetInt(key)
	case "api.enable_metrics":
		cfg.API.EnableMetrics = viper.GetBool(key)
	case "logging.level":
		cfg.Logging.Level = logging.LogLevel(viper.GetString(key))
	case "logging.format":
		cfg.Logging.Format = logging.LogFormat(viper.GetString(key))
	case "logging.output":
		cfg.Logging.Output = viper.GetString(key)
	}
}

// initLogging creates the process logger from cfg and makes it the default.
func initLogging(cfg *config.Config) *logging.Logger {
	logConfig := cfg.Logging
	logConfig.AddSource = logConfig.Level == logging.LevelDebug

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logger.Debug("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
	return logger
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
