// Package cmd implements the CLI commands for stitch.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/stitch/internal/config"
	"github.com/jmylchreest/stitch/internal/observability"
	"github.com/jmylchreest/stitch/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "stitch",
	Short:   "Streaming HTML layout composition service",
	Version: version.Short(),
	Long: `stitch assembles HTML pages on the fly: it streams a layout template
to the client and substitutes <fragment> placeholders with content fetched
concurrently from upstream services, so every piece of the page arrives as
soon as its upstream responds.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stitch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text, json)")

	// Bind flags to viper
	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// Set default configuration values before reading config file
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/stitch")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stitch")
	}

	// Environment variables
	viper.SetEnvPrefix("STITCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the slog logger based on configuration.
func initLogging() error {
	logger := observability.NewLogger(config.LoggingConfig{
		Level:  strings.ToLower(viper.GetString("logging.level")),
		Format: strings.ToLower(viper.GetString("logging.format")),
	})
	observability.SetDefault(logger)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
