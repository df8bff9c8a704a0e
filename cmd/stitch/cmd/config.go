package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/stitch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing stitch configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

This shows all configuration options after applying defaults, config file,
environment variables and flags. Redirect the output to a file to create a
configuration template:

  stitch config dump > config.yaml

Environment variables use the STITCH_ prefix and underscores for nesting.
Example: server.port -> STITCH_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}
