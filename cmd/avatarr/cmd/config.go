package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/avatarr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing avatarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  avatarr config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/avatarr, $HOME/.avatarr)
  - Environment variables (AVATARR_SERVER_PORT, AVATARR_STORAGE_ROOT, etc.)
  - Command-line flags (for some options)

Environment variables use the AVATARR_ prefix and underscores for nesting.
Example: server.port -> AVATARR_SERVER_PORT`,
	RunE: runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Load and validate the effective configuration, reporting the first violation found.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(cfgFile); err != nil {
		return err
	}

	fmt.Println("configuration OK")
	return nil
}
