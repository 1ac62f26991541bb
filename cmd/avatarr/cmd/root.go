// Package cmd implements the CLI commands for avatarr.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/avatarr/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "avatarr",
	Short:   "Video message generation service",
	Version: version.Short(),
	Long: `avatarr turns a portrait photo and an audio track into a short talking
video message. It orchestrates the external person detection, background
removal, and video synthesis engines, schedules their GPU slots, tracks
per-task progress, and manages the artifact storage tiers.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Flag values are folded into the loaded config by the subcommands;
	// CLI flags beat env vars which beat the config file.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/avatarr, $HOME/.avatarr)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// applyLoggingFlags overrides logging config with explicitly set CLI flags.
func applyLoggingFlags(flags *pflag.FlagSet, level, format *string) {
	if flags.Changed("log-level") {
		*level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		*format, _ = flags.GetString("log-format")
	}
}
