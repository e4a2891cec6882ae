// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"path/filepath"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/kms"
	"github.com/wardenlabs/warden/pkg/logger"
	"github.com/wardenlabs/warden/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - key management and record integrity for agents",
	Long: `Warden manages a local key hierarchy and the integrity of stored records.
The KMS derives service, subkey, and team keys from an identity-rooted master key,
and the fortress seals memory records so any tampering is detectable.`,
	PersistentPreRun: initializeConfiguration,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("home", "", "Warden home directory (default ~/.warden, or WARDEN_HOME)")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("agent", "", "Agent name recorded on audit events and checked against team ACLs")
}

// initializeConfiguration merges the optional warden config file and applies
// the effective log level before any subcommand runs.
func initializeConfiguration(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("warden", false)

	f := NewFlagLoader(cmd)
	raw := f.String("log_level")
	if raw == "" {
		return
	}

	level, err := zerolog.ParseLevel(raw)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", raw).Msg("Invalid log level, keeping current level")
		return
	}
	logger.SetLevel(level)
}

// wardenHome resolves the state directory for this invocation: the --home
// flag wins, then WARDEN_HOME, then ~/.warden.
func wardenHome(cmd *cobra.Command) string {
	if home, _ := cmd.Flags().GetString("home"); home != "" {
		return utils.ResolvePath(home)
	}
	if home := os.Getenv("WARDEN_HOME"); home != "" {
		return utils.ResolvePath(home)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve home directory")
	}
	return filepath.Join(home, ".warden")
}

// openKeyStore builds the keystore for a CLI invocation with the audit
// trail and agent attribution wired in.
func openKeyStore(cmd *cobra.Command) *kms.KeyStore {
	home := wardenHome(cmd)

	opts := []kms.Option{kms.WithAuditTrail(audit.NewTrail(home))}
	if agent := NewFlagLoader(cmd).String("agent"); agent != "" {
		opts = append(opts, kms.WithAgent(agent))
	}
	return kms.New(home, opts...)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
