// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Identity commands",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var identityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a placeholder identity",
	Long: `Create a placeholder identity manifest for this home.

The fingerprint is a stable digest of the name, not a cryptographic
identity; an external identity provider can replace the manifest later.
An existing identity is never overwritten.`,
	Run: runIdentityInit,
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current identity",
	Run:   runIdentityShow,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityInitCmd)
	identityCmd.AddCommand(identityShowCmd)

	identityInitCmd.Flags().String("name", "", "Agent name (required)")
	identityInitCmd.Flags().String("email", "", "Agent email (default: derived from the name)")
	identityInitCmd.MarkFlagRequired("name")
}

func runIdentityInit(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")

	id, err := identity.Create(wardenHome(cmd), name, email)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create identity")
	}

	printIdentity(id)
}

func runIdentityShow(cmd *cobra.Command, args []string) {
	id, err := identity.Load(wardenHome(cmd))
	if err != nil {
		if errors.Is(err, identity.ErrNoIdentity) {
			fmt.Println("No identity found. Run 'warden identity init --name <name>' first.")
			os.Exit(1)
		}
		logger.Fatal().Err(err).Msg("Failed to load identity")
	}

	printIdentity(id)
}

func printIdentity(id *identity.Identity) {
	fmt.Printf("  Name:        %s\n", id.Name)
	fmt.Printf("  Email:       %s\n", id.Email)
	fmt.Printf("  Fingerprint: %s\n", id.Fingerprint)
	fmt.Printf("  Created:     %s\n", humanize.Time(id.CreatedAt))
	fmt.Printf("  Managed:     %v\n", id.Managed)
}
