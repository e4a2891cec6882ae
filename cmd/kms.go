// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/wardenlabs/warden/pkg/kms"
	"github.com/wardenlabs/warden/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var kmsCmd = &cobra.Command{
	Use:   "kms",
	Short: "Key management commands",
	Long:  `Commands for the local key hierarchy: initialization, key derivation, team keys, rotation, and revocation.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var kmsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the keystore",
	Long: `Derive the master key from the local identity and create the keystore.

Initialization is idempotent: if an active master key already exists it is
returned unchanged.`,
	Run: runKmsInit,
}

var kmsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keystore status",
	Run:   runKmsStatus,
}

var kmsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	Run:   runKmsList,
}

var kmsDeriveCmd = &cobra.Command{
	Use:   "derive <service>",
	Short: "Derive a service key",
	Long: `Derive a deterministic service key from the master key.

Example:
  warden kms derive api-gateway --ttl 720h`,
	Args: cobra.ExactArgs(1),
	Run:  runKmsDerive,
}

var kmsSubkeyCmd = &cobra.Command{
	Use:   "subkey <label>",
	Short: "Derive a subkey",
	Long: `Derive a subkey from the master key, or from another key with --parent.

Example:
  warden kms subkey session-tokens --parent api-gateway`,
	Args: cobra.ExactArgs(1),
	Run:  runKmsSubkey,
}

var kmsTeamCmd = &cobra.Command{
	Use:   "team",
	Short: "Team key commands",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var kmsTeamCreateCmd = &cobra.Command{
	Use:   "create <team>",
	Short: "Create a shared team key",
	Long: `Create a random team key with a member access list.

Example:
  warden kms team create ops --members alice,bob`,
	Args: cobra.ExactArgs(1),
	Run:  runKmsTeamCreate,
}

var kmsTeamAddCmd = &cobra.Command{
	Use:   "add <team> <agent>",
	Short: "Add a member to a team key",
	Args:  cobra.ExactArgs(2),
	Run:   runKmsTeamAdd,
}

var kmsTeamRemoveCmd = &cobra.Command{
	Use:   "remove <team> <agent>",
	Short: "Remove a member from a team key",
	Args:  cobra.ExactArgs(2),
	Run:   runKmsTeamRemove,
}

var kmsRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a key to a new version",
	Long: `Rotate a key: the current version is marked rotated and a new version
becomes active. Rotating the master key while derived keys are active
requires --cascade, which re-derives them under the new master.

Example:
  warden kms rotate 47ba4d38e729ee49 --reason "quarterly rotation"`,
	Args: cobra.ExactArgs(1),
	Run:  runKmsRotate,
}

var kmsRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a key and destroy its material",
	Args:  cobra.ExactArgs(1),
	Run:   runKmsRevoke,
}

var kmsRotationsCmd = &cobra.Command{
	Use:   "rotations",
	Short: "Show the rotation log",
	Run:   runKmsRotations,
}

func init() {
	rootCmd.AddCommand(kmsCmd)
	kmsCmd.AddCommand(kmsInitCmd)
	kmsCmd.AddCommand(kmsStatusCmd)
	kmsCmd.AddCommand(kmsListCmd)
	kmsCmd.AddCommand(kmsDeriveCmd)
	kmsCmd.AddCommand(kmsSubkeyCmd)
	kmsCmd.AddCommand(kmsTeamCmd)
	kmsTeamCmd.AddCommand(kmsTeamCreateCmd)
	kmsTeamCmd.AddCommand(kmsTeamAddCmd)
	kmsTeamCmd.AddCommand(kmsTeamRemoveCmd)
	kmsCmd.AddCommand(kmsRotateCmd)
	kmsCmd.AddCommand(kmsRevokeCmd)
	kmsCmd.AddCommand(kmsRotationsCmd)

	kmsListCmd.Flags().String("type", "", "Filter by key type (master, service, subkey, team)")
	kmsListCmd.Flags().Bool("include-inactive", false, "Include rotated, revoked, and expired keys")

	kmsDeriveCmd.Flags().Duration("ttl", 0, "Key lifetime (e.g. 720h); zero means no expiry")
	viper.BindPFlags(kmsDeriveCmd.Flags())

	kmsSubkeyCmd.Flags().String("parent", "", "Parent key label (default: master key)")

	kmsTeamCreateCmd.Flags().StringSlice("members", nil, "Initial team members")

	kmsRotateCmd.Flags().String("reason", "", "Reason recorded in the rotation log")
	kmsRotateCmd.Flags().Bool("cascade", false, "Re-derive active derived keys when rotating the master key")

	kmsRevokeCmd.Flags().String("reason", "", "Reason recorded in the audit log")
}

func runKmsInit(cmd *cobra.Command, args []string) {
	ks := openKeyStore(cmd)
	master, err := ks.Initialize()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize keystore")
	}

	fmt.Printf("Keystore initialized at %s\n", ks.Dir())
	printKeyRecord(master)
}

func runKmsStatus(cmd *cobra.Command, args []string) {
	ks := openKeyStore(cmd)
	status, err := ks.Status()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read keystore status")
	}

	fmt.Printf("KMS Status:\n")
	fmt.Printf("  Initialized: %v\n", status.Initialized)
	fmt.Printf("  Directory:   %s\n", status.Dir)
	fmt.Printf("  Total keys:  %d\n", status.TotalKeys)
	fmt.Printf("  Active:      %d\n", status.Active)
	fmt.Printf("  Rotated:     %d\n", status.Rotated)
	fmt.Printf("  Revoked:     %d\n", status.Revoked)
	fmt.Printf("  Expired:     %d\n", status.Expired)

	if len(status.ByType) > 0 {
		fmt.Println()
		fmt.Printf("Active keys by type:\n")
		for _, typ := range []kms.KeyType{kms.KeyTypeMaster, kms.KeyTypeService, kms.KeyTypeSubkey, kms.KeyTypeTeam} {
			if n := status.ByType[typ]; n > 0 {
				fmt.Printf("  %-8s %d\n", typ, n)
			}
		}
	}

	if len(status.ExpiringSoon) > 0 {
		fmt.Println()
		fmt.Printf("Expiring within 7 days: %s\n", strings.Join(status.ExpiringSoon, ", "))
	}
}

func runKmsList(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	includeInactive, _ := cmd.Flags().GetBool("include-inactive")

	ks := openKeyStore(cmd)
	records, err := ks.ListKeys(kms.KeyType(typ), includeInactive)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to list keys")
	}

	if len(records) == 0 {
		fmt.Println("No keys found. Run 'warden kms init' first.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tTYPE\tLABEL\tVERSION\tSTATUS\tCREATED")
	fmt.Fprintln(w, "------\t----\t-----\t-------\t------\t-------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%s\t%s\n",
			r.KeyID, r.KeyType, r.Label, r.Version, r.Status, humanize.Time(r.CreatedAt))
	}
	w.Flush()
}

func runKmsDerive(cmd *cobra.Command, args []string) {
	ttl := NewFlagLoader(cmd).Duration("ttl")

	ks := openKeyStore(cmd)
	record, err := ks.DeriveServiceKey(args[0], ttl)
	if err != nil {
		logger.Fatal().Err(err).Str("service", args[0]).Msg("Failed to derive service key")
	}

	fmt.Printf("Service key %q:\n", record.Label)
	printKeyRecord(record)
}

func runKmsSubkey(cmd *cobra.Command, args []string) {
	parent, _ := cmd.Flags().GetString("parent")

	ks := openKeyStore(cmd)
	record, err := ks.DeriveSubkey(args[0], parent)
	if err != nil {
		logger.Fatal().Err(err).Str("label", args[0]).Msg("Failed to derive subkey")
	}

	fmt.Printf("Subkey %q:\n", record.Label)
	printKeyRecord(record)
}

func runKmsTeamCreate(cmd *cobra.Command, args []string) {
	members, _ := cmd.Flags().GetStringSlice("members")

	ks := openKeyStore(cmd)
	record, err := ks.CreateTeamKey(args[0], members)
	if err != nil {
		logger.Fatal().Err(err).Str("team", args[0]).Msg("Failed to create team key")
	}

	fmt.Printf("Team key %q:\n", record.Label)
	printKeyRecord(record)
}

func runKmsTeamAdd(cmd *cobra.Command, args []string) {
	ks := openKeyStore(cmd)
	record, err := ks.AddTeamMember(args[0], args[1])
	if err != nil {
		logger.Fatal().Err(err).Str("team", args[0]).Msg("Failed to add team member")
	}

	fmt.Printf("Team %q members: %s\n", record.Label, strings.Join(record.Members, ", "))
}

func runKmsTeamRemove(cmd *cobra.Command, args []string) {
	ks := openKeyStore(cmd)
	record, err := ks.RemoveTeamMember(args[0], args[1])
	if err != nil {
		logger.Fatal().Err(err).Str("team", args[0]).Msg("Failed to remove team member")
	}

	if len(record.Members) == 0 {
		fmt.Printf("Team %q has no members left; any agent may access it\n", record.Label)
		return
	}
	fmt.Printf("Team %q members: %s\n", record.Label, strings.Join(record.Members, ", "))
}

func runKmsRotate(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")
	cascade, _ := cmd.Flags().GetBool("cascade")

	var opts []kms.RotateOption
	if cascade {
		opts = append(opts, kms.CascadeRotation())
	}

	ks := openKeyStore(cmd)
	record, err := ks.RotateKey(args[0], reason, opts...)
	if err != nil {
		logger.Fatal().Err(err).Str("key_id", args[0]).Msg("Failed to rotate key")
	}

	fmt.Printf("Rotated %s to version %d:\n", args[0], record.Version)
	printKeyRecord(record)
}

func runKmsRevoke(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")

	ks := openKeyStore(cmd)
	record, err := ks.RevokeKey(args[0], reason)
	if err != nil {
		logger.Fatal().Err(err).Str("key_id", args[0]).Msg("Failed to revoke key")
	}

	fmt.Printf("Revoked %s %q (%s); key material destroyed\n", record.KeyType, record.Label, record.KeyID)
}

func runKmsRotations(cmd *cobra.Command, args []string) {
	ks := openKeyStore(cmd)
	entries, err := ks.ReadRotationLog()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read rotation log")
	}

	if len(entries) == 0 {
		fmt.Println("No rotations recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tVERSION\tROTATED\tREASON")
	fmt.Fprintln(w, "------\t-------\t-------\t------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\tv%d -> v%d\t%s\t%s\n",
			e.KeyID, e.OldVersion, e.NewVersion, humanize.Time(e.RotatedAt), e.Reason)
	}
	w.Flush()
}

func printKeyRecord(r *kms.KeyRecord) {
	fmt.Printf("  Key ID:      %s\n", r.KeyID)
	fmt.Printf("  Type:        %s\n", r.KeyType)
	fmt.Printf("  Label:       %s\n", r.Label)
	fmt.Printf("  Version:     %d\n", r.Version)
	fmt.Printf("  Status:      %s\n", r.Status)
	fmt.Printf("  Algorithm:   %s\n", r.Algorithm)
	fmt.Printf("  Fingerprint: %s\n", r.Fingerprint)
	fmt.Printf("  Created:     %s\n", humanize.Time(r.CreatedAt))
	if r.ExpiresAt != nil {
		fmt.Printf("  Expires:     %s\n", humanize.Time(*r.ExpiresAt))
	}
	if len(r.Members) > 0 {
		fmt.Printf("  Members:     %s\n", strings.Join(r.Members, ", "))
	}
}
