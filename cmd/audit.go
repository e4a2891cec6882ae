// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the security audit trail",
	Long: `Print entries from the append-only audit log, oldest first.

Example:
  warden audit --limit 20`,
	Run: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().Int("limit", 50, "Number of entries to show (0 for all)")
	viper.BindPFlags(auditCmd.Flags())
}

func runAudit(cmd *cobra.Command, args []string) {
	limit := NewFlagLoader(cmd).Int("limit")

	trail := audit.NewTrail(wardenHome(cmd))
	entries, err := trail.Read(limit)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read audit log")
	}

	if len(entries) == 0 {
		fmt.Println("Audit log is empty.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tAGENT\tDETAIL")
	fmt.Fprintln(w, "----\t-----\t-----\t------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			humanize.Time(e.Timestamp), e.EventType, e.Agent, e.Detail)
	}
	w.Flush()
}
