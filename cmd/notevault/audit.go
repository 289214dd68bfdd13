package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Audit list flags
var (
	auditRecordID string
	auditLimit    int
)

// auditCmd is the parent command for audit trail operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
}

// auditListCmd lists audit trail entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit trail entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		entries, err := store.AuditTrail(cmd.Context(), auditRecordID)
		if err != nil {
			return fmt.Errorf("failed to list audit entries: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No audit entries found")
			return nil
		}

		if auditLimit > 0 && len(entries) > auditLimit {
			entries = entries[len(entries)-auditLimit:]
		}

		for _, entry := range entries {
			// Format: SEQ TIMESTAMP ACTOR ACTION RESULT [record] [reason]
			line := fmt.Sprintf("%d %s %s %s %s",
				entry.Sequence, entry.Timestamp, entry.ActorID, entry.Action, entry.Outcome.Result)
			if entry.TargetRecordID != "" {
				line += fmt.Sprintf(" record:%s", entry.TargetRecordID)
			}
			if entry.Outcome.Reason != "" {
				line += fmt.Sprintf(" reason:%s", entry.Outcome.Reason)
			}
			fmt.Println(line)
		}

		fmt.Printf("\nTotal: %d entries\n", len(entries))
		return nil
	},
}

// auditVerifyCmd verifies the audit trail hash chain
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit trail hash chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		fmt.Println("Verifying audit trail integrity...")

		result, err := store.VerifyAuditChain(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to verify audit trail: %w", err)
		}

		if result.Valid {
			fmt.Printf("✓ Audit trail verified: %d entries, chain intact\n", result.Entries)
			return nil
		}

		fmt.Printf("✗ Audit trail verification FAILED\n")
		fmt.Printf("  Entries checked: %d\n", result.Entries)
		fmt.Printf("  First divergence at sequence: %d\n", result.BrokenAt)
		fmt.Printf("  Reason: %s\n", result.Reason)
		return fmt.Errorf("audit trail integrity check failed")
	},
}
