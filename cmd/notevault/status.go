package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caredesk/notevault/pkg/storage"
)

// validateCmd checks compliance metadata without storing anything
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validates compliance metadata without storing a note",
	Long: `Evaluates compliance metadata against the active policy. Nothing is
stored; the check itself is recorded in the audit trail:

   notevault validate --consent --minimized --retention-days 2555`,
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := buildMetadataFromFlags()
		if err != nil {
			return err
		}

		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		err = store.ValidateCompliance(cmd.Context(), meta)
		var cerr *storage.ComplianceError
		if errors.As(err, &cerr) {
			fmt.Println("Metadata is NOT compliant:")
			for _, v := range cerr.Violations {
				fmt.Printf("  %s: %s\n", v.Code, v.Message)
			}
			return fmt.Errorf("%d violation(s)", len(cerr.Violations))
		}
		if err != nil {
			return fmt.Errorf("failed to validate metadata: %w", err)
		}

		fmt.Println("Metadata is compliant")
		return nil
	},
}

// statusCmd reports storage state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := store.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		fmt.Printf("Storage: %s\n", store.Path())
		if disk, err := store.CheckDiskSpace(); err == nil {
			fmt.Printf("Disk: %d%% used, %.1f GB available\n",
				disk.UsedPct, float64(disk.Available)/(1024*1024*1024))
		}
		if !status.Initialized {
			fmt.Println("Initialized: no")
			return nil
		}
		fmt.Println("Initialized: yes")

		// Record count and chain state need the key
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		status, err = store.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		fmt.Printf("Records: %d\n", status.RecordCount)
		fmt.Printf("Audit entries: %d\n", status.LastAuditSequence)
		if status.ChainVerified {
			fmt.Println("Audit chain: intact")
		} else {
			fmt.Println("Audit chain: DIVERGED")
			return fmt.Errorf("audit chain integrity check failed")
		}
		return nil
	},
}

// sweepCmd runs one retention sweep
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purges records whose retention period has elapsed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		purged, err := store.SweepExpired(cmd.Context())
		if err != nil {
			return fmt.Errorf("retention sweep failed: %w", err)
		}

		fmt.Printf("Purged %d expired record(s)\n", purged)
		return nil
	},
}
