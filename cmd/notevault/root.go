package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/caredesk/notevault/internal/cli"
	"github.com/caredesk/notevault/pkg/compliance"
	"github.com/caredesk/notevault/pkg/security"
	"github.com/caredesk/notevault/pkg/storage"
)

var (
	storagePath string
	actorID     string
	policyPath  string
	verbose     bool
	store       *storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "notevault",
	Short: "notevault is an encrypted store for personal health notes",
	Long: `An encrypted record store for personal health notes with compliance
validation, retention enforcement, and a tamper-evident audit trail.`,
	SilenceUsage: true,
	// PersistentPreRunE constructs the Store handle for every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logrus.SetOutput(os.Stderr)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}

		path, err := resolveStoragePath()
		if err != nil {
			return err
		}
		store = storage.New(path, resolveActorID())

		if policyPath != "" {
			policy, err := compliance.LoadPolicy(policyPath)
			if err != nil {
				return fmt.Errorf("failed to load policy profile: %w", err)
			}
			store.SetPolicy(policy)
		}
		return nil
	},
}

// Metadata flags shared by save and validate
var (
	metaConsent      bool
	metaConsentTime  string
	metaMinimized    bool
	metaRetention    int
	metaOrderID      string
	metaDeidentified bool
	metaLegalHold    bool
)

// List flags
var listLong bool

// Get flags
var getShowMetadata bool

func init() {
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage", "", "Storage directory (default $NOTEVAULT_PATH or ~/.notevault)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "Actor id recorded in the audit trail (default $NOTEVAULT_ACTOR or current user)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Compliance policy profile (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sweepCmd)

	addMetadataFlags(saveCmd)
	addMetadataFlags(updateCmd)
	addMetadataFlags(validateCmd)

	getCmd.Flags().BoolVar(&getShowMetadata, "show-metadata", false, "Show compliance metadata with the note")
	listCmd.Flags().BoolVarP(&listLong, "long", "l", false, "Show timestamps")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditListCmd.Flags().StringVar(&auditRecordID, "record", "", "Show entries for a single record id")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of entries to show")
}

func addMetadataFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&metaConsent, "consent", false, "Subject consent has been obtained")
	cmd.Flags().StringVar(&metaConsentTime, "consent-time", "", "Consent timestamp (RFC 3339, default now when --consent is set)")
	cmd.Flags().BoolVar(&metaMinimized, "minimized", false, "Data minimization has been applied")
	cmd.Flags().IntVar(&metaRetention, "retention-days", compliance.DefaultMinRetentionDays, "Retention period in days")
	cmd.Flags().StringVar(&metaOrderID, "order", "", "Professional order id authorizing unminimized content")
	cmd.Flags().BoolVar(&metaDeidentified, "deidentified", false, "Content is de-identified")
	cmd.Flags().BoolVar(&metaLegalHold, "legal-hold", false, "Exempt the record from retention purging")
}

// buildMetadataFromFlags assembles compliance metadata from the shared flags.
func buildMetadataFromFlags() (*compliance.Metadata, error) {
	meta := &compliance.Metadata{
		ConsentObtained:         metaConsent,
		DataMinimizationApplied: metaMinimized,
		RetentionPeriodDays:     metaRetention,
		ProfessionalOrderID:     metaOrderID,
		Deidentified:            metaDeidentified,
		LegalHold:               metaLegalHold,
	}

	if metaConsentTime != "" {
		ts, err := time.Parse(time.RFC3339, metaConsentTime)
		if err != nil {
			return nil, fmt.Errorf("invalid consent-time (use RFC 3339): %w", err)
		}
		meta.ConsentTimestamp = &ts
	} else if metaConsent {
		now := time.Now().UTC()
		meta.ConsentTimestamp = &now
	}

	return meta, nil
}

// initCmd initializes new storage
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes new note storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Initializing note storage...")

		// 1. Prompt for passphrase
		fmt.Print("Enter passphrase: ")
		passphrase1, err := readPassphrase()
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}

		// 2. Confirm passphrase
		fmt.Print("Confirm passphrase: ")
		passphrase2, err := readPassphrase()
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}

		// 3. Check passphrases match
		if passphrase1 != passphrase2 {
			return fmt.Errorf("passphrases do not match")
		}

		// 4. Assess passphrase strength; Weak is rejected
		strength := security.AssessPassphrase(passphrase1)
		if strength == security.PassphraseWeak {
			return fmt.Errorf("passphrase too weak: use at least %d characters and avoid common passphrases",
				security.MinPassphraseLength)
		}
		fmt.Printf("Passphrase strength: %s\n", strength)

		// 5. Initialize storage
		if err := store.Init(passphrase1); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}

		fmt.Printf("Storage initialized at %s\n", store.Path())
		return nil
	},
}

// saveCmd encrypts and stores a note read from standard input
var saveCmd = &cobra.Command{
	Use:   "save [subject-id]",
	Short: "Encrypts and stores a note from standard input",
	Long: `Encrypts and stores a note for a subject. The note content is read
from standard input; compliance metadata comes from flags:

   notevault save patient-001 --consent --minimized < note.txt
   notevault save patient-001 --consent --order PO-123 --retention-days 3650`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectID := args[0]

		meta, err := buildMetadataFromFlags()
		if err != nil {
			return err
		}

		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Enter note content (Ctrl+D to finish):")
		}
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read note content: %w", err)
		}

		id, err := store.Save(cmd.Context(), subjectID, content, meta)
		if err != nil {
			return fmt.Errorf("failed to save note: %w", err)
		}

		fmt.Println(id)
		return nil
	},
}

// getCmd decrypts and prints a note
var getCmd = &cobra.Command{
	Use:   "get [record-id]",
	Short: "Decrypts and prints a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		record, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get note: %w", err)
		}

		if getShowMetadata {
			fmt.Printf("Subject: %s\n", record.SubjectID)
			fmt.Printf("Consent: %t", record.Metadata.ConsentObtained)
			if record.Metadata.ConsentTimestamp != nil {
				fmt.Printf(" (%s)", record.Metadata.ConsentTimestamp.Format(time.RFC3339))
			}
			fmt.Println()
			fmt.Printf("Minimized: %t\n", record.Metadata.DataMinimizationApplied)
			fmt.Printf("Retention: %d days\n", record.Metadata.RetentionPeriodDays)
			if record.Metadata.ProfessionalOrderID != "" {
				fmt.Printf("Order: %s\n", record.Metadata.ProfessionalOrderID)
			}
			fmt.Printf("Deidentified: %t\n", record.Metadata.Deidentified)
			fmt.Printf("Legal hold: %t\n", record.Metadata.LegalHold)
			fmt.Printf("Created: %s\n", record.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated: %s\n", record.UpdatedAt.Format(time.RFC3339))
			fmt.Println("---")
		}

		os.Stdout.Write(record.Content)
		if len(record.Content) > 0 && record.Content[len(record.Content)-1] != '\n' {
			fmt.Println()
		}
		return nil
	},
}

// updateCmd replaces a note's content and metadata wholesale
var updateCmd = &cobra.Command{
	Use:   "update [record-id]",
	Short: "Replaces a note's content and metadata",
	Long: `Replaces a note wholesale after re-validation. New content is read
from standard input and metadata comes from flags; the creation timestamp
(and with it the retention clock) is preserved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := buildMetadataFromFlags()
		if err != nil {
			return err
		}

		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Enter note content (Ctrl+D to finish):")
		}
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read note content: %w", err)
		}

		if err := store.Update(cmd.Context(), args[0], content, meta); err != nil {
			return fmt.Errorf("failed to update note: %w", err)
		}

		fmt.Printf("Record '%s' updated\n", args[0])
		return nil
	},
}

// listCmd lists record ids for subjects matching a pattern
var listCmd = &cobra.Command{
	Use:   "list [subject-pattern]",
	Short: "Lists records for matching subjects",
	Long: `Lists record summaries for a subject id or glob pattern:

   notevault list patient-001
   notevault list 'patient-*'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		subjects, err := store.Subjects(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list subjects: %w", err)
		}

		matched, err := cli.MatchSubjects(args[0], subjects)
		if err != nil {
			return err
		}

		total := 0
		for _, subject := range matched {
			summaries, err := store.ListSubject(cmd.Context(), subject)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}
			for _, summary := range summaries {
				if listLong {
					fmt.Printf("%s  %s  created:%s  updated:%s\n",
						summary.ID, summary.SubjectID,
						summary.CreatedAt.Format(time.RFC3339),
						summary.UpdatedAt.Format(time.RFC3339))
				} else {
					fmt.Printf("%s  %s\n", summary.ID, summary.SubjectID)
				}
				total++
			}
		}

		if total == 0 {
			fmt.Println("No records found")
		}
		return nil
	},
}

// deleteCmd removes a record
var deleteCmd = &cobra.Command{
	Use:   "delete [record-id]",
	Short: "Deletes a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer store.Lock()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete note: %w", err)
		}

		fmt.Printf("Record '%s' deleted\n", args[0])
		return nil
	},
}

// resolveStoragePath picks the storage directory from the flag, the
// environment, or the default under the user's home.
func resolveStoragePath() (string, error) {
	if storagePath != "" {
		return storagePath, nil
	}
	if env := os.Getenv("NOTEVAULT_PATH"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".notevault"), nil
}

// resolveActorID picks the audit actor id from the flag, the environment,
// or the OS user.
func resolveActorID() string {
	if actorID != "" {
		return actorID
	}
	if env := os.Getenv("NOTEVAULT_ACTOR"); env != "" {
		return env
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// ensureUnlocked prompts for the passphrase and unlocks the store.
func ensureUnlocked(cmd *cobra.Command) error {
	if !store.IsLocked() {
		return nil
	}

	fmt.Fprint(os.Stderr, "Enter passphrase: ")
	passphrase, err := readPassphrase()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}

	if err := store.Unlock(cmd.Context(), passphrase); err != nil {
		return fmt.Errorf("failed to unlock storage: %w", err)
	}
	return nil
}

// readPassphrase reads a passphrase without echo on a terminal, falling
// back to line input for piped stdin.
func readPassphrase() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(passphraseBytes), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
