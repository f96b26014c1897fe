package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"stackops/internal/archive"
	"stackops/internal/backup"
	"stackops/internal/errors"
)

var (
	restoreComponents []string
	restoreForce      bool
	restorePassphrase string
	restoreDryRun     bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <bundle>",
	Short: "Restore stack components from a backup bundle",
	Long: `Restore verifies a backup bundle against its manifest and replaces the
selected live components with the bundle contents. Every checksum is
verified before anything is touched; a corrupt bundle aborts the run with
the live system intact.

Restoring is destructive, so it asks for confirmation unless --force is
given, and it takes a best-effort safety snapshot of the components it is
about to replace. There is no automatic rollback: a failure mid-restore
is reported together with the safety snapshot location.

Examples:
  # Interactive full restore
  stackops restore /var/backups/stackapp/backup-20250601-120000.tar

  # Just the database, no prompt
  stackops restore backup-20250601-120000.tar --components database --force

  # Encrypted bundle (falls back to the configured passphrase)
  stackops restore backup-20250601-120000.tar.enc --passphrase s3cret

  # Verify a bundle and preview the selection without restoring
  stackops restore backup-20250601-120000.tar --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().StringSliceVar(&restoreComponents, "components", nil, "components to restore (database, cache, code, config, logs, userdata); default is everything the bundle includes")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "skip the interactive confirmation")
	restoreCmd.Flags().StringVar(&restorePassphrase, "passphrase", "", "passphrase for encrypted bundles (overrides the configured one)")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "verify the bundle and show what would be restored without touching live state")
}

func runRestore(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	var kinds []backup.ComponentKind
	for _, raw := range restoreComponents {
		kind, err := backup.ParseComponentKind(raw)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	shutdown := errors.NewGracefulShutdownHandler()
	ctx := shutdown.Context(cmd.Context())
	defer shutdown.Shutdown()

	passphrase := restorePassphrase
	if passphrase == "" && app.cfg.Backup.Encryption.Passphrase == "" && archive.IsEncrypted(args[0]) {
		passphrase, err = promptPassphrase()
		if err != nil {
			return err
		}
	}

	restorer := backup.NewRestorer(app.cfg, app.db, app.cache, app.notifier, app.logger)
	result, err := restorer.Restore(ctx, args[0], backup.RestoreOptions{
		Components: kinds,
		Force:      restoreForce,
		Passphrase: passphrase,
		DryRun:     restoreDryRun,
	})
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if restoreDryRun {
		fmt.Printf("Dry run: bundle %s verified, would restore %v\n", result.BackupName, result.Planned)
		if len(result.Skipped) > 0 {
			fmt.Printf("Skipped (not in bundle): %v\n", result.Skipped)
		}
		return nil
	}
	fmt.Printf("Restored %v from %s\n", result.Restored, result.BackupName)
	if len(result.Skipped) > 0 {
		fmt.Printf("Skipped (not in bundle): %v\n", result.Skipped)
	}
	if result.SafetyDir != "" {
		fmt.Printf("Safety snapshot: %s\n", result.SafetyDir)
	}
	return nil
}

// promptPassphrase reads the bundle passphrase without echoing it
func promptPassphrase() (string, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", errors.NewValidationError(
			"bundle is encrypted and no passphrase is configured; pass --passphrase or run interactively", nil)
	}
	fmt.Fprint(os.Stderr, "Bundle passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.NewValidationError("cannot read passphrase", err)
	}
	return string(raw), nil
}
