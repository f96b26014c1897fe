package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackops/internal/clients"
	"stackops/internal/deploy"
	"stackops/internal/errors"
)

var (
	deployVersion   string
	deployForce     bool
	deploySkipTests bool
	deployDryRun    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a new release of the application stack",
	Long: `Deploy runs the full release pipeline: prerequisite checks, deploy lock,
source fetch, tests, a pre-deploy backup, service stop, code switch,
service start, migrations, a post-deploy health window, and cleanup of
old releases.

A failure after the lock is acquired triggers an automatic rollback:
services are restored on the previous code, and the database is restored
from the pre-deploy backup if migrations had started. A stale lock left
by a dead process is reclaimed automatically; a live lock requires
--force.

Examples:
  # Deploy a tag, falling back to the configured branch head if absent
  stackops deploy --version v2.4.0

  # Deploy the branch head without running tests
  stackops deploy --skip-tests

  # Replace a live deploy lock
  stackops deploy --version v2.4.1 --force

  # Check prerequisites and lock availability only
  stackops deploy --version v2.4.0 --dry-run`,
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVar(&deployVersion, "version", "", "tag or commit to deploy; empty deploys the configured branch head")
	deployCmd.Flags().BoolVarP(&deployForce, "force", "f", false, "replace a live deploy lock")
	deployCmd.Flags().BoolVar(&deploySkipTests, "skip-tests", false, "skip the test stage")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "check prerequisites and lock availability without deploying")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	shutdown := errors.NewGracefulShutdownHandler()
	ctx := shutdown.Context(cmd.Context())
	defer shutdown.Shutdown()

	services := clients.NewExecServiceController(app.cfg.Deploy.Services, app.logger)
	source := clients.NewGitSourceControl(app.cfg.Deploy.RepositoryURL, app.logger)
	migrator := clients.NewExecRunner(app.cfg.Deploy.MigrateCommand, app.cfg.Paths.AppDir, app.logger)

	orch, err := deploy.NewOrchestrator(app.cfg, app.db, app.cache, services, source, migrator, app.notifier, app.logger)
	if err != nil {
		return err
	}

	session, err := orch.Deploy(ctx, deploy.Options{
		Version:   deployVersion,
		Force:     deployForce,
		SkipTests: deploySkipTests,
		DryRun:    deployDryRun,
	})
	if session != nil {
		for _, w := range session.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
	}
	if err != nil {
		if session != nil && session.Stage == deploy.StageRolledBack {
			fmt.Printf("Deploy %s failed and was rolled back.\n", session.ID)
		}
		return err
	}

	if deployDryRun {
		fmt.Println("Dry run: prerequisites satisfied and deploy lock available. Nothing was changed.")
		return nil
	}

	fmt.Printf("Deployed %s (revision %s) in session %s\n",
		session.Version, session.ResolvedVersion, session.ID)
	return nil
}
