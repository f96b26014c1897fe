package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"stackops/internal/backup"
	"stackops/internal/clients"
	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/health"
	"stackops/internal/logging"
	"stackops/internal/notify"
	"stackops/internal/preflight"
)

// Options selects what a deploy run does
type Options struct {
	// Version is the tag or commit to deploy; empty deploys the
	// configured branch head
	Version string
	// Force replaces a live lock and skips nothing else
	Force bool
	// SkipTests bypasses the test stage regardless of configuration
	SkipTests bool
	// DryRun checks prerequisites and lock availability, then stops
	// before anything on the target changes
	DryRun bool
}

// Session tracks one deploy run through the pipeline
type Session struct {
	ID               string
	Version          string
	ResolvedVersion  string
	Stage            Stage
	StartedAt        time.Time
	BackupBundle     string
	ReleaseDir       string
	PreviousRelease  string
	PreviousWasLink  bool
	StopAttempted    bool
	MigrationStarted bool
	Warnings         []string
}

// Orchestrator drives the deploy state machine. Every failure after
// the lock is acquired rolls the target back to its previous state;
// rollback always ends by releasing the lock.
type Orchestrator struct {
	cfg      *config.Config
	logger   *logging.Logger
	notifier *notify.Dispatcher

	services clients.ServiceController
	source   clients.SourceControl
	migrator clients.MigrationRunner
	engine   *backup.Engine
	restorer *backup.Restorer
	checker  *health.Aggregator
	lock     *Lock
	prober   *preflight.Prober

	// runTests executes the configured test command in the release
	// tree; swapped out in tests
	runTests func(ctx context.Context, workDir string) (string, error)
	// checkEndpoint dials one mandatory endpoint during the
	// prerequisites stage; swapped out in tests
	checkEndpoint func(ctx context.Context, network, addr string, timeout time.Duration) error

	healthPollInterval time.Duration
	now                func() time.Time
}

// NewOrchestrator wires a deploy orchestrator from configuration and
// clients
func NewOrchestrator(cfg *config.Config, db clients.DatabaseClient, cache clients.CacheClient,
	services clients.ServiceController, source clients.SourceControl, migrator clients.MigrationRunner,
	notifier *notify.Dispatcher, logger *logging.Logger) (*Orchestrator, error) {

	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	engine, err := backup.NewEngine(cfg, db, cache, notifier, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:                cfg,
		logger:             logger,
		notifier:           notifier,
		services:           services,
		source:             source,
		migrator:           migrator,
		engine:             engine,
		restorer:           backup.NewRestorer(cfg, db, cache, notifier, logger),
		checker:            health.NewAggregator(cfg, db, cache, logger),
		lock:               NewLock(cfg.Paths.LockDir, logger),
		prober:             preflight.NewProber(logger),
		healthPollInterval: 5 * time.Second,
		now:                time.Now,
	}
	o.runTests = o.execTests
	o.checkEndpoint = o.prober.CheckConnectivity
	return o, nil
}

// Deploy runs the pipeline end to end. The returned session records
// how far it got; on failure past lock acquisition the target has
// already been rolled back.
func (o *Orchestrator) Deploy(ctx context.Context, opts Options) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Version:   opts.Version,
		Stage:     StageInit,
		StartedAt: o.now().UTC(),
	}

	if opts.DryRun {
		return session, o.planOnly(ctx, session, opts)
	}

	o.notifyEvent(ctx, notify.StatusStarted,
		fmt.Sprintf("deploy %s of version %q started", session.ID, opts.Version), nil)

	if err := o.checkPrerequisites(ctx); err != nil {
		return session, o.abort(ctx, session, err)
	}
	o.advance(session, StagePrerequisitesChecked, 0)

	if err := o.lock.Acquire(opts.Version, opts.Force); err != nil {
		return session, o.abort(ctx, session, err)
	}
	o.advance(session, StageLockAcquired, 0)

	type step struct {
		stage Stage
		fn    func(context.Context) error
	}
	steps := []step{
		{StageEnvironmentPrepared, func(c context.Context) error { return o.prepareEnvironment(session) }},
		{StageSourceFetched, func(c context.Context) error { return o.fetchSource(c, session, opts) }},
		{StageTested, func(c context.Context) error { return o.test(c, session, opts) }},
		{StageBackedUp, func(c context.Context) error { return o.preDeployBackup(c, session) }},
		{StageServicesStopped, func(c context.Context) error {
			// a failing StopAll still brings some units down
			session.StopAttempted = true
			return o.services.StopAll(c)
		}},
		{StageCodeUpdated, func(c context.Context) error { return o.switchCode(session) }},
		{StageServicesStarted, func(c context.Context) error { return o.services.StartAll(c) }},
		{StageMigrated, func(c context.Context) error { return o.migrate(c, session) }},
		{StageHealthChecked, func(c context.Context) error { return o.waitHealthy(c, session) }},
		{StageCleanedUp, func(c context.Context) error { return o.cleanup(session) }},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			cancelErr := errors.NewCancelledError("deploy interrupted", err)
			return session, o.rollback(session, cancelErr)
		}

		start := time.Now()
		err := s.fn(ctx)
		o.logger.LogStageTransition(session.ID, string(session.Stage), string(s.stage), time.Since(start), err)
		if err != nil {
			// a test failure before services stop is a clean abort,
			// nothing on the target has changed yet
			if s.stage == StageTested && !session.Stage.Reached(StageServicesStopped) {
				return session, o.cleanAbort(ctx, session, err)
			}
			return session, o.rollback(session, err)
		}
		session.Stage = s.stage
	}

	o.notifyEvent(ctx, notify.StatusSucceeded,
		fmt.Sprintf("deploy %s of %s completed", session.ID, session.ResolvedVersion),
		map[string]interface{}{"backup_bundle": session.BackupBundle})
	return session, nil
}

// advance records a stage transition that has no failure mode of its
// own
func (o *Orchestrator) advance(session *Session, stage Stage, took time.Duration) {
	o.logger.LogStageTransition(session.ID, string(session.Stage), string(stage), took, nil)
	session.Stage = stage
}

// planOnly runs the read-only part of a deploy: prerequisites and a
// lock availability check. The lock is inspected, never acquired, so a
// dry run leaves no trace for a concurrent deploy to trip over.
func (o *Orchestrator) planOnly(ctx context.Context, session *Session, opts Options) error {
	if err := o.checkPrerequisites(ctx); err != nil {
		return err
	}
	o.advance(session, StagePrerequisitesChecked, 0)

	holder, err := o.lock.Holder()
	if err != nil {
		return err
	}
	if holder != nil && !o.lock.IsStale(holder) && !opts.Force {
		return errors.NewLockedError(fmt.Sprintf(
			"deploy already in progress: pid %d (%s@%s) holds the lock since %s",
			holder.PID, holder.User, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339)))
	}

	version := opts.Version
	if version == "" {
		version = "latest on branch " + o.cfg.Deploy.Branch
	}
	o.logger.Infof("Dry run: prerequisites satisfied and lock available, would deploy %s; nothing was changed", version)
	return nil
}

// checkPrerequisites verifies tools, disk space, and that the
// mandatory endpoints answer before anything is locked or touched
func (o *Orchestrator) checkPrerequisites(ctx context.Context) error {
	if err := o.prober.RequireDependencies(o.cfg.Deploy.RequiredTools, o.cfg.Deploy.OptionalTools); err != nil {
		return err
	}
	checkDir := o.cfg.Paths.ReleasesDir
	if _, err := os.Stat(checkDir); err != nil {
		checkDir = string(os.PathSeparator)
	}
	if err := o.prober.CheckDiskSpace(checkDir, o.cfg.Deploy.MinDiskBytes); err != nil {
		return err
	}

	if o.cfg.Database.Host != "" {
		addr := fmt.Sprintf("%s:%d", o.cfg.Database.Host, o.cfg.Database.Port)
		if err := o.checkEndpoint(ctx, "tcp", addr, o.cfg.Timeouts.Connect); err != nil {
			return err
		}
	}
	if o.cfg.Cache.Addr != "" {
		if err := o.checkEndpoint(ctx, "tcp", o.cfg.Cache.Addr, o.cfg.Timeouts.Connect); err != nil {
			return err
		}
	}
	return nil
}

// prepareEnvironment creates the directory layout and allocates the
// release tree for this session
func (o *Orchestrator) prepareEnvironment(session *Session) error {
	for _, dir := range []string{o.cfg.Paths.ReleasesDir, o.cfg.Paths.StagingDir, o.cfg.Paths.BackupDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewStorageError(fmt.Sprintf("cannot create %s", dir), err)
		}
	}

	name := o.now().UTC().Format("20060102-150405")
	if session.Version != "" {
		name += "-" + sanitizeVersion(session.Version)
	}
	session.ReleaseDir = filepath.Join(o.cfg.Paths.ReleasesDir, name)
	if err := os.MkdirAll(session.ReleaseDir, 0755); err != nil {
		return errors.NewStorageError("cannot create release directory", err)
	}
	return nil
}

// fetchSource obtains the requested version into the release tree
func (o *Orchestrator) fetchSource(ctx context.Context, session *Session, opts Options) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Fetch)
	defer cancel()

	resolved, fallback, err := o.source.FetchVersion(ctx, session.ReleaseDir, opts.Version, o.cfg.Deploy.Branch)
	if err != nil {
		return err
	}
	session.ResolvedVersion = resolved
	if fallback {
		o.warn(session, fmt.Sprintf("requested version %q not found, deployed latest on branch %s instead",
			opts.Version, o.cfg.Deploy.Branch))
	}
	return nil
}

// test runs the configured test command inside the release tree
func (o *Orchestrator) test(ctx context.Context, session *Session, opts Options) error {
	if opts.SkipTests || o.cfg.Deploy.SkipTests || len(o.cfg.Deploy.TestCommand) == 0 {
		o.logger.Info("Test stage skipped")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Command)
	defer cancel()

	output, err := o.runTests(ctx, session.ReleaseDir)
	if err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("tests failed for %s: %s", session.ResolvedVersion, firstLines(output, 10)), err)
	}
	return nil
}

// execTests is the production test runner
func (o *Orchestrator) execTests(ctx context.Context, workDir string) (string, error) {
	runner := clients.NewExecRunner(o.cfg.Deploy.TestCommand, workDir, o.logger)
	return runner.Run(ctx)
}

// preDeployBackup captures a full backup so the database can be
// restored if the deploy fails after migrations began
func (o *Orchestrator) preDeployBackup(ctx context.Context, session *Session) error {
	result, err := o.engine.Run(ctx, backup.Options{Mode: backup.ModeFull, Version: session.ResolvedVersion})
	if err != nil {
		return err
	}
	session.BackupBundle = result.BundlePath
	for _, w := range result.Warnings {
		o.warn(session, "backup: "+w)
	}
	return nil
}

// switchCode points the live application directory at the new release
// and keeps the previous tree aside for rollback
func (o *Orchestrator) switchCode(session *Session) error {
	app := o.cfg.Paths.AppDir

	if target, err := os.Readlink(app); err == nil {
		session.PreviousRelease = target
		session.PreviousWasLink = true
		if err := os.Remove(app); err != nil {
			return errors.NewStorageError("cannot detach current release link", err)
		}
		return o.linkRelease(session.ReleaseDir, app)
	}

	if _, err := os.Stat(app); err == nil {
		prev := app + ".previous-" + session.ID[:8]
		if err := os.Rename(app, prev); err != nil {
			return errors.NewStorageError("cannot set aside current code tree", err)
		}
		session.PreviousRelease = prev
	}
	return o.linkRelease(session.ReleaseDir, app)
}

func (o *Orchestrator) linkRelease(releaseDir, app string) error {
	if err := os.MkdirAll(filepath.Dir(app), 0755); err != nil {
		return errors.NewStorageError("cannot create application parent directory", err)
	}
	if err := os.Symlink(releaseDir, app); err != nil {
		return errors.NewStorageError("cannot link release into place", err)
	}
	return nil
}

// migrate applies schema migrations with bounded retries for a
// database that is still coming up, under a hard overall timeout
func (o *Orchestrator) migrate(ctx context.Context, session *Session) error {
	if len(o.cfg.Deploy.MigrateCommand) == 0 {
		o.logger.Info("No migration command configured, skipping")
		return nil
	}

	session.MigrationStarted = true
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deploy.MigrateTimeout)
	defer cancel()

	retry := errors.NewRetryHandler(errors.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   o.cfg.Deploy.MigrateRetryDelay,
		MaxDelay:    o.cfg.Deploy.MigrateTimeout,
		Multiplier:  2.0,
	})

	var output string
	err := retry.Retry(ctx, func() error {
		var runErr error
		output, runErr = o.migrator.Run(ctx)
		return runErr
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError(
				fmt.Sprintf("migrations did not complete within %s", o.cfg.Deploy.MigrateTimeout), err)
		}
		return err
	}
	o.logger.Debugf("Migration output: %s", firstLines(output, 20))
	return nil
}

// waitHealthy polls the health aggregator until the stack comes up
// healthy or the window closes. Degraded is accepted with a warning;
// sustained unhealthy is fatal.
func (o *Orchestrator) waitHealthy(ctx context.Context, session *Session) error {
	deadline := o.now().Add(o.cfg.Deploy.HealthCheckWindow)
	var last *health.Report

	for {
		report, err := o.checker.RunChecks(ctx, nil)
		if err != nil {
			return err
		}
		last = report

		switch report.Overall {
		case health.VerdictHealthy:
			return nil
		case health.VerdictDegraded:
			o.warn(session, fmt.Sprintf("stack degraded after deploy: %v", report.WarningChecks()))
			return nil
		}

		if o.now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return errors.NewCancelledError("deploy interrupted during health window", ctx.Err())
		case <-time.After(o.healthPollInterval):
		}
	}

	return errors.New(errors.CategoryUnknown,
		fmt.Sprintf("stack unhealthy %s after deploy, failing checks: %v",
			o.cfg.Deploy.HealthCheckWindow, last.FailedChecks()), nil)
}

// cleanup prunes rollback-retained trees and surplus releases, then
// releases the lock
func (o *Orchestrator) cleanup(session *Session) error {
	if session.PreviousRelease != "" && !session.PreviousWasLink {
		if err := os.RemoveAll(session.PreviousRelease); err != nil {
			o.warn(session, fmt.Sprintf("could not remove retained code tree %s: %v", session.PreviousRelease, err))
		}
	}

	if err := o.pruneReleases(session); err != nil {
		o.warn(session, fmt.Sprintf("release pruning failed: %v", err))
	}

	return o.lock.Release()
}

// pruneReleases keeps the newest keep_releases trees and deletes the
// rest, never touching the one currently linked live
func (o *Orchestrator) pruneReleases(session *Session) error {
	keep := o.cfg.Deploy.KeepReleases
	if keep <= 0 {
		return nil
	}

	entries, err := os.ReadDir(o.cfg.Paths.ReleasesDir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// release names start with a UTC timestamp, so the sort is
	// oldest first
	sort.Strings(names)

	live, _ := os.Readlink(o.cfg.Paths.AppDir)
	for len(names) > keep {
		victim := filepath.Join(o.cfg.Paths.ReleasesDir, names[0])
		names = names[1:]
		if victim == live || victim == session.ReleaseDir {
			continue
		}
		if err := os.RemoveAll(victim); err != nil {
			return err
		}
		o.logger.Debugf("Pruned old release %s", victim)
	}
	return nil
}

// cleanAbort undoes a failure that happened before any live state
// changed: drop the fetched release, release the lock, report
func (o *Orchestrator) cleanAbort(ctx context.Context, session *Session, cause error) error {
	if session.ReleaseDir != "" {
		os.RemoveAll(session.ReleaseDir)
	}
	if err := o.lock.Release(); err != nil {
		o.logger.Errorf("Failed to release lock during abort: %v", err)
	}
	o.notifyEvent(ctx, notify.StatusFailed,
		fmt.Sprintf("deploy %s aborted before changing live state: %v", session.ID, cause), nil)
	return cause
}

// abort reports a failure that happened before the lock was held
func (o *Orchestrator) abort(ctx context.Context, session *Session, cause error) error {
	o.notifyEvent(ctx, notify.StatusFailed,
		fmt.Sprintf("deploy %s failed: %v", session.ID, cause), nil)
	return cause
}

// rollback restores the previous code and services, and the database
// when migrations had already begun. It is best effort, never retries
// itself, and always ends by releasing the lock.
func (o *Orchestrator) rollback(session *Session, cause error) error {
	// rollback must run even when the trigger was an interrupt
	ctx := context.WithoutCancel(context.Background())

	o.logger.Errorf("Deploy %s failed at stage %s, rolling back: %v", session.ID, session.Stage, cause)
	o.notifyEvent(ctx, notify.StatusWarning,
		fmt.Sprintf("deploy %s rolling back from stage %s", session.ID, session.Stage), nil)

	// a stop attempt that failed partway leaves an unknown mix of
	// units down, so the restart below must run whenever the stop step
	// was entered, not only when it completed
	stopAttempted := session.StopAttempted

	if stopAttempted {
		if err := o.services.StopAll(ctx); err != nil {
			o.logger.Warnf("Rollback: stopping services failed: %v", err)
		}
	}

	if session.Stage.Reached(StageCodeUpdated) {
		if err := o.restorePreviousCode(session); err != nil {
			o.logger.Errorf("Rollback: could not restore previous code tree: %v", err)
		}
	}

	if stopAttempted {
		if err := o.services.StartAll(ctx); err != nil {
			o.logger.Errorf("Rollback: restarting previous services failed: %v", err)
		}
	}

	if session.MigrationStarted && session.BackupBundle != "" {
		_, err := o.restorer.Restore(ctx, session.BackupBundle, backup.RestoreOptions{
			Force:      true,
			Components: []backup.ComponentKind{backup.ComponentDatabase},
		})
		if err != nil {
			o.logger.Errorf("Rollback: database restore from %s failed: %v", session.BackupBundle, err)
		} else {
			o.logger.Infof("Rollback: database restored from pre-deploy backup %s", session.BackupBundle)
		}
	}

	if err := o.lock.Release(); err != nil {
		o.logger.Errorf("Rollback: failed to release lock: %v", err)
	}
	session.Stage = StageRolledBack

	status := notify.StatusFailed
	if errors.IsCategory(cause, errors.CategoryCancelled) {
		status = notify.StatusCancelled
	}
	o.notifyEvent(ctx, status,
		fmt.Sprintf("deploy %s rolled back: %v", session.ID, cause), nil)
	return cause
}

// restorePreviousCode undoes switchCode
func (o *Orchestrator) restorePreviousCode(session *Session) error {
	app := o.cfg.Paths.AppDir

	if err := os.Remove(app); err != nil && !os.IsNotExist(err) {
		// the new link may be a directory if switching half-failed
		if rmErr := os.RemoveAll(app); rmErr != nil {
			return rmErr
		}
	}

	if session.PreviousRelease == "" {
		return nil
	}
	if session.PreviousWasLink {
		return os.Symlink(session.PreviousRelease, app)
	}
	return os.Rename(session.PreviousRelease, app)
}

func (o *Orchestrator) warn(session *Session, msg string) {
	o.logger.Warn(msg)
	session.Warnings = append(session.Warnings, msg)
}

func (o *Orchestrator) notifyEvent(ctx context.Context, status notify.EventStatus, msg string, extra map[string]interface{}) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, notify.Event{
		Kind:    notify.EventDeploy,
		Status:  status,
		Message: msg,
		Context: extra,
	})
}

// sanitizeVersion makes a version string safe for a directory name
func sanitizeVersion(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, v)
}

// firstLines truncates long command output for logs and errors
func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}
