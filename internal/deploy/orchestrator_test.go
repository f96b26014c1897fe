package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/clients"
	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/health"
)

// stubHealthProbe returns a fixed status
type stubHealthProbe struct {
	kind   health.CheckKind
	status health.ProbeStatus
}

func (s *stubHealthProbe) Kind() health.CheckKind { return s.kind }

func (s *stubHealthProbe) Run(ctx context.Context) health.ProbeResult {
	return health.ProbeResult{Check: s.kind, Status: s.status, Message: string(s.status)}
}

type harness struct {
	cfg      *config.Config
	db       *clients.FakeDatabase
	cache    *clients.FakeCache
	services *clients.FakeServiceController
	source   *clients.FakeSourceControl
	migrator *clients.FakeMigrationRunner
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		Paths: config.PathsConfig{
			AppDir:      filepath.Join(root, "app", "current"),
			ConfigDir:   filepath.Join(root, "config"),
			LogsDir:     filepath.Join(root, "logs"),
			UserDataDir: filepath.Join(root, "userdata"),
			BackupDir:   filepath.Join(root, "backups"),
			StagingDir:  filepath.Join(root, "staging"),
			ReleasesDir: filepath.Join(root, "releases"),
			LockDir:     filepath.Join(root, "lock"),
		},
		Database: config.DatabaseConf{Host: "db.internal", Port: 3306, Database: "stackapp", Username: "ops"},
		Cache:    config.CacheConf{Addr: "cache.internal:6379", SaveMaxWait: time.Second},
		Backup:   config.BackupConf{CompressionType: "gzip", CompressionLevel: 6, VerifyAfterBackup: true},
		Deploy: config.DeployConf{
			Branch:            "main",
			MigrateCommand:    []string{"app", "migrate"},
			MigrateTimeout:    500 * time.Millisecond,
			MigrateRetryDelay: time.Millisecond,
			HealthCheckWindow: 50 * time.Millisecond,
			KeepReleases:      2,
			MinDiskBytes:      1,
		},
		Timeouts:  config.TimeoutsConf{Connect: time.Second, Command: time.Second, Fetch: time.Second},
		Retention: config.RetentionConf{Days: 30, MaxBundles: 20},
	}

	for _, dir := range []string{cfg.Paths.AppDir, cfg.Paths.ConfigDir, cfg.Paths.LogsDir, cfg.Paths.UserDataDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.AppDir, "main.py"), []byte("old"), 0644))

	h := &harness{
		cfg: cfg,
		db: &clients.FakeDatabase{Rows: []clients.FakeRow{
			{Table: "users", Data: "admin", ModifiedAt: time.Now()},
		}},
		cache:    clients.NewFakeCache(t.TempDir()),
		services: &clients.FakeServiceController{Names: []string{"api"}},
		source:   &clients.FakeSourceControl{Files: map[string]string{"main.py": "new"}, Resolved: "abc123"},
		migrator: &clients.FakeMigrationRunner{},
	}
	h.cache.Keys["session:1"] = "alice"

	orch, err := NewOrchestrator(cfg, h.db, h.cache, h.services, h.source, h.migrator, nil, nil)
	require.NoError(t, err)
	orch.engine.SetRequiredTools(nil)
	orch.healthPollInterval = time.Millisecond
	orch.checkEndpoint = func(ctx context.Context, network, addr string, timeout time.Duration) error {
		return nil
	}
	orch.checker = health.NewAggregatorWithProbes(time.Second, nil,
		&stubHealthProbe{kind: health.CheckAPI, status: health.ProbeOK})
	h.orch = orch
	return h
}

func TestDeployHappyPath(t *testing.T) {
	h := newHarness(t)

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, StageCleanedUp, session.Stage)
	assert.Equal(t, "abc123", session.ResolvedVersion)

	// new code is linked live
	target, err := os.Readlink(h.cfg.Paths.AppDir)
	require.NoError(t, err)
	assert.Equal(t, session.ReleaseDir, target)
	data, err := os.ReadFile(filepath.Join(h.cfg.Paths.AppDir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	// services bounced once, migrations ran, backup exists, lock gone
	assert.Equal(t, []string{"stop", "start"}, h.services.CallLog())
	assert.Equal(t, 1, h.migrator.Attempts)
	assert.FileExists(t, session.BackupBundle)
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
}

func TestDeployRollsBackOnMigrationFailure(t *testing.T) {
	h := newHarness(t)
	h.migrator.FailTimes = 999
	h.migrator.FailWith = errors.NewConnectivityError("database not ready", nil)

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, StageRolledBack, session.Stage)
	assert.Equal(t, errors.CategoryConnectivity, errors.CategoryOf(err))
	assert.Greater(t, h.migrator.Attempts, 1)

	// previous code tree is back in place
	info, statErr := os.Lstat(h.cfg.Paths.AppDir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
	data, readErr := os.ReadFile(filepath.Join(h.cfg.Paths.AppDir, "main.py"))
	require.NoError(t, readErr)
	assert.Equal(t, "old", string(data))

	// migrations had begun, so the database came back from the
	// pre-deploy backup
	assert.True(t, h.db.Recreated)
	assert.True(t, h.db.Loaded)

	// services were restarted and the lock released
	assert.Equal(t, []string{"stop", "start", "stop", "start"}, h.services.CallLog())
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
}

func TestDeployRollsBackOnUnhealthyStack(t *testing.T) {
	h := newHarness(t)
	h.orch.checker = health.NewAggregatorWithProbes(time.Second, nil,
		&stubHealthProbe{kind: health.CheckAPI, status: health.ProbeCritical})

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, StageRolledBack, session.Stage)

	// failure was after migration, so the database was restored too
	assert.True(t, h.db.Loaded)

	data, readErr := os.ReadFile(filepath.Join(h.cfg.Paths.AppDir, "main.py"))
	require.NoError(t, readErr)
	assert.Equal(t, "old", string(data))
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
}

func TestDeployDegradedStackIsAcceptedWithWarning(t *testing.T) {
	h := newHarness(t)
	h.orch.checker = health.NewAggregatorWithProbes(time.Second, nil,
		&stubHealthProbe{kind: health.CheckAPI, status: health.ProbeWarning})

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, StageCleanedUp, session.Stage)
	assert.NotEmpty(t, session.Warnings)
}

func TestDeployStopFailureRollsBackWithoutTouchingCode(t *testing.T) {
	h := newHarness(t)
	h.services.StopErr = errors.New(errors.CategoryUnknown, "unit stuck", nil)

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, StageRolledBack, session.Stage)

	// code was never switched, migrations never started
	info, statErr := os.Lstat(h.cfg.Paths.AppDir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
	assert.False(t, session.MigrationStarted)
	assert.False(t, h.db.Loaded)
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))

	// a failed StopAll still brings units down, so rollback must have
	// issued a restart
	log := h.services.CallLog()
	assert.Equal(t, "start", log[len(log)-1])
	assert.Contains(t, log, "stop")
}

func TestDeployTestFailureIsCleanAbort(t *testing.T) {
	h := newHarness(t)
	h.cfg.Deploy.TestCommand = []string{"pytest"}
	h.orch.runTests = func(ctx context.Context, workDir string) (string, error) {
		return "1 failed", errors.NewValidationError("tests failed", nil)
	}

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

	// no rollback happened because nothing live had changed
	assert.NotEqual(t, StageRolledBack, session.Stage)
	assert.Empty(t, h.services.CallLog())
	assert.NoDirExists(t, session.ReleaseDir)
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
}

func TestDeployRejectedWhileLockHeld(t *testing.T) {
	h := newHarness(t)
	other := NewLock(h.cfg.Paths.LockDir, nil)
	require.NoError(t, other.Acquire("v1.1.0", false))

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryLocked, errors.CategoryOf(err))
	assert.Equal(t, StagePrerequisitesChecked, session.Stage)

	// the holder keeps its lock
	holder, herr := other.Holder()
	require.NoError(t, herr)
	assert.Equal(t, "v1.1.0", holder.Version)
}

func TestDeployAbortsWhenEndpointUnreachable(t *testing.T) {
	h := newHarness(t)
	h.orch.checkEndpoint = func(ctx context.Context, network, addr string, timeout time.Duration) error {
		if addr == "db.internal:3306" {
			return errors.NewConnectivityError("endpoint db.internal:3306 unreachable", nil)
		}
		return nil
	}

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConnectivity, errors.CategoryOf(err))

	// failed before the lock, so nothing to roll back or release
	assert.Equal(t, StageInit, session.Stage)
	assert.Empty(t, h.services.CallLog())
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
}

func TestDeployDryRunChangesNothing(t *testing.T) {
	h := newHarness(t)

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StagePrerequisitesChecked, session.Stage)

	// no fetch, no service calls, no lock, no backup
	assert.Empty(t, session.ReleaseDir)
	assert.Empty(t, h.services.CallLog())
	assert.Zero(t, h.migrator.Attempts)
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
	assert.NoDirExists(t, h.cfg.Paths.BackupDir)

	// the live code tree is untouched
	data, readErr := os.ReadFile(filepath.Join(h.cfg.Paths.AppDir, "main.py"))
	require.NoError(t, readErr)
	assert.Equal(t, "old", string(data))
}

func TestDeployDryRunReportsHeldLock(t *testing.T) {
	h := newHarness(t)
	other := NewLock(h.cfg.Paths.LockDir, nil)
	require.NoError(t, other.Acquire("v1.1.0", false))

	_, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0", DryRun: true})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryLocked, errors.CategoryOf(err))

	// the holder keeps its lock, a dry run never takes or removes it
	holder, herr := other.Holder()
	require.NoError(t, herr)
	require.NotNil(t, holder)
	assert.Equal(t, "v1.1.0", holder.Version)
}

func TestDeployCancellationRollsBackAndReleasesLock(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := h.orch.Deploy(ctx, Options{Version: "v1.2.0"})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryCancelled, errors.CategoryOf(err))
	assert.Equal(t, StageRolledBack, session.Stage)
	assert.NoFileExists(t, filepath.Join(h.cfg.Paths.LockDir, LockFileName))
}

func TestDeployTagFallbackWarns(t *testing.T) {
	h := newHarness(t)
	h.source.Fallback = true
	h.source.Resolved = "deadbeef"

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v9.9.9"})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", session.ResolvedVersion)
	require.NotEmpty(t, session.Warnings)
	assert.Contains(t, session.Warnings[0], "v9.9.9")
}

func TestDeployPrunesOldReleases(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.cfg.Paths.ReleasesDir, "20200101-000000-old1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(h.cfg.Paths.ReleasesDir, "20200102-000000-old2"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(h.cfg.Paths.ReleasesDir, "20200103-000000-old3"), 0755))

	session, err := h.orch.Deploy(context.Background(), Options{Version: "v1.2.0"})
	require.NoError(t, err)

	entries, err := os.ReadDir(h.cfg.Paths.ReleasesDir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), h.cfg.Deploy.KeepReleases)

	// the live release always survives pruning
	assert.DirExists(t, session.ReleaseDir)
}
