package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"stackops/internal/archive"
	"stackops/internal/clients"
	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/integrity"
	"stackops/internal/logging"
	"stackops/internal/notify"
	"stackops/internal/preflight"
)

// Options selects what a backup run captures
type Options struct {
	Mode    Mode
	Since   time.Time
	Version string
	// DryRun reports what the run would capture without touching any
	// component
	DryRun bool
}

// Result reports a completed backup run
type Result struct {
	Manifest   *Manifest
	BundlePath string
	Warnings   []string
}

// Engine produces checksummed, compressed backup bundles of every
// stateful component and applies retention afterwards.
type Engine struct {
	cfg      *config.Config
	db       clients.DatabaseClient
	cache    clients.CacheClient
	archiver *archive.Archiver
	codec    archive.CompressionType
	storage  StorageProvider
	notifier *notify.Dispatcher
	logger   *logging.Logger
	prober   *preflight.Prober

	// requiredTools are checked before any work starts; empty skips
	// the check, used by tests running against fakes
	requiredTools []string

	now func() time.Time
}

// NewEngine wires a backup engine from configuration and clients
func NewEngine(cfg *config.Config, db clients.DatabaseClient, cache clients.CacheClient,
	notifier *notify.Dispatcher, logger *logging.Logger) (*Engine, error) {

	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	codec, err := archive.ParseCompressionType(cfg.Backup.CompressionType)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:           cfg,
		db:            db,
		cache:         cache,
		archiver:      archive.NewArchiver(codec, cfg.Backup.CompressionLevel, cfg.Backup.ExcludePatterns),
		codec:         codec,
		notifier:      notifier,
		logger:        logger,
		prober:        preflight.NewProber(logger),
		requiredTools: []string{cfg.Database.DumpBinary, cfg.Database.ClientBinary},
		now:           time.Now,
	}, nil
}

// SetStorage attaches a remote storage provider for bundle upload
func (e *Engine) SetStorage(p StorageProvider) { e.storage = p }

// SetRequiredTools overrides the preflight tool check; empty disables
// it, which suits callers running against in-process fakes
func (e *Engine) SetRequiredTools(tools []string) { e.requiredTools = tools }


// Run executes one backup. The database is mandatory; any other
// component failure degrades the run to a warning and the component is
// recorded as excluded in the manifest.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.Mode == ModeIncremental && opts.Since.IsZero() {
		return nil, errors.NewValidationError("incremental backup requires a since timestamp", nil)
	}

	if len(e.requiredTools) > 0 {
		if err := e.prober.RequireDependencies(e.requiredTools, nil); err != nil {
			return nil, err
		}
	}

	name := NewBackupName(e.now())
	manifest := NewManifest(name, opts.Version, opts.Mode, e.cfg.Retention.Days, e.cfg.Backup.CompressionLevel)
	if opts.Mode == ModeIncremental {
		since := opts.Since.UTC()
		manifest.Since = &since
	}

	if opts.DryRun {
		e.logger.Infof("Dry run: backup %s planned, no components captured", name)
		return e.plan(manifest), nil
	}

	e.notify(ctx, notify.StatusStarted, fmt.Sprintf("backup %s started (%s)", name, opts.Mode), nil)

	workDir := filepath.Join(e.cfg.Paths.StagingDir, name)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, e.fail(ctx, errors.NewStorageError("cannot create backup staging directory", err))
	}
	defer os.RemoveAll(workDir)

	result := &Result{Manifest: manifest}

	if err := e.backupDatabase(ctx, workDir, opts, manifest); err != nil {
		return nil, e.fail(ctx, err)
	}

	if err := e.backupCache(ctx, workDir, manifest, result); err != nil {
		return nil, e.fail(ctx, err)
	}

	for kind, srcDir := range componentDirs(e.cfg) {
		e.backupTree(ctx, workDir, kind, srcDir, manifest, result)
	}

	if err := manifest.WriteTo(filepath.Join(workDir, ManifestFileName)); err != nil {
		return nil, e.fail(ctx, err)
	}

	if e.cfg.Backup.VerifyAfterBackup {
		if err := manifest.VerifyAgainst(workDir); err != nil {
			return nil, e.fail(ctx, err)
		}
		e.logger.Debug("Post-backup verification passed")
	}

	bundlePath, err := e.packBundle(ctx, workDir, name)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	result.BundlePath = bundlePath

	if e.storage != nil {
		if err := e.upload(ctx, bundlePath); err != nil {
			if e.cfg.Backup.Remote.Required {
				return nil, e.fail(ctx, err)
			}
			e.warn(result, fmt.Sprintf("remote upload failed: %v", err))
		}
	}

	retention := NewRetention(e.cfg.Paths.BackupDir, e.cfg.Retention.Days, e.cfg.Retention.MaxBundles, e.logger)
	if _, err := retention.Apply(); err != nil {
		e.warn(result, fmt.Sprintf("retention sweep failed: %v", err))
	}

	status := notify.StatusSucceeded
	if len(result.Warnings) > 0 {
		status = notify.StatusWarning
	}
	e.notify(ctx, status, fmt.Sprintf("backup %s finished with %d warnings", name, len(result.Warnings)),
		map[string]interface{}{"bundle": bundlePath})

	return result, nil
}

// plan fills the manifest with what a real run would capture. Nothing
// is dumped, saved, or written; the bundle path stays empty.
func (e *Engine) plan(m *Manifest) *Result {
	result := &Result{Manifest: m}

	m.MarkIncluded(ComponentDatabase, string(m.Mode), e.cfg.Database.Database)
	m.MarkIncluded(ComponentCache, "snapshot", e.cache.SnapshotPath())

	for kind, srcDir := range componentDirs(e.cfg) {
		if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
			m.MarkExcluded(kind, fmt.Sprintf("source directory %s not found", srcDir))
			e.warn(result, fmt.Sprintf("%s: source directory %s not found, component would be excluded", kind, srcDir))
			continue
		}
		m.MarkIncluded(kind, "tree", srcDir)
	}
	return result
}

// backupDatabase dumps and compresses the database. Any failure here
// is fatal; a backup without its database is not a backup.
func (e *Engine) backupDatabase(ctx context.Context, workDir string, opts Options, m *Manifest) error {
	start := time.Now()
	dir := filepath.Join(workDir, string(ComponentDatabase))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewStorageError("cannot create database staging directory", err)
	}

	rawPath := filepath.Join(dir, "database.sql")
	var err error
	if opts.Mode == ModeIncremental {
		err = e.db.DumpSince(ctx, rawPath, opts.Since, e.cfg.Backup.TimestampColumn, e.cfg.IncrementalTableSet())
	} else {
		err = e.db.Dump(ctx, rawPath)
	}
	if err != nil {
		e.logger.LogComponentBackup(string(ComponentDatabase), rawPath, 0, time.Since(start), err)
		return err
	}

	archivePath := rawPath + compressedSuffix(e.codec)
	size, err := e.compressFile(rawPath, archivePath)
	if err != nil {
		return err
	}
	os.Remove(rawPath)

	if size == 0 {
		return errors.NewStorageError("database archive is zero-length", nil)
	}

	sum, err := e.record(m, ComponentDatabase, workDir, archivePath, size)
	if err != nil {
		return err
	}
	m.MarkIncluded(ComponentDatabase, string(opts.Mode), e.cfg.Database.Database)
	e.logger.LogComponentBackup(string(ComponentDatabase), archivePath, size, time.Since(start), nil)
	e.logger.Debugf("Database archive checksum %s", sum)
	return nil
}

// backupCache triggers a point-in-time save and captures the
// resulting snapshot. An unreachable cache is fatal; a missing or
// empty snapshot afterwards only degrades the run.
func (e *Engine) backupCache(ctx context.Context, workDir string, m *Manifest, result *Result) error {
	start := time.Now()
	dir := filepath.Join(workDir, string(ComponentCache))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewStorageError("cannot create cache staging directory", err)
	}

	if err := e.cache.BackgroundSave(ctx, e.cfg.Cache.SaveMaxWait); err != nil {
		return err
	}

	snapshot := e.cache.SnapshotPath()
	info, err := os.Stat(snapshot)
	if err != nil || info.Size() == 0 {
		m.MarkExcluded(ComponentCache, "snapshot file missing or empty after background save")
		e.warn(result, fmt.Sprintf("cache snapshot %s missing or empty, component excluded", snapshot))
		return nil
	}

	archivePath := filepath.Join(dir, filepath.Base(snapshot)+compressedSuffix(e.codec))
	size, err := e.compressFile(snapshot, archivePath)
	if err != nil {
		m.MarkExcluded(ComponentCache, fmt.Sprintf("snapshot capture failed: %v", err))
		e.warn(result, fmt.Sprintf("cache snapshot capture failed: %v", err))
		return nil
	}

	if _, err := e.record(m, ComponentCache, workDir, archivePath, size); err != nil {
		return err
	}
	m.MarkIncluded(ComponentCache, "snapshot", snapshot)
	e.logger.LogComponentBackup(string(ComponentCache), archivePath, size, time.Since(start), nil)
	return nil
}

// backupTree archives one directory component. Failures degrade to a
// warning and an excluded manifest entry.
func (e *Engine) backupTree(ctx context.Context, workDir string, kind ComponentKind, srcDir string, m *Manifest, result *Result) {
	start := time.Now()
	dir := filepath.Join(workDir, string(kind))
	if err := os.MkdirAll(dir, 0755); err != nil {
		m.MarkExcluded(kind, err.Error())
		e.warn(result, fmt.Sprintf("%s: cannot create staging directory: %v", kind, err))
		return
	}

	if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
		m.MarkExcluded(kind, fmt.Sprintf("source directory %s not found", srcDir))
		e.warn(result, fmt.Sprintf("%s: source directory %s not found, component excluded", kind, srcDir))
		return
	}

	archivePath := filepath.Join(dir, string(kind)+e.codec.Extension())
	size, err := e.archiver.ArchiveDir(ctx, srcDir, archivePath)
	if err != nil {
		m.MarkExcluded(kind, err.Error())
		e.warn(result, fmt.Sprintf("%s: archive failed: %v", kind, err))
		return
	}
	if size == 0 {
		m.MarkExcluded(kind, "archive is zero-length")
		e.warn(result, fmt.Sprintf("%s: archive is zero-length, component excluded", kind))
		return
	}

	if _, err := e.record(m, kind, workDir, archivePath, size); err != nil {
		m.MarkExcluded(kind, err.Error())
		e.warn(result, fmt.Sprintf("%s: checksum failed: %v", kind, err))
		return
	}
	m.MarkIncluded(kind, "tree", srcDir)
	e.logger.LogComponentBackup(string(kind), archivePath, size, time.Since(start), nil)
}

// record checksums an artifact, writes its sidecar, and adds it to
// the manifest
func (e *Engine) record(m *Manifest, kind ComponentKind, workDir, archivePath string, size int64) (string, error) {
	sum, err := integrity.WriteSidecar(archivePath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(workDir, archivePath)
	if err != nil {
		return "", errors.NewStorageError("cannot relativize artifact path", err)
	}
	m.AddFile(kind, filepath.ToSlash(rel), size, sum)
	return sum, nil
}

// packBundle turns the staging directory into a single bundle file
// under the backup directory, optionally encrypted
func (e *Engine) packBundle(ctx context.Context, workDir, name string) (string, error) {
	if err := os.MkdirAll(e.cfg.Paths.BackupDir, 0755); err != nil {
		return "", errors.NewStorageError("cannot create backup directory", err)
	}

	// component archives are already compressed, the outer bundle is
	// a plain tar
	bundlePath := filepath.Join(e.cfg.Paths.BackupDir, name+archive.CompressionNone.Extension())
	packer := archive.NewArchiver(archive.CompressionNone, 0, nil)
	if _, err := packer.ArchiveDir(ctx, workDir, bundlePath); err != nil {
		return "", err
	}

	if e.cfg.Backup.Encryption.Enabled {
		encPath := bundlePath + archive.EncryptedSuffix
		if err := archive.EncryptFile(bundlePath, encPath, e.cfg.Backup.Encryption.Passphrase); err != nil {
			return "", err
		}
		os.Remove(bundlePath)
		bundlePath = encPath
	}

	return bundlePath, nil
}

// upload pushes the bundle to the remote provider within the
// configured timeout
func (e *Engine) upload(ctx context.Context, bundlePath string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Backup.Remote.Timeout)
	defer cancel()

	e.logger.Infof("Uploading bundle to %s storage", e.storage.Name())
	return e.storage.Upload(ctx, bundlePath, filepath.Base(bundlePath))
}

// compressFile compresses src into dest and returns dest's size
func (e *Engine) compressFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("cannot open %s", src), err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("cannot create %s", dest), err)
	}
	defer out.Close()

	w, err := archive.NewCompressingWriter(out, e.codec, e.cfg.Backup.CompressionLevel)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return 0, errors.NewStorageError("compression failed", err)
	}
	if err := w.Close(); err != nil {
		return 0, errors.NewStorageError("compression failed", err)
	}
	if err := out.Sync(); err != nil {
		return 0, err
	}

	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (e *Engine) warn(result *Result, msg string) {
	e.logger.Warn(msg)
	result.Warnings = append(result.Warnings, msg)
}

func (e *Engine) fail(ctx context.Context, err error) error {
	e.notify(ctx, notify.StatusFailed, err.Error(), nil)
	return err
}

func (e *Engine) notify(ctx context.Context, status notify.EventStatus, msg string, extra map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notify.Event{
		Kind:    notify.EventBackup,
		Status:  status,
		Message: msg,
		Context: extra,
	})
}

// compressedSuffix maps a codec to the suffix appended to single
// compressed files, as opposed to tar archives
func compressedSuffix(codec archive.CompressionType) string {
	switch codec {
	case archive.CompressionGzip:
		return ".gz"
	case archive.CompressionZstd:
		return ".zst"
	case archive.CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}
