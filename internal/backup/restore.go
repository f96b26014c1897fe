package backup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stackops/internal/archive"
	"stackops/internal/clients"
	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/logging"
	"stackops/internal/notify"
)

// ConfirmToken is what the operator must type to approve a restore
const ConfirmToken = "CONFIRM"

// RestoreOptions selects what a restore touches
type RestoreOptions struct {
	// Components limits the restore; empty means every component the
	// manifest includes
	Components []ComponentKind
	// Force skips the interactive confirmation
	Force bool
	// Passphrase decrypts encrypted bundles; falls back to the
	// configured one
	Passphrase string
	// DryRun verifies the bundle and resolves the component selection
	// without prompting or touching live state
	DryRun bool
}

// RestoreResult reports what a restore run did
type RestoreResult struct {
	BackupName string
	Restored   []ComponentKind
	// Planned is what a dry run resolved and would have restored
	Planned   []ComponentKind
	Skipped   []ComponentKind
	SafetyDir string
	Warnings  []string
}

// ConfirmFunc asks the operator to approve an irreversible action
type ConfirmFunc func(prompt string) (bool, error)

// StdinConfirm reads a confirmation token from standard input
func StdinConfirm(prompt string) (bool, error) {
	fmt.Printf("%s\nType %s to proceed: ", prompt, ConfirmToken)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSpace(line) == ConfirmToken, nil
}

// componentDirs maps file-tree components to their live directories
func componentDirs(cfg *config.Config) map[ComponentKind]string {
	return map[ComponentKind]string{
		ComponentCode:     cfg.Paths.AppDir,
		ComponentConfig:   cfg.Paths.ConfigDir,
		ComponentLogs:     cfg.Paths.LogsDir,
		ComponentUserData: cfg.Paths.UserDataDir,
	}
}

// Restorer replaces live component state from a verified bundle. It
// never restarts services and never rolls itself back; the safety
// snapshot it takes first is the manual recovery path.
type Restorer struct {
	cfg      *config.Config
	db       clients.DatabaseClient
	cache    clients.CacheClient
	notifier *notify.Dispatcher
	logger   *logging.Logger
	confirm  ConfirmFunc
	now      func() time.Time
}

// NewRestorer wires a restore engine
func NewRestorer(cfg *config.Config, db clients.DatabaseClient, cache clients.CacheClient,
	notifier *notify.Dispatcher, logger *logging.Logger) *Restorer {

	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Restorer{
		cfg:      cfg,
		db:       db,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		confirm:  StdinConfirm,
		now:      time.Now,
	}
}

// Restore verifies and applies a bundle. Every checksum is verified
// before any live state is touched; a confirmation is required unless
// forced. Failures after replacement begins are reported, not rolled
// back.
func (r *Restorer) Restore(ctx context.Context, bundlePath string, opts RestoreOptions) (*RestoreResult, error) {
	bundleDir, cleanup, err := r.openBundle(ctx, bundlePath, opts.Passphrase)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	defer cleanup()

	manifest, err := LoadManifest(filepath.Join(bundleDir, ManifestFileName))
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	if err := manifest.VerifyAgainst(bundleDir); err != nil {
		return nil, r.fail(ctx, err)
	}
	r.logger.Infof("Verified %d artifacts in bundle %s", len(manifest.Files), manifest.BackupName)

	selected, skipped, err := r.selectComponents(manifest, opts.Components)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	if opts.DryRun {
		r.logger.Infof("Dry run: bundle %s verified, %d components selected, nothing restored",
			manifest.BackupName, len(selected))
		return &RestoreResult{BackupName: manifest.BackupName, Planned: selected, Skipped: skipped}, nil
	}

	if !opts.Force {
		names := make([]string, len(selected))
		for i, k := range selected {
			names[i] = string(k)
		}
		prompt := fmt.Sprintf("About to restore backup %s over live state.\nComponents: %s\nThis replaces current data and cannot be undone automatically.",
			manifest.BackupName, strings.Join(names, ", "))
		ok, err := r.confirm(prompt)
		if err != nil {
			return nil, r.fail(ctx, err)
		}
		if !ok {
			return nil, errors.NewConfirmationRejected("restore aborted by operator")
		}
	}

	r.notifyEvent(ctx, notify.StatusStarted, fmt.Sprintf("restore of %s started", manifest.BackupName), nil)

	result := &RestoreResult{BackupName: manifest.BackupName, Skipped: skipped}

	r.takeSafetySnapshot(ctx, selected, result)

	for _, kind := range selected {
		if err := r.restoreComponent(ctx, bundleDir, manifest, kind); err != nil {
			err = errors.NewPartialComponentError(string(kind), err).
				WithContext("safety_snapshot", result.SafetyDir)
			return result, r.fail(ctx, err)
		}
		result.Restored = append(result.Restored, kind)
	}

	r.notifyEvent(ctx, notify.StatusSucceeded,
		fmt.Sprintf("restore of %s completed: %d components", manifest.BackupName, len(result.Restored)),
		map[string]interface{}{"safety_snapshot": result.SafetyDir})
	return result, nil
}

// openBundle yields a directory containing manifest and artifacts.
// Accepts an unpacked directory, a tar bundle, or an encrypted bundle.
func (r *Restorer) openBundle(ctx context.Context, bundlePath, passphrase string) (string, func(), error) {
	noop := func() {}

	info, err := os.Stat(bundlePath)
	if err != nil {
		return "", noop, errors.NewStorageError(fmt.Sprintf("bundle %s not found", bundlePath), err)
	}
	if info.IsDir() {
		return bundlePath, noop, nil
	}
	if info.Size() == 0 {
		return "", noop, errors.NewIntegrityError(fmt.Sprintf("bundle %s is empty", bundlePath), nil)
	}

	if err := os.MkdirAll(r.cfg.Paths.StagingDir, 0755); err != nil {
		return "", noop, errors.NewStorageError("cannot create staging directory", err)
	}
	tmpDir, err := os.MkdirTemp(r.cfg.Paths.StagingDir, "restore-*")
	if err != nil {
		return "", noop, errors.NewStorageError("cannot create restore staging directory", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	archivePath := bundlePath
	if archive.IsEncrypted(bundlePath) {
		if passphrase == "" {
			passphrase = r.cfg.Backup.Encryption.Passphrase
		}
		if passphrase == "" {
			cleanup()
			return "", noop, errors.NewValidationError("bundle is encrypted and no passphrase is configured", nil)
		}
		decrypted := filepath.Join(tmpDir, strings.TrimSuffix(filepath.Base(bundlePath), archive.EncryptedSuffix))
		if err := archive.DecryptFile(bundlePath, decrypted, passphrase); err != nil {
			cleanup()
			return "", noop, err
		}
		archivePath = decrypted
	}

	extractDir := filepath.Join(tmpDir, "bundle")
	if err := archive.ExtractTo(ctx, archivePath, extractDir); err != nil {
		cleanup()
		return "", noop, err
	}
	return extractDir, cleanup, nil
}

// selectComponents resolves the requested set against what the
// manifest actually includes
func (r *Restorer) selectComponents(m *Manifest, requested []ComponentKind) (selected, skipped []ComponentKind, err error) {
	if len(requested) == 0 {
		for _, kind := range AllComponents() {
			if m.Included(kind) {
				selected = append(selected, kind)
			} else if _, ok := m.Components[kind]; ok {
				skipped = append(skipped, kind)
			}
		}
		if len(selected) == 0 {
			return nil, nil, errors.NewIntegrityError(
				fmt.Sprintf("bundle %s includes no restorable components", m.BackupName), nil)
		}
		return selected, skipped, nil
	}

	for _, kind := range requested {
		if !m.Included(kind) {
			return nil, nil, errors.NewValidationError(
				fmt.Sprintf("component %s is not included in backup %s", kind, m.BackupName), nil)
		}
		selected = append(selected, kind)
	}
	return selected, skipped, nil
}

// takeSafetySnapshot captures current live state before replacement.
// Best effort: failures are surfaced prominently because they remove
// the undo option, but they do not block the restore.
func (r *Restorer) takeSafetySnapshot(ctx context.Context, selected []ComponentKind, result *RestoreResult) {
	safetyDir := filepath.Join(r.cfg.Paths.BackupDir, "safety-"+r.now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(safetyDir, 0755); err != nil {
		r.warn(result, fmt.Sprintf("SAFETY SNAPSHOT UNAVAILABLE: cannot create %s: %v", safetyDir, err))
		return
	}
	result.SafetyDir = safetyDir

	dirs := componentDirs(r.cfg)
	packer := archive.NewArchiver(archive.CompressionGzip, r.cfg.Backup.CompressionLevel, r.cfg.Backup.ExcludePatterns)

	for _, kind := range selected {
		var err error
		switch kind {
		case ComponentDatabase:
			err = r.db.Dump(ctx, filepath.Join(safetyDir, "database.sql"))
		case ComponentCache:
			if err = r.cache.BackgroundSave(ctx, r.cfg.Cache.SaveMaxWait); err == nil {
				err = copyFile(r.cache.SnapshotPath(), filepath.Join(safetyDir, "dump.rdb"))
			}
		default:
			if src, ok := dirs[kind]; ok {
				_, err = packer.ArchiveDir(ctx, src, filepath.Join(safetyDir, string(kind)+".tar.gz"))
			}
		}
		if err != nil {
			r.warn(result, fmt.Sprintf("SAFETY SNAPSHOT FAILED for %s: %v; no undo path for this component", kind, err))
		}
	}
}

// restoreComponent replaces one component's live state from the bundle
func (r *Restorer) restoreComponent(ctx context.Context, bundleDir string, m *Manifest, kind ComponentKind) error {
	start := time.Now()
	files := m.FilesFor(kind)
	if len(files) == 0 {
		return errors.NewIntegrityError(fmt.Sprintf("manifest lists no artifacts for %s", kind), nil)
	}
	artifact := filepath.Join(bundleDir, filepath.FromSlash(files[0].Path))

	var err error
	switch kind {
	case ComponentDatabase:
		err = r.restoreDatabase(ctx, artifact)
	case ComponentCache:
		err = r.restoreCache(ctx, artifact)
	default:
		target, ok := componentDirs(r.cfg)[kind]
		if !ok {
			err = errors.NewValidationError(fmt.Sprintf("no restore target for component %s", kind), nil)
		} else {
			err = archive.ExtractTo(ctx, artifact, target)
		}
	}

	r.logger.LogRestoreComponent(string(kind), time.Since(start), err)
	return err
}

// restoreDatabase drops and recreates the schema, then loads the dump
func (r *Restorer) restoreDatabase(ctx context.Context, artifact string) error {
	plain, cleanup, err := r.decompressArtifact(artifact)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := r.db.Recreate(ctx); err != nil {
		return err
	}
	return r.db.LoadDump(ctx, plain)
}

// restoreCache flushes all keys and puts the snapshot back in place
// for the server to load on its next restart
func (r *Restorer) restoreCache(ctx context.Context, artifact string) error {
	plain, cleanup, err := r.decompressArtifact(artifact)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := r.cache.Flush(ctx); err != nil {
		return err
	}
	if err := copyFile(plain, r.cache.SnapshotPath()); err != nil {
		return errors.NewStorageError("cannot place cache snapshot", err)
	}
	r.logger.Warn("Cache snapshot placed; keys load when the cache server restarts")
	return nil
}

// decompressArtifact inflates a single compressed file into the
// staging directory
func (r *Restorer) decompressArtifact(artifact string) (string, func(), error) {
	noop := func() {}
	codec := archive.DetectCompression(artifact)
	if codec == archive.CompressionNone {
		return artifact, noop, nil
	}

	in, err := os.Open(artifact)
	if err != nil {
		return "", noop, errors.NewStorageError(fmt.Sprintf("cannot open artifact %s", artifact), err)
	}
	defer in.Close()

	reader, err := archive.NewDecompressingReader(in, codec)
	if err != nil {
		return "", noop, err
	}
	defer reader.Close()

	if err := os.MkdirAll(r.cfg.Paths.StagingDir, 0755); err != nil {
		return "", noop, errors.NewStorageError("cannot create staging directory", err)
	}
	tmp, err := os.CreateTemp(r.cfg.Paths.StagingDir, "artifact-*")
	if err != nil {
		return "", noop, errors.NewStorageError("cannot create staging file", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, errors.NewStorageError("decompression failed", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, err
	}
	return tmp.Name(), cleanup, nil
}

func (r *Restorer) warn(result *RestoreResult, msg string) {
	r.logger.Warn(msg)
	result.Warnings = append(result.Warnings, msg)
}

func (r *Restorer) fail(ctx context.Context, err error) error {
	r.notifyEvent(ctx, notify.StatusFailed, err.Error(), nil)
	return err
}

func (r *Restorer) notifyEvent(ctx context.Context, status notify.EventStatus, msg string, extra map[string]interface{}) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, notify.Event{
		Kind:    notify.EventRestore,
		Status:  status,
		Message: msg,
		Context: extra,
	})
}

// copyFile duplicates src to dest, creating parent directories
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
