package backup

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stackops/internal/errors"
	"stackops/internal/logging"
)

// BundlePrefix starts every bundle file name
const BundlePrefix = "backup-"

// bundleNameFormat is the timestamp layout embedded in bundle names
const bundleNameFormat = "20060102-150405"

// NewBackupName derives a unique, timestamp-ordered bundle name
func NewBackupName(now time.Time) string {
	return BundlePrefix + now.UTC().Format(bundleNameFormat)
}

// bundleInfo is one bundle found on disk during a retention sweep
type bundleInfo struct {
	path      string
	createdAt time.Time
}

// bundleTimestamp recovers the creation time embedded in a bundle
// name, falling back to file modification time for foreign names
func bundleTimestamp(name string, modTime time.Time) time.Time {
	base := strings.TrimPrefix(name, BundlePrefix)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if ts, err := time.Parse(bundleNameFormat, base); err == nil {
		return ts
	}
	return modTime
}

// Retention prunes old bundles from the backup directory
type Retention struct {
	dir        string
	days       int
	maxBundles int
	logger     *logging.Logger
	now        func() time.Time
}

// NewRetention creates a retention sweeper for dir
func NewRetention(dir string, days, maxBundles int, logger *logging.Logger) *Retention {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Retention{
		dir:        dir,
		days:       days,
		maxBundles: maxBundles,
		logger:     logger,
		now:        time.Now,
	}
}

// listBundles finds bundle files and leftover bundle staging
// directories, oldest first
func (r *Retention) listBundles() ([]bundleInfo, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageError("cannot read backup directory", err)
	}

	var bundles []bundleInfo
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), BundlePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bundles = append(bundles, bundleInfo{
			path:      filepath.Join(r.dir, e.Name()),
			createdAt: bundleTimestamp(e.Name(), info.ModTime()),
		})
	}

	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].createdAt.Before(bundles[j].createdAt)
	})
	return bundles, nil
}

// Apply deletes bundles older than the retention window, oldest
// first, then enforces the bundle-count ceiling. Running it twice in
// a row is a no-op the second time.
func (r *Retention) Apply() (int, error) {
	bundles, err := r.listBundles()
	if err != nil {
		return 0, err
	}

	cutoff := r.now().UTC().AddDate(0, 0, -r.days)
	removed := 0

	var kept []bundleInfo
	for _, b := range bundles {
		if b.createdAt.Before(cutoff) {
			if err := os.RemoveAll(b.path); err != nil {
				return removed, errors.NewStorageError("failed to prune expired bundle "+b.path, err)
			}
			r.logger.Debugf("Pruned expired bundle %s (created %s)", b.path, b.createdAt.Format(time.RFC3339))
			removed++
			continue
		}
		kept = append(kept, b)
	}

	if r.maxBundles > 0 && len(kept) > r.maxBundles {
		for _, b := range kept[:len(kept)-r.maxBundles] {
			if err := os.RemoveAll(b.path); err != nil {
				return removed, errors.NewStorageError("failed to prune surplus bundle "+b.path, err)
			}
			r.logger.Debugf("Pruned surplus bundle %s", b.path)
			removed++
		}
	}

	return removed, nil
}
