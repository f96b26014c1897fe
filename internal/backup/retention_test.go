package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, dir string, ts time.Time) string {
	t.Helper()
	path := filepath.Join(dir, NewBackupName(ts)+".tar")
	require.NoError(t, os.WriteFile(path, []byte("bundle"), 0644))
	return path
}

func newTestRetention(dir string, days, max int, now time.Time) *Retention {
	r := NewRetention(dir, days, max, nil)
	r.now = func() time.Time { return now }
	return r
}

func TestRetentionPrunesExpiredBundles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	old := writeBundle(t, dir, now.AddDate(0, 0, -40))
	fresh := writeBundle(t, dir, now.AddDate(0, 0, -5))

	r := newTestRetention(dir, 30, 0, now)
	removed, err := r.Apply()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestRetentionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	writeBundle(t, dir, now.AddDate(0, 0, -40))
	writeBundle(t, dir, now.AddDate(0, 0, -35))
	writeBundle(t, dir, now.AddDate(0, 0, -1))

	r := newTestRetention(dir, 30, 0, now)

	removed, err := r.Apply()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = r.Apply()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestRetentionEnforcesBundleCeilingOldestFirst(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	oldest := writeBundle(t, dir, now.Add(-4*time.Hour))
	middle := writeBundle(t, dir, now.Add(-3*time.Hour))
	newest := writeBundle(t, dir, now.Add(-2*time.Hour))

	r := newTestRetention(dir, 30, 2, now)
	removed, err := r.Apply()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, middle)
	assert.FileExists(t, newest)
}

func TestRetentionIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	foreign := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("keep me"), 0644))
	writeBundle(t, dir, now.AddDate(0, 0, -45))

	r := newTestRetention(dir, 30, 0, now)
	removed, err := r.Apply()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.FileExists(t, foreign)
}

func TestRetentionMissingDirectoryIsNoop(t *testing.T) {
	r := newTestRetention(filepath.Join(t.TempDir(), "absent"), 30, 0, time.Now())
	removed, err := r.Apply()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
