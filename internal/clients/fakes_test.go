package clients

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDatabaseDumpSinceFiltersAllowListedTables(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := &FakeDatabase{Rows: []FakeRow{
		{Table: "save_states", Data: "old-save", ModifiedAt: cutoff.Add(-time.Hour)},
		{Table: "save_states", Data: "new-save", ModifiedAt: cutoff.Add(time.Hour)},
		{Table: "users", Data: "admin", ModifiedAt: cutoff.Add(-24 * time.Hour)},
	}}

	dump := filepath.Join(t.TempDir(), "incr.sql")
	err := db.DumpSince(context.Background(), dump, cutoff, "updated_at",
		map[string]bool{"save_states": true})
	require.NoError(t, err)

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	var rows []FakeRow
	require.NoError(t, json.Unmarshal(data, &rows))

	// changed allow-listed row plus the full non-listed table, but not
	// the stale allow-listed row
	require.Len(t, rows, 2)
	assert.Equal(t, "admin", rows[0].Data)
	assert.Equal(t, "new-save", rows[1].Data)
}

func TestFakeDatabaseRoundTrip(t *testing.T) {
	db := &FakeDatabase{Rows: []FakeRow{
		{Table: "users", Data: "admin"},
		{Table: "roms", Data: "mario"},
	}}

	dump := filepath.Join(t.TempDir(), "full.sql")
	require.NoError(t, db.Dump(context.Background(), dump))
	require.NoError(t, db.Recreate(context.Background()))
	assert.Empty(t, db.Rows)

	require.NoError(t, db.LoadDump(context.Background(), dump))
	assert.Len(t, db.Rows, 2)
	assert.True(t, db.Loaded)
}

func TestFakeCacheSnapshotRoundTrip(t *testing.T) {
	cache := NewFakeCache(t.TempDir())
	cache.Keys["session:1"] = "alice"
	cache.Keys["session:2"] = "bob"

	require.NoError(t, cache.BackgroundSave(context.Background(), time.Second))
	require.NoError(t, cache.Flush(context.Background()))
	assert.Empty(t, cache.Keys)

	require.NoError(t, cache.LoadSnapshot())
	assert.Equal(t, "alice", cache.Keys["session:1"])
	assert.Equal(t, "bob", cache.Keys["session:2"])
}
