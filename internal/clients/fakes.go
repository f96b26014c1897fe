package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FakeRow is one record held by the fake database
type FakeRow struct {
	Table      string    `json:"table"`
	Data       string    `json:"data"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FakeDatabase is an in-memory DatabaseClient for tests. Dumps are
// JSON documents so round trips can be asserted byte for byte.
type FakeDatabase struct {
	mu   sync.Mutex
	Rows []FakeRow

	PingErr     error
	DumpErr     error
	LoadErr     error
	RecreateErr error
	Latency     time.Duration

	Recreated bool
	Loaded    bool

	// TimestampColumn records what the last DumpSince was asked to
	// filter on
	TimestampColumn string
}

// Ping returns the configured error
func (f *FakeDatabase) Ping(ctx context.Context) error { return f.PingErr }

// QueryLatency returns the configured latency
func (f *FakeDatabase) QueryLatency(ctx context.Context) (time.Duration, error) {
	if f.PingErr != nil {
		return 0, f.PingErr
	}
	return f.Latency, nil
}

func (f *FakeDatabase) writeDump(destPath string, rows []FakeRow) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0644)
}

// Dump writes every row
func (f *FakeDatabase) Dump(ctx context.Context, destPath string) error {
	if f.DumpErr != nil {
		return f.DumpErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]FakeRow, len(f.Rows))
	copy(rows, f.Rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Data < rows[j].Data })
	return f.writeDump(destPath, rows)
}

// DumpSince writes changed rows for allow-listed tables plus every row
// of other tables
func (f *FakeDatabase) DumpSince(ctx context.Context, destPath string, since time.Time, timestampColumn string, incrementalTables map[string]bool) error {
	if f.DumpErr != nil {
		return f.DumpErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TimestampColumn = timestampColumn

	var rows []FakeRow
	for _, r := range f.Rows {
		if incrementalTables[r.Table] {
			if r.ModifiedAt.After(since) {
				rows = append(rows, r)
			}
		} else {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Data < rows[j].Data })
	return f.writeDump(destPath, rows)
}

// Recreate empties the fake database
func (f *FakeDatabase) Recreate(ctx context.Context) error {
	if f.RecreateErr != nil {
		return f.RecreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rows = nil
	f.Recreated = true
	return nil
}

// LoadDump replaces rows from a dump file
func (f *FakeDatabase) LoadDump(ctx context.Context, srcPath string) error {
	if f.LoadErr != nil {
		return f.LoadErr
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	var rows []FakeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rows = append(f.Rows, rows...)
	f.Loaded = true
	return nil
}

// FakeCache is an in-memory CacheClient for tests. Background saves
// serialize the key set to the snapshot path.
type FakeCache struct {
	mu   sync.Mutex
	Keys map[string]string

	Snapshot string
	PingErr  error
	SaveErr  error
	FlushErr error
	Latency  time.Duration

	Flushed bool
}

// NewFakeCache creates a fake cache writing snapshots under dir
func NewFakeCache(dir string) *FakeCache {
	return &FakeCache{
		Keys:     map[string]string{},
		Snapshot: filepath.Join(dir, "dump.rdb"),
	}
}

// Ping returns the configured latency and error
func (f *FakeCache) Ping(ctx context.Context) (time.Duration, error) {
	if f.PingErr != nil {
		return 0, f.PingErr
	}
	return f.Latency, nil
}

// BackgroundSave serializes keys to the snapshot path
func (f *FakeCache) BackgroundSave(ctx context.Context, maxWait time.Duration) error {
	if f.SaveErr != nil {
		return f.SaveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(f.Keys)
	if err != nil {
		return err
	}
	return os.WriteFile(f.Snapshot, data, 0644)
}

// SnapshotPath returns the snapshot file location
func (f *FakeCache) SnapshotPath() string { return f.Snapshot }

// Flush clears all keys
func (f *FakeCache) Flush(ctx context.Context) error {
	if f.FlushErr != nil {
		return f.FlushErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Keys = map[string]string{}
	f.Flushed = true
	return nil
}

// LoadSnapshot restores keys from the snapshot file, standing in for
// the server re-reading its snapshot on restart
func (f *FakeCache) LoadSnapshot() error {
	data, err := os.ReadFile(f.Snapshot)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Unmarshal(data, &f.Keys)
}

// FakeServiceController records start/stop calls for tests
type FakeServiceController struct {
	mu       sync.Mutex
	Names    []string
	StartErr error
	StopErr  error
	Calls    []string
}

// ServiceNames lists the managed services
func (f *FakeServiceController) ServiceNames() []string { return f.Names }

// StartAll records the call
func (f *FakeServiceController) StartAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "start")
	return f.StartErr
}

// StopAll records the call
func (f *FakeServiceController) StopAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "stop")
	return f.StopErr
}

// CallLog returns the recorded call sequence
func (f *FakeServiceController) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

// FakeSourceControl materializes a canned file tree for tests
type FakeSourceControl struct {
	Files    map[string]string
	Resolved string
	Fallback bool
	Err      error
}

// FetchVersion writes the canned tree into workDir
func (f *FakeSourceControl) FetchVersion(ctx context.Context, workDir, version, branch string) (string, bool, error) {
	if f.Err != nil {
		return "", false, f.Err
	}
	for rel, content := range f.Files {
		path := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", false, err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", false, err
		}
	}
	resolved := f.Resolved
	if resolved == "" {
		resolved = version
	}
	return resolved, f.Fallback, nil
}

// FakeMigrationRunner fails a configurable number of times before
// succeeding, for exercising the bounded retry loop
type FakeMigrationRunner struct {
	mu        sync.Mutex
	FailTimes int
	FailWith  error
	Attempts  int
}

// Run fails until FailTimes runs out
func (f *FakeMigrationRunner) Run(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Attempts++
	if f.Attempts <= f.FailTimes {
		if f.FailWith != nil {
			return "", f.FailWith
		}
		return "", fmt.Errorf("service not yet ready")
	}
	return "migrations applied", nil
}
