package clients

import (
	"context"
	"time"
)

// DatabaseClient is the narrow collaborator interface for the
// relational database. Pipeline logic never reimplements dump or load
// semantics; it calls these operations as opaque primitives.
type DatabaseClient interface {
	// Ping verifies connectivity within the client's timeout
	Ping(ctx context.Context) error
	// QueryLatency measures a trivial query round trip
	QueryLatency(ctx context.Context) (time.Duration, error)
	// Dump writes a full logical dump to destPath
	Dump(ctx context.Context, destPath string) error
	// DumpSince writes an incremental dump to destPath: rows whose
	// timestampColumn changed since the timestamp for the allow-listed
	// tables, full contents for every other table
	DumpSince(ctx context.Context, destPath string, since time.Time, timestampColumn string, incrementalTables map[string]bool) error
	// Recreate drops and recreates the schema, leaving it empty
	Recreate(ctx context.Context) error
	// LoadDump replays a logical dump from srcPath
	LoadDump(ctx context.Context, srcPath string) error
}

// CacheClient is the narrow collaborator interface for the cache/broker
type CacheClient interface {
	// Ping measures a cache round trip
	Ping(ctx context.Context) (time.Duration, error)
	// BackgroundSave triggers a point-in-time save and waits, with
	// bounded polling, until the server's save timestamp advances
	BackgroundSave(ctx context.Context, maxWait time.Duration) error
	// SnapshotPath returns where the server writes its snapshot file
	SnapshotPath() string
	// Flush removes all keys
	Flush(ctx context.Context) error
}

// ServiceController starts and stops the managed application services
type ServiceController interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	ServiceNames() []string
}

// SourceControl obtains application source at an exact version
type SourceControl interface {
	// FetchVersion materializes the requested version (tag, falling
	// back to the branch head with fallback=true when the tag is
	// absent) into workDir and returns the resolved revision.
	FetchVersion(ctx context.Context, workDir, version, branch string) (resolved string, fallback bool, err error)
}

// MigrationRunner applies schema migrations
type MigrationRunner interface {
	Run(ctx context.Context) (output string, err error)
}
