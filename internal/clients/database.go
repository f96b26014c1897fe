package clients

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/logging"
)

// MySQLClient is the production DatabaseClient. Connectivity and
// latency probes use the driver; dump and load shell out to the
// standard client tools so their formats stay canonical.
type MySQLClient struct {
	cfg    config.DatabaseConf
	db     *sql.DB
	logger *logging.Logger
}

// NewMySQLClient opens a connection pool against the configured database
func NewMySQLClient(cfg config.DatabaseConf, logger *logging.Logger) (*MySQLClient, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, errors.NewValidationError("invalid database configuration", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &MySQLClient{cfg: cfg, db: db, logger: logger}, nil
}

// NewMySQLClientWithDB wires an existing handle, used by tests with sqlmock
func NewMySQLClientWithDB(cfg config.DatabaseConf, db *sql.DB, logger *logging.Logger) *MySQLClient {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &MySQLClient{cfg: cfg, db: db, logger: logger}
}

// Close releases the connection pool
func (m *MySQLClient) Close() error {
	return m.db.Close()
}

// Ping verifies database connectivity
func (m *MySQLClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		return errors.NewConnectivityError(
			fmt.Sprintf("database %s unreachable", m.cfg.Addr()), err)
	}
	return nil
}

// QueryLatency measures a SELECT 1 round trip
func (m *MySQLClient) QueryLatency(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var one int
	if err := m.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return 0, errors.NewConnectivityError("database latency query failed", err)
	}
	return time.Since(start), nil
}

// listTables enumerates base tables of the configured schema
func (m *MySQLClient) listTables(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		m.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// baseDumpArgs assembles the connection arguments shared by every dump
func (m *MySQLClient) baseDumpArgs() []string {
	return []string{
		"-h", m.cfg.Host,
		"-P", fmt.Sprintf("%d", m.cfg.Port),
		"-u", m.cfg.Username,
		fmt.Sprintf("-p%s", m.cfg.Password),
		"--single-transaction",
		"--routines",
		"--triggers",
	}
}

// runDump executes the dump tool, streaming stdout into destPath
func (m *MySQLClient) runDump(ctx context.Context, destPath string, args []string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot create dump file %s", destPath), err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, m.cfg.DumpBinary, args...)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError("database dump timed out", err)
		}
		return errors.NewStorageError("database dump failed", err)
	}
	return out.Sync()
}

// Dump writes a full logical dump of the database
func (m *MySQLClient) Dump(ctx context.Context, destPath string) error {
	args := append(m.baseDumpArgs(), m.cfg.Database)
	return m.runDump(ctx, destPath, args)
}

// DumpSince writes an incremental dump. Allow-listed mutable tables
// are dumped with a changed-since predicate on timestampColumn; every
// table outside the allow-list is captured in full so the dump remains
// loadable on its own.
func (m *MySQLClient) DumpSince(ctx context.Context, destPath string, since time.Time, timestampColumn string, incrementalTables map[string]bool) error {
	if len(incrementalTables) == 0 {
		return errors.NewValidationError(
			"incremental backup requires a configured allow-list of mutable tables", nil)
	}
	if !validColumnName(timestampColumn) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid timestamp column %q for incremental dump", timestampColumn), nil)
	}

	tables, err := m.listTables(ctx)
	if err != nil {
		return errors.NewConnectivityError("cannot enumerate tables for incremental dump", err)
	}

	var incremental, full []string
	for _, t := range tables {
		if incrementalTables[t] {
			incremental = append(incremental, t)
		} else {
			full = append(full, t)
		}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot create dump file %s", destPath), err)
	}
	defer out.Close()

	runPart := func(args []string) error {
		cmd := exec.CommandContext(ctx, m.cfg.DumpBinary, args...)
		cmd.Stdout = out
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return errors.NewTimeoutError("incremental dump timed out", err)
			}
			return errors.NewStorageError("incremental dump failed", err)
		}
		return nil
	}

	if len(full) > 0 {
		args := append(m.baseDumpArgs(), m.cfg.Database)
		args = append(args, full...)
		if err := runPart(args); err != nil {
			return err
		}
	}

	if len(incremental) > 0 {
		args := m.incrementalDumpArgs(timestampColumn, since, incremental)
		if err := runPart(args); err != nil {
			return err
		}
	}

	return out.Sync()
}

// incrementalDumpArgs builds the mysqldump invocation for the
// changed-rows part of an incremental dump
func (m *MySQLClient) incrementalDumpArgs(timestampColumn string, since time.Time, tables []string) []string {
	where := fmt.Sprintf("%s >= '%s'", timestampColumn, since.UTC().Format("2006-01-02 15:04:05"))
	args := append(m.baseDumpArgs(),
		"--no-create-info",
		fmt.Sprintf("--where=%s", where),
		m.cfg.Database)
	return append(args, tables...)
}

// validColumnName accepts plain SQL identifiers only; the column ends
// up inside a mysqldump --where clause
func validColumnName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Recreate drops and recreates the schema, leaving it empty
func (m *MySQLClient) Recreate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if _, err := m.db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", m.cfg.Database)); err != nil {
		return errors.NewStorageError("failed to drop database", err)
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE `%s` CHARACTER SET utf8mb4", m.cfg.Database)); err != nil {
		return errors.NewStorageError("failed to recreate database", err)
	}
	return nil
}

// LoadDump replays a logical dump through the client binary
func (m *MySQLClient) LoadDump(ctx context.Context, srcPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot open dump %s", srcPath), err)
	}
	defer in.Close()

	args := []string{
		"-h", m.cfg.Host,
		"-P", fmt.Sprintf("%d", m.cfg.Port),
		"-u", m.cfg.Username,
		fmt.Sprintf("-p%s", m.cfg.Password),
		m.cfg.Database,
	}

	cmd := exec.CommandContext(ctx, m.cfg.ClientBinary, args...)
	cmd.Stdin = in
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.NewTimeoutError("database load timed out", err)
		}
		return errors.NewStorageError("database load failed", err)
	}
	return nil
}
