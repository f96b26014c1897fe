package clients

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/config"
	"stackops/internal/errors"
)

func newMockClient(t *testing.T) (*MySQLClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DatabaseConf{
		Host:     "localhost",
		Port:     3306,
		Username: "ops",
		Database: "stackapp",
		Timeout:  5 * time.Second,
	}
	return NewMySQLClientWithDB(cfg, db, nil), mock
}

func TestPingSuccess(t *testing.T) {
	client, _ := newMockClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestQueryLatency(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	latency, err := client.QueryLatency(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryLatencyFailureIsConnectivity(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnError(fmt.Errorf("connection refused"))

	_, err := client.QueryLatency(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConnectivity, errors.CategoryOf(err))
}

func TestListTables(t *testing.T) {
	client, mock := newMockClient(t)

	rows := sqlmock.NewRows([]string{"table_name"}).
		AddRow("roms").
		AddRow("save_states").
		AddRow("users")
	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WithArgs("stackapp").
		WillReturnRows(rows)

	tables, err := client.listTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"roms", "save_states", "users"}, tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecreate(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("DROP DATABASE IF EXISTS `stackapp`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE DATABASE `stackapp`").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, client.Recreate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecreateDropFailure(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("DROP DATABASE IF EXISTS `stackapp`").
		WillReturnError(fmt.Errorf("access denied"))

	err := client.Recreate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryStorage, errors.CategoryOf(err))
}

func TestDumpSinceRequiresAllowList(t *testing.T) {
	client, _ := newMockClient(t)

	err := client.DumpSince(context.Background(), t.TempDir()+"/dump.sql", time.Now(), "updated_at", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestDumpSinceRejectsBadTimestampColumn(t *testing.T) {
	client, _ := newMockClient(t)
	tables := map[string]bool{"save_states": true}

	for _, column := range []string{"", "updated at", "ts; DROP TABLE users", "1column"} {
		err := client.DumpSince(context.Background(), t.TempDir()+"/dump.sql", time.Now(), column, tables)
		require.Error(t, err, "column %q", column)
		assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err), "column %q", column)
	}
}

func TestIncrementalDumpArgsUseConfiguredColumn(t *testing.T) {
	client, _ := newMockClient(t)
	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	args := client.incrementalDumpArgs("audit_ts", since, []string{"save_states", "tasks"})

	assert.Contains(t, args, "--where=audit_ts >= '2025-06-01 12:00:00'")
	assert.Contains(t, args, "save_states")
	assert.Contains(t, args, "tasks")
	for _, a := range args {
		assert.NotContains(t, a, "updated_at")
	}
}
