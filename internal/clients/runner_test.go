package clients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/errors"
)

func TestExecRunnerSuccess(t *testing.T) {
	runner := NewExecRunner([]string{"sh", "-c", "echo applied 3 migrations"}, t.TempDir(), nil)

	output, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, output, "applied 3 migrations")
}

func TestExecRunnerRequiresCommand(t *testing.T) {
	runner := NewExecRunner(nil, t.TempDir(), nil)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestExecRunnerDeterministicFailureIsNotRetried(t *testing.T) {
	runner := NewExecRunner([]string{"sh", "-c", "echo 'syntax error in migration 0042'; exit 1"}, t.TempDir(), nil)

	output, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, output, "syntax error")
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

	var opsErr *errors.OpsError
	require.ErrorAs(t, err, &opsErr)
	assert.False(t, opsErr.IsRecoverable())
}

func TestExecRunnerTransientFailureIsRecoverable(t *testing.T) {
	runner := NewExecRunner([]string{"sh", "-c", "echo 'connection refused' >&2; exit 1"}, t.TempDir(), nil)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConnectivity, errors.CategoryOf(err))

	var opsErr *errors.OpsError
	require.ErrorAs(t, err, &opsErr)
	assert.True(t, opsErr.IsRecoverable())
}

func TestTransientOutputMarkers(t *testing.T) {
	assert.True(t, transientOutput("dial tcp 10.0.0.5:3306: connect: Connection refused"))
	assert.True(t, transientOutput("database system is still starting up"))
	assert.False(t, transientOutput("duplicate column name 'created_at'"))
	assert.False(t, transientOutput(""))
}
