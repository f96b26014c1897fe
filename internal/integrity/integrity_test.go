package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/errors"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileChecksumDeterministic(t *testing.T) {
	path := writeTemp(t, "hello backup")

	first, err := FileChecksum(path)
	require.NoError(t, err)
	second, err := FileChecksum(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestFileChecksumMissingFile(t *testing.T) {
	_, err := FileChecksum("/nonexistent/file")
	assert.Error(t, err)
}

func TestWriteAndReadSidecar(t *testing.T) {
	path := writeTemp(t, "archive contents")

	sum, err := WriteSidecar(path)
	require.NoError(t, err)

	stored, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, sum, stored)
}

func TestVerifyFile(t *testing.T) {
	path := writeTemp(t, "archive contents")
	sum, err := FileChecksum(path)
	require.NoError(t, err)

	assert.NoError(t, VerifyFile(path, sum))
}

func TestVerifyFileDetectsSingleByteMutation(t *testing.T) {
	path := writeTemp(t, "archive contents")
	sum, err := FileChecksum(path)
	require.NoError(t, err)

	// Flip one byte after the checksum was recorded.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0644))

	err = VerifyFile(path, sum)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryIntegrity, errors.CategoryOf(err))
}

func TestChecksumInMemory(t *testing.T) {
	a := Checksum([]byte("same"))
	b := Checksum([]byte("same"))
	c := Checksum([]byte("different"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
