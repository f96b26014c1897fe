package preflight

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/errors"
)

func newTestProber(found map[string]bool, free uint64) *Prober {
	p := NewProber(nil)
	p.lookPath = func(tool string) (string, error) {
		if found[tool] {
			return "/usr/bin/" + tool, nil
		}
		return "", fmt.Errorf("%s: executable file not found in $PATH", tool)
	}
	p.diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: free}, nil
	}
	return p
}

func TestCheckDependencies(t *testing.T) {
	p := newTestProber(map[string]bool{"mysqldump": true, "mysql": true}, 0)

	result := p.CheckDependencies([]string{"mysqldump", "mysql"}, []string{"pigz"})
	assert.True(t, result.OK())
	assert.Empty(t, result.Missing)
	assert.Equal(t, []string{"pigz"}, result.MissingOptional)
}

func TestCheckDependenciesMissingRequired(t *testing.T) {
	p := newTestProber(map[string]bool{"mysql": true}, 0)

	result := p.CheckDependencies([]string{"mysqldump", "mysql"}, nil)
	assert.False(t, result.OK())
	assert.Equal(t, []string{"mysqldump"}, result.Missing)
}

func TestRequireDependencies(t *testing.T) {
	p := newTestProber(map[string]bool{}, 0)

	err := p.RequireDependencies([]string{"mysqldump"}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryDependencyMissing, errors.CategoryOf(err))
	assert.Contains(t, err.Error(), "mysqldump")
}

func TestCheckConnectivity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	p := NewProber(nil)
	err = p.CheckConnectivity(context.Background(), "tcp", ln.Addr().String(), time.Second)
	assert.NoError(t, err)
}

func TestCheckConnectivityUnreachable(t *testing.T) {
	p := NewProber(nil)

	// Reserved TEST-NET address, nothing listens there.
	err := p.CheckConnectivity(context.Background(), "tcp", "192.0.2.1:9", 50*time.Millisecond)
	require.Error(t, err)
	cat := errors.CategoryOf(err)
	assert.Contains(t, []errors.Category{errors.CategoryConnectivity, errors.CategoryTimeout}, cat)
}

func TestCheckDiskSpace(t *testing.T) {
	p := newTestProber(nil, 10<<30)
	assert.NoError(t, p.CheckDiskSpace("/", 1<<30))

	p = newTestProber(nil, 100)
	err := p.CheckDiskSpace("/", 1<<30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient disk space")
}
