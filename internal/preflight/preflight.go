package preflight

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"stackops/internal/errors"
	"stackops/internal/logging"
)

// Result summarizes a dependency check run
type Result struct {
	Missing        []string `json:"missing"`
	MissingOptional []string `json:"missing_optional"`
}

// OK reports whether all mandatory dependencies were found
func (r *Result) OK() bool {
	return len(r.Missing) == 0
}

// Prober performs read-only checks of the execution environment.
// It has no side effects; callers decide what is fatal.
type Prober struct {
	logger *logging.Logger
	lookPath func(string) (string, error)
	diskUsage func(string) (*disk.UsageStat, error)
}

// NewProber creates a new environment prober
func NewProber(logger *logging.Logger) *Prober {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Prober{
		logger:    logger,
		lookPath:  exec.LookPath,
		diskUsage: disk.Usage,
	}
}

// CheckDependencies verifies that required and optional tools are on PATH.
// Missing optional tools are logged as warnings and execution continues;
// missing required tools make the result not OK.
func (p *Prober) CheckDependencies(required, optional []string) *Result {
	result := &Result{}

	for _, tool := range required {
		if _, err := p.lookPath(tool); err != nil {
			result.Missing = append(result.Missing, tool)
		}
	}

	for _, tool := range optional {
		if _, err := p.lookPath(tool); err != nil {
			result.MissingOptional = append(result.MissingOptional, tool)
			p.logger.Warnf("Optional tool %q not found, continuing without it", tool)
		}
	}

	return result
}

// RequireDependencies checks required tools and returns a fatal error
// listing every missing one.
func (p *Prober) RequireDependencies(required, optional []string) error {
	result := p.CheckDependencies(required, optional)
	if !result.OK() {
		return errors.NewDependencyMissing(
			fmt.Sprintf("required tools not found: %v", result.Missing), nil)
	}
	return nil
}

// CheckConnectivity dials the endpoint within the timeout. The probe is
// read-only; the connection is closed immediately.
func (p *Prober) CheckConnectivity(ctx context.Context, network, addr string, timeout time.Duration) error {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError(fmt.Sprintf("connectivity check to %s cancelled", addr), ctx.Err())
		}
		return errors.NewConnectivityError(fmt.Sprintf("endpoint %s unreachable", addr), err)
	}
	conn.Close()
	return nil
}

// CheckDiskSpace verifies that the filesystem containing path has at
// least minBytes free.
func (p *Prober) CheckDiskSpace(path string, minBytes uint64) error {
	usage, err := p.diskUsage(path)
	if err != nil {
		return errors.NewValidationError(fmt.Sprintf("cannot stat filesystem at %s", path), err)
	}

	if usage.Free < minBytes {
		return errors.NewValidationError(
			fmt.Sprintf("insufficient disk space at %s: %d bytes free, %d required",
				path, usage.Free, minBytes), nil)
	}

	return nil
}
