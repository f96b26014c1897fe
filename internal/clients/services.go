package clients

import (
	"context"
	"fmt"
	"os/exec"

	"stackops/internal/config"
	"stackops/internal/errors"
	"stackops/internal/logging"
)

// runCommandFunc executes one external command; swapped out in tests
type runCommandFunc func(ctx context.Context, argv []string) error

func execCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %w (output: %s)", argv, err, string(out))
	}
	return nil
}

// ExecServiceController controls services through configured start and
// stop command lines, typically systemctl or docker compose
type ExecServiceController struct {
	services []config.ServiceConf
	logger   *logging.Logger
	run      runCommandFunc
}

// NewExecServiceController creates a service controller
func NewExecServiceController(services []config.ServiceConf, logger *logging.Logger) *ExecServiceController {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &ExecServiceController{
		services: services,
		logger:   logger,
		run:      execCommand,
	}
}

// ServiceNames lists the managed services in configured order
func (s *ExecServiceController) ServiceNames() []string {
	names := make([]string, len(s.services))
	for i, svc := range s.services {
		names[i] = svc.Name
	}
	return names
}

// StartAll starts every managed service in configured order
func (s *ExecServiceController) StartAll(ctx context.Context) error {
	for _, svc := range s.services {
		s.logger.Infof("Starting service %s", svc.Name)
		if err := s.run(ctx, svc.StartCommand); err != nil {
			return errors.New(errors.CategoryUnknown,
				fmt.Sprintf("failed to start service %s", svc.Name), err)
		}
	}
	return nil
}

// StopAll stops every managed service in reverse order, so dependents
// go down before their dependencies. Stop failures are collected; the
// remaining services are still attempted.
func (s *ExecServiceController) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		s.logger.Infof("Stopping service %s", svc.Name)
		if err := s.run(ctx, svc.StopCommand); err != nil {
			s.logger.Warnf("Failed to stop service %s: %v", svc.Name, err)
			if firstErr == nil {
				firstErr = errors.New(errors.CategoryUnknown,
					fmt.Sprintf("failed to stop service %s", svc.Name), err)
			}
		}
	}
	return firstErr
}
