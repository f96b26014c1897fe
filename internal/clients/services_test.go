package clients

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackops/internal/config"
)

func testServices() []config.ServiceConf {
	return []config.ServiceConf{
		{Name: "api", StartCommand: []string{"systemctl", "start", "api"}, StopCommand: []string{"systemctl", "stop", "api"}},
		{Name: "worker", StartCommand: []string{"systemctl", "start", "worker"}, StopCommand: []string{"systemctl", "stop", "worker"}},
		{Name: "scheduler", StartCommand: []string{"systemctl", "start", "scheduler"}, StopCommand: []string{"systemctl", "stop", "scheduler"}},
	}
}

func TestStartAllRunsInConfiguredOrder(t *testing.T) {
	ctrl := NewExecServiceController(testServices(), nil)

	var ran [][]string
	ctrl.run = func(ctx context.Context, argv []string) error {
		ran = append(ran, argv)
		return nil
	}

	require.NoError(t, ctrl.StartAll(context.Background()))
	require.Len(t, ran, 3)
	assert.Equal(t, "api", ran[0][2])
	assert.Equal(t, "worker", ran[1][2])
	assert.Equal(t, "scheduler", ran[2][2])
}

func TestStartAllStopsAtFirstFailure(t *testing.T) {
	ctrl := NewExecServiceController(testServices(), nil)

	var ran int
	ctrl.run = func(ctx context.Context, argv []string) error {
		ran++
		if argv[2] == "worker" {
			return fmt.Errorf("unit not found")
		}
		return nil
	}

	err := ctrl.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker")
	assert.Equal(t, 2, ran)
}

func TestStopAllRunsInReverseOrderAndCollectsErrors(t *testing.T) {
	ctrl := NewExecServiceController(testServices(), nil)

	var ran []string
	ctrl.run = func(ctx context.Context, argv []string) error {
		ran = append(ran, argv[2])
		if argv[2] == "scheduler" {
			return fmt.Errorf("timeout")
		}
		return nil
	}

	err := ctrl.StopAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
	// every service is still attempted after a failure
	assert.Equal(t, []string{"scheduler", "worker", "api"}, ran)
}

func TestServiceNames(t *testing.T) {
	ctrl := NewExecServiceController(testServices(), nil)
	assert.Equal(t, []string{"api", "worker", "scheduler"}, ctrl.ServiceNames())
}
