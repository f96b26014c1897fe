package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stackops/internal/config"
)

func TestApplyTimeoutOverride(t *testing.T) {
	cfg := &config.Config{Timeouts: config.TimeoutsConf{
		Connect: 5 * time.Second,
		Command: 10 * time.Minute,
		Fetch:   2 * time.Minute,
	}}

	applyTimeoutOverride(cfg, 30*time.Second)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Command)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Fetch)
}

func TestApplyTimeoutOverrideZeroKeepsConfig(t *testing.T) {
	cfg := &config.Config{Timeouts: config.TimeoutsConf{
		Connect: 5 * time.Second,
		Command: 10 * time.Minute,
		Fetch:   2 * time.Minute,
	}}

	applyTimeoutOverride(cfg, 0)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Command)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Fetch)
}
