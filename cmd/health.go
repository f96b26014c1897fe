package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stackops/internal/errors"
	"stackops/internal/health"
)

var (
	healthChecks []string
	healthFormat string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of every stack component",
	Long: `Health probes the API endpoints, the database, the cache, system
resources, and the expected processes concurrently, then reduces the
results to a single verdict: healthy, degraded, or unhealthy.

The exit code mirrors the verdict (0 healthy, 1 degraded, 2 unhealthy),
so the command slots directly into monitoring and deploy gates.

Examples:
  # Human-readable report of everything
  stackops health

  # Only the database and cache
  stackops health --checks database,cache

  # For scripts and scrapers
  stackops health --format json
  stackops health --format metrics`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().StringSliceVar(&healthChecks, "checks", nil, "checks to run (api, database, cache, system, processes); default is all")
	healthCmd.Flags().StringVar(&healthFormat, "format", "text", "output format: text, json, or metrics")
}

func runHealth(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}

	var kinds []health.CheckKind
	for _, raw := range healthChecks {
		kind, err := health.ParseCheckKind(raw)
		if err != nil {
			app.Close()
			return err
		}
		kinds = append(kinds, kind)
	}

	agg := health.NewAggregator(app.cfg, app.db, app.cache, app.logger)
	report, err := agg.RunChecks(cmd.Context(), kinds)
	app.Close()
	if err != nil {
		return err
	}

	switch healthFormat {
	case "text":
		health.RenderText(os.Stdout, report, colorEnabled())
	case "json":
		if err := health.RenderJSON(os.Stdout, report); err != nil {
			return err
		}
	case "metrics":
		health.RenderMetrics(os.Stdout, report)
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unknown format %q: expected text, json, or metrics", healthFormat), nil)
	}

	os.Exit(report.ExitCode())
	return nil
}
