package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stackops/internal/clients"
	"stackops/internal/config"
	"stackops/internal/logging"
)

// Aggregator fans probes out concurrently and reduces their results
// into a single report. Probes are read-only and independent; one
// failing or hanging never blocks the others past its own timeout.
type Aggregator struct {
	probes  map[CheckKind]Probe
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewAggregator wires the full probe set from configuration
func NewAggregator(cfg *config.Config, db clients.DatabaseClient, cache clients.CacheClient, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	probes := []Probe{
		NewAPIProbe(cfg.Health),
		NewDatabaseProbe(db, cfg.Health.Thresholds),
		NewCacheProbe(cache, cfg.Health.Thresholds),
		NewSystemProbe(cfg.Health.Thresholds, cfg.Paths.AppDir),
		NewProcessProbe(cfg.Health.Processes),
	}
	return NewAggregatorWithProbes(cfg.Health.ProbeTimeout, logger, probes...)
}

// NewAggregatorWithProbes builds an aggregator over an explicit probe
// set, used by tests and by callers that only need a subset
func NewAggregatorWithProbes(timeout time.Duration, logger *logging.Logger, probes ...Probe) *Aggregator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	byKind := make(map[CheckKind]Probe, len(probes))
	for _, p := range probes {
		byKind[p.Kind()] = p
	}
	return &Aggregator{
		probes:  byKind,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// RunChecks executes the selected probes concurrently, each bounded by
// its own timeout, and reduces the collected results. A nil selection
// runs every registered probe; an explicit empty selection runs none
// and reduces to healthy.
func (a *Aggregator) RunChecks(ctx context.Context, selected []CheckKind) (*Report, error) {
	if selected == nil {
		for _, kind := range AllChecks() {
			if _, ok := a.probes[kind]; ok {
				selected = append(selected, kind)
			}
		}
	}

	results := make([]ProbeResult, len(selected))
	var wg sync.WaitGroup
	for i, kind := range selected {
		probe, ok := a.probes[kind]
		if !ok {
			results[i] = ProbeResult{
				Check:   kind,
				Status:  ProbeCritical,
				Message: fmt.Sprintf("no probe registered for %s", kind),
			}
			continue
		}

		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			results[i] = a.runBounded(ctx, probe)
		}(i, probe)
	}
	wg.Wait()

	report := &Report{
		Timestamp: a.now().UTC(),
		Requested: selected,
		Results:   results,
		Overall:   Reduce(results),
	}

	for _, r := range results {
		a.logger.LogProbeResult(string(r.Check), string(r.Status), r.Message, r.Duration)
	}
	return report, nil
}

// runBounded gives one probe its own deadline. A probe that ignores
// cancellation is abandoned and reported as timed out rather than
// holding up the reduction.
func (a *Aggregator) runBounded(ctx context.Context, probe Probe) ProbeResult {
	timeout := a.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan ProbeResult, 1)
	go func() {
		done <- probe.Run(ctx)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return ProbeResult{
			Check:    probe.Kind(),
			Status:   ProbeCritical,
			Message:  fmt.Sprintf("probe timed out after %s", timeout),
			Duration: timeout,
		}
	}
}
