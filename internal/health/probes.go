package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"stackops/internal/clients"
	"stackops/internal/config"
)

// Probe is one independent, read-only health check
type Probe interface {
	Kind() CheckKind
	Run(ctx context.Context) ProbeResult
}

// thresholdStatus grades a measured percentage against warn/crit bounds
func thresholdStatus(value, warn, crit float64) ProbeStatus {
	switch {
	case value >= crit:
		return ProbeCritical
	case value >= warn:
		return ProbeWarning
	default:
		return ProbeOK
	}
}

// latencyStatus grades a measured duration against warn/crit bounds
func latencyStatus(value, warn, crit time.Duration) ProbeStatus {
	switch {
	case crit > 0 && value >= crit:
		return ProbeCritical
	case warn > 0 && value >= warn:
		return ProbeWarning
	default:
		return ProbeOK
	}
}

// APIProbe hits the application's liveness and readiness endpoints
type APIProbe struct {
	cfg    config.HealthConf
	client *http.Client
}

// NewAPIProbe creates the HTTP endpoint probe
func NewAPIProbe(cfg config.HealthConf) *APIProbe {
	return &APIProbe{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Kind identifies the probe
func (p *APIProbe) Kind() CheckKind { return CheckAPI }

// Run checks liveness then readiness. An unreachable or erroring
// endpoint is critical; a slow one degrades to a warning.
func (p *APIProbe) Run(ctx context.Context) ProbeResult {
	start := time.Now()
	result := ProbeResult{Check: CheckAPI, Details: map[string]interface{}{}}

	for _, path := range []string{p.cfg.LivenessPath, p.cfg.ReadinessPath} {
		url := strings.TrimRight(p.cfg.APIBaseURL, "/") + path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			result.Status = ProbeCritical
			result.Message = fmt.Sprintf("invalid endpoint %s: %v", url, err)
			result.Duration = time.Since(start)
			return result
		}

		resp, err := p.client.Do(req)
		if err != nil {
			result.Status = ProbeCritical
			result.Message = fmt.Sprintf("%s unreachable: %v", url, err)
			result.Duration = time.Since(start)
			return result
		}
		resp.Body.Close()

		if resp.StatusCode >= 400 {
			result.Status = ProbeCritical
			result.Message = fmt.Sprintf("%s returned %d", url, resp.StatusCode)
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	result.Value = float64(result.Duration.Milliseconds())
	result.Unit = "ms"
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	result.Status = latencyStatus(result.Duration, p.cfg.Thresholds.ResponseTimeWarn, p.cfg.Thresholds.ResponseTimeCrit)
	switch result.Status {
	case ProbeOK:
		result.Message = fmt.Sprintf("endpoints responding in %s", result.Duration.Round(time.Millisecond))
	default:
		result.Message = fmt.Sprintf("endpoints slow: %s", result.Duration.Round(time.Millisecond))
	}
	return result
}

// DatabaseProbe measures database reachability and query latency
type DatabaseProbe struct {
	db         clients.DatabaseClient
	thresholds config.ThresholdsConf
}

// NewDatabaseProbe creates the database probe
func NewDatabaseProbe(db clients.DatabaseClient, thresholds config.ThresholdsConf) *DatabaseProbe {
	return &DatabaseProbe{db: db, thresholds: thresholds}
}

// Kind identifies the probe
func (p *DatabaseProbe) Kind() CheckKind { return CheckDatabase }

// Run pings the database and grades its query latency
func (p *DatabaseProbe) Run(ctx context.Context) ProbeResult {
	start := time.Now()
	result := ProbeResult{Check: CheckDatabase, Details: map[string]interface{}{}}

	if err := p.db.Ping(ctx); err != nil {
		result.Status = ProbeCritical
		result.Message = fmt.Sprintf("database unreachable: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	latency, err := p.db.QueryLatency(ctx)
	if err != nil {
		result.Status = ProbeCritical
		result.Message = fmt.Sprintf("latency query failed: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	result.Duration = time.Since(start)
	result.Value = float64(latency.Milliseconds())
	result.Unit = "ms"
	result.Details["query_latency_ms"] = latency.Milliseconds()
	result.Status = latencyStatus(latency, p.thresholds.QueryLatencyWarn, p.thresholds.QueryLatencyCrit)
	switch result.Status {
	case ProbeOK:
		result.Message = fmt.Sprintf("query latency %s", latency.Round(time.Millisecond))
	default:
		result.Message = fmt.Sprintf("query latency high: %s", latency.Round(time.Millisecond))
	}
	return result
}

// CacheProbe pings the cache server
type CacheProbe struct {
	cache      clients.CacheClient
	thresholds config.ThresholdsConf
}

// NewCacheProbe creates the cache probe
func NewCacheProbe(cache clients.CacheClient, thresholds config.ThresholdsConf) *CacheProbe {
	return &CacheProbe{cache: cache, thresholds: thresholds}
}

// Kind identifies the probe
func (p *CacheProbe) Kind() CheckKind { return CheckCache }

// Run pings the cache and grades the round trip
func (p *CacheProbe) Run(ctx context.Context) ProbeResult {
	start := time.Now()
	result := ProbeResult{Check: CheckCache, Details: map[string]interface{}{}}

	latency, err := p.cache.Ping(ctx)
	if err != nil {
		result.Status = ProbeCritical
		result.Message = fmt.Sprintf("cache unreachable: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	result.Duration = time.Since(start)
	result.Value = float64(latency.Milliseconds())
	result.Unit = "ms"
	result.Details["ping_ms"] = latency.Milliseconds()
	result.Status = latencyStatus(latency, p.thresholds.ResponseTimeWarn, p.thresholds.ResponseTimeCrit)
	switch result.Status {
	case ProbeOK:
		result.Message = fmt.Sprintf("cache responding in %s", latency.Round(time.Millisecond))
	default:
		result.Message = fmt.Sprintf("cache slow: %s", latency.Round(time.Millisecond))
	}
	return result
}

// SystemProbe samples CPU, memory, and disk usage against thresholds.
// The samplers are fields so tests can stub the host away.
type SystemProbe struct {
	thresholds config.ThresholdsConf
	diskPath   string

	cpuPercent  func(ctx context.Context) (float64, error)
	memPercent  func(ctx context.Context) (float64, error)
	diskPercent func(ctx context.Context, path string) (float64, error)
}

// NewSystemProbe creates the host resource probe; diskPath is the
// mount whose usage matters, typically the application directory
func NewSystemProbe(thresholds config.ThresholdsConf, diskPath string) *SystemProbe {
	return &SystemProbe{
		thresholds: thresholds,
		diskPath:   diskPath,
		cpuPercent: func(ctx context.Context) (float64, error) {
			vals, err := cpu.PercentWithContext(ctx, time.Second, false)
			if err != nil || len(vals) == 0 {
				return 0, fmt.Errorf("cpu sample unavailable: %w", err)
			}
			return vals[0], nil
		},
		memPercent: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		diskPercent: func(ctx context.Context, path string) (float64, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
	}
}

// Kind identifies the probe
func (p *SystemProbe) Kind() CheckKind { return CheckSystem }

// Run samples the host and grades the worst resource
func (p *SystemProbe) Run(ctx context.Context) ProbeResult {
	start := time.Now()
	result := ProbeResult{Check: CheckSystem, Status: ProbeOK, Details: map[string]interface{}{}}

	var issues []string
	grade := func(name string, value float64, warn, crit float64) {
		result.Details[name+"_percent"] = value
		// headline measurement is the worst utilization seen
		if value > result.Value {
			result.Value = value
			result.Unit = "percent"
		}
		status := thresholdStatus(value, warn, crit)
		if status == ProbeCritical || (status == ProbeWarning && result.Status != ProbeCritical) {
			result.Status = status
		}
		if status != ProbeOK {
			issues = append(issues, fmt.Sprintf("%s at %.1f%%", name, value))
		}
	}

	if v, err := p.cpuPercent(ctx); err == nil {
		grade("cpu", v, p.thresholds.CPUWarnPercent, p.thresholds.CPUCritPercent)
	} else {
		result.Status = ProbeCritical
		issues = append(issues, fmt.Sprintf("cpu sample failed: %v", err))
	}
	if v, err := p.memPercent(ctx); err == nil {
		grade("memory", v, p.thresholds.MemoryWarnPercent, p.thresholds.MemoryCritPercent)
	} else {
		result.Status = ProbeCritical
		issues = append(issues, fmt.Sprintf("memory sample failed: %v", err))
	}
	if v, err := p.diskPercent(ctx, p.diskPath); err == nil {
		grade("disk", v, p.thresholds.DiskWarnPercent, p.thresholds.DiskCritPercent)
	} else {
		result.Status = ProbeCritical
		issues = append(issues, fmt.Sprintf("disk sample failed: %v", err))
	}

	result.Duration = time.Since(start)
	if len(issues) == 0 {
		result.Message = "cpu, memory, and disk within thresholds"
	} else {
		result.Message = strings.Join(issues, "; ")
	}
	return result
}

// ProcessProbe verifies that expected processes are running
type ProcessProbe struct {
	names []string

	runningNames func(ctx context.Context) (map[string]bool, error)
}

// NewProcessProbe creates the process presence probe
func NewProcessProbe(names []string) *ProcessProbe {
	return &ProcessProbe{
		names: names,
		runningNames: func(ctx context.Context) (map[string]bool, error) {
			procs, err := process.ProcessesWithContext(ctx)
			if err != nil {
				return nil, err
			}
			running := make(map[string]bool, len(procs))
			for _, p := range procs {
				if name, err := p.NameWithContext(ctx); err == nil {
					running[name] = true
				}
			}
			return running, nil
		},
	}
}

// Kind identifies the probe
func (p *ProcessProbe) Kind() CheckKind { return CheckProcesses }

// Run reports any expected process that is not running
func (p *ProcessProbe) Run(ctx context.Context) ProbeResult {
	start := time.Now()
	result := ProbeResult{Check: CheckProcesses, Details: map[string]interface{}{}}

	if len(p.names) == 0 {
		result.Status = ProbeOK
		result.Message = "no processes configured to watch"
		result.Duration = time.Since(start)
		return result
	}

	running, err := p.runningNames(ctx)
	if err != nil {
		result.Status = ProbeCritical
		result.Message = fmt.Sprintf("cannot enumerate processes: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	var missing []string
	for _, name := range p.names {
		if !running[name] {
			missing = append(missing, name)
		}
	}
	result.Details["missing"] = missing
	result.Duration = time.Since(start)
	result.Value = float64(len(p.names) - len(missing))
	result.Unit = "processes"

	if len(missing) > 0 {
		result.Status = ProbeCritical
		result.Message = fmt.Sprintf("processes not running: %s", strings.Join(missing, ", "))
	} else {
		result.Status = ProbeOK
		result.Message = fmt.Sprintf("all %d watched processes running", len(p.names))
	}
	return result
}
