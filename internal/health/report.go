package health

import (
	"time"

	"stackops/internal/errors"
)

// CheckKind names one health probe
type CheckKind string

const (
	CheckAPI       CheckKind = "api"
	CheckDatabase  CheckKind = "database"
	CheckCache     CheckKind = "cache"
	CheckSystem    CheckKind = "system"
	CheckProcesses CheckKind = "processes"
)

// AllChecks returns every probe kind in display order
func AllChecks() []CheckKind {
	return []CheckKind{CheckAPI, CheckDatabase, CheckCache, CheckSystem, CheckProcesses}
}

// ParseCheckKind validates a user-supplied check name
func ParseCheckKind(s string) (CheckKind, error) {
	for _, kind := range AllChecks() {
		if string(kind) == s {
			return kind, nil
		}
	}
	return "", errors.NewValidationError(
		"unknown check \""+s+"\": must be one of api, database, cache, system, processes", nil)
}

// ProbeStatus is one probe's severity
type ProbeStatus string

const (
	ProbeOK       ProbeStatus = "ok"
	ProbeInfo     ProbeStatus = "info"
	ProbeWarning  ProbeStatus = "warning"
	ProbeCritical ProbeStatus = "critical"
)

// ProbeResult is the outcome of one probe. Value and Unit carry the
// probe's headline measurement when it has one (a latency, a
// utilization percentage).
type ProbeResult struct {
	Check    CheckKind              `json:"check"`
	Status   ProbeStatus            `json:"status"`
	Message  string                 `json:"message"`
	Value    float64                `json:"value,omitempty"`
	Unit     string                 `json:"unit,omitempty"`
	Duration time.Duration          `json:"-"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Verdict is the reduced overall health
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictDegraded  Verdict = "degraded"
	VerdictUnhealthy Verdict = "unhealthy"
)

// Reduce folds probe results into one verdict: unhealthy when any
// probe is critical, degraded when any probe warns without a critical,
// healthy otherwise. Informational results never degrade the verdict;
// no results at all reduces to healthy.
func Reduce(results []ProbeResult) Verdict {
	verdict := VerdictHealthy
	for _, r := range results {
		switch r.Status {
		case ProbeCritical:
			return VerdictUnhealthy
		case ProbeWarning:
			verdict = VerdictDegraded
		}
	}
	return verdict
}

// Report is the aggregated outcome of one health check run
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Overall   Verdict       `json:"overall_status"`
	Requested []CheckKind   `json:"checks_requested"`
	Results   []ProbeResult `json:"results"`
}

// FailedChecks lists the probes that came back critical
func (r *Report) FailedChecks() []CheckKind {
	var out []CheckKind
	for _, res := range r.Results {
		if res.Status == ProbeCritical {
			out = append(out, res.Check)
		}
	}
	return out
}

// WarningChecks lists the probes that came back with a warning
func (r *Report) WarningChecks() []CheckKind {
	var out []CheckKind
	for _, res := range r.Results {
		if res.Status == ProbeWarning {
			out = append(out, res.Check)
		}
	}
	return out
}

// ExitCode maps the verdict to the process exit code contract:
// healthy exits clean, degraded is notable but non-fatal, unhealthy
// is a failure.
func (r *Report) ExitCode() int {
	switch r.Overall {
	case VerdictHealthy:
		return errors.ExitSuccess
	case VerdictDegraded:
		return errors.ExitDegraded
	default:
		return errors.ExitFailure
	}
}
