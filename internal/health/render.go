package health

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

var (
	okColor       = color.New(color.FgGreen)
	warningColor  = color.New(color.FgYellow)
	criticalColor = color.New(color.FgRed, color.Bold)
)

func statusColor(s ProbeStatus) *color.Color {
	switch s {
	case ProbeCritical:
		return criticalColor
	case ProbeWarning:
		return warningColor
	default:
		return okColor
	}
}

func verdictColor(v Verdict) *color.Color {
	switch v {
	case VerdictUnhealthy:
		return criticalColor
	case VerdictDegraded:
		return warningColor
	default:
		return okColor
	}
}

// RenderText writes the human-readable summary. Color is the caller's
// call so piped output stays clean.
func RenderText(w io.Writer, report *Report, useColor bool) {
	restore := color.NoColor
	if !useColor {
		color.NoColor = true
	}
	defer func() { color.NoColor = restore }()

	fmt.Fprintf(w, "Health check at %s\n\n", report.Timestamp.Format(time.RFC3339))
	for _, r := range report.Results {
		fmt.Fprintf(w, "  %-10s %-9s %s (%s)\n",
			r.Check,
			statusColor(r.Status).Sprint(string(r.Status)),
			r.Message,
			r.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "\nOverall: %s\n", verdictColor(report.Overall).Sprint(string(report.Overall)))
}

// resultDoc is the wire form of one probe result
type resultDoc struct {
	Check      CheckKind              `json:"check"`
	Status     ProbeStatus            `json:"status"`
	Message    string                 `json:"message"`
	Value      float64                `json:"value,omitempty"`
	Unit       string                 `json:"unit,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// reportDoc is the structured machine-readable document
type reportDoc struct {
	Timestamp       string      `json:"timestamp"`
	OverallStatus   Verdict     `json:"overall_status"`
	ChecksRequested []CheckKind `json:"checks_requested"`
	FailedChecks    []CheckKind `json:"failed_checks"`
	WarningChecks   []CheckKind `json:"warning_checks"`
	Results         []resultDoc `json:"results"`
}

// RenderJSON writes the structured document for machine consumers
func RenderJSON(w io.Writer, report *Report) error {
	doc := reportDoc{
		Timestamp:       report.Timestamp.UTC().Format(time.RFC3339),
		OverallStatus:   report.Overall,
		ChecksRequested: report.Requested,
		FailedChecks:    report.FailedChecks(),
		WarningChecks:   report.WarningChecks(),
	}
	if doc.FailedChecks == nil {
		doc.FailedChecks = []CheckKind{}
	}
	if doc.WarningChecks == nil {
		doc.WarningChecks = []CheckKind{}
	}
	for _, r := range report.Results {
		doc.Results = append(doc.Results, resultDoc{
			Check:      r.Check,
			Status:     r.Status,
			Message:    r.Message,
			Value:      r.Value,
			Unit:       r.Unit,
			DurationMS: r.Duration.Milliseconds(),
			Details:    r.Details,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func statusGauge(s ProbeStatus) int {
	switch s {
	case ProbeCritical:
		return 2
	case ProbeWarning:
		return 1
	default:
		return 0
	}
}

func verdictGauge(v Verdict) int {
	switch v {
	case VerdictUnhealthy:
		return 2
	case VerdictDegraded:
		return 1
	default:
		return 0
	}
}

// RenderMetrics writes the report as metrics exposition text for
// scrape-based collectors
func RenderMetrics(w io.Writer, report *Report) {
	fmt.Fprintln(w, "# HELP stackops_health_status Overall health (0 healthy, 1 degraded, 2 unhealthy)")
	fmt.Fprintln(w, "# TYPE stackops_health_status gauge")
	fmt.Fprintf(w, "stackops_health_status %d\n", verdictGauge(report.Overall))

	fmt.Fprintln(w, "# HELP stackops_probe_status Probe status (0 ok, 1 warning, 2 critical)")
	fmt.Fprintln(w, "# TYPE stackops_probe_status gauge")
	for _, r := range report.Results {
		fmt.Fprintf(w, "stackops_probe_status{check=%q} %d\n", r.Check, statusGauge(r.Status))
	}

	fmt.Fprintln(w, "# HELP stackops_probe_duration_seconds Probe round-trip time")
	fmt.Fprintln(w, "# TYPE stackops_probe_duration_seconds gauge")
	for _, r := range report.Results {
		fmt.Fprintf(w, "stackops_probe_duration_seconds{check=%q} %.3f\n", r.Check, r.Duration.Seconds())
	}
}
