package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Manuscript.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Plan lifecycle metrics
	PlansCreated     *prometheus.CounterVec
	PlansApproved    *prometheus.CounterVec
	ScreenFindings   *prometheus.CounterVec
	ApprovalRejected *prometheus.CounterVec

	// Run metrics
	Runs            *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Cancellations   *prometheus.CounterVec

	// Remote staging metrics
	StagingTransfers *prometheus.CounterVec
	CollectedFiles   *prometheus.CounterVec

	// Batch scheduler metrics
	Submissions    *prometheus.CounterVec
	Polls          *prometheus.CounterVec
	ActiveMonitors prometheus.Gauge

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		PlansCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_plans_created_total",
				Help: "Total number of execution plans created",
			},
			[]string{"runner"},
		),
		PlansApproved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_plans_approved_total",
				Help: "Total number of execution plans approved",
			},
			[]string{"runner"},
		),
		ScreenFindings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_screen_findings_total",
				Help: "Total number of commands flagged by the denylist screen",
			},
			[]string{"rule"},
		),
		ApprovalRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_run_rejected_total",
				Help: "Total number of run requests rejected before execution",
			},
			[]string{"reason"},
		),

		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_runs_total",
				Help: "Total number of plan executions by final status",
			},
			[]string{"runner", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manuscript_run_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{0.1, 1.0, 5.0, 30.0, 60.0, 300.0, 1800.0},
			},
			[]string{"runner"},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_commands_total",
				Help: "Total number of commands run by outcome",
			},
			[]string{"runner", "outcome"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manuscript_command_duration_seconds",
				Help:    "Command duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"runner"},
		),
		Cancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_cancellations_total",
				Help: "Total number of cancellation requests",
			},
			[]string{"runner", "remote_signalled"},
		),

		StagingTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_staging_transfers_total",
				Help: "Total number of staged file transfers",
			},
			[]string{"direction", "outcome"},
		),
		CollectedFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_collected_files_total",
				Help: "Total number of artifact files collected",
			},
			[]string{"runner"},
		),

		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_batch_submissions_total",
				Help: "Total number of batch job submissions",
			},
			[]string{"outcome"},
		),
		Polls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_batch_polls_total",
				Help: "Total number of scheduler queue polls",
			},
			[]string{"result"},
		),
		ActiveMonitors: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "manuscript_batch_active_monitors",
				Help: "Number of batch jobs currently being polled in the background",
			},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manuscript_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// RecordPlan counts a created plan
func (m *Metrics) RecordPlan(runner string) {
	if m == nil {
		return
	}
	m.PlansCreated.WithLabelValues(runner).Inc()
}

// RecordApproval counts an approved plan
func (m *Metrics) RecordApproval(runner string) {
	if m == nil {
		return
	}
	m.PlansApproved.WithLabelValues(runner).Inc()
}

// RecordScreenFinding counts a command flagged by rule
func (m *Metrics) RecordScreenFinding(rule string) {
	if m == nil {
		return
	}
	m.ScreenFindings.WithLabelValues(rule).Inc()
}

// RecordRejected counts a run refused before execution, e.g. "not_approved"
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.ApprovalRejected.WithLabelValues(reason).Inc()
}

// RecordRun records an execution's final status and duration
func (m *Metrics) RecordRun(runner, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(runner, status).Inc()
	m.RunDuration.WithLabelValues(runner).Observe(d.Seconds())
}

// RecordCommand records one command; outcome is "ok", "nonzero" or "error"
func (m *Metrics) RecordCommand(runner, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(runner, outcome).Inc()
	m.CommandDuration.WithLabelValues(runner).Observe(d.Seconds())
}

// RecordCancel counts a cancellation and whether the backend was signalled
func (m *Metrics) RecordCancel(runner string, remote bool) {
	if m == nil {
		return
	}
	m.Cancellations.WithLabelValues(runner, strconv.FormatBool(remote)).Inc()
}

// RecordStaging counts a file transfer; direction is "upload" or "download"
func (m *Metrics) RecordStaging(direction, outcome string) {
	if m == nil {
		return
	}
	m.StagingTransfers.WithLabelValues(direction, outcome).Inc()
}

// RecordCollected counts files collected into the artifact directory
func (m *Metrics) RecordCollected(runner string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CollectedFiles.WithLabelValues(runner).Add(float64(n))
}

// RecordSubmission counts a batch submission attempt
func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

// RecordPoll counts a queue poll; result is "queued", "finished" or "error"
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
}

// MonitorStarted increments the active monitor gauge
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.ActiveMonitors.Inc()
}

// MonitorStopped decrements the active monitor gauge
func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.ActiveMonitors.Dec()
}

// RecordError counts an error by its structured code
func (m *Metrics) RecordError(code, component string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
