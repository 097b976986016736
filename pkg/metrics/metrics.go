package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sampler metrics
	SamplerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_sampler_ticks_total",
			Help: "Total number of sampler ticks by result",
		},
		[]string{"result"},
	)

	SamplerWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_sampler_writes_total",
			Help: "Total number of wide-row writes by result",
		},
		[]string{"result"},
	)

	SamplerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratum_sampler_tick_duration_seconds",
			Help:    "Duration of one full sampler tick in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1.0, 1.1, 1.5, 2.0, 5.0},
		},
	)

	TimingViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_sampler_timing_violations_total",
			Help: "Total number of ticks exceeding the timing-violation threshold",
		},
	)

	SetpointChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_sampler_external_setpoint_changes_total",
			Help: "Total number of externally-made setpoint changes detected",
		},
	)

	DeadLetteredRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_sampler_dead_lettered_rows_total",
			Help: "Total number of wide rows written to the dead-letter queue",
		},
	)

	// Executor metrics
	RecipesExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_executor_recipes_total",
			Help: "Total number of recipe runs by final status",
		},
		[]string{"status"},
	)

	StepsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_executor_steps_total",
			Help: "Total number of steps executed by type and result",
		},
		[]string{"type", "result"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratum_executor_step_duration_seconds",
			Help:    "Duration of one step execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Writer metrics
	CommandsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_writer_commands_total",
			Help: "Total number of parameter control commands by result",
		},
		[]string{"result"},
	)

	CommandsBySourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_writer_commands_by_source_total",
			Help: "Total number of commands claimed by ingestion path",
		},
		[]string{"source"},
	)

	WriteAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_writer_plc_write_attempts_total",
			Help: "Total number of PLC write attempts including retries",
		},
	)

	VerificationMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_writer_verification_mismatches_total",
			Help: "Total number of post-write verification mismatches",
		},
	)

	// Shared metrics
	PLCConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_plc_connected",
			Help: "Whether the PLC transport is connected (1 = connected)",
		},
	)

	PLCReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_plc_reconnects_total",
			Help: "Total number of PLC reconnect attempts",
		},
	)

	RealtimeDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_realtime_degraded",
			Help: "Whether the realtime subscription is degraded (1 = degraded)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SamplerTicksTotal,
		SamplerWritesTotal,
		SamplerTickDuration,
		TimingViolationsTotal,
		SetpointChangesTotal,
		DeadLetteredRowsTotal,
		RecipesExecutedTotal,
		StepsExecutedTotal,
		StepDuration,
		CommandsProcessedTotal,
		CommandsBySourceTotal,
		WriteAttemptsTotal,
		VerificationMismatchesTotal,
		PLCConnected,
		PLCReconnectsTotal,
		RealtimeDegraded,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
