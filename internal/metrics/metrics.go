package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortexstream_active_streams",
			Help: "Number of generations currently registered in the stream registry",
		},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_generations_total",
			Help: "Total number of generations by final outcome",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortexstream_generation_duration_seconds",
			Help:    "Wall-clock duration of a generation from request to teardown",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	TokensGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_tokens_generated_total",
			Help: "Total number of streamed fragments per model",
		},
		[]string{"model"},
	)

	PersistWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_persist_writes_total",
			Help: "Buffered message writes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	PersistRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_persist_retries_total",
			Help: "Message write retries by reason",
		},
		[]string{"reason"},
	)

	HookErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_hook_errors_total",
			Help: "Hook callback failures by hook name and error kind",
		},
		[]string{"hook", "kind"},
	)

	TrimmedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexstream_budget_trimmed_messages_total",
			Help: "History entries dropped by the token budgeter",
		},
	)

	ForcedCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortexstream_forced_cleanups_total",
			Help: "Streams closed by the timeout sweep",
		},
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_plugin_rejections_total",
			Help: "Generations blocked by a plugin, by error code",
		},
		[]string{"code"},
	)

	UsageEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortexstream_usage_events_total",
			Help: "Usage events recorded, by event type",
		},
		[]string{"event"},
	)
)
