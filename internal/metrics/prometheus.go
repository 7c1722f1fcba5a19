package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campaign-agent/backend/pkg/circuitbreaker"
)

var (
	CampaignRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_runs_total",
			Help: "Campaign runs by terminal state",
		},
		[]string{"state"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_agent_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds, retries included",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage", "outcome"},
	)

	StageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_stage_retries_total",
			Help: "Retried stage attempts",
		},
		[]string{"stage"},
	)

	SegmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_segments_total",
			Help: "Segments by final status",
		},
		[]string{"status"},
	)

	ComplianceResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_compliance_results_total",
			Help: "Compliance outcomes by status",
		},
		[]string{"status"},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_agent_search_duration_seconds",
			Help:    "Content search duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	SearchResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_agent_search_results_count",
			Help:    "Number of results per search",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ContentIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_agent_content_ingested_total",
			Help: "Total content items ingested",
		},
	)

	ExperimentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_experiment_events_total",
			Help: "Experiment metric events by kind",
		},
		[]string{"kind"},
	)

	ExperimentConclusions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_agent_experiment_conclusions_total",
			Help: "Experiment conclusions by outcome",
		},
		[]string{"status"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_agent_breaker_state",
			Help: "Collaborator circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"collaborator"},
	)
)

func Init() {
	prometheus.MustRegister(CampaignRunsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageRetries)
	prometheus.MustRegister(SegmentsTotal)
	prometheus.MustRegister(ComplianceResults)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(SearchResultsCount)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(ContentIngested)
	prometheus.MustRegister(ExperimentEvents)
	prometheus.MustRegister(ExperimentConclusions)
	prometheus.MustRegister(BreakerState)
}

// BreakerStateChanged is a circuitbreaker.Config OnStateChange hook.
func BreakerStateChanged(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
