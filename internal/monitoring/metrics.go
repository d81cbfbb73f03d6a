// Package monitoring holds the Prometheus instrumentation for the flyer
// pipeline. Collectors are registered on the default registry and exposed by
// the serve command at /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlyersProcessed counts flyer processing runs by terminal outcome
	// ("completed", "failed").
	FlyersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flyer_pipeline",
		Name:      "flyers_processed_total",
		Help:      "Flyer processing runs by outcome.",
	}, []string{"outcome"})

	// ItemsExtracted counts per-item extraction outcomes
	// ("completed", "failed", "manual_review").
	ItemsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flyer_pipeline",
		Name:      "items_extracted_total",
		Help:      "Parsed item extraction outcomes.",
	}, []string{"outcome"})

	// AICalls counts external model invocations by operation tag and result.
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flyer_pipeline",
		Name:      "ai_calls_total",
		Help:      "External AI calls by operation and result.",
	}, []string{"operation", "result"})

	// AICallDuration observes external call latency by operation tag.
	AICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flyer_pipeline",
		Name:      "ai_call_duration_seconds",
		Help:      "External AI call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"operation"})

	// DiscountsApplied counts discount applications by mode
	// ("auto", "manual").
	DiscountsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flyer_pipeline",
		Name:      "discounts_applied_total",
		Help:      "Discounts applied to catalog products.",
	}, []string{"mode"})

	// MatchScores observes the top relevance score per matched item.
	MatchScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flyer_pipeline",
		Name:      "match_top_score",
		Help:      "Top candidate relevance score per matched item.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	// QualityScores observes extracted image quality scores.
	QualityScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flyer_pipeline",
		Name:      "extraction_quality_score",
		Help:      "Quality scores of extracted product images.",
		Buckets:   prometheus.LinearBuckets(0.5, 0.05, 11),
	})
)
