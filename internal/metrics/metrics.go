// Package metrics exposes the engine's prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Comparison outcomes.
const (
	OutcomeMaster    = "master"
	OutcomeNew       = "new"
	OutcomeIdentical = "identical"
	OutcomeDiff      = "diff"
)

var (
	Registry = prometheus.NewRegistry()

	Comparisons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qshot",
		Name:      "comparisons_total",
		Help:      "Screenshot comparisons by outcome.",
	}, []string{"outcome"})

	DiffCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qshot",
		Name:      "diff_cache_total",
		Help:      "Pixel diff cache lookups by result.",
	}, []string{"result"})

	ImagesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qshot",
		Name:      "images_written_total",
		Help:      "PNG files written to the image store.",
	})

	ImagesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "qshot",
		Name:      "images_deduplicated_total",
		Help:      "Image puts that found the content already stored.",
	})

	DiffDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qshot",
		Name:      "diff_duration_seconds",
		Help:      "Time spent decoding and diffing images on a cache miss.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func init() {
	Registry.MustRegister(Comparisons, DiffCache, ImagesWritten, ImagesDeduplicated, DiffDuration)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
