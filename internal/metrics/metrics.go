package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	SeedreamRequests *prometheus.CounterVec
	SeedreamLatency  *prometheus.HistogramVec
	WebhookEvents    *prometheus.CounterVec
	QueueJobs        *prometheus.CounterVec
	CreditsDebited   prometheus.Counter
	CreditsRefunded  prometheus.Counter
	AssetDownloads   *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			SeedreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "seedream_requests_total",
				Help:      "Total Seedream API requests by operation and status.",
			}, []string{"operation", "status"}),
			SeedreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "seedream_request_duration_seconds",
				Help:      "Latency distribution for Seedream API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation", "status"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total provider webhook callbacks by outcome.",
			}, []string{"outcome"}),
			QueueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_jobs_total",
				Help:      "Total generation jobs by outcome.",
			}, []string{"outcome"}),
			CreditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_debited_total",
				Help:      "Total credits debited for delivered images.",
			}),
			CreditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_refunded_total",
				Help:      "Total credits returned by the refund path.",
			}),
			AssetDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_downloads_total",
				Help:      "Total result asset downloads by status.",
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.SeedreamRequests,
			metricsInstance.SeedreamLatency,
			metricsInstance.WebhookEvents,
			metricsInstance.QueueJobs,
			metricsInstance.CreditsDebited,
			metricsInstance.CreditsRefunded,
			metricsInstance.AssetDownloads,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
