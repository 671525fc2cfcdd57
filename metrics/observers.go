package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// Observers implements the storage manager and derivative pipeline observer
// interfaces over one Prometheus registry.
type Observers struct {
	uploads   *prometheus.HistogramVec
	retries   *prometheus.CounterVec
	deletes   *prometheus.CounterVec
	derived   *prometheus.HistogramVec
	queueLoad prometheus.Gauge
}

// NewObservers registers the domain collectors on the given registry.
func NewObservers(namespace string, registry *prometheus.Registry) *Observers {
	o := &Observers{
		uploads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_upload_duration_seconds",
			Help:      "Upload duration per backend, attempts included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_upload_retries_total",
			Help:      "Upload attempts that failed and were retried.",
		}, []string{"backend"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_deletes_total",
			Help:      "Backend delete calls by outcome.",
		}, []string{"backend", "outcome"}),
		derived: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "derivative_duration_seconds",
			Help:      "Derivative generation duration per asset type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"assetType", "outcome"}),
		queueLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "derivative_queue_depth",
			Help:      "Jobs waiting in the derivative queue.",
		}),
	}

	registry.MustRegister(o.uploads, o.retries, o.deletes, o.derived, o.queueLoad)
	return o
}

// UploadObserved records one finished upload against a backend.
func (o *Observers) UploadObserved(backend interfaces.BackendKind, outcome string, d time.Duration) {
	o.uploads.WithLabelValues(backend.String(), outcome).Observe(d.Seconds())
}

// RetryObserved counts one retried upload attempt.
func (o *Observers) RetryObserved(backend interfaces.BackendKind) {
	o.retries.WithLabelValues(backend.String()).Inc()
}

// DeleteObserved counts one delete call.
func (o *Observers) DeleteObserved(backend interfaces.BackendKind, outcome string) {
	o.deletes.WithLabelValues(backend.String(), outcome).Inc()
}

// DerivativeObserved records one derivative generation.
func (o *Observers) DerivativeObserved(assetType interfaces.AssetType, outcome string, d time.Duration) {
	o.derived.WithLabelValues(string(assetType), outcome).Observe(d.Seconds())
}

// QueueDepth reports current derivative queue occupancy.
func (o *Observers) QueueDepth(depth int) {
	o.queueLoad.Set(float64(depth))
}
