package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Check-in and summary outcome labels.
const (
	ResultRecorded   = "recorded"
	ResultSkipped    = "skipped"
	ResultInvalid    = "invalid"
	ResultStoreError = "store_error"
	ResultGranted    = "granted"
	ResultDenied     = "denied"
	VariantApp       = "app"
	VariantAddress   = "address"
	OperationRecord  = "record"
	OperationListAll = "list_all"
)

type Metrics struct {
	checkinsTotal   *prometheus.CounterVec
	summariesTotal  *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec
}

// New registers the service metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checkinsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "checkins_total",
			Help:      "Check-ins handled, by endpoint variant and outcome.",
		}, []string{"variant", "result"}),
		summariesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "summary_requests_total",
			Help:      "Summary requests, by authorization and store outcome.",
		}, []string{"result"}),
		storeOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemetry",
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of instance store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"store", "operation"}),
	}
}

func (m *Metrics) Checkin(variant, result string) {
	m.checkinsTotal.WithLabelValues(variant, result).Inc()
}

func (m *Metrics) Summary(result string) {
	m.summariesTotal.WithLabelValues(result).Inc()
}

// ObserveStore records the time since start for an operation on store.
func (m *Metrics) ObserveStore(store, operation string, start time.Time) {
	m.storeOpDuration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
}
