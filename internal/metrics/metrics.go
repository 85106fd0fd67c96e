package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratere",
			Name:      "exports_total",
			Help:      "Total book exports by result (ok, partial, error)",
		},
		[]string{"result"},
	)

	exportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cratere",
			Name:      "export_duration_seconds",
			Help:      "Wall time of a full book export",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
	)

	slotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratere",
			Name:      "slots_total",
			Help:      "Slots rendered by outcome (placed, empty, unset, failed)",
		},
		[]string{"outcome"},
	)

	fetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cratere",
			Name:      "image_fetch_retries_total",
			Help:      "Image fetch attempts that were retried",
		},
	)

	fetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cratere",
			Name:      "image_fetch_duration_seconds",
			Help:      "Duration of single image fetch attempts by result",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratere",
			Name:      "proxy_requests_total",
			Help:      "Image proxy requests by HTTP status code class",
		},
		[]string{"code"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cratere",
			Name:      "queue_depth",
			Help:      "Export queue depth by type (stream, pending)",
		},
		[]string{"type"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cratere",
			Name:      "export_jobs_total",
			Help:      "Async export jobs by final status",
		},
		[]string{"status"},
	)
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(exportsTotal, exportDuration, slotsTotal, fetchRetries, fetchLatency, proxyRequests, queueDepth, jobsTotal)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveExport(result string, dur time.Duration) {
	exportsTotal.WithLabelValues(result).Inc()
	exportDuration.Observe(dur.Seconds())
}

func IncSlot(outcome string) { slotsTotal.WithLabelValues(outcome).Inc() }
func IncFetchRetry()         { fetchRetries.Inc() }

func ObserveFetch(result string, dur time.Duration) {
	fetchLatency.WithLabelValues(result).Observe(dur.Seconds())
}

func IncProxy(code int) { proxyRequests.WithLabelValues(codeClass(code)).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

func IncJob(status string) { jobsTotal.WithLabelValues(status).Inc() }

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
