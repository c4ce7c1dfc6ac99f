package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	registerOnce sync.Once

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcbridge",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total RPC calls by side, method and outcome.",
		},
		[]string{"side", "method", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fcbridge",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"side", "method", "status"},
	)
	handles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fcbridge",
			Subsystem: "handles",
			Name:      "live",
			Help:      "Live handles per pool.",
		},
		[]string{"pool"},
	)
	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcbridge",
			Subsystem: "handles",
			Name:      "release_total",
			Help:      "Release notifications sent to the counterpart.",
		},
		[]string{"status"},
	)
	releasesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fcbridge",
			Subsystem: "handles",
			Name:      "release_dropped_total",
			Help:      "Release notifications dropped because the queue was full or closed.",
		},
	)
	openStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fcbridge",
			Subsystem: "rpc",
			Name:      "open_streams",
			Help:      "Server streams currently delivering.",
		},
		[]string{"side"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcCalls, rpcDuration, handles, releases, releasesDropped, openStreams)
	})
}

// Status labels.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

func RecordRPC(side, method string, err error, duration time.Duration) {
	RegisterMetrics()
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	rpcCalls.WithLabelValues(side, method, status).Inc()
	rpcDuration.WithLabelValues(side, method, status).Observe(duration.Seconds())
}

func SetHandles(pool string, n int) {
	RegisterMetrics()
	handles.WithLabelValues(pool).Set(float64(n))
}

func RecordRelease(err error) {
	RegisterMetrics()
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	releases.WithLabelValues(status).Inc()
}

func RecordReleaseDropped() {
	RegisterMetrics()
	releasesDropped.Inc()
}

func StreamOpened(side string) {
	RegisterMetrics()
	openStreams.WithLabelValues(side).Inc()
}

func StreamClosed(side string) {
	RegisterMetrics()
	openStreams.WithLabelValues(side).Dec()
}

// CallCount reads how many calls side recorded for method, any status.
func CallCount(side, method string) float64 {
	RegisterMetrics()
	var total float64
	for _, status := range []string{StatusOK, StatusError} {
		var m dto.Metric
		if err := rpcCalls.WithLabelValues(side, method, status).Write(&m); err == nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// Handler exposes the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
