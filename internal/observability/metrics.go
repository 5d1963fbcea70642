package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btkit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "btkit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	deviceActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btkit",
			Subsystem: "device",
			Name:      "actions_total",
			Help:      "Device actions executed through the monitor daemon.",
		},
		[]string{"device", "action", "success"},
	)
	deviceActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "btkit",
			Subsystem: "device",
			Name:      "action_duration_seconds",
			Help:      "Device action duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "action", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, deviceActions, deviceActionDuration)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDeviceAction(device, action string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	deviceActions.WithLabelValues(device, action, successLabel).Inc()
	deviceActionDuration.WithLabelValues(device, action, successLabel).Observe(duration.Seconds())
}
