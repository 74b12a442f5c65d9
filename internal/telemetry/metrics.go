package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrkv",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrkv",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrkv",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Membership ----
	MembershipEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrkv",
			Subsystem: "membership",
			Name:      "events_total",
			Help:      "Membership events reconciled, by source (local, gossip, snapshot), kind and whether they won.",
		},
		[]string{"source", "kind", "accepted"},
	)

	ViewSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrkv",
			Subsystem: "membership",
			Name:      "view_size",
			Help:      "Number of nodes in the local membership view.",
		},
	)

	JournalWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrkv",
			Subsystem: "journal",
			Name:      "write_failures_total",
			Help:      "Membership journal appends that failed.",
		},
	)

	// ---- Key-value routing ----
	KVOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrkv",
			Subsystem: "kv",
			Name:      "operations_total",
			Help:      "Key operations by op, route (local, forward) and status.",
		},
		[]string{"op", "route", "status"},
	)

	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrkv",
			Subsystem: "kv",
			Name:      "forward_duration_seconds",
			Help:      "Latency of forwarded key operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrkv",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrkv",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		MembershipEvents, ViewSize, JournalWriteFailures,
		KVOperations, ForwardDuration,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

// Instrument records request metrics labeled by an op derived from the
// matched route, e.g. "get_kv" or "post_membership_join".
//
//	engine.Use(telemetry.Instrument())
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		op := opFor(c.Request.Method, c.FullPath())
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		c.Next()

		class := strconv.Itoa(c.Writer.Status()/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func opFor(method, route string) string {
	if route == "" {
		return "other"
	}
	var parts []string
	for _, p := range strings.Split(route, "/") {
		if p == "" || strings.HasPrefix(p, ":") || strings.HasPrefix(p, "*") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.ToLower(method) + "_" + strings.Join(parts, "_")
}
