// Package metrics holds the gateway's Prometheus collectors, in the
// package-level-vars-plus-init style of the teacher's pkg/metrics package:
// one global var per collector, registered once in init, exposed over
// /metrics via the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodeStatus is 1 for the node's current status, 0 otherwise, one
	// series per (url, type, status) triple so a dashboard can graph the
	// online/offline split per node without needing a join. Cooldown is
	// tracked separately by NodeCooldownActive.
	NodeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_node_status",
			Help: "Current status of a registered node (1 = current status, 0 = not)",
		},
		[]string{"url", "type", "status"},
	)

	NodeInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_node_inflight",
			Help: "In-flight request count for a registered node",
		},
		[]string{"url"},
	)

	NodeCooldownActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_node_cooldown_active",
			Help: "Whether a registered node is currently in its cooldown window (1) or not (0)",
		},
		[]string{"url"},
	)

	CandidatePoolSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_candidate_pool_size",
			Help:    "Number of eligible candidates produced per selection",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	ForwardLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_forward_latency_seconds",
			Help:    "Latency of a single Forwarder attempt against one node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "outcome"},
	)

	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_usage_tokens_total",
			Help: "Total tokens processed, by wallet",
		},
		[]string{"wallet"},
	)

	UsageRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_usage_requests_total",
			Help: "Total completed requests, by wallet",
		},
		[]string{"wallet"},
	)
)

func init() {
	prometheus.MustRegister(NodeStatus)
	prometheus.MustRegister(NodeInflight)
	prometheus.MustRegister(NodeCooldownActive)
	prometheus.MustRegister(CandidatePoolSize)
	prometheus.MustRegister(ForwardLatency)
	prometheus.MustRegister(UsageTokensTotal)
	prometheus.MustRegister(UsageRequestsTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording its duration to a
// histogram when it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// SetNodeStatus sets url's NodeStatus series for status to 1 and clears the
// other known status to 0, so a dashboard query for status="online" never
// sees a stale 1 left over from a prior transition.
func SetNodeStatus(url, nodeType, status string) {
	for _, s := range []string{"online", "offline"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		NodeStatus.WithLabelValues(url, nodeType, s).Set(v)
	}
}

// SetNodeCooldownActive records whether url is currently excluded from
// eligibility by its cooldown window.
func SetNodeCooldownActive(url string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	NodeCooldownActive.WithLabelValues(url).Set(v)
}
