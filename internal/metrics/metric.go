package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sandmirror"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	GRPCClientMetrics = grpcprometheus.NewClientMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	MirrorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_requests_total",
			Help:      "Mirrored requests by operation kind, role and result.",
		},
		[]string{"kind", "role", "result"},
	)

	MirrorForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_forward_total",
			Help:      "Forwarding attempts to the secondary by outcome.",
		},
		[]string{"outcome"},
	)

	EntryLockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entry_lock_wait_seconds",
			Help:      "Time blocked waiting for a contended entry lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"kind"},
	)

	TargetConsistency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_consistency_state",
			Help:      "Consistency state per target (1 good, 2 needs-resync, 3 bad).",
		},
		[]string{"target"},
	)

	TargetReachability = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_reachability_state",
			Help:      "Reachability state per target (1 online, 2 probably-offline, 3 offline).",
		},
		[]string{"target"},
	)
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		GRPCClientMetrics,
		MirrorRequests,
		MirrorForwards,
		EntryLockWait,
		TargetConsistency,
		TargetReachability,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
