package api

import "github.com/prometheus/client_golang/prometheus"

var (
	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vessel_rpc_requests_total",
			Help: "Total number of lifecycle RPC requests.",
		},
		[]string{"method", "outcome"},
	)

	activeContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vessel_active_containers",
			Help: "Containers currently registered with the daemon.",
		},
	)

	guestAckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vessel_guest_ack_duration_seconds",
			Help:    "Create-path round-trip time to the guest acknowledgement.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(rpcRequestsTotal)
	prometheus.MustRegister(activeContainers)
	prometheus.MustRegister(guestAckDuration)
}
