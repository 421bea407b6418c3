package firecracker

import "github.com/prometheus/client_golang/prometheus"

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vessel_fc_vm_boot_duration_seconds",
			Help:    "Time from Firecracker start to a running VM.",
			Buckets: prometheus.DefBuckets,
		},
	)

	guestConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vessel_fc_guest_connections",
			Help: "Open host-side vsock connections to the guest.",
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(guestConnections)
}
