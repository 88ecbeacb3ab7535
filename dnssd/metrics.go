package dnssd

import "github.com/prometheus/client_golang/prometheus"

var (
	packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salute_packets_sent_total",
		Help: "mDNS packets transmitted.",
	})
	packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salute_packets_received_total",
		Help: "mDNS packets received.",
	})
	probeConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salute_probe_conflicts_total",
		Help: "Name conflicts detected while probing.",
	})
	sendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salute_send_retries_total",
		Help: "Retried transport sends.",
	})
	publishedServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "salute_published_services",
		Help: "Services currently in the published state.",
	})
	activeBrowsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "salute_active_browsers",
		Help: "Browsers currently listening.",
	})
)

func init() {
	prometheus.MustRegister(
		packetsSent,
		packetsReceived,
		probeConflicts,
		sendRetries,
		publishedServices,
		activeBrowsers,
	)
}
