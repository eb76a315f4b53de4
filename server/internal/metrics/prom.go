package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "stagebridge_server_build_info",
			Help:        "Build information for the stage server",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	draining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagebridge_server_draining",
			Help: "1 while the stage server is draining",
		},
	)

	peerDials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagebridge_peer_dial_total",
			Help: "Outbound peer dial attempts by result",
		},
		[]string{"result"},
	)
)

// Register registers server-level collectors.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, draining, peerDials)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetDraining flips the draining gauge.
func SetDraining(v bool) {
	if v {
		draining.Set(1)
		return
	}
	draining.Set(0)
}

// RecordPeerDial counts a dial attempt toward a configured peer.
func RecordPeerDial(success bool) {
	if success {
		peerDials.WithLabelValues("success").Inc()
		return
	}
	peerDials.WithLabelValues("failure").Inc()
}
