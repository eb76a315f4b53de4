package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stagebridge_request_total", Help: "Bridge requests received, by kind"},
		[]string{"kind"},
	)
	requestFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stagebridge_request_failed_total", Help: "Bridge requests answered with an error, by kind and error code"},
		[]string{"kind", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "stagebridge_request_duration_seconds", Help: "Time spent dispatching bridge requests"},
		[]string{"kind"},
	)
	bounceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stagebridge_bounce_total", Help: "Messages bounced back to their sender, by reason"},
		[]string{"reason"},
	)
	codeLookupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stagebridge_code_lookup_total", Help: "Code cache lookups by result (hit, miss)"},
		[]string{"result"},
	)
	codeStoredBytes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stagebridge_code_stored_bytes_total", Help: "Bytes of code stored in the code cache"},
	)
	actors = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "stagebridge_actors", Help: "Actors currently known to the directory"},
	)
	channels = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "stagebridge_channels", Help: "Open bridge channels"},
	)
)

// Register registers the bridge collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(requestTotal, requestFailedTotal, requestDuration, bounceTotal, codeLookupTotal, codeStoredBytes, actors, channels)
}

// RecordRequest accounts for one dispatched request. code is empty on success.
func RecordRequest(kind, code string, dur time.Duration) {
	requestTotal.WithLabelValues(kind).Inc()
	requestDuration.WithLabelValues(kind).Observe(dur.Seconds())
	if code != "" {
		requestFailedTotal.WithLabelValues(kind, code).Inc()
	}
}

func RecordBounce(reason string) { bounceTotal.WithLabelValues(reason).Inc() }

func RecordCodeLookup(hit bool) {
	r := "miss"
	if hit {
		r = "hit"
	}
	codeLookupTotal.WithLabelValues(r).Inc()
}

func AddCodeStored(n int) {
	if n > 0 {
		codeStoredBytes.Add(float64(n))
	}
}

func SetActors(n int) { actors.Set(float64(n)) }

func ChannelOpened() { channels.Inc() }
func ChannelClosed() { channels.Dec() }
