package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetServerBuildInfo("1.0.0", "abc", "2024-01-01")
	SetDraining(true)
	RecordPeerDial(true)
	RecordPeerDial(false)
	RecordPeerDial(false)

	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if v := testutil.ToFloat64(draining); v != 1 {
		t.Fatalf("draining: %v", v)
	}
	if v := testutil.ToFloat64(peerDials.WithLabelValues("failure")); v != 2 {
		t.Fatalf("peer dial failures: %v", v)
	}
	SetDraining(false)
	if v := testutil.ToFloat64(draining); v != 0 {
		t.Fatalf("draining after reset: %v", v)
	}
}
