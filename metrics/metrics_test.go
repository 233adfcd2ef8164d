package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Request("GET", "success")
	m.Request("GET", "success")
	m.Retry()
	m.Deduplicated()
	m.Superseded()
	m.Reconnect()
	m.PushUpdate("experiment_updated")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deduped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.superseded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushUpdates.WithLabelValues("experiment_updated")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

// A nil *Metrics must be a silent no-op so instrumentation stays
// optional at every call site.
func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Request("GET", "success")
		m.Retry()
		m.Deduplicated()
		m.Superseded()
		m.Reconnect()
		m.PushUpdate("experiment_updated")
	})
}
