package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFetch("success", 20*time.Millisecond)
	m.RecordFetch("success", 30*time.Millisecond)
	m.RecordFetch("error", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HistoryFetchesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryFetchesTotal.WithLabelValues("error")))

	m.RecordLiveEvent("created")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveEventsTotal.WithLabelValues("created")))

	m.RecordReconnect()
	m.RecordDrop()
	m.SetLiveState(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveReconnectsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveDropsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveState))

	m.RecordMerge("updated", "buffered")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergedEventsTotal.WithLabelValues("updated", "buffered")))

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenStreams))

	m.PushConnected()
	m.PushDisconnected()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PushConnections))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFetch("success", time.Second)
		m.RecordLiveEvent("created")
		m.RecordReconnect()
		m.RecordDrop()
		m.SetLiveState(1)
		m.RecordMerge("created", "applied")
		m.StreamOpened()
		m.StreamClosed()
		m.PushConnected()
		m.PushDisconnected()
	})
}
