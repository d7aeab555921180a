package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connections.Set(3)
	m.Rejections.WithLabelValues("EmptyMessage").Inc()
	m.Rejections.WithLabelValues("EmptyMessage").Inc()
	m.Broadcasts.WithLabelValues("CHAT_MESSAGE").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
		switch f.GetName() {
		case "pelusa_chat_connections":
			assert.Equal(t, 3.0, f.GetMetric()[0].GetGauge().GetValue())
		case "pelusa_chat_rejections_total":
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 2.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.Contains(t, names, "pelusa_chat_connections")
	assert.Contains(t, names, "pelusa_chat_rejections_total")
	assert.Contains(t, names, "pelusa_chat_broadcasts_total")
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNewNop_Independent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
