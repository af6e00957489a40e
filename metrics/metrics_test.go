package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("CLAIM")
		m.Dropped()
		m.Published("CLAIM", nil)
		m.Recommended()
		m.Scheduled()
		m.Observe(1, 2, 3, 4)
	})
}

func TestMetrics_Counts(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.Received("CLAIM")
	m.Received("CLAIM")
	m.Published("BEACON", nil)
	m.Published("BEACON", errors.New("boom"))
	m.Observe(2, 5, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("CLAIM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("BEACON")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("BEACON")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Claims))
}

func TestMetrics_DoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
