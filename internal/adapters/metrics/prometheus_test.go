package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_RecordsDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.ObserveDecision("request", true)
	p.ObserveDecision("request", true)
	p.ObserveDecision("request", false)
	p.ObserveFailOpen("request")
	p.ObserveStoreError("window")
	p.SetActiveConnections(3)
	p.SetFallbackActive(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.decisions.WithLabelValues("request", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("request", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.failOpen.WithLabelValues("request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.storeErrors.WithLabelValues("window")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.activeConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.fallbackActive))
}

func TestPrometheus_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)

	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}
