package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTx("commit", time.Millisecond)
	m.Allocation("DOC_NUMBER", "ok")
	m.Claim("parent", "ok")
	m.Reconciliation("updated")
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Allocation("DOC_NUMBER", "ok")
	m.Allocation("DOC_NUMBER", "ok")
	m.Claim("parent", "no_slot")
	m.Reconciliation("cloned")
	m.ObserveTx("aborted", 10*time.Millisecond)
	m.ObserveTx("commit", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.allocations.WithLabelValues("DOC_NUMBER", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claims.WithLabelValues("parent", "no_slot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues("cloned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.txAborted))
	assert.Equal(t, 2, testutil.CollectAndCount(m.txDuration))
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
