package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllInstrumentsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.WorkflowsStarted.Inc()
	m.StagesDispatched.WithLabelValues("scaffold").Inc()
	m.StageDuration.WithLabelValues("scaffold", "success").Observe(0.5)
	m.QualityGateFailures.WithLabelValues("coverage").Inc()
	m.CircuitBreakerState.WithLabelValues("agent-api").Set(BreakerStateValue("OPEN"))
	m.AgentTasksProcessed.WithLabelValues("scaffold").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("CLOSED"))
	assert.Equal(t, 1.0, BreakerStateValue("HALF_OPEN"))
	assert.Equal(t, 2.0, BreakerStateValue("OPEN"))
	assert.Equal(t, -1.0, BreakerStateValue("UNKNOWN"))
}

func TestNew_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
