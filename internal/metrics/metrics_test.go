package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsAreRegistered(t *testing.T) {
	collectors := []prometheus.Collector{
		HTTPRequestsTotal,
		DecisionsTotal,
		EvaluationDuration,
		JournalWritesTotal,
		LedgerAppendsTotal,
		LedgerSize,
		ApprovalTransitionsTotal,
		AnomaliesTotal,
		VaultOperationsTotal,
		FeedEventsTotal,
	}

	for _, c := range collectors {
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already, "collector should already be registered by promauto")
	}
}

func TestDecisionCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("post", "allowed"))
	DecisionsTotal.WithLabelValues("post", "allowed").Inc()
	after := testutil.ToFloat64(DecisionsTotal.WithLabelValues("post", "allowed"))

	assert.Equal(t, before+1, after)
}

func TestPausedGauge(t *testing.T) {
	PausedState.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(PausedState))
	PausedState.Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(PausedState))
}
