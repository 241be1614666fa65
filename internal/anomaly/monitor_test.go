package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, *Detector) {
	t.Helper()
	d, err := NewDetector(persistence.NewMemoryEngine(), Options{}, logger.Nop())
	require.NoError(t, err)
	m := NewMonitor(d, cfg, logger.Nop())
	t.Cleanup(m.Close)
	return m, d
}

func eventsOfType(d *Detector, kind string) []Event {
	var out []Event
	for _, e := range d.Events(time.Time{}) {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestMonitor_BlockedBurst(t *testing.T) {
	m, d := newTestMonitor(t, MonitorConfig{BurstThreshold: 3, BurstWindow: 10 * time.Minute, VolumeThreshold: 1000})
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m.process(Observation{Timestamp: base.Add(time.Duration(i) * time.Minute), Result: audit.ResultBlocked, Source: "agent-2"})
	}

	bursts := eventsOfType(d, TypeBlockedBurst)
	require.Len(t, bursts, 1, "raised once per window")
	assert.Equal(t, SeverityHigh, bursts[0].Severity)
	assert.Equal(t, "agent-2", bursts[0].Source)
	assert.True(t, bursts[0].RequiresReview)

	// After the window the burst may be raised again.
	for i := 0; i < 3; i++ {
		m.process(Observation{Timestamp: base.Add(30*time.Minute + time.Duration(i)*time.Second), Result: audit.ResultBlocked, Source: "agent-2"})
	}
	assert.Len(t, eventsOfType(d, TypeBlockedBurst), 2)
}

func TestMonitor_PendingApprovalsAreNotBlocks(t *testing.T) {
	m, d := newTestMonitor(t, MonitorConfig{BurstThreshold: 2, VolumeThreshold: 1000})
	base := time.Now()

	for i := 0; i < 4; i++ {
		m.process(Observation{Timestamp: base, Result: audit.ResultBlocked, Source: "agent-2", ApprovalID: fmt.Sprint(i)})
	}
	assert.Empty(t, eventsOfType(d, TypeBlockedBurst))
}

func TestMonitor_BurstOutsideWindow(t *testing.T) {
	m, d := newTestMonitor(t, MonitorConfig{BurstThreshold: 3, BurstWindow: time.Minute, VolumeThreshold: 1000})
	base := time.Now()

	for i := 0; i < 5; i++ {
		m.process(Observation{Timestamp: base.Add(time.Duration(i) * 2 * time.Minute), Result: audit.ResultBlocked, Source: "agent-2"})
	}
	assert.Empty(t, eventsOfType(d, TypeBlockedBurst))
}

func TestMonitor_VolumeSpike(t *testing.T) {
	m, d := newTestMonitor(t, MonitorConfig{VolumeThreshold: 10})
	base := time.Now()

	for i := 0; i < 12; i++ {
		m.process(Observation{Timestamp: base.Add(time.Duration(i) * time.Second), Result: audit.ResultAllowed, Source: "scheduler", AgentID: "agent-5"})
	}

	spikes := eventsOfType(d, TypeVolumeSpike)
	require.Len(t, spikes, 1)
	assert.Equal(t, SeverityMedium, spikes[0].Severity)
	assert.Equal(t, "agent-5", spikes[0].AgentID)
}

func TestMonitor_DeniedAfterApprovalRequest(t *testing.T) {
	m, d := newTestMonitor(t, MonitorConfig{VolumeThreshold: 1000})
	base := time.Now()

	m.process(Observation{Timestamp: base, Result: audit.ResultDenied, Source: "agent-3", ApprovalID: "ap-1", Operation: "exec.shell"})
	m.process(Observation{Timestamp: base, Result: audit.ResultDenied, Source: "agent-4", ApprovalID: "ap-2", Reason: audit.ReasonApprovalExpired})

	denied := eventsOfType(d, TypeDeniedAfterApprovalRequest)
	require.Len(t, denied, 1)
	assert.Equal(t, SeverityLow, denied[0].Severity)
	assert.Equal(t, "agent-3", denied[0].Source)
	assert.False(t, denied[0].RequiresReview)
}

func TestMonitor_ObserveIsAsyncAndCloseDrains(t *testing.T) {
	d, err := NewDetector(persistence.NewMemoryEngine(), Options{}, logger.Nop())
	require.NoError(t, err)
	m := NewMonitor(d, MonitorConfig{VolumeThreshold: 1000, Buffer: 16}, logger.Nop())

	assert.True(t, m.Observe(Observation{Timestamp: time.Now(), Result: audit.ResultDenied, Source: "agent-3", ApprovalID: "ap-1"}))
	m.Close()

	assert.Len(t, eventsOfType(d, TypeDeniedAfterApprovalRequest), 1)
	assert.False(t, m.Observe(Observation{Timestamp: time.Now()}), "closed monitor rejects observations")
}

func TestObservationFrom(t *testing.T) {
	now := time.Now()
	obs := ObservationFrom(audit.Entry{Timestamp: now, Result: audit.ResultDenied, Operation: "exec.shell", Source: "a", AgentID: "b", ApprovalID: "c", Reason: "no"})
	assert.Equal(t, Observation{Timestamp: now, Result: audit.ResultDenied, Operation: "exec.shell", Source: "a", AgentID: "b", ApprovalID: "c", Reason: "no"}, obs)
}
