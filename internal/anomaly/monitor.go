package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
)

const volumeWindow = time.Minute

// Observation is one journaled decision as seen by the monitor.
type Observation struct {
	Timestamp  time.Time
	Result     audit.Result
	Operation  string
	Source     string
	AgentID    string
	ApprovalID string
	Reason     string
}

// ObservationFrom converts a recorded audit entry.
func ObservationFrom(e audit.Entry) Observation {
	return Observation{
		Timestamp:  e.Timestamp,
		Result:     e.Result,
		Operation:  e.Operation,
		Source:     e.Source,
		AgentID:    e.AgentID,
		ApprovalID: e.ApprovalID,
		Reason:     e.Reason,
	}
}

// MonitorConfig holds classification thresholds.
type MonitorConfig struct {
	BurstThreshold  int
	BurstWindow     time.Duration
	VolumeThreshold int
	Buffer          int
}

// Monitor classifies the decision stream asynchronously.
type Monitor struct {
	detector *Detector
	cfg      MonitorConfig
	log      logger.Logger

	observations chan Observation
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// owned by the run loop
	blocked map[string][]time.Time
	volume  map[string][]time.Time
	raised  map[string]time.Time
}

// NewMonitor starts a monitor feeding detector.
func NewMonitor(detector *Detector, cfg MonitorConfig, log logger.Logger) *Monitor {
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = 5
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 10 * time.Minute
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 60
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 512
	}

	m := &Monitor{
		detector:     detector,
		cfg:          cfg,
		log:          log.WithComponent("anomaly-monitor"),
		observations: make(chan Observation, cfg.Buffer),
		blocked:      make(map[string][]time.Time),
		volume:       make(map[string][]time.Time),
		raised:       make(map[string]time.Time),
	}

	m.wg.Add(1)
	go m.run()
	return m
}

// Observe hands obs to the monitor without blocking. It reports false when
// the observation was dropped.
func (m *Monitor) Observe(obs Observation) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.observations <- obs:
		return true
	default:
		metrics.AnomalyObservationsDropped.Inc()
		return false
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for obs := range m.observations {
		m.process(obs)
	}
}

// Close stops accepting observations and processes what is buffered.
func (m *Monitor) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.observations)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) process(obs Observation) {
	subject := obs.AgentID
	if subject == "" {
		subject = obs.Source
	}

	if obs.Result == audit.ResultBlocked && obs.ApprovalID == "" {
		times := prune(append(m.blocked[obs.Source], obs.Timestamp), obs.Timestamp, m.cfg.BurstWindow)
		m.blocked[obs.Source] = times
		if len(times) >= m.cfg.BurstThreshold {
			m.raise(obs, TypeBlockedBurst, obs.Source, m.cfg.BurstWindow, Event{
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("%d blocked operations from %s within %s", len(times), obs.Source, m.cfg.BurstWindow),
				ActionTaken: "anomaly_check rules now require approval for this source",
				Context:     map[string]any{"blocked": len(times), "window": m.cfg.BurstWindow.String()},
			})
		}
	}

	times := prune(append(m.volume[subject], obs.Timestamp), obs.Timestamp, volumeWindow)
	m.volume[subject] = times
	if len(times) >= m.cfg.VolumeThreshold {
		m.raise(obs, TypeVolumeSpike, subject, volumeWindow, Event{
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%d operations from %s within one minute", len(times), subject),
			Context:     map[string]any{"operations": len(times)},
		})
	}

	if obs.Result == audit.ResultDenied && obs.ApprovalID != "" && obs.Reason != audit.ReasonApprovalExpired {
		m.raise(obs, TypeDeniedAfterApprovalRequest, obs.Source, m.cfg.BurstWindow, Event{
			Severity:    SeverityLow,
			Description: fmt.Sprintf("operator denied %s requested by %s", obs.Operation, obs.Source),
			Context:     map[string]any{"approvalId": obs.ApprovalID, "operation": obs.Operation},
		})
	}
}

// raise records e unless the same (type, key) was raised within window.
func (m *Monitor) raise(obs Observation, kind, key string, window time.Duration, e Event) {
	dedupe := kind + "|" + key
	if last, ok := m.raised[dedupe]; ok && obs.Timestamp.Sub(last) < window {
		return
	}
	m.raised[dedupe] = obs.Timestamp

	e.Type = kind
	e.Source = obs.Source
	e.AgentID = obs.AgentID
	if _, err := m.detector.Record(context.Background(), e); err != nil {
		m.log.Warn("Failed to record anomaly", logger.String("type", kind), logger.Error(err))
	}
}

// prune drops timestamps older than window before now.
func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(times) && now.Sub(times[cut]) >= window {
		cut++
	}
	return times[cut:]
}
