package trust

import (
	"context"
	"testing"
	"time"

	"github.com/neogan74/overseer/internal/anomaly"
	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type history struct {
	entries []audit.Entry
	events  []anomaly.Event
}

func (h *history) Since(since time.Time) []audit.Entry {
	var out []audit.Entry
	for _, e := range h.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func (h *history) Events(since time.Time) []anomaly.Event {
	var out []anomaly.Event
	for _, e := range h.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func entry(ago time.Duration, result audit.Result, category, action, source string) audit.Entry {
	return audit.Entry{
		Timestamp: now.Add(-ago),
		Result:    result,
		Operation: category + "." + action,
		Category:  category,
		Action:    action,
		Source:    source,
	}
}

func newAnalyzer(h *history) *Analyzer {
	return NewAnalyzer(h, h, Options{Clock: func() time.Time { return now }}, logger.Nop())
}

func TestGuardrails_RepeatedBlockedSignature(t *testing.T) {
	h := &history{}
	for i := 0; i < 3; i++ {
		e := entry(time.Duration(i*10)*time.Minute, audit.ResultBlocked, "exec", "shell", "agent-2")
		e.ApprovalID = "ap-" + string(rune('a'+i))
		h.entries = append(h.entries, e)
	}
	h.entries = append(h.entries,
		entry(time.Minute, audit.ResultBlocked, "exec", "shell", "agent-3"),
		entry(time.Minute, audit.ResultAllowed, "post", "publish", "agent-2"),
	)

	got, err := newAnalyzer(h).Guardrails(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, got, 1)

	s := got[0]
	assert.Equal(t, Pattern{Category: "exec", Action: "shell", Source: "agent-2"}, s.Pattern)
	assert.Equal(t, 3, s.Occurrences)
	assert.Equal(t, "block exec.shell for source agent-2", s.SuggestedRule)
	assert.InDelta(t, 0.3, s.Confidence, 1e-9)
	assert.Equal(t, 24, s.BasedOnWindowHours)

	again, err := newAnalyzer(h).Guardrails(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again[0].ID)

	other, err := newAnalyzer(h).Guardrails(context.Background(), 48)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other[0].ID)
}

func TestGuardrails_WindowAndAnomalyBoost(t *testing.T) {
	h := &history{}
	for i := 0; i < 4; i++ {
		h.entries = append(h.entries, entry(30*time.Minute, audit.ResultDenied, "credential", "read", "agent-7"))
	}
	// Outside a 1h window.
	for i := 0; i < 5; i++ {
		h.entries = append(h.entries, entry(5*time.Hour, audit.ResultBlocked, "system", "wipe", "agent-8"))
	}
	h.events = []anomaly.Event{
		{Timestamp: now.Add(-10 * time.Minute), Source: "agent-7", Severity: anomaly.SeverityHigh},
		{Timestamp: now.Add(-10 * time.Minute), Source: "agent-7", Severity: anomaly.SeverityLow},
	}

	got, err := newAnalyzer(h).Guardrails(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agent-7", got[0].Pattern.Source)
	assert.Equal(t, 2, got[0].AnomalyHits)
	assert.InDelta(t, 0.8, got[0].Confidence, 1e-9)

	got, err = newAnalyzer(h).Guardrails(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "agent-8", got[0].Pattern.Source)
}

func TestGuardrails_ConfidenceCapped(t *testing.T) {
	h := &history{}
	for i := 0; i < 15; i++ {
		h.entries = append(h.entries, entry(time.Minute, audit.ResultBlocked, "system", "wipe", "agent-9"))
	}
	got, err := newAnalyzer(h).Guardrails(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Confidence)
}

func TestTrustScores(t *testing.T) {
	h := &history{
		entries: []audit.Entry{
			entry(0, audit.ResultAllowed, "post", "publish", "clean"),
			entry(0, audit.ResultBlocked, "system", "wipe", "risky"),
			entry(0, audit.ResultDenied, "exec", "shell", "risky"),
		},
		events: []anomaly.Event{
			{Timestamp: now, Source: "risky", Severity: anomaly.SeverityCritical},
		},
	}
	parked := entry(0, audit.ResultBlocked, "exec", "shell", "waiting")
	parked.ApprovalID = "ap-1"
	h.entries = append(h.entries, parked)

	scores, err := newAnalyzer(h).TrustScores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Equal(t, "clean", scores[0].SubjectID)
	assert.Equal(t, 1.0, scores[0].Score)
	assert.Equal(t, "risky", scores[1].SubjectID)
	assert.InDelta(t, 1-0.08-0.12-0.3, scores[1].Score, 1e-9)
	assert.Equal(t, 3, scores[1].Samples)
	assert.Equal(t, "72h", scores[1].SampleWindow)
	assert.Equal(t, "waiting", scores[2].SubjectID)
	assert.Equal(t, 1.0, scores[2].Score)
}

func TestTrustScores_RecencyAndMonotonic(t *testing.T) {
	old := &history{entries: []audit.Entry{entry(36*time.Hour, audit.ResultDenied, "exec", "shell", "a")}}
	scores, err := newAnalyzer(old).TrustScores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 1-0.12*0.5, scores[0].Score, 1e-9)

	h := &history{}
	prev := 1.0
	for i := 0; i < 20; i++ {
		h.entries = append(h.entries, entry(time.Hour, audit.ResultBlocked, "system", "wipe", "a"))
		scores, err := newAnalyzer(h).TrustScores(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, scores[0].Score, prev)
		assert.GreaterOrEqual(t, scores[0].Score, 0.0)
		prev = scores[0].Score
	}
	assert.Equal(t, 0.0, prev)
}

func TestTrustScores_AgentSubject(t *testing.T) {
	e := entry(0, audit.ResultBlocked, "system", "wipe", "worker-host")
	e.AgentID = "agent-42"
	scores, err := newAnalyzer(&history{entries: []audit.Entry{e}}).TrustScores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "agent-42", scores[0].SubjectID)
}

func resolution(ago time.Duration, result audit.Result, category, operator string) audit.Entry {
	e := entry(ago, result, category, "x", "agent-1")
	e.UserID = operator
	return e
}

func TestFingerprint(t *testing.T) {
	h := &history{entries: []audit.Entry{
		resolution(3*time.Hour, audit.ResultDenied, "exec", "alice"),
		resolution(2*time.Hour, audit.ResultDenied, "exec", "alice"),
		resolution(time.Hour, audit.ResultApproved, "payment", "alice"),
		resolution(time.Hour, audit.ResultApproved, "payment", "bob"),
	}}

	fp, err := newAnalyzer(h).Fingerprint(context.Background(), "alice", 24)
	require.NoError(t, err)
	assert.Equal(t, 3, fp.Decisions)
	assert.Equal(t, "strict", fp.Style)
	assert.Equal(t, "exec", fp.Focus)
	assert.Equal(t, "steady", fp.Pattern)
	assert.Equal(t, "morning", fp.ActiveWindow)
}

func TestFingerprint_BurstyPermissive(t *testing.T) {
	h := &history{}
	for i := 0; i < 10; i++ {
		h.entries = append(h.entries, resolution(time.Duration(i)*time.Minute, audit.ResultApproved, "post", "carol"))
	}
	h.entries = append(h.entries, resolution(20*time.Hour, audit.ResultApproved, "post", "carol"))

	fp, err := newAnalyzer(h).Fingerprint(context.Background(), "carol", 168)
	require.NoError(t, err)
	assert.Equal(t, "permissive", fp.Style)
	assert.Equal(t, "bursty", fp.Pattern)
}

func TestFingerprint_Observer(t *testing.T) {
	expired := resolution(time.Hour, audit.ResultDenied, "exec", "dave")
	expired.Reason = audit.ReasonApprovalExpired
	h := &history{entries: []audit.Entry{
		expired,
		resolution(time.Hour, audit.ResultAllowed, "governance", "dave"),
	}}

	fp, err := newAnalyzer(h).Fingerprint(context.Background(), "dave", 24)
	require.NoError(t, err)
	assert.Equal(t, "observer", fp.Style)
	assert.Equal(t, 0, fp.Decisions)
}

func TestDayPart(t *testing.T) {
	assert.Equal(t, "night", dayPart(0))
	assert.Equal(t, "morning", dayPart(6))
	assert.Equal(t, "afternoon", dayPart(12))
	assert.Equal(t, "evening", dayPart(18))
	assert.Equal(t, "evening", dayPart(23))
}
