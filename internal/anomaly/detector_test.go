package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDetector(t *testing.T, engine persistence.Engine, clock *stepClock) *Detector {
	t.Helper()
	d, err := NewDetector(engine, Options{Clock: clock.Now}, logger.Nop())
	require.NoError(t, err)
	return d
}

func TestDetector_RecordAssignsIdentityAndReviewFlag(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	d := newTestDetector(t, persistence.NewMemoryEngine(), clock)

	low, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityLow, Source: "agent-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, low.ID)
	assert.Equal(t, clock.Now(), low.Timestamp)
	assert.False(t, low.RequiresReview)

	medium, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityMedium, Source: "agent-1"})
	require.NoError(t, err)
	assert.True(t, medium.RequiresReview)

	critical, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityCritical, Source: "agent-1"})
	require.NoError(t, err)
	assert.True(t, critical.RequiresReview)
	assert.Equal(t, 3, d.Count())
}

func TestDetector_RecordValidates(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	d := newTestDetector(t, persistence.NewMemoryEngine(), clock)

	_, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: "Severe", Source: "a"})
	assert.True(t, apperr.IsValidation(err))

	_, err = d.Record(context.Background(), Event{Severity: SeverityLow, Source: "a"})
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, 0, d.Count())
}

func TestDetector_EventsSinceIsInclusiveAndOrdered(t *testing.T) {
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := &stepClock{now: base}
	d := newTestDetector(t, persistence.NewMemoryEngine(), clock)

	for i := 0; i < 4; i++ {
		_, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityLow, Source: "a"})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	all := d.Events(time.Time{})
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}

	since := d.Events(base.Add(2 * time.Minute))
	require.Len(t, since, 2)
	assert.Equal(t, base.Add(2*time.Minute), since[0].Timestamp)
}

func TestDetector_MarkReviewedOnce(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	d := newTestDetector(t, persistence.NewMemoryEngine(), clock)

	e, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityHigh, Source: "a"})
	require.NoError(t, err)

	reviewed, err := d.MarkReviewed(context.Background(), e.ID, "alice")
	require.NoError(t, err)
	assert.False(t, reviewed.RequiresReview)
	assert.Equal(t, "alice", reviewed.ReviewedBy)
	require.NotNil(t, reviewed.ReviewedAt)

	_, err = d.MarkReviewed(context.Background(), e.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
	assert.True(t, apperr.IsAlreadyResolved(err))

	_, err = d.MarkReviewed(context.Background(), "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, apperr.IsNotFound(err))

	got, err := d.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ReviewedBy)
	assert.False(t, got.RequiresReview)
}

func TestDetector_ConcurrentReviewHasOneWinner(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	d := newTestDetector(t, persistence.NewMemoryEngine(), clock)
	e, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityHigh, Source: "a"})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.MarkReviewed(context.Background(), e.ID, "op"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDetector_MaxSeverity(t *testing.T) {
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := &stepClock{now: base}
	d := newTestDetector(t, persistence.NewMemoryEngine(), clock)

	record := func(sev Severity, source, agent string) {
		_, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: sev, Source: source, AgentID: agent})
		require.NoError(t, err)
	}

	record(SeverityCritical, "agent-1", "")
	clock.Advance(30 * time.Minute)
	record(SeverityMedium, "agent-1", "")
	record(SeverityHigh, "scheduler", "agent-9")

	assert.Equal(t, SeverityCritical, d.MaxSeverity("agent-1", "", base))
	assert.Equal(t, SeverityMedium, d.MaxSeverity("agent-1", "", base.Add(15*time.Minute)))
	assert.Equal(t, SeverityHigh, d.MaxSeverity("other", "agent-9", base))
	assert.Equal(t, Severity(""), d.MaxSeverity("nobody", "", base))
}

func TestDetector_ReloadKeepsReviewState(t *testing.T) {
	engine := persistence.NewMemoryEngine()
	clock := &stepClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	d := newTestDetector(t, engine, clock)

	e, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityHigh, Source: "a"})
	require.NoError(t, err)
	_, err = d.MarkReviewed(context.Background(), e.ID, "alice")
	require.NoError(t, err)

	reloaded := newTestDetector(t, engine, clock)
	got, err := reloaded.Get(e.ID)
	require.NoError(t, err)
	assert.True(t, got.Reviewed())
	_, err = reloaded.MarkReviewed(context.Background(), e.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestDetector_OnRecordHook(t *testing.T) {
	var seen []Event
	d, err := NewDetector(persistence.NewMemoryEngine(), Options{OnRecord: func(e Event) { seen = append(seen, e) }}, logger.Nop())
	require.NoError(t, err)

	e, err := d.Record(context.Background(), Event{Type: "port_scan", Severity: SeverityLow, Source: "a"})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, e.ID, seen[0].ID)
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.False(t, Severity("").AtLeast(SeverityLow))
}
