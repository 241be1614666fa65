// Package trust derives advisory signals from governance history: per-agent
// trust scores, suggested guardrails and operator fingerprints. Nothing here
// changes a decision.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/neogan74/overseer/internal/anomaly"
	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	penaltyBlocked  = 0.08
	penaltyDenied   = 0.12
	penaltyHigh     = 0.15
	penaltyCritical = 0.3

	guardrailMinOccurrences = 3
	governanceCategory      = "governance"
)

// AuditSource is the audit history.
type AuditSource interface {
	Since(since time.Time) []audit.Entry
}

// AnomalySource is the anomaly history.
type AnomalySource interface {
	Events(since time.Time) []anomaly.Event
}

// Options configures an Analyzer.
type Options struct {
	// ScoreWindow is the trailing window for trust scores.
	ScoreWindow time.Duration
	Clock       func() time.Time
}

// ScoreEntry is the trust score of one subject.
type ScoreEntry struct {
	SubjectID    string    `json:"subjectId"`
	Score        float64   `json:"score"`
	SampleWindow string    `json:"sampleWindow"`
	Samples      int       `json:"samples"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Pattern is the signature a guardrail targets.
type Pattern struct {
	Category string `json:"category"`
	Action   string `json:"action"`
	Source   string `json:"source"`
}

// Suggestion is a proposed rule derived from repeated rejections.
type Suggestion struct {
	ID                 string    `json:"id"`
	BasedOnWindowHours int       `json:"basedOnWindowHours"`
	Pattern            Pattern   `json:"pattern"`
	Occurrences        int       `json:"occurrences"`
	AnomalyHits        int       `json:"anomalyHits"`
	SuggestedRule      string    `json:"suggestedRule"`
	Confidence         float64   `json:"confidence"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Fingerprint summarizes how one operator governs.
type Fingerprint struct {
	OperatorID   string `json:"operatorId"`
	WindowHours  int    `json:"windowHours"`
	Style        string `json:"style"`
	Focus        string `json:"focus,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	ActiveWindow string `json:"activeWindow,omitempty"`
	Decisions    int    `json:"decisions"`
	Approved     int    `json:"approved"`
	Denied       int    `json:"denied"`
}

// Analyzer computes trust signals on demand.
type Analyzer struct {
	audit     AuditSource
	anomalies AnomalySource
	window    time.Duration
	clock     func() time.Time
	log       logger.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(auditSource AuditSource, anomalies AnomalySource, opts Options, log logger.Logger) *Analyzer {
	if opts.ScoreWindow <= 0 {
		opts.ScoreWindow = 72 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Analyzer{
		audit:     auditSource,
		anomalies: anomalies,
		window:    opts.ScoreWindow,
		clock:     opts.Clock,
		log:       log.WithComponent("trust"),
	}
}

// TrustScores returns one score per subject seen in the window, sorted by
// subject. Requests parked for approval carry no penalty.
func (a *Analyzer) TrustScores(ctx context.Context) ([]ScoreEntry, error) {
	_, span := telemetry.StartSpan(ctx, "trust.scores")
	defer span.End()

	now := a.clock().UTC()
	since := now.Add(-a.window)

	penalties := make(map[string]float64)
	samples := make(map[string]int)

	for _, e := range a.audit.Since(since) {
		if e.Category == governanceCategory {
			continue
		}
		subject := e.Subject()
		samples[subject]++
		switch {
		case e.Result == audit.ResultBlocked && e.ApprovalID == "":
			penalties[subject] += penaltyBlocked * a.recency(now, e.Timestamp)
		case e.Result == audit.ResultDenied:
			penalties[subject] += penaltyDenied * a.recency(now, e.Timestamp)
		}
	}

	for _, ev := range a.anomalies.Events(since) {
		subject := ev.AgentID
		if subject == "" {
			subject = ev.Source
		}
		samples[subject]++
		switch ev.Severity {
		case anomaly.SeverityHigh:
			penalties[subject] += penaltyHigh * a.recency(now, ev.Timestamp)
		case anomaly.SeverityCritical:
			penalties[subject] += penaltyCritical * a.recency(now, ev.Timestamp)
		}
	}

	window := formatWindow(a.window)
	out := make([]ScoreEntry, 0, len(samples))
	for subject, n := range samples {
		out = append(out, ScoreEntry{
			SubjectID:    subject,
			Score:        round(clamp(1 - penalties[subject])),
			SampleWindow: window,
			Samples:      n,
			UpdatedAt:    now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })

	span.SetAttributes(attribute.Int("trust.subjects", len(out)))
	return out, nil
}

// recency weighs an event by how recently it happened: 1 now, 0 at the edge
// of the window.
func (a *Analyzer) recency(now, ts time.Time) float64 {
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	return clamp(1 - float64(age)/float64(a.window))
}

type signature struct {
	category, action, source string
}

// Guardrails proposes block rules for (category, action, source) signatures
// rejected at least three times in the last hours.
func (a *Analyzer) Guardrails(ctx context.Context, hours int) ([]Suggestion, error) {
	_, span := telemetry.StartSpan(ctx, "trust.guardrails", attribute.Int("trust.window_hours", hours))
	defer span.End()

	now := a.clock().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)

	counts := make(map[signature]int)
	for _, e := range a.audit.Since(since) {
		if e.Category == governanceCategory {
			continue
		}
		if e.Result != audit.ResultBlocked && e.Result != audit.ResultDenied {
			continue
		}
		counts[signature{e.Category, e.Action, e.Source}]++
	}

	hits := make(map[string]int)
	for _, ev := range a.anomalies.Events(since) {
		hits[ev.Source]++
		if ev.AgentID != "" && ev.AgentID != ev.Source {
			hits[ev.AgentID]++
		}
	}

	out := make([]Suggestion, 0)
	for sig, n := range counts {
		if n < guardrailMinOccurrences {
			continue
		}
		anomalyHits := hits[sig.source]
		out = append(out, Suggestion{
			ID:                 suggestionID(sig, hours),
			BasedOnWindowHours: hours,
			Pattern:            Pattern{Category: sig.category, Action: sig.action, Source: sig.source},
			Occurrences:        n,
			AnomalyHits:        anomalyHits,
			SuggestedRule:      fmt.Sprintf("block %s.%s for source %s", sig.category, sig.action, sig.source),
			Confidence:         round(math.Min(1, float64(n)/10+0.2*float64(anomalyHits))),
			CreatedAt:          now,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].ID < out[j].ID
	})

	a.log.Debug("Guardrails computed", logger.Int("hours", hours), logger.Int("suggestions", len(out)))
	return out, nil
}

func suggestionID(sig signature, hours int) string {
	sum := sha256.Sum256([]byte(sig.category + "|" + sig.action + "|" + sig.source + "|" + strconv.Itoa(hours)))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint describes the operator's approval decisions in the last hours.
func (a *Analyzer) Fingerprint(ctx context.Context, operatorID string, hours int) (Fingerprint, error) {
	_, span := telemetry.StartSpan(ctx, "trust.fingerprint", attribute.Int("trust.window_hours", hours))
	defer span.End()

	since := a.clock().UTC().Add(-time.Duration(hours) * time.Hour)
	fp := Fingerprint{OperatorID: operatorID, WindowHours: hours}

	categories := make(map[string]int)
	buckets := make(map[time.Time]int)
	var hourOfDay [24]int

	for _, e := range a.audit.Since(since) {
		if e.UserID != operatorID {
			continue
		}
		switch e.Result {
		case audit.ResultApproved:
			fp.Approved++
		case audit.ResultDenied:
			// Expiries are not operator decisions.
			if e.Reason == audit.ReasonApprovalExpired {
				continue
			}
			fp.Denied++
		default:
			continue
		}
		categories[e.Category]++
		ts := e.Timestamp.UTC()
		buckets[ts.Truncate(time.Hour)]++
		hourOfDay[ts.Hour()]++
	}

	fp.Decisions = fp.Approved + fp.Denied
	if fp.Decisions == 0 {
		fp.Style = "observer"
		return fp, nil
	}

	ratio := float64(fp.Denied) / float64(fp.Decisions)
	switch {
	case ratio >= 0.5:
		fp.Style = "strict"
	case ratio <= 0.1:
		fp.Style = "permissive"
	default:
		fp.Style = "balanced"
	}

	fp.Focus = modalKey(categories)

	fp.Pattern = "steady"
	for _, n := range buckets {
		if float64(n) > float64(fp.Decisions)/2 {
			fp.Pattern = "bursty"
			break
		}
	}

	modal := 0
	for h := 1; h < 24; h++ {
		if hourOfDay[h] > hourOfDay[modal] {
			modal = h
		}
	}
	fp.ActiveWindow = dayPart(modal)
	return fp, nil
}

func modalKey(counts map[string]int) string {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func dayPart(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func formatWindow(d time.Duration) string {
	return strconv.Itoa(int(d/time.Hour)) + "h"
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
