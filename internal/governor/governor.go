// Package governor evaluates agent operations against the rule table, the
// pause switch and recent anomaly signals, routes them to allow, block or a
// human approval, and journals every outcome.
package governor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/neogan74/overseer/internal/anomaly"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/approval"
	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/policy"
	"github.com/neogan74/overseer/internal/telemetry"
)

const (
	// DefaultActor attributes control-plane calls that carry no operator.
	DefaultActor = "dashboard"

	reasonPaused        = "system paused"
	reasonApprovalUnset = "approval could not be opened"
)

// Recorder journals decisions.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Signals answers anomaly lookups.
type Signals interface {
	MaxSeverity(source, agentID string, since time.Time) anomaly.Severity
	Count() int
}

// Approvals is the human approval gate.
type Approvals interface {
	Create(ctx context.Context, op policy.Operation, reason string) (approval.Approval, error)
	Approve(ctx context.Context, id, approvedBy string) (approval.Resolution, error)
	Deny(ctx context.Context, id, deniedBy, reason string) (approval.Resolution, error)
	LiveCount() int
}

// Options tunes anomaly consultation.
type Options struct {
	AnomalyLookback time.Duration
	AnomalyTimeout  time.Duration
	Clock           func() time.Time
}

// Evaluation is the outcome of Evaluate. AuditErr is set when the decision
// stands but journaling it degraded.
type Evaluation struct {
	Decision   policy.Decision `json:"decision"`
	ApprovalID string          `json:"approvalId,omitempty"`
	EntryID    string          `json:"entryId,omitempty"`
	AuditErr   error           `json:"-"`
}

// Stats is a snapshot of the governor counters.
type Stats struct {
	TotalOperations  uint64 `json:"totalOperations"`
	Allowed          uint64 `json:"allowed"`
	Blocked          uint64 `json:"blocked"`
	PendingApprovals int    `json:"pendingApprovals"`
	Anomalies        int    `json:"anomalies"`
	IsPaused         bool   `json:"isPaused"`
}

// Governor is the policy/security middleware in front of every agent action.
type Governor struct {
	table     *policy.Table
	signals   Signals
	approvals Approvals
	recorder  Recorder
	lookback  time.Duration
	timeout   time.Duration
	clock     func() time.Time
	log       logger.Logger

	// transition orders pause changes and their journal entries.
	transition sync.Mutex

	mu      sync.Mutex
	paused  bool
	total   uint64
	allowed uint64
	blocked uint64
}

// New creates a Governor.
func New(table *policy.Table, signals Signals, approvals Approvals, recorder Recorder, opts Options, log logger.Logger) *Governor {
	if opts.AnomalyLookback <= 0 {
		opts.AnomalyLookback = 15 * time.Minute
	}
	if opts.AnomalyTimeout <= 0 {
		opts.AnomalyTimeout = 250 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	metrics.PausedState.Set(0)
	return &Governor{
		table:     table,
		signals:   signals,
		approvals: approvals,
		recorder:  recorder,
		lookback:  opts.AnomalyLookback,
		timeout:   opts.AnomalyTimeout,
		clock:     opts.Clock,
		log:       log.WithComponent("governor"),
	}
}

// Evaluate decides op and journals the outcome. Only a malformed operation
// returns an error. When an approval cannot be opened the operation is
// blocked; that failure and journal failures are reported through
// Evaluation.AuditErr.
func (g *Governor) Evaluate(ctx context.Context, op policy.Operation) (Evaluation, error) {
	if err := op.Validate(); err != nil {
		return Evaluation{}, err
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "governor.evaluate",
		telemetry.AttrOperation.String(op.Name()),
		telemetry.AttrSource.String(op.Source),
	)

	decision := g.decide(ctx, op)

	var eval Evaluation
	entry := audit.Entry{
		Operation: op.Name(),
		Category:  op.Category,
		Action:    op.Action,
		Target:    op.Target,
		UserID:    op.UserID,
		AgentID:   op.AgentID,
		Source:    op.Source,
		Reason:    decision.Reason,
	}

	switch decision.Result {
	case policy.ResultAllowed:
		entry.Result = audit.ResultAllowed
	case policy.ResultBlocked:
		entry.Result = audit.ResultBlocked
	case policy.ResultPendingApproval:
		a, err := g.approvals.Create(ctx, op, decision.Reason)
		if err != nil {
			g.log.Error("Failed to open approval, blocking operation",
				logger.String("operation", op.Name()), logger.Error(err))
			decision = policy.Decision{
				Result: policy.ResultBlocked,
				Reason: reasonApprovalUnset + ": " + decision.Reason,
			}
			eval.AuditErr = apperr.PersistenceDegraded(reasonApprovalUnset, err)
			entry.Result = audit.ResultBlocked
			entry.Reason = decision.Reason
			break
		}
		eval.ApprovalID = a.ID
		entry.Result = audit.ResultBlocked
		entry.ApprovalID = a.ID
		entry.Reason = "pending approval: " + decision.Reason
	}
	eval.Decision = decision

	g.mu.Lock()
	g.total++
	switch decision.Result {
	case policy.ResultAllowed:
		g.allowed++
	case policy.ResultBlocked:
		g.blocked++
	}
	g.mu.Unlock()

	recorded, err := g.recorder.Record(ctx, entry)
	eval.EntryID = recorded.ID
	if err != nil {
		if eval.AuditErr == nil {
			eval.AuditErr = err
		}
		g.log.Error("Decision journaled with degraded persistence",
			logger.String("operation", op.Name()),
			logger.String("result", string(decision.Result)),
			logger.Error(err))
	}

	metrics.DecisionsTotal.WithLabelValues(op.Category, string(decision.Result)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(telemetry.AttrResult.String(string(decision.Result)))
	telemetry.EndSpan(span, nil)

	g.log.Debug("Operation evaluated",
		logger.String("operation", op.Name()),
		logger.String("source", op.Source),
		logger.String("result", string(decision.Result)),
		logger.String("reason", decision.Reason))
	return eval, nil
}

func (g *Governor) decide(ctx context.Context, op policy.Operation) policy.Decision {
	if !op.ControlPlane && g.IsPaused() {
		return policy.Decision{Result: policy.ResultBlocked, Reason: reasonPaused}
	}

	res := g.table.Resolve(op)
	switch res.Verdict {
	case policy.VerdictAllow:
		return policy.Decision{Result: policy.ResultAllowed, Reason: res.Reason}
	case policy.VerdictBlock:
		return policy.Decision{Result: policy.ResultBlocked, Reason: res.Reason}
	case policy.VerdictRequireApproval:
		return policy.Decision{Result: policy.ResultPendingApproval, Reason: res.Reason}
	case policy.VerdictAnomalyCheck:
		sev, ok := g.maxSeverity(ctx, op)
		if ok && sev.AtLeast(anomaly.SeverityHigh) {
			return policy.Decision{
				Result: policy.ResultPendingApproval,
				Reason: "recent " + strings.ToLower(string(sev)) + " severity anomaly for " + op.Source,
			}
		}
		return policy.Decision{Result: policy.ResultAllowed, Reason: res.Reason}
	}
	return policy.Decision{Result: policy.ResultPendingApproval, Reason: res.Reason}
}

// maxSeverity consults the detector under the anomaly timeout. ok is false
// when the lookup did not finish in time.
func (g *Governor) maxSeverity(ctx context.Context, op policy.Operation) (anomaly.Severity, bool) {
	since := g.clock().Add(-g.lookback)
	result := make(chan anomaly.Severity, 1)
	go func() {
		result <- g.signals.MaxSeverity(op.Source, op.AgentID, since)
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case sev := <-result:
		return sev, true
	case <-timer.C:
	case <-ctx.Done():
	}
	g.log.Warn("Anomaly lookup timed out, treating as no signal",
		logger.String("operation", op.Name()),
		logger.String("source", op.Source),
		logger.Duration("timeout", g.timeout))
	return "", false
}

// Pause activates the global pause switch. changed is false when the switch
// was already on; only a state change is journaled.
func (g *Governor) Pause(ctx context.Context, actor string) (bool, error) {
	return g.setPaused(ctx, actor, true)
}

// Resume deactivates the global pause switch.
func (g *Governor) Resume(ctx context.Context, actor string) (bool, error) {
	return g.setPaused(ctx, actor, false)
}

func (g *Governor) setPaused(ctx context.Context, actor string, paused bool) (bool, error) {
	action := "resume"
	if paused {
		action = "pause"
	}

	g.transition.Lock()
	defer g.transition.Unlock()

	g.mu.Lock()
	if g.paused == paused {
		g.mu.Unlock()
		g.log.Debug("Pause switch unchanged", logger.String("action", action), logger.String("actor", actor))
		return false, nil
	}
	g.paused = paused
	g.mu.Unlock()

	if paused {
		metrics.PausedState.Set(1)
	} else {
		metrics.PausedState.Set(0)
	}

	source := actor
	if source == "" {
		source = DefaultActor
	}
	g.log.Info("Pause switch changed", logger.String("action", action), logger.String("actor", source))

	_, err := g.recorder.Record(ctx, audit.Entry{
		Result:    audit.ResultAllowed,
		Operation: "governance." + action,
		Category:  "governance",
		Action:    action,
		UserID:    actor,
		Source:    source,
		Reason:    "governance " + action + " by " + source,
	})
	return true, err
}

// IsPaused reports the pause switch.
func (g *Governor) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Approve resolves an approval as Approved. It is a control-plane call and is
// never blocked by the pause switch.
func (g *Governor) Approve(ctx context.Context, id, actor string) (approval.Resolution, error) {
	if actor == "" {
		actor = DefaultActor
	}
	res, err := g.approvals.Approve(ctx, id, actor)
	if err != nil {
		return res, err
	}
	g.mu.Lock()
	g.allowed++
	g.mu.Unlock()
	return res, nil
}

// Deny resolves an approval as Denied.
func (g *Governor) Deny(ctx context.Context, id, actor, reason string) (approval.Resolution, error) {
	if actor == "" {
		actor = DefaultActor
	}
	res, err := g.approvals.Deny(ctx, id, actor, reason)
	if err != nil {
		return res, err
	}
	g.mu.Lock()
	g.blocked++
	g.mu.Unlock()
	return res, nil
}

// Stats returns the current counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	s := Stats{
		TotalOperations: g.total,
		Allowed:         g.allowed,
		Blocked:         g.blocked,
		IsPaused:        g.paused,
	}
	g.mu.Unlock()

	s.PendingApprovals = g.approvals.LiveCount()
	s.Anomalies = g.signals.Count()
	return s
}

// Rules returns the active rule table.
func (g *Governor) Rules() policy.RuleSet {
	return g.table.Rules()
}
