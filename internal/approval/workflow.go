package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/persistence"
	"github.com/neogan74/overseer/internal/policy"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

const keyPrefix = "approval/"

// Recorder journals transitions.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Options configures a Workflow.
type Options struct {
	TTL   time.Duration
	Clock func() time.Time
	// OnTransition is called after every state change, outside the lock.
	OnTransition func(Approval)
}

type record struct {
	approval Approval
	raw      []byte
}

// Workflow owns the approval table. One mutex serializes every transition.
type Workflow struct {
	engine       persistence.Engine
	recorder     Recorder
	ttl          time.Duration
	clock        func() time.Time
	onTransition func(Approval)
	log          logger.Logger

	mu      sync.Mutex
	records map[string]*record
}

// NewWorkflow reloads persisted approvals from engine.
func NewWorkflow(engine persistence.Engine, recorder Recorder, opts Options, log logger.Logger) (*Workflow, error) {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	w := &Workflow{
		engine:       engine,
		recorder:     recorder,
		ttl:          opts.TTL,
		clock:        opts.Clock,
		onTransition: opts.OnTransition,
		log:          log.WithComponent("approval"),
		records:      make(map[string]*record),
	}

	items, err := engine.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load approvals: %w", err)
	}
	for _, item := range items {
		var a Approval
		if err := json.Unmarshal(item.Value, &a); err != nil {
			w.log.Warn("Skipping unreadable approval", logger.String("key", item.Key), logger.Error(err))
			continue
		}
		w.records[a.ID] = &record{approval: a, raw: item.Value}
	}

	w.log.Info("Approvals loaded", logger.Int("approvals", len(w.records)))
	return w, nil
}

// Create opens a Pending approval for op.
func (w *Workflow) Create(ctx context.Context, op policy.Operation, reason string) (Approval, error) {
	if err := ctx.Err(); err != nil {
		return Approval{}, err
	}

	now := w.clock().UTC()
	a := Approval{
		ID:        uuid.NewString(),
		Operation: op,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(w.ttl),
		Status:    StatusPending,
	}
	data, err := json.Marshal(a)
	if err != nil {
		return Approval{}, fmt.Errorf("failed to encode approval: %w", err)
	}

	w.mu.Lock()
	if err := w.engine.CompareAndSwap(keyPrefix+a.ID, nil, data); err != nil {
		w.mu.Unlock()
		return Approval{}, fmt.Errorf("failed to store approval: %w", err)
	}
	w.records[a.ID] = &record{approval: a, raw: data}
	w.mu.Unlock()

	metrics.ApprovalTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	w.log.Info("Approval created",
		logger.String("id", a.ID),
		logger.String("operation", op.Name()),
		logger.Time("expires_at", a.ExpiresAt))
	w.notify(a)
	return a, nil
}

// Approve resolves a Pending approval as Approved.
func (w *Workflow) Approve(ctx context.Context, id, approvedBy string) (Resolution, error) {
	return w.resolve(ctx, id, StatusApproved, approvedBy, "")
}

// Deny resolves a Pending approval as Denied.
func (w *Workflow) Deny(ctx context.Context, id, deniedBy, reason string) (Resolution, error) {
	return w.resolve(ctx, id, StatusDenied, deniedBy, reason)
}

func (w *Workflow) resolve(ctx context.Context, id string, to Status, by, note string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	w.mu.Lock()
	rec, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		metrics.ApprovalResolutionRejectedTotal.WithLabelValues("not_found").Inc()
		return Resolution{}, apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("approval '%s' not found", id), ErrNotFound)
	}

	now := w.clock().UTC()
	expired := w.expireLocked(rec, now)
	if rec.approval.Status.Terminal() || !rec.approval.ExpiresAt.After(now) {
		state := rec.approval.Status
		if state == StatusPending {
			state = StatusExpired
		}
		w.mu.Unlock()
		w.afterExpiry(ctx, expired)
		metrics.ApprovalResolutionRejectedTotal.WithLabelValues("already_resolved").Inc()
		return Resolution{}, apperr.Wrap(apperr.CodeAlreadyResolved,
			fmt.Sprintf("approval '%s' is %s", id, state), ErrAlreadyResolved)
	}

	next := rec.approval
	next.Status = to
	next.ResolvedBy = by
	next.ResolvedAt = &now
	next.ResolutionNote = note
	if err := w.persistLocked(rec, next); err != nil {
		w.mu.Unlock()
		return Resolution{}, err
	}
	w.mu.Unlock()

	metrics.ApprovalTransitionsTotal.WithLabelValues(string(to)).Inc()
	w.log.Info("Approval resolved",
		logger.String("id", id),
		logger.String("status", string(to)),
		logger.String("resolved_by", by))

	_, auditErr := w.recorder.Record(ctx, transitionEntry(next))
	w.notify(next)
	return Resolution{Approval: next, AuditErr: auditErr}, nil
}

// Get returns one approval, expiring it first when due.
func (w *Workflow) Get(ctx context.Context, id string) (Approval, error) {
	w.mu.Lock()
	rec, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		return Approval{}, apperr.Wrap(apperr.CodeNotFound, fmt.Sprintf("approval '%s' not found", id), ErrNotFound)
	}
	now := w.clock().UTC()
	expired := w.expireLocked(rec, now)
	a := observed(rec.approval, now)
	w.mu.Unlock()

	w.afterExpiry(ctx, expired)
	return a, nil
}

// Pending returns live approvals, oldest first.
func (w *Workflow) Pending(ctx context.Context) []Approval {
	return w.List(ctx, StatusPending)
}

// List returns approvals with the given status, or all when status is empty,
// oldest first. Due approvals are expired before filtering and are reported
// as Expired even when that transition could not be stored.
func (w *Workflow) List(ctx context.Context, status Status) []Approval {
	w.mu.Lock()
	now := w.clock().UTC()
	var expired []Approval
	out := make([]Approval, 0)
	for _, rec := range w.records {
		expired = append(expired, w.expireLocked(rec, now)...)
		a := observed(rec.approval, now)
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	w.mu.Unlock()

	w.afterExpiry(ctx, expired)

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LiveCount returns the number of Pending approvals that have not expired.
func (w *Workflow) LiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	n := 0
	for _, rec := range w.records {
		if rec.approval.Status == StatusPending && rec.approval.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

// observed reports a Pending approval whose deadline has passed as Expired.
// It does not change the stored record.
func observed(a Approval, now time.Time) Approval {
	if a.Status == StatusPending && !a.ExpiresAt.After(now) {
		a.Status = StatusExpired
		a.ResolutionNote = audit.ReasonApprovalExpired
	}
	return a
}

// expireLocked moves a due Pending approval to Expired and returns it for
// journaling. Caller holds mu.
func (w *Workflow) expireLocked(rec *record, now time.Time) []Approval {
	if rec.approval.Status != StatusPending || rec.approval.ExpiresAt.After(now) {
		return nil
	}

	next := rec.approval
	next.Status = StatusExpired
	next.ResolvedAt = &now
	next.ResolutionNote = audit.ReasonApprovalExpired
	if err := w.persistLocked(rec, next); err != nil {
		// Left Pending in storage; the next touch retries.
		w.log.Error("Failed to persist approval expiry", logger.String("id", next.ID), logger.Error(err))
		return nil
	}
	return []Approval{next}
}

// afterExpiry journals approvals this caller expired. Each approval reaches
// here once because only the goroutine that flipped it returns it.
func (w *Workflow) afterExpiry(ctx context.Context, expired []Approval) {
	for _, a := range expired {
		metrics.ApprovalTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
		w.log.Info("Approval expired", logger.String("id", a.ID), logger.String("operation", a.Operation.Name()))
		if _, err := w.recorder.Record(context.WithoutCancel(ctx), transitionEntry(a)); err != nil {
			w.log.Warn("Approval expiry journaled with degraded persistence", logger.String("id", a.ID), logger.Error(err))
		}
		w.notify(a)
	}
}

func (w *Workflow) persistLocked(rec *record, next Approval) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode approval: %w", err)
	}
	if err := w.engine.CompareAndSwap(keyPrefix+next.ID, rec.raw, data); err != nil {
		return fmt.Errorf("failed to store approval transition: %w", err)
	}
	rec.approval = next
	rec.raw = data
	return nil
}

func (w *Workflow) notify(a Approval) {
	if w.onTransition != nil {
		w.onTransition(a)
	}
}

// transitionEntry builds the journal entry for a terminal transition. The
// resolving operator is recorded as the entry's user.
func transitionEntry(a Approval) audit.Entry {
	e := audit.Entry{
		Operation:  a.Operation.Name(),
		Category:   a.Operation.Category,
		Action:     a.Operation.Action,
		Target:     a.Operation.Target,
		UserID:     a.ResolvedBy,
		AgentID:    a.Operation.AgentID,
		Source:     a.Operation.Source,
		ApprovalID: a.ID,
	}
	switch a.Status {
	case StatusApproved:
		e.Result = audit.ResultApproved
		e.Reason = "approved by " + a.ResolvedBy
	case StatusDenied:
		e.Result = audit.ResultDenied
		e.Reason = "denied by " + a.ResolvedBy
		if a.ResolutionNote != "" {
			e.Reason += ": " + a.ResolutionNote
		}
	case StatusExpired:
		e.Result = audit.ResultDenied
		e.Reason = audit.ReasonApprovalExpired
	}
	return e
}
