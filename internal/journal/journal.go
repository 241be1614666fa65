// Package journal writes each governance decision to the query-side audit log
// and then to the hash-chained ledger, and reconciles the two stores.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/ledger"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// AuditStore is the query-side log.
type AuditStore interface {
	Append(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	Since(since time.Time) []audit.Entry
}

// Chain is the tamper-evident ledger.
type Chain interface {
	Append(ctx context.Context, payload []byte) (ledger.Entry, error)
	ReadRecent(limit int) []ledger.Entry
}

// Journal pairs the two stores.
type Journal struct {
	audit   AuditStore
	chain   Chain
	timeout time.Duration
	clock   func() time.Time
	log     logger.Logger

	observers []func(audit.Entry)
}

// New creates a Journal. timeout bounds the combined write.
func New(auditStore AuditStore, chain Chain, timeout time.Duration, log logger.Logger) *Journal {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Journal{
		audit:   auditStore,
		chain:   chain,
		timeout: timeout,
		clock:   time.Now,
		log:     log.WithComponent("journal"),
	}
}

// OnRecord registers fn to receive every recorded entry, including entries
// whose writes degraded. Observers run on the caller's goroutine and must not
// block. Register before the first Record.
func (j *Journal) OnRecord(fn func(audit.Entry)) {
	j.observers = append(j.observers, fn)
}

func (j *Journal) notify(entry audit.Entry) {
	for _, fn := range j.observers {
		fn(entry)
	}
}

// Record writes entry to the audit log, then its JSON form to the ledger. The
// ledger write is attempted even when the audit write failed. Any failure is
// returned as a persistence_degraded error together with the entry as
// recorded.
func (j *Journal) Record(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "journal.record",
		telemetry.AttrOperation.String(entry.Operation),
		telemetry.AttrResult.String(string(entry.Result)),
	)
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	recorded, auditErr := j.appendAudit(ctx, entry)
	if auditErr != nil {
		metrics.JournalWritesTotal.WithLabelValues("audit", "error").Inc()
		recorded = entry
		recorded.Timestamp = j.clock().UTC()
	} else {
		metrics.JournalWritesTotal.WithLabelValues("audit", "success").Inc()
	}

	var ledgerErr error
	payload, err := json.Marshal(recorded)
	if err != nil {
		ledgerErr = fmt.Errorf("encode ledger payload: %w", err)
	} else if _, err := j.chain.Append(ctx, payload); err != nil {
		ledgerErr = err
	}
	if ledgerErr != nil {
		metrics.JournalWritesTotal.WithLabelValues("ledger", "error").Inc()
	} else {
		metrics.JournalWritesTotal.WithLabelValues("ledger", "success").Inc()
	}

	j.notify(recorded)

	if auditErr == nil && ledgerErr == nil {
		telemetry.EndSpan(span, nil)
		return recorded, nil
	}

	degraded := apperr.PersistenceDegraded(degradedMessage(auditErr, ledgerErr), errors.Join(auditErr, ledgerErr))
	j.log.Error("Journal write degraded",
		logger.String("entry_id", recorded.ID),
		logger.String("operation", recorded.Operation),
		logger.String("result", string(recorded.Result)),
		logger.Error(degraded.Err))
	telemetry.EndSpan(span, degraded)
	return recorded, degraded
}

func degradedMessage(auditErr, ledgerErr error) string {
	switch {
	case auditErr != nil && ledgerErr != nil:
		return "audit log and ledger writes failed"
	case auditErr != nil:
		return "audit log write failed"
	default:
		return "ledger write failed"
	}
}

// appendAudit bounds the audit write by ctx even if storage blocks.
func (j *Journal) appendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	type result struct {
		entry audit.Entry
		err   error
	}
	done := make(chan result, 1)
	go func() {
		e, err := j.audit.Append(ctx, entry)
		done <- result{entry: e, err: err}
	}()

	select {
	case r := <-done:
		return r.entry, r.err
	case <-ctx.Done():
		return audit.Entry{}, ctx.Err()
	}
}

// Report lists entry ids present in only one of the two stores.
type Report struct {
	Since         time.Time `json:"since"`
	AuditChecked  int       `json:"auditChecked"`
	LedgerChecked int       `json:"ledgerChecked"`
	MissingLedger []string  `json:"missingFromLedger"`
	MissingAudit  []string  `json:"missingFromAudit"`
	Consistent    bool      `json:"consistent"`
}

// Reconcile compares audit entry ids with ledger payload ids for entries
// timestamped at or after since. It never repairs either store.
func (j *Journal) Reconcile(ctx context.Context, since time.Time) (Report, error) {
	_, span := telemetry.StartSpan(ctx, "journal.reconcile")

	auditIDs := make(map[string]struct{})
	for _, e := range j.audit.Since(since) {
		auditIDs[e.ID] = struct{}{}
	}

	ledgerIDs := make(map[string]struct{})
	for _, le := range j.chain.ReadRecent(0) {
		var e audit.Entry
		if err := json.Unmarshal(le.Payload, &e); err != nil || e.ID == "" {
			continue
		}
		if e.Timestamp.Before(since) {
			continue
		}
		ledgerIDs[e.ID] = struct{}{}
	}

	report := Report{
		Since:         since,
		AuditChecked:  len(auditIDs),
		LedgerChecked: len(ledgerIDs),
		MissingLedger: difference(auditIDs, ledgerIDs),
		MissingAudit:  difference(ledgerIDs, auditIDs),
	}
	report.Consistent = len(report.MissingLedger) == 0 && len(report.MissingAudit) == 0

	if !report.Consistent {
		j.log.Warn("Audit log and ledger diverge",
			logger.Int("missing_from_ledger", len(report.MissingLedger)),
			logger.Int("missing_from_audit", len(report.MissingAudit)))
	}
	span.SetAttributes(attribute.Bool("journal.consistent", report.Consistent))
	telemetry.EndSpan(span, nil)
	return report, nil
}

func difference(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RepairReport describes a ledger repair pass.
type RepairReport struct {
	Report
	Appended []string `json:"appended"`
}

// Repair appends audit entries that are missing from the ledger, oldest first.
// The chain only grows, so an intact chain stays intact. Entries missing from
// the audit log are reported but not restored.
func (j *Journal) Repair(ctx context.Context, since time.Time) (RepairReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "journal.repair")

	report, err := j.Reconcile(ctx, since)
	if err != nil {
		telemetry.EndSpan(span, err)
		return RepairReport{}, err
	}
	out := RepairReport{Report: report, Appended: make([]string, 0, len(report.MissingLedger))}
	if len(report.MissingLedger) == 0 {
		telemetry.EndSpan(span, nil)
		return out, nil
	}

	missing := make(map[string]struct{}, len(report.MissingLedger))
	for _, id := range report.MissingLedger {
		missing[id] = struct{}{}
	}
	for _, e := range j.audit.Since(since) {
		if _, ok := missing[e.ID]; !ok {
			continue
		}
		payload, err := json.Marshal(e)
		if err == nil {
			_, err = j.chain.Append(ctx, payload)
		}
		if err != nil {
			metrics.JournalWritesTotal.WithLabelValues("ledger", "error").Inc()
			j.log.Error("Ledger repair stopped",
				logger.String("entry_id", e.ID),
				logger.Int("appended", len(out.Appended)),
				logger.Error(err))
			degraded := apperr.PersistenceDegraded("ledger repair failed", err)
			telemetry.EndSpan(span, degraded)
			return out, degraded
		}
		metrics.JournalWritesTotal.WithLabelValues("ledger", "repaired").Inc()
		out.Appended = append(out.Appended, e.ID)
	}

	out.MissingLedger = difference(missing, idSet(out.Appended))
	out.Consistent = len(out.MissingLedger) == 0 && len(out.MissingAudit) == 0
	j.log.Info("Ledger repaired", logger.Int("appended", len(out.Appended)))
	telemetry.EndSpan(span, nil)
	return out, nil
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
