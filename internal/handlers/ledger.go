package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/journal"
	"github.com/neogan74/overseer/internal/ledger"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/middleware"
)

// LedgerHandler serves the hash-chained ledger.
type LedgerHandler struct {
	ledger  *ledger.Ledger
	journal *journal.Journal
}

// NewLedgerHandler creates a ledger handler
func NewLedgerHandler(l *ledger.Ledger, j *journal.Journal) *LedgerHandler {
	return &LedgerHandler{ledger: l, journal: j}
}

// Recent returns the newest entries, oldest first.
func (h *LedgerHandler) Recent(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", DefaultListLimit, 1, MaxListLimit)
	if err != nil {
		return err
	}
	entries := h.ledger.ReadRecent(limit)
	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}

// Verify walks the whole chain. A broken chain is a chain_integrity error.
func (h *LedgerHandler) Verify(c *fiber.Ctx) error {
	v, err := h.ledger.Verify(c.UserContext())
	if err != nil {
		return err
	}
	if err := v.Err(); err != nil {
		middleware.GetLogger(c).Error("Ledger chain integrity failure",
			logger.Int("checked", v.Checked),
			logger.String("reason", v.Reason))
		return err
	}
	return c.JSON(v)
}

// Stats returns chain size and head.
func (h *LedgerHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.ledger.Stats())
}

// Reconcile compares audit and ledger ids over the last ?hours= hours.
func (h *LedgerHandler) Reconcile(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", DefaultWindowHours, 1, MaxWindowHours)
	if err != nil {
		return err
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	report, err := h.journal.Reconcile(c.UserContext(), since)
	if err != nil {
		return err
	}
	if !report.Consistent {
		middleware.GetLogger(c).Warn("Audit and ledger diverge",
			logger.Int("missing_from_ledger", len(report.MissingLedger)),
			logger.Int("missing_from_audit", len(report.MissingAudit)))
	}
	return c.JSON(report)
}

// Repair appends audit-only entries from the last ?hours= hours to the ledger.
// A broken chain is never extended.
func (h *LedgerHandler) Repair(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", DefaultWindowHours, 1, MaxWindowHours)
	if err != nil {
		return err
	}
	v, err := h.ledger.Verify(c.UserContext())
	if err != nil {
		return err
	}
	if err := v.Err(); err != nil {
		return err
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	report, err := h.journal.Repair(c.UserContext(), since)
	if err != nil {
		return err
	}
	middleware.GetLogger(c).Info("Ledger repair requested",
		logger.String("actor", middleware.Actor(c)),
		logger.Int("appended", len(report.Appended)))
	return c.JSON(report)
}
