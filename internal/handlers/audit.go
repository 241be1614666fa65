package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/audit"
)

// AuditHandler serves the query-side audit log.
type AuditHandler struct {
	log *audit.Log
}

// NewAuditHandler creates an audit handler
func NewAuditHandler(log *audit.Log) *AuditHandler {
	return &AuditHandler{log: log}
}

// Query returns entries newest first, filtered by ?since=, ?until= and ?result=.
func (h *AuditHandler) Query(c *fiber.Ctx) error {
	since, err := queryTime(c, "since")
	if err != nil {
		return err
	}
	until, err := queryTime(c, "until")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", DefaultListLimit, 1, MaxListLimit)
	if err != nil {
		return err
	}

	result := audit.Result(c.Query("result"))
	if result != "" && !result.Valid() {
		return apperr.Validation(fmt.Sprintf("result must be one of [Allowed Blocked Approved Denied], got %q", result))
	}

	entries := h.log.Query(audit.Filter{
		Since:  since,
		Until:  until,
		Result: result,
		Limit:  limit,
	})
	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}
