package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/governor"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/middleware"
	"github.com/neogan74/overseer/internal/policy"
)

// GovernanceHandler serves evaluation and the pause switch.
type GovernanceHandler struct {
	gov *governor.Governor
}

// NewGovernanceHandler creates a governance handler
func NewGovernanceHandler(gov *governor.Governor) *GovernanceHandler {
	return &GovernanceHandler{gov: gov}
}

// EvaluateResponse is the decision for one operation.
type EvaluateResponse struct {
	Decision   policy.Decision `json:"decision"`
	ApprovalID string          `json:"approvalId,omitempty"`
	EntryID    string          `json:"entryId,omitempty"`
	Degraded   *Notice         `json:"degraded,omitempty"`
}

// PauseResponse reports the pause switch after a toggle.
type PauseResponse struct {
	Paused   bool    `json:"paused"`
	Changed  bool    `json:"changed"`
	Degraded *Notice `json:"degraded,omitempty"`
}

// Evaluate decides one operation.
func (h *GovernanceHandler) Evaluate(c *fiber.Ctx) error {
	var op policy.Operation
	if err := c.BodyParser(&op); err != nil {
		return middleware.BadRequest(c, "invalid request body")
	}

	eval, err := h.gov.Evaluate(c.UserContext(), op)
	if err != nil {
		return err
	}
	if eval.AuditErr != nil {
		middleware.GetLogger(c).Warn("Decision returned with degraded audit",
			logger.String("operation", op.Name()),
			logger.Error(eval.AuditErr))
	}

	return c.JSON(EvaluateResponse{
		Decision:   eval.Decision,
		ApprovalID: eval.ApprovalID,
		EntryID:    eval.EntryID,
		Degraded:   noticeFor(eval.AuditErr),
	})
}

// Pause engages the pause switch.
func (h *GovernanceHandler) Pause(c *fiber.Ctx) error {
	changed, err := h.gov.Pause(c.UserContext(), middleware.Actor(c))
	if err != nil && !changed {
		return err
	}
	return c.JSON(PauseResponse{Paused: true, Changed: changed, Degraded: noticeFor(err)})
}

// Resume releases the pause switch.
func (h *GovernanceHandler) Resume(c *fiber.Ctx) error {
	changed, err := h.gov.Resume(c.UserContext(), middleware.Actor(c))
	if err != nil && !changed {
		return err
	}
	return c.JSON(PauseResponse{Paused: false, Changed: changed, Degraded: noticeFor(err)})
}

// Stats returns decision counters.
func (h *GovernanceHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.gov.Stats())
}

// Rules returns the active rule table.
func (h *GovernanceHandler) Rules(c *fiber.Ctx) error {
	return c.JSON(h.gov.Rules())
}
