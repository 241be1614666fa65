package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/approval"
	"github.com/neogan74/overseer/internal/governor"
	"github.com/neogan74/overseer/internal/middleware"
)

// ApprovalHandler lists and resolves approval gates. Resolution goes through
// the governor so its counters stay in step.
type ApprovalHandler struct {
	gov      *governor.Governor
	workflow *approval.Workflow
}

// NewApprovalHandler creates an approval handler
func NewApprovalHandler(gov *governor.Governor, workflow *approval.Workflow) *ApprovalHandler {
	return &ApprovalHandler{gov: gov, workflow: workflow}
}

// DenyRequest is the optional body of a deny call.
type DenyRequest struct {
	Reason string `json:"reason"`
}

// ResolutionResponse is the approval after a successful approve or deny.
type ResolutionResponse struct {
	Approval approval.Approval `json:"approval"`
	Degraded *Notice           `json:"degraded,omitempty"`
}

// List returns pending approvals. ?status= selects another status and
// ?status=all returns every approval.
func (h *ApprovalHandler) List(c *fiber.Ctx) error {
	status := approval.StatusPending
	switch q := c.Query("status"); q {
	case "":
	case "all":
		status = ""
	default:
		status = approval.Status(q)
		if !status.Valid() {
			return apperr.Validation(fmt.Sprintf("status must be one of [Pending Approved Denied Expired all], got %q", q))
		}
	}

	approvals := h.workflow.List(c.UserContext(), status)
	return c.JSON(fiber.Map{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

// Get returns one approval.
func (h *ApprovalHandler) Get(c *fiber.Ctx) error {
	a, err := h.workflow.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(a)
}

// Approve releases a pending operation.
func (h *ApprovalHandler) Approve(c *fiber.Ctx) error {
	res, err := h.gov.Approve(c.UserContext(), c.Params("id"), middleware.Actor(c))
	if err != nil {
		return err
	}
	return c.JSON(ResolutionResponse{Approval: res.Approval, Degraded: noticeFor(res.AuditErr)})
}

// Deny rejects a pending operation.
func (h *ApprovalHandler) Deny(c *fiber.Ctx) error {
	var req DenyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	res, err := h.gov.Deny(c.UserContext(), c.Params("id"), middleware.Actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(ResolutionResponse{Approval: res.Approval, Degraded: noticeFor(res.AuditErr)})
}
