package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/middleware"
	"github.com/neogan74/overseer/internal/trust"
)

// InsightsHandler serves trust scores, guardrail suggestions and operator
// fingerprints.
type InsightsHandler struct {
	analyzer *trust.Analyzer
}

// NewInsightsHandler creates an insights handler
func NewInsightsHandler(analyzer *trust.Analyzer) *InsightsHandler {
	return &InsightsHandler{analyzer: analyzer}
}

func (h *InsightsHandler) Trust(c *fiber.Ctx) error {
	scores, err := h.analyzer.TrustScores(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"scores": scores,
		"count":  len(scores),
	})
}

func (h *InsightsHandler) Guardrails(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", DefaultWindowHours, 1, MaxWindowHours)
	if err != nil {
		return err
	}
	suggestions, err := h.analyzer.Guardrails(c.UserContext(), hours)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"suggestions": suggestions,
		"count":       len(suggestions),
		"hours":       hours,
	})
}

// Fingerprint profiles ?operator=, defaulting to the caller.
func (h *InsightsHandler) Fingerprint(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", DefaultFingerprintHours, 1, MaxFingerprintHours)
	if err != nil {
		return err
	}
	operator := c.Query("operator")
	if operator == "" {
		operator = middleware.Actor(c)
	}

	fp, err := h.analyzer.Fingerprint(c.UserContext(), operator, hours)
	if err != nil {
		return err
	}
	return c.JSON(fp)
}
