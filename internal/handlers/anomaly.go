package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/anomaly"
	"github.com/neogan74/overseer/internal/feed"
	"github.com/neogan74/overseer/internal/middleware"
)

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(topic string, data any)
}

// AnomalyHandler lists and reviews anomaly events.
type AnomalyHandler struct {
	detector  *anomaly.Detector
	publisher Publisher
	clock     func() time.Time
}

// NewAnomalyHandler creates an anomaly handler. publisher may be nil.
func NewAnomalyHandler(detector *anomaly.Detector, publisher Publisher) *AnomalyHandler {
	return &AnomalyHandler{detector: detector, publisher: publisher, clock: time.Now}
}

// List returns events from the last ?hours= hours, oldest first.
func (h *AnomalyHandler) List(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", DefaultWindowHours, 1, MaxWindowHours)
	if err != nil {
		return err
	}
	since := h.clock().UTC().Add(-time.Duration(hours) * time.Hour)

	events := h.detector.Events(since)
	unreviewed := 0
	for _, e := range events {
		if !e.Reviewed() {
			unreviewed++
		}
	}
	return c.JSON(fiber.Map{
		"events":     events,
		"count":      len(events),
		"unreviewed": unreviewed,
		"hours":      hours,
	})
}

// Get returns one event.
func (h *AnomalyHandler) Get(c *fiber.Ctx) error {
	e, err := h.detector.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(e)
}

// Review marks an event reviewed by the calling operator.
func (h *AnomalyHandler) Review(c *fiber.Ctx) error {
	e, err := h.detector.MarkReviewed(c.UserContext(), c.Params("id"), middleware.Actor(c))
	if err != nil {
		return err
	}
	if h.publisher != nil {
		h.publisher.Publish(feed.TopicAnomalyReviewed, e)
	}
	return c.JSON(e)
}
