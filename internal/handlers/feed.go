package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/feed"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/middleware"
)

const (
	feedPatternKey  = "feed_pattern"
	feedOperatorKey = "feed_operator"

	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// FeedHandler streams governance events over websocket.
type FeedHandler struct {
	hub *feed.Hub
	log logger.Logger
}

// NewFeedHandler creates a feed handler
func NewFeedHandler(hub *feed.Hub, log logger.Logger) *FeedHandler {
	return &FeedHandler{hub: hub, log: log.WithComponent("feed-ws")}
}

// Upgrade validates the ?topic= pattern and rejects plain HTTP requests. It
// runs before the websocket handshake, so the operator id from the auth
// middleware is copied into Locals for the stream.
func (h *FeedHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	pattern := c.Query("topic", "**")
	if err := feed.ValidatePattern(pattern); err != nil {
		return middleware.BadRequest(c, "invalid topic pattern")
	}

	c.Locals(feedPatternKey, pattern)
	c.Locals(feedOperatorKey, middleware.Actor(c))
	return c.Next()
}

// Stream subscribes the connection and writes events until either side
// closes.
func (h *FeedHandler) Stream(c *websocket.Conn) {
	pattern, _ := c.Locals(feedPatternKey).(string)
	operatorID, _ := c.Locals(feedOperatorKey).(string)

	sub, err := h.hub.Subscribe(pattern, operatorID)
	if err != nil {
		h.log.Warn("Feed subscription rejected",
			logger.String("operator_id", operatorID),
			logger.String("pattern", pattern),
			logger.Error(err))
		reason := "subscription failed"
		if errors.Is(err, feed.ErrTooManySubscriptions) {
			reason = "too many subscriptions"
		}
		_ = c.WriteJSON(fiber.Map{"error": "subscription_rejected", "message": reason})
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
		return
	}
	defer h.hub.Unsubscribe(sub.ID)

	h.log.Info("Feed connection established",
		logger.String("subscriber_id", sub.ID),
		logger.String("operator_id", operatorID),
		logger.String("pattern", pattern))

	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	// Reads only detect disconnects; clients send nothing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				h.log.Debug("Feed read ended", logger.Error(err))
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				h.log.Info("Feed subscription closed", logger.String("subscriber_id", sub.ID))
				return
			}
			if err := c.WriteJSON(event); err != nil {
				h.log.Debug("Failed to write feed event", logger.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Debug("Failed to send ping", logger.Error(err))
				return
			}
		case <-done:
			h.log.Info("Feed client disconnected", logger.String("subscriber_id", sub.ID))
			return
		}
	}
}
