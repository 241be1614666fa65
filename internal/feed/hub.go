package feed

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
)

// Hub manages all active subscribers
type Hub struct {
	subscribers    map[string]*Subscriber // ID -> Subscriber
	patterns       map[string][]string    // Pattern -> []SubscriberID
	mu             sync.RWMutex
	log            logger.Logger
	bufferSize     int
	maxPerOperator int
	operatorCounts map[string]int
	clock          func() time.Time
	closed         bool
}

// NewHub creates a new feed hub
func NewHub(log logger.Logger, bufferSize, maxPerOperator int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		subscribers:    make(map[string]*Subscriber),
		patterns:       make(map[string][]string),
		log:            log.WithComponent("feed"),
		bufferSize:     bufferSize,
		maxPerOperator: maxPerOperator,
		operatorCounts: make(map[string]int),
		clock:          time.Now,
	}
}

// ValidatePattern checks that pattern is a topic, a single-level wildcard
// pattern, or a trailing ** prefix.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	if i := strings.Index(pattern, "**"); i >= 0 && i != len(pattern)-2 {
		return ErrInvalidPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return ErrInvalidPattern
	}
	return nil
}

// Subscribe adds a new subscriber for the given pattern
func (h *Hub) Subscribe(pattern, operatorID string) (*Subscriber, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	// Check per-operator limit
	if h.maxPerOperator > 0 && operatorID != "" {
		if h.operatorCounts[operatorID] >= h.maxPerOperator {
			h.log.Warn("Operator exceeded max subscriptions",
				logger.String("operator_id", operatorID),
				logger.Int("current", h.operatorCounts[operatorID]),
				logger.Int("max", h.maxPerOperator))
			return nil, ErrTooManySubscriptions
		}
	}

	sub := NewSubscriber(uuid.New().String(), pattern, operatorID, h.bufferSize)

	h.subscribers[sub.ID] = sub
	h.patterns[pattern] = append(h.patterns[pattern], sub.ID)
	if operatorID != "" {
		h.operatorCounts[operatorID]++
	}

	h.log.Info("Subscriber added",
		logger.String("id", sub.ID),
		logger.String("pattern", pattern),
		logger.String("operator_id", operatorID))
	metrics.FeedSubscribersActive.Inc()

	return sub, nil
}

// Unsubscribe removes a subscriber by ID
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, exists := h.subscribers[id]
	if !exists {
		return
	}

	ids := h.patterns[sub.Pattern]
	for i, sid := range ids {
		if sid == id {
			h.patterns[sub.Pattern] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(h.patterns[sub.Pattern]) == 0 {
		delete(h.patterns, sub.Pattern)
	}

	if sub.OperatorID != "" {
		h.operatorCounts[sub.OperatorID]--
		if h.operatorCounts[sub.OperatorID] == 0 {
			delete(h.operatorCounts, sub.OperatorID)
		}
	}

	close(sub.Events)
	delete(h.subscribers, id)
	metrics.FeedSubscribersActive.Dec()

	h.log.Info("Subscriber removed",
		logger.String("id", id),
		logger.String("pattern", sub.Pattern))
}

// Publish sends an event to all matching subscribers without blocking. Slow
// subscribers lose events.
func (h *Hub) Publish(topic string, data any) {
	event := Event{Topic: topic, Data: data, Timestamp: h.clock().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	notified := 0
	dropped := 0

	for pattern, ids := range h.patterns {
		if !matchesPattern(topic, pattern) {
			continue
		}
		for _, id := range ids {
			sub, exists := h.subscribers[id]
			if !exists {
				continue
			}
			select {
			case sub.Events <- event:
				notified++
			default:
				dropped++
				metrics.FeedEventsDropped.Inc()
				h.log.Warn("Subscriber channel full, dropping event",
					logger.String("subscriber_id", id),
					logger.String("topic", topic))
			}
		}
	}

	metrics.FeedEventsTotal.WithLabelValues(topic).Inc()
	if notified > 0 || dropped > 0 {
		h.log.Debug("Feed event published",
			logger.String("topic", topic),
			logger.Int("notified", notified),
			logger.Int("dropped", dropped))
	}
}

// matchesPattern checks if a topic matches a subscription pattern
func matchesPattern(topic, pattern string) bool {
	if topic == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if strings.HasSuffix(pattern, "**") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "**"))
	}
	matched, err := filepath.Match(pattern, topic)
	return err == nil && matched
}

// Count returns the number of active subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// CountByOperator returns the number of subscriptions held by an operator
func (h *Hub) CountByOperator(operatorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.operatorCounts[operatorID]
}

// Close closes all subscribers and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		close(sub.Events)
		delete(h.subscribers, id)
		metrics.FeedSubscribersActive.Dec()
	}
	h.patterns = make(map[string][]string)
	h.operatorCounts = make(map[string]int)
	h.closed = true

	h.log.Info("Feed closed")
}
