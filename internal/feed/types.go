package feed

import (
	"time"
)

// Topics published by the governance core.
const (
	TopicDecisionAllowed  = "decision.allowed"
	TopicDecisionBlocked  = "decision.blocked"
	TopicDecisionPending  = "decision.pending"
	TopicApprovalCreated  = "approval.created"
	TopicApprovalApproved = "approval.approved"
	TopicApprovalDenied   = "approval.denied"
	TopicApprovalExpired  = "approval.expired"
	TopicApprovalReleased = "approval.released"
	TopicAnomalyRecorded  = "anomaly.recorded"
	TopicAnomalyReviewed  = "anomaly.reviewed"
)

// Event is one message on the feed
type Event struct {
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber represents a single feed subscription
type Subscriber struct {
	ID         string
	Pattern    string // Topic or pattern (supports * and **)
	Events     chan Event
	CreatedAt  time.Time
	OperatorID string
}

// NewSubscriber creates a new subscriber with a buffered event channel
func NewSubscriber(id, pattern, operatorID string, bufferSize int) *Subscriber {
	return &Subscriber{
		ID:         id,
		Pattern:    pattern,
		Events:     make(chan Event, bufferSize),
		CreatedAt:  time.Now(),
		OperatorID: operatorID,
	}
}
