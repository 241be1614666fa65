// Package anomaly records abnormal governance events and classifies the
// decision stream into them.
package anomaly

import (
	"time"
)

// Severity grades an anomaly. Ordering is Low < Medium < High < Critical.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Rank returns the ordinal of s, or 0 for an unknown severity.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank() && s.Rank() > 0
}

// Types raised by the monitor.
const (
	TypeBlockedBurst               = "blocked_burst"
	TypeVolumeSpike                = "volume_spike"
	TypeDeniedAfterApprovalRequest = "denied_after_approval_request"
)

// Event is a classified abnormal occurrence.
type Event struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           string         `json:"type" validate:"required"`
	Severity       Severity       `json:"severity" validate:"required,oneof=Low Medium High Critical"`
	Source         string         `json:"source" validate:"required"`
	AgentID        string         `json:"agentId,omitempty"`
	Description    string         `json:"description"`
	ActionTaken    string         `json:"actionTaken,omitempty"`
	RequiresReview bool           `json:"requiresReview"`
	ReviewedAt     *time.Time     `json:"reviewedAt,omitempty"`
	ReviewedBy     string         `json:"reviewedBy,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Reviewed reports whether the event has been reviewed.
func (e Event) Reviewed() bool {
	return e.ReviewedAt != nil
}
