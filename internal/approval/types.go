// Package approval manages time-boxed human approval gates.
//
// An approval moves Pending -> Approved | Denied | Expired exactly once.
// Expiry is lazy: an approval past its deadline becomes Expired the first time
// any call observes it.
package approval

import (
	"time"

	"github.com/neogan74/overseer/internal/policy"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusDenied   Status = "Denied"
	StatusExpired  Status = "Expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Approval is a pending or resolved human gate for one operation.
type Approval struct {
	ID             string           `json:"id"`
	Operation      policy.Operation `json:"operation"`
	Reason         string           `json:"reason"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	Status         Status           `json:"status"`
	ResolvedBy     string           `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
	ResolutionNote string           `json:"resolutionNote,omitempty"`
}

// Resolution is the outcome of a successful Approve or Deny. AuditErr is set
// when the transition was applied but journaling it degraded.
type Resolution struct {
	Approval Approval
	AuditErr error
}
