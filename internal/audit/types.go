package audit

import (
	"time"
)

// Result is the outcome recorded for an audit entry.
type Result string

const (
	ResultAllowed  Result = "Allowed"
	ResultBlocked  Result = "Blocked"
	ResultApproved Result = "Approved"
	ResultDenied   Result = "Denied"
)

// ReasonApprovalExpired is the reason journaled when an approval lapses.
// Expiry is recorded as Denied but is not a human decision.
const ReasonApprovalExpired = "approval expired"

// Valid reports whether r is one of the four recorded outcomes.
func (r Result) Valid() bool {
	switch r {
	case ResultAllowed, ResultBlocked, ResultApproved, ResultDenied:
		return true
	}
	return false
}

// Entry is one row of the query-side audit log. The same entry, encoded as
// JSON, is the payload of the matching ledger entry.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Result     Result    `json:"result"`
	Operation  string    `json:"operation"`
	Category   string    `json:"category"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason,omitempty"`
	ApprovalID string    `json:"approvalId,omitempty"`
}

// Subject is the identity trust scoring attributes the entry to.
func (e Entry) Subject() string {
	if e.AgentID != "" {
		return e.AgentID
	}
	return e.Source
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Since  time.Time
	Until  time.Time
	Result Result
	Limit  int
}

func (f Filter) matches(e Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	return true
}
