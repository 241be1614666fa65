package feed

import (
	"strings"

	"github.com/neogan74/overseer/internal/approval"
	"github.com/neogan74/overseer/internal/audit"
)

// DecisionTopic maps a journaled entry to its feed topic. Entries that park an
// operation for approval are published as pending.
func DecisionTopic(e audit.Entry) string {
	switch {
	case e.Result == audit.ResultAllowed:
		return TopicDecisionAllowed
	case e.Result == audit.ResultBlocked && e.ApprovalID != "":
		return TopicDecisionPending
	default:
		return "decision." + strings.ToLower(string(e.Result))
	}
}

// ApprovalTopics returns the topics for an approval transition. An approved
// operation is also released.
func ApprovalTopics(a approval.Approval) []string {
	switch a.Status {
	case approval.StatusPending:
		return []string{TopicApprovalCreated}
	case approval.StatusApproved:
		return []string{TopicApprovalApproved, TopicApprovalReleased}
	case approval.StatusDenied:
		return []string{TopicApprovalDenied}
	case approval.StatusExpired:
		return []string{TopicApprovalExpired}
	}
	return nil
}
