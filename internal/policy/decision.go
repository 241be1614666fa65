package policy

// Result is the outcome of an evaluation.
type Result string

const (
	ResultAllowed         Result = "Allowed"
	ResultBlocked         Result = "Blocked"
	ResultPendingApproval Result = "PendingApproval"
)

// Decision is the verdict for one Operation.
type Decision struct {
	Result Result `json:"result"`
	Reason string `json:"reason"`
}
