package logging

// AuditEvent represents a money-moving or privilege-changing operation.
type AuditEvent struct {
	Operation string // e.g. "reward_allocated", "repository_funded", "gas_subsidized"
	Actor     string // user id or wallet address that initiated the action
	Target    string // repository/issue or destination wallet
	Result    string // "success", "failure" or "skipped"
	TxHash    string
	Details   string
}

// Audit logs an operation at Info level with an "audit" marker so that audit
// records can be filtered out of the regular application stream.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"tx_hash", event.TxHash,
		"details", event.Details,
	)
}

// SettlementRecord is the audit view of one settlement attempt.
type SettlementRecord struct {
	AttemptID          string
	DeliveryID         string
	RepositoryID       int64
	IssueID            int64
	IssueNumber        int
	Contributor        string
	ContributorAddress string
	Amount             string
	Outcome            string // "paid", "skipped" or "failed"
	TxHash             string
	FailureReason      string
}

// AuditSettlement records the outcome of a settlement attempt.
func AuditSettlement(r SettlementRecord) {
	Logger().Info("audit",
		"audit", true,
		"operation", "settlement",
		"attempt_id", r.AttemptID,
		"delivery_id", r.DeliveryID,
		"repo_id", r.RepositoryID,
		"issue_id", r.IssueID,
		"issue_number", r.IssueNumber,
		"contributor", r.Contributor,
		"contributor_address", r.ContributorAddress,
		"amount", r.Amount,
		"result", r.Outcome,
		"tx_hash", r.TxHash,
		"reason", r.FailureReason,
	)
}
