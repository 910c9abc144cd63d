package types

import (
	"time"
)

// RewardStatus is the lifecycle state of an issue bounty on the ledger.
type RewardStatus string

const (
	RewardUnset       RewardStatus = "unset"
	RewardAllocated   RewardStatus = "allocated"
	RewardDistributed RewardStatus = "distributed"
)

// ParseRewardStatus maps the contract's status string onto a RewardStatus.
// Unknown or empty values are treated as unset.
func ParseRewardStatus(s string) RewardStatus {
	switch RewardStatus(s) {
	case RewardAllocated, RewardDistributed:
		return RewardStatus(s)
	default:
		return RewardUnset
	}
}

// Repository is the ledger-resident view of a bountied repository.
type Repository struct {
	ID           int64         `json:"id"`            // source-control repository id
	PoolManagers []Address     `json:"pool_managers"` // ordered as stored on chain
	Contributors []Address     `json:"contributors"`
	PoolBalance  Amount        `json:"pool_balance"`
	Issues       []IssueReward `json:"issues"`
}

// Reward returns the bounty recorded for issueID, or an unset entry.
func (r *Repository) Reward(issueID int64) IssueReward {
	for _, issue := range r.Issues {
		if issue.IssueID == issueID {
			return issue
		}
	}
	return IssueReward{IssueID: issueID, Status: RewardUnset}
}

// IssueReward is one bounty entry. A non-zero Amount is immutable.
type IssueReward struct {
	IssueID int64        `json:"issue_id"` // platform-native issue id, not the issue number
	Amount  Amount       `json:"amount"`
	Status  RewardStatus `json:"status"`
}

// HasBounty reports whether the entry carries a payable amount.
func (r IssueReward) HasBounty() bool {
	return !r.Amount.IsZero() && r.Status != RewardDistributed
}

// Wallet binds an application user to a chain address. SecretRef is an
// opaque handle resolved by the secret collaborator at signing time.
type Wallet struct {
	OwnerID   string  `json:"owner_id"`
	Address   Address `json:"address"`
	SecretRef string  `json:"-"`
}

// User is an application user known to the persistence layer.
type User struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"` // source-control login
	Wallet    Wallet    `json:"wallet"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisteredRepository is a repository the service settles bounties for.
type RegisteredRepository struct {
	ID             int64     `json:"id"`
	Owner          string    `json:"owner"`
	Name           string    `json:"name"`
	InstallationID int64     `json:"installation_id"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// FullName returns "owner/name".
func (r RegisteredRepository) FullName() string {
	return r.Owner + "/" + r.Name
}

// PoolManager is a user authorized to fund and allocate for one repository.
type PoolManager struct {
	RepoID int64  `json:"repo_id"`
	UserID string `json:"user_id"`
}

// SettlementOutcome is the terminal state of one SettlementAttempt.
type SettlementOutcome string

const (
	SettlementPaid    SettlementOutcome = "paid"
	SettlementSkipped SettlementOutcome = "skipped"
	SettlementFailed  SettlementOutcome = "failed"
)

// SettlementAttempt is the audit unit for one linked issue of one webhook
// delivery. It is logged, never stored.
type SettlementAttempt struct {
	ID                 string            `json:"id"`
	DeliveryID         string            `json:"delivery_id,omitempty"`
	RepositoryID       int64             `json:"repository_id"`
	IssueNumber        int               `json:"issue_number"`
	IssueID            int64             `json:"issue_id,omitempty"`
	Contributor        string            `json:"contributor,omitempty"`
	ContributorAddress Address           `json:"contributor_address"`
	Amount             Amount            `json:"amount"`
	Outcome            SettlementOutcome `json:"outcome"`
	TxHash             string            `json:"tx_hash,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
}

// Payout records a successful distribution for (RepoID, IssueID).
type Payout struct {
	RepoID      int64     `json:"repo_id"`
	IssueID     int64     `json:"issue_id"`
	Contributor Address   `json:"contributor"`
	Amount      Amount    `json:"amount"`
	TxHash      string    `json:"tx_hash"`
	PaidAt      time.Time `json:"paid_at"`
}
