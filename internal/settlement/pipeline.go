// Package settlement pays contributors when their merged pull requests close
// bountied issues.
//
// A delivery moves through: repository registered? → linked issues →
// bounty exists and unpaid? → contributor resolved? → pool manager available? →
// distribute. Each linked issue is settled independently and ends as one
// audited SettlementAttempt with outcome paid, skipped or failed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/internal/notify"
	"github.com/bountyrelay/bountyrelay/internal/scm"
	"github.com/bountyrelay/bountyrelay/internal/store"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// SourceControl is the read-only view of the source-control platform.
type SourceControl interface {
	GetIssue(ctx context.Context, repo types.RegisteredRepository, number int) (*scm.Issue, error)
	GetPullRequest(ctx context.Context, repo types.RegisteredRepository, number int) (*scm.PullRequest, error)
	ListTimeline(ctx context.Context, repo types.RegisteredRepository, number int) ([]scm.TimelineEvent, error)
}

// Ledger is the part of ledger.Gateway the pipeline needs.
type Ledger interface {
	GetRepository(ctx context.Context, repoID int64) types.Repository
	GetIssueRewards(ctx context.Context, repoID int64, issueIDs []int64) []types.Amount
	DistributeReward(ctx context.Context, signerRef string, repoID, issueID int64, contributor types.Address) (*ledger.TxResult, error)
}

// Config holds configuration for the pipeline.
type Config struct {
	// RecordPayouts persists a payout marker per (repo, issue) and skips
	// issues that already carry one.
	RecordPayouts bool
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
}

// PullRequestEvent is a closed pull request delivery.
type PullRequestEvent struct {
	DeliveryID string
	RepoID     int64
	Number     int
	Merged     bool
	Body       string
	Author     string
}

// IssueClosedEvent is a closed issue delivery.
type IssueClosedEvent struct {
	DeliveryID string
	RepoID     int64
	Number     int
}

// Pipeline settles bounties for webhook deliveries.
type Pipeline struct {
	source SourceControl
	ledger Ledger
	store  store.Store
	config Config

	// locks serializes attempts on the same (repo, issue) inside this process.
	// An entry lives only while some attempt holds or waits for it.
	locksMu sync.Mutex
	locks   map[issueKey]*issueLock
}

type issueKey struct {
	repoID, issueID int64
}

type issueLock struct {
	mu   sync.Mutex
	refs int
}

func New(source SourceControl, l Ledger, st store.Store, config Config) *Pipeline {
	if config.Notifier == nil {
		config.Notifier = notify.Nop{}
	}
	return &Pipeline{
		source: source,
		ledger: l,
		store:  st,
		config: config,
		locks:  make(map[issueKey]*issueLock),
	}
}

// contributorFunc resolves the login to pay for one issue.
type contributorFunc func(ctx context.Context, repo types.RegisteredRepository, issueNumber int) (string, error)

// HandlePullRequest settles every bountied issue a merged pull request
// closes. The pull request author is paid.
func (p *Pipeline) HandlePullRequest(ctx context.Context, ev PullRequestEvent) []types.SettlementAttempt {
	if !ev.Merged {
		return nil
	}
	repo, ok := p.repository(ctx, ev.RepoID, ev.DeliveryID)
	if !ok {
		return nil
	}

	numbers := ExtractLinkedIssues(ev.Body)
	if len(numbers) == 0 {
		logging.Debug("merged pull request links no issues",
			logging.Component("settlement"),
			logging.DeliveryID(ev.DeliveryID),
			logging.RepoID(ev.RepoID),
			"pull_request", ev.Number)
		return nil
	}

	author := func(context.Context, types.RegisteredRepository, int) (string, error) {
		if ev.Author == "" {
			return "", errors.New("pull request has no author")
		}
		return ev.Author, nil
	}

	attempts := make([]types.SettlementAttempt, 0, len(numbers))
	for _, n := range numbers {
		attempts = append(attempts, p.settle(ctx, repo, ev.DeliveryID, n, author))
	}
	return attempts
}

// HandleIssueClosed settles a closed issue. The contributor is whoever
// merged the pull request that closed it, found on the issue timeline.
func (p *Pipeline) HandleIssueClosed(ctx context.Context, ev IssueClosedEvent) []types.SettlementAttempt {
	repo, ok := p.repository(ctx, ev.RepoID, ev.DeliveryID)
	if !ok {
		return nil
	}
	return []types.SettlementAttempt{p.settle(ctx, repo, ev.DeliveryID, ev.Number, p.closerFromTimeline)}
}

// SettleIssue re-runs settlement for one issue, for operator recovery. An
// empty contributor is resolved from the timeline.
func (p *Pipeline) SettleIssue(ctx context.Context, repoID int64, number int, contributor string) (types.SettlementAttempt, error) {
	repo, err := p.store.RepositoryByID(ctx, repoID)
	if errors.Is(err, store.ErrNotFound) {
		return types.SettlementAttempt{}, &types.ValidationError{Field: "repo_id", Reason: fmt.Sprintf("repository %d is not registered", repoID)}
	}
	if err != nil {
		return types.SettlementAttempt{}, fmt.Errorf("failed to load repository %d: %w", repoID, err)
	}
	if number <= 0 {
		return types.SettlementAttempt{}, &types.ValidationError{Field: "issue_number", Reason: "must be positive"}
	}

	resolve := p.closerFromTimeline
	if contributor != "" {
		resolve = func(context.Context, types.RegisteredRepository, int) (string, error) {
			return contributor, nil
		}
	}
	return p.settle(ctx, repo, "manual-"+uuid.NewString(), number, resolve), nil
}

// SettlePullRequest re-runs settlement for a merged pull request fetched
// from the platform, for operator recovery.
func (p *Pipeline) SettlePullRequest(ctx context.Context, repoID int64, number int) ([]types.SettlementAttempt, error) {
	repo, err := p.store.RepositoryByID(ctx, repoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &types.ValidationError{Field: "repo_id", Reason: fmt.Sprintf("repository %d is not registered", repoID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repository %d: %w", repoID, err)
	}

	pr, err := p.source.GetPullRequest(ctx, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to load pull request #%d: %w", number, err)
	}
	if !pr.Merged {
		return nil, &types.ValidationError{Field: "pull_request", Reason: fmt.Sprintf("#%d is not merged", number)}
	}
	return p.HandlePullRequest(ctx, PullRequestEvent{
		DeliveryID: "manual-" + uuid.NewString(),
		RepoID:     repoID,
		Number:     pr.Number,
		Merged:     true,
		Body:       pr.Body,
		Author:     pr.User.Login,
	}), nil
}

func (p *Pipeline) repository(ctx context.Context, repoID int64, deliveryID string) (types.RegisteredRepository, bool) {
	repo, err := p.store.RepositoryByID(ctx, repoID)
	if errors.Is(err, store.ErrNotFound) {
		logging.Debug("delivery for unregistered repository",
			logging.Component("settlement"), logging.DeliveryID(deliveryID), logging.RepoID(repoID))
		return repo, false
	}
	if err != nil {
		logging.Error("failed to look up repository",
			logging.Component("settlement"), logging.DeliveryID(deliveryID), logging.RepoID(repoID), logging.Err(err))
		return repo, false
	}
	return repo, true
}

func (p *Pipeline) closerFromTimeline(ctx context.Context, repo types.RegisteredRepository, number int) (string, error) {
	events, err := p.source.ListTimeline(ctx, repo, number)
	if err != nil {
		return "", err
	}
	login, ok := ResolveCloser(events)
	if !ok {
		return "", &types.AttributionError{RepoID: repo.ID, IssueNumber: number, Reason: "no merged pull request cross-references the issue"}
	}
	return login, nil
}

// lockIssue blocks until the caller owns (repoID, issueID) and returns the
// release func.
func (p *Pipeline) lockIssue(repoID, issueID int64) func() {
	key := issueKey{repoID, issueID}

	p.locksMu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &issueLock{}
		p.locks[key] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.locksMu.Unlock()
	}
}

// heldLocks reports how many (repo, issue) entries are live.
func (p *Pipeline) heldLocks() int {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	return len(p.locks)
}

// settle runs one issue through the state machine. Every exit is audited.
func (p *Pipeline) settle(ctx context.Context, repo types.RegisteredRepository, deliveryID string, number int, contributor contributorFunc) (attempt types.SettlementAttempt) {
	attempt = types.SettlementAttempt{
		ID:           uuid.NewString(),
		DeliveryID:   deliveryID,
		RepositoryID: repo.ID,
		IssueNumber:  number,
	}
	defer func() { p.finish(attempt) }()

	issue, err := p.source.GetIssue(ctx, repo, number)
	if errors.Is(err, scm.ErrNotFound) {
		return skipped(attempt, "issue not found")
	}
	if err != nil {
		return failed(attempt, fmt.Errorf("issue lookup: %w", err))
	}
	if issue.PullRequest != nil {
		return skipped(attempt, "linked number is a pull request")
	}
	attempt.IssueID = issue.ID

	defer p.lockIssue(repo.ID, issue.ID)()

	if p.config.RecordPayouts {
		payout, err := p.store.PayoutFor(ctx, repo.ID, issue.ID)
		if err == nil {
			attempt.TxHash = payout.TxHash
			return skipped(attempt, "payout already recorded")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return failed(attempt, fmt.Errorf("payout lookup: %w", err))
		}
	}

	rewards := p.ledger.GetIssueRewards(ctx, repo.ID, []int64{issue.ID})
	if len(rewards) == 0 || rewards[0].IsZero() {
		return skipped(attempt, "no bounty allocated")
	}
	attempt.Amount = rewards[0]

	// getIssueRewards keeps reporting the amount after payout; only the
	// repository view carries the status.
	onChain := p.ledger.GetRepository(ctx, repo.ID)
	if reward := onChain.Reward(issue.ID); reward.Status == types.RewardDistributed {
		return skipped(attempt, "reward already distributed")
	}

	login, err := contributor(ctx, repo, number)
	if err != nil {
		if types.IsAttribution(err) {
			return skipped(attempt, err.Error())
		}
		return failed(attempt, fmt.Errorf("contributor resolution: %w", err))
	}
	attempt.Contributor = login

	user, err := p.store.UserByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) || (err == nil && user.Wallet.Address.IsZero()) {
		return skipped(attempt, (&types.AttributionError{RepoID: repo.ID, IssueNumber: number, Reason: "contributor " + login + " has no wallet"}).Error())
	}
	if err != nil {
		return failed(attempt, fmt.Errorf("contributor lookup: %w", err))
	}
	attempt.ContributorAddress = user.Wallet.Address

	signer, ok, err := p.signer(ctx, repo.ID)
	if err != nil {
		return failed(attempt, fmt.Errorf("pool manager lookup: %w", err))
	}
	if !ok {
		logging.Warn("no pool manager can authorize payout; reward stays allocated",
			logging.Component("settlement"),
			logging.RepoID(repo.ID),
			logging.IssueID(issue.ID))
		return skipped(attempt, "no pool manager registered")
	}

	result, err := p.ledger.DistributeReward(ctx, signer.Wallet.SecretRef, repo.ID, issue.ID, user.Wallet.Address)
	if err != nil {
		var sub *types.SubmissionError
		if errors.As(err, &sub) {
			attempt.TxHash = sub.TxHash
		}
		return failed(attempt, err)
	}
	attempt.TxHash = result.TxHash
	attempt.Outcome = types.SettlementPaid

	if p.config.RecordPayouts {
		payout := types.Payout{
			RepoID:      repo.ID,
			IssueID:     issue.ID,
			Contributor: user.Wallet.Address,
			Amount:      attempt.Amount,
			TxHash:      result.TxHash,
			PaidAt:      time.Now().UTC(),
		}
		if err := p.store.RecordPayout(ctx, payout); err != nil {
			logging.Warn("failed to record payout marker",
				logging.Component("settlement"),
				logging.RepoID(repo.ID),
				logging.IssueID(issue.ID),
				logging.TxHash(result.TxHash),
				logging.Err(err))
		}
	}

	p.notifyPaid(ctx, attempt, signer.ID)
	return attempt
}

// signer returns the first pool manager with a usable wallet.
func (p *Pipeline) signer(ctx context.Context, repoID int64) (types.User, bool, error) {
	managers, err := p.store.PoolManagers(ctx, repoID)
	if err != nil {
		return types.User{}, false, err
	}
	for _, m := range managers {
		if m.Wallet.SecretRef != "" {
			return m, true, nil
		}
	}
	return types.User{}, false, nil
}

func (p *Pipeline) notifyPaid(ctx context.Context, attempt types.SettlementAttempt, actor string) {
	event := notify.NewEvent(notify.EventRewardPaid, attempt.RepositoryID)
	event.IssueID = attempt.IssueID
	event.Actor = actor
	event.Amount = attempt.Amount
	event.TxHash = attempt.TxHash

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.config.Notifier.Notify(ctx, event); err != nil {
		logging.Warn("crm notification failed",
			logging.Component("settlement"),
			logging.RepoID(attempt.RepositoryID),
			logging.Err(err))
	}
}

func (p *Pipeline) finish(attempt types.SettlementAttempt) {
	p.config.Metrics.SettlementOutcome(string(attempt.Outcome))
	logging.AuditSettlement(logging.SettlementRecord{
		AttemptID:          attempt.ID,
		DeliveryID:         attempt.DeliveryID,
		RepositoryID:       attempt.RepositoryID,
		IssueID:            attempt.IssueID,
		IssueNumber:        attempt.IssueNumber,
		Contributor:        attempt.Contributor,
		ContributorAddress: contributorAddress(attempt),
		Amount:             attempt.Amount.String(),
		Outcome:            string(attempt.Outcome),
		TxHash:             attempt.TxHash,
		FailureReason:      attempt.FailureReason,
	})
}

func contributorAddress(attempt types.SettlementAttempt) string {
	if attempt.ContributorAddress.IsZero() {
		return ""
	}
	return attempt.ContributorAddress.Hex()
}

func skipped(attempt types.SettlementAttempt, reason string) types.SettlementAttempt {
	attempt.Outcome = types.SettlementSkipped
	attempt.FailureReason = reason
	return attempt
}

func failed(attempt types.SettlementAttempt, err error) types.SettlementAttempt {
	attempt.Outcome = types.SettlementFailed
	attempt.FailureReason = err.Error()
	return attempt
}
