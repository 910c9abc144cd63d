// Package bounty is the pool-manager facing side of the service: funding a
// repository's reward pool, allocating rewards to issues, registering users
// and managers, and outbound transfers. Every write goes through the daily
// limiters and the gas ensurer before it reaches the ledger.
package bounty

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/notify"
	"github.com/bountyrelay/bountyrelay/internal/ratelimit"
	"github.com/bountyrelay/bountyrelay/internal/store"
	"github.com/bountyrelay/bountyrelay/internal/util"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// ErrAlreadyAllocated is returned when an issue already carries a non-zero
// reward. Rewards are set once and never changed.
var ErrAlreadyAllocated = errors.New("issue reward already allocated")

// notifyTimeout bounds one CRM delivery.
const notifyTimeout = 10 * time.Second

// GasPreparer makes sure a wallet can pay for its next transaction.
type GasPreparer interface {
	Prepare(ctx context.Context, wallet types.Address, pendingTransfer types.Amount) error
}

// Relayer submits a call on a user's behalf through the forwarder.
type Relayer interface {
	Submit(ctx context.Context, userRef string, target types.Address, callData []byte, gasBudget uint64) (*ledger.TxResult, error)
}

// Deps are the collaborators of a Service. Relay and Notifier are optional.
type Deps struct {
	Ledger   ledger.Gateway
	Store    store.Store
	Funding  *ratelimit.Limiter
	Transfer *ratelimit.Limiter
	Gas      GasPreparer
	Relay    Relayer
	Notifier notify.Notifier
}

// Service runs bounty operations for authenticated application users.
type Service struct {
	ledger   ledger.Gateway
	store    store.Store
	funding  *ratelimit.Limiter
	transfer *ratelimit.Limiter
	gas      GasPreparer
	relay    Relayer
	notifier notify.Notifier

	pending util.Tracker
}

func NewService(d Deps) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &Service{
		ledger:   d.Ledger,
		store:    d.Store,
		funding:  d.Funding,
		transfer: d.Transfer,
		gas:      d.Gas,
		relay:    d.Relay,
		notifier: d.Notifier,
	}
}

// AllocateRequest assigns Amount to one issue of a repository.
type AllocateRequest struct {
	RepoID  int64
	IssueID int64 // platform-native issue id
	Amount  types.Amount
	UserID  string
}

// Allocate sets the reward of an issue. The caller must be a pool manager of
// the repository and the issue must not already carry a reward; the
// contract enforces the same rule, so a lost race surfaces as a revert.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*ledger.TxResult, error) {
	if req.IssueID <= 0 {
		return nil, &types.ValidationError{Field: "issue_id", Reason: "must be positive"}
	}
	if req.Amount.IsZero() {
		return nil, &types.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if _, err := s.registeredRepository(ctx, req.RepoID); err != nil {
		return nil, err
	}
	manager, err := s.poolManager(ctx, req.RepoID, req.UserID)
	if err != nil {
		return nil, err
	}

	existing := s.ledger.GetIssueRewards(ctx, req.RepoID, []int64{req.IssueID})
	if len(existing) == 1 && !existing[0].IsZero() {
		return nil, fmt.Errorf("%w: repo %d issue %d holds %s", ErrAlreadyAllocated, req.RepoID, req.IssueID, existing[0])
	}

	if err := s.gas.Prepare(ctx, manager.Wallet.Address, types.Amount{}); err != nil {
		return nil, err
	}

	result, err := s.ledger.AllocateIssueReward(ctx, manager.Wallet.SecretRef, req.RepoID, req.IssueID, req.Amount)
	target := fmt.Sprintf("repo:%d/issue:%d", req.RepoID, req.IssueID)
	if err != nil {
		auditFailure("reward_allocated", req.UserID, target, err)
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		Operation: "reward_allocated",
		Actor:     req.UserID,
		Target:    target,
		Result:    "success",
		TxHash:    result.TxHash,
		Details:   "amount=" + req.Amount.String(),
	})

	event := notify.NewEvent(notify.EventRewardAllocated, req.RepoID)
	event.IssueID = req.IssueID
	event.Actor = req.UserID
	event.Amount = req.Amount
	event.TxHash = result.TxHash
	s.notify(event)

	return result, nil
}

// FundRequest pays Amount of native currency into a repository's pool.
type FundRequest struct {
	RepoID int64
	Amount types.Amount
	UserID string
}

// Fund adds to a repository's reward pool within the repository's daily
// funding cap. Quota is reserved before submission and returned if the
// transaction never lands.
func (s *Service) Fund(ctx context.Context, req FundRequest) (*ledger.TxResult, error) {
	if req.Amount.IsZero() {
		return nil, &types.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if _, err := s.registeredRepository(ctx, req.RepoID); err != nil {
		return nil, err
	}
	manager, err := s.poolManager(ctx, req.RepoID, req.UserID)
	if err != nil {
		return nil, err
	}

	release, _, err := s.funding.Reserve(ctx, ratelimit.RepoSubject(req.RepoID), req.Amount)
	if err != nil {
		return nil, err
	}

	result, err := s.submit(ctx, release, manager.Wallet.Address, req.Amount, func() (*ledger.TxResult, error) {
		return s.ledger.AddFundToRepository(ctx, manager.Wallet.SecretRef, req.RepoID, req.Amount)
	})
	target := fmt.Sprintf("repo:%d", req.RepoID)
	if err != nil {
		auditFailure("repository_funded", req.UserID, target, err)
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		Operation: "repository_funded",
		Actor:     req.UserID,
		Target:    target,
		Result:    "success",
		TxHash:    result.TxHash,
		Details:   "amount=" + req.Amount.String(),
	})

	event := notify.NewEvent(notify.EventRepositoryFunded, req.RepoID)
	event.Actor = req.UserID
	event.Amount = req.Amount
	event.TxHash = result.TxHash
	s.notify(event)

	return result, nil
}

// TransferRequest sends native currency from a user's wallet.
type TransferRequest struct {
	UserID string
	To     types.Address
	Amount types.Amount
}

// Transfer sends funds out of the user's wallet within the user's daily
// transfer cap.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*ledger.TxResult, error) {
	if req.Amount.IsZero() {
		return nil, &types.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if req.To.IsZero() {
		return nil, &types.ValidationError{Field: "to", Reason: "must not be the zero address"}
	}
	user, err := s.userWithWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	release, _, err := s.transfer.Reserve(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, err
	}

	result, err := s.submit(ctx, release, user.Wallet.Address, req.Amount, func() (*ledger.TxResult, error) {
		return s.ledger.SendNativeTransfer(ctx, user.Wallet.SecretRef, req.To, req.Amount)
	})
	if err != nil {
		auditFailure("transfer", req.UserID, req.To.Hex(), err)
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		Operation: "transfer",
		Actor:     req.UserID,
		Target:    req.To.Hex(),
		Result:    "success",
		TxHash:    result.TxHash,
		Details:   "amount=" + req.Amount.String(),
	})
	return result, nil
}

// submit prepares gas for wallet and runs send, returning reserved quota when
// the transaction did not go through. A transaction that was broadcast but
// not confirmed keeps its quota since it may still land.
func (s *Service) submit(ctx context.Context, release ratelimit.Release, wallet types.Address, value types.Amount, send func() (*ledger.TxResult, error)) (*ledger.TxResult, error) {
	if err := s.gas.Prepare(ctx, wallet, value); err != nil {
		_ = release(context.WithoutCancel(ctx))
		return nil, err
	}
	result, err := send()
	if err != nil {
		if !mayHaveLanded(err) {
			_ = release(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	return result, nil
}

func mayHaveLanded(err error) bool {
	var sub *types.SubmissionError
	return errors.As(err, &sub) && sub.Sent && !sub.Reverted
}

// RegisterUser records user and registers the wallet on the ledger. When a
// relay is configured the user signs and the relayer pays; otherwise the
// user's wallet sends the transaction itself.
func (s *Service) RegisterUser(ctx context.Context, user types.User) (*ledger.TxResult, error) {
	if user.ID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if user.Login == "" {
		return nil, &types.ValidationError{Field: "login", Reason: "must not be empty"}
	}
	if user.Wallet.Address.IsZero() || user.Wallet.SecretRef == "" {
		return nil, &types.ValidationError{Field: "wallet", Reason: "address and secret reference are required"}
	}

	var (
		result *ledger.TxResult
		err    error
	)
	if s.relay != nil {
		var data []byte
		data, err = ledger.PackBountyCall("registerUser", user.Wallet.Address.Common(), user.ID, user.Login)
		if err != nil {
			return nil, err
		}
		result, err = s.relay.Submit(ctx, user.Wallet.SecretRef, s.ledger.BountyAddress(), data, 0)
	} else {
		if err = s.gas.Prepare(ctx, user.Wallet.Address, types.Amount{}); err != nil {
			return nil, err
		}
		result, err = s.ledger.RegisterUser(ctx, user.Wallet.SecretRef, user.Wallet.Address, user.ID, user.Login)
	}
	if err != nil {
		auditFailure("user_registered", user.ID, user.Wallet.Address.Hex(), err)
		return nil, err
	}

	if err := s.store.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("user %s registered on ledger in %s but not stored: %w", user.ID, result.TxHash, err)
	}

	logging.Audit(logging.AuditEvent{
		Operation: "user_registered",
		Actor:     user.ID,
		Target:    user.Wallet.Address.Hex(),
		Result:    "success",
		TxHash:    result.TxHash,
	})
	return result, nil
}

// RelayRequest is a contract call the user authorizes and the relayer pays
// for. A zero Target means the bounty contract.
type RelayRequest struct {
	UserID    string
	Target    types.Address
	CallData  []byte
	GasBudget uint64
}

// Relayed submits a user-signed call through the forwarder.
func (s *Service) Relayed(ctx context.Context, req RelayRequest) (*ledger.TxResult, error) {
	if s.relay == nil {
		return nil, &types.ValidationError{Reason: "relayed calls are not enabled"}
	}
	if len(req.CallData) < 4 {
		return nil, &types.ValidationError{Field: "call_data", Reason: "must include a method selector"}
	}
	user, err := s.userWithWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	target := req.Target
	if target.IsZero() {
		target = s.ledger.BountyAddress()
	}

	result, err := s.relay.Submit(ctx, user.Wallet.SecretRef, target, req.CallData, req.GasBudget)
	if err != nil {
		auditFailure("relayed_call", req.UserID, target.Hex(), err)
		return nil, err
	}
	logging.Audit(logging.AuditEvent{
		Operation: "relayed_call",
		Actor:     req.UserID,
		Target:    target.Hex(),
		Result:    "success",
		TxHash:    result.TxHash,
		Details:   fmt.Sprintf("selector=%x", req.CallData[:4]),
	})
	return result, nil
}

// AddPoolManagerRequest grants ManagerID the pool-manager role on RepoID.
type AddPoolManagerRequest struct {
	RepoID    int64
	ActorID   string
	ManagerID string
	GitHubID  int64
}

// AddPoolManager adds a manager to a repository. The first manager of a
// repository may only add themselves; afterwards only existing managers may
// add others.
func (s *Service) AddPoolManager(ctx context.Context, req AddPoolManagerRequest) (*ledger.TxResult, error) {
	if _, err := s.registeredRepository(ctx, req.RepoID); err != nil {
		return nil, err
	}
	actor, err := s.userWithWallet(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}

	managers, err := s.store.PoolManagers(ctx, req.RepoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool managers of %d: %w", req.RepoID, err)
	}
	if len(managers) == 0 && req.ManagerID != req.ActorID {
		return nil, &types.AuthorizationError{Actor: req.ActorID, Reason: "the first pool manager must add themselves"}
	}
	if len(managers) > 0 {
		if _, err := s.poolManager(ctx, req.RepoID, req.ActorID); err != nil {
			return nil, err
		}
	}

	manager := actor
	if req.ManagerID != req.ActorID {
		if manager, err = s.userWithWallet(ctx, req.ManagerID); err != nil {
			return nil, err
		}
	}

	if err := s.gas.Prepare(ctx, actor.Wallet.Address, types.Amount{}); err != nil {
		return nil, err
	}
	result, err := s.ledger.AddPoolManager(ctx, actor.Wallet.SecretRef, req.RepoID, manager.Wallet.Address, manager.ID, req.GitHubID)
	target := fmt.Sprintf("repo:%d/manager:%s", req.RepoID, manager.ID)
	if err != nil {
		auditFailure("pool_manager_added", req.ActorID, target, err)
		return nil, err
	}
	if err := s.store.AddPoolManager(ctx, req.RepoID, manager.ID); err != nil {
		return nil, fmt.Errorf("pool manager added on ledger in %s but not stored: %w", result.TxHash, err)
	}

	logging.Audit(logging.AuditEvent{
		Operation: "pool_manager_added",
		Actor:     req.ActorID,
		Target:    target,
		Result:    "success",
		TxHash:    result.TxHash,
	})
	return result, nil
}

// Repository returns the ledger view of a repository. Unreachable nodes
// yield an empty view.
func (s *Service) Repository(ctx context.Context, repoID int64) types.Repository {
	return s.ledger.GetRepository(ctx, repoID)
}

// IssueRewards returns one amount per issue id, zero where none is set.
func (s *Service) IssueRewards(ctx context.Context, repoID int64, issueIDs []int64) []types.Amount {
	return s.ledger.GetIssueRewards(ctx, repoID, issueIDs)
}

// FundingStatus reports today's funding usage of a repository.
func (s *Service) FundingStatus(ctx context.Context, repoID int64) (ratelimit.Status, error) {
	return s.funding.Status(ctx, ratelimit.RepoSubject(repoID))
}

// TransferStatus reports today's transfer usage of a user.
func (s *Service) TransferStatus(ctx context.Context, userID string) (ratelimit.Status, error) {
	return s.transfer.Status(ctx, userID)
}

// Drain waits for in-flight notifications until ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	return s.pending.Wait(ctx)
}

func (s *Service) notify(event notify.Event) {
	s.pending.Go("crm-notify", func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, event); err != nil {
			logging.Warn("crm notification failed",
				logging.Component("bounty"),
				"event", event.Type,
				logging.RepoID(event.RepoID),
				logging.Err(err))
		}
	})
}

func (s *Service) registeredRepository(ctx context.Context, repoID int64) (types.RegisteredRepository, error) {
	repo, err := s.store.RepositoryByID(ctx, repoID)
	if errors.Is(err, store.ErrNotFound) {
		return repo, &types.ValidationError{Field: "repo_id", Reason: "repository " + strconv.FormatInt(repoID, 10) + " is not registered"}
	}
	if err != nil {
		return repo, fmt.Errorf("failed to load repository %d: %w", repoID, err)
	}
	return repo, nil
}

func (s *Service) userWithWallet(ctx context.Context, userID string) (types.User, error) {
	if userID == "" {
		return types.User{}, &types.AuthorizationError{Actor: "anonymous", Reason: "no user id"}
	}
	user, err := s.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return user, &types.AuthorizationError{Actor: userID, Reason: "unknown user"}
	}
	if err != nil {
		return user, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user.Wallet.Address.IsZero() || user.Wallet.SecretRef == "" {
		return user, &types.AuthorizationError{Actor: userID, Reason: "no wallet on record"}
	}
	return user, nil
}

func (s *Service) poolManager(ctx context.Context, repoID int64, userID string) (types.User, error) {
	user, err := s.userWithWallet(ctx, userID)
	if err != nil {
		return user, err
	}
	ok, err := s.store.IsPoolManager(ctx, repoID, userID)
	if err != nil {
		return user, fmt.Errorf("failed to check pool manager role: %w", err)
	}
	if !ok {
		return user, &types.AuthorizationError{Actor: userID, Reason: fmt.Sprintf("not a pool manager of repository %d", repoID)}
	}
	return user, nil
}

func auditFailure(operation, actor, target string, err error) {
	event := logging.AuditEvent{
		Operation: operation,
		Actor:     actor,
		Target:    target,
		Result:    "failure",
		Details:   err.Error(),
	}
	var sub *types.SubmissionError
	if errors.As(err, &sub) {
		event.TxHash = sub.TxHash
	}
	logging.Audit(event)
}
