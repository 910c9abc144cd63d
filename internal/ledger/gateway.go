package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// KeySource resolves a secret reference to a private key for the duration of
// fn. Implementations must not retain the key after fn returns.
type KeySource interface {
	WithKey(ctx context.Context, ref string, fn func(*ecdsa.PrivateKey) error) error
}

// ForwardRequest is an ERC-2771 forward request. Field names match the
// forwarder's tuple components so the struct packs directly.
type ForwardRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Gas   *big.Int
	Nonce *big.Int
	Data  []byte
}

// Gateway is the typed surface of the bounty, token and forwarder contracts.
// Write methods take the secret reference of the signing wallet.
type Gateway interface {
	RegisterUser(ctx context.Context, signerRef string, user types.Address, userID, login string) (*TxResult, error)
	AddPoolManager(ctx context.Context, signerRef string, repoID int64, manager types.Address, userID string, githubID int64) (*TxResult, error)
	AllocateIssueReward(ctx context.Context, signerRef string, repoID, issueID int64, amount types.Amount) (*TxResult, error)
	AddFundToRepository(ctx context.Context, signerRef string, repoID int64, amount types.Amount) (*TxResult, error)
	DistributeReward(ctx context.Context, signerRef string, repoID, issueID int64, contributor types.Address) (*TxResult, error)
	ApproveTokenSpend(ctx context.Context, signerRef string, spender types.Address, amount types.Amount) (*TxResult, error)
	SendNativeTransfer(ctx context.Context, signerRef string, to types.Address, amount types.Amount) (*TxResult, error)
	ExecuteForward(ctx context.Context, signerRef string, req ForwardRequest, signature []byte) (*TxResult, error)

	// GetRepository and GetIssueRewards never fail: read errors and empty
	// results are logged and reported as zero values.
	GetRepository(ctx context.Context, repoID int64) types.Repository
	GetIssueRewards(ctx context.Context, repoID int64, issueIDs []int64) []types.Amount

	GetTokenBalance(ctx context.Context, owner types.Address) (types.Amount, error)
	GetBalance(ctx context.Context, account types.Address) (types.Amount, error)
	ForwarderNonce(ctx context.Context, from types.Address) (*big.Int, error)
	AddressOf(ctx context.Context, signerRef string) (types.Address, error)

	ChainID() *big.Int
	ForwarderAddress() types.Address
	BountyAddress() types.Address
	Ping(ctx context.Context) error
}

// Contracts holds deployed contract addresses.
type Contracts struct {
	Bounty    common.Address
	Token     common.Address
	Forwarder common.Address
}

// ContractGateway implements Gateway against a live node.
type ContractGateway struct {
	client    *Client
	keys      KeySource
	contracts Contracts

	bountyABI    abi.ABI
	tokenABI     abi.ABI
	forwarderABI abi.ABI

	bounty    *bind.BoundContract
	token     *bind.BoundContract
	forwarder *bind.BoundContract
}

var _ Gateway = (*ContractGateway)(nil)

// NewContractGateway binds the contracts at the given addresses.
func NewContractGateway(client *Client, keys KeySource, contracts Contracts) (*ContractGateway, error) {
	g := &ContractGateway{client: client, keys: keys, contracts: contracts}

	var err error
	if g.bountyABI, err = abi.JSON(strings.NewReader(BountyABI)); err != nil {
		return nil, fmt.Errorf("failed to parse bounty ABI: %w", err)
	}
	if g.tokenABI, err = abi.JSON(strings.NewReader(TokenABI)); err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	if g.forwarderABI, err = abi.JSON(strings.NewReader(ForwarderABI)); err != nil {
		return nil, fmt.Errorf("failed to parse forwarder ABI: %w", err)
	}

	backend := client.Backend()
	g.bounty = bind.NewBoundContract(contracts.Bounty, g.bountyABI, backend, nil, nil)
	g.token = bind.NewBoundContract(contracts.Token, g.tokenABI, backend, nil, nil)
	g.forwarder = bind.NewBoundContract(contracts.Forwarder, g.forwarderABI, backend, nil, nil)

	return g, nil
}

func (g *ContractGateway) ChainID() *big.Int { return new(big.Int).Set(g.client.chainID) }
func (g *ContractGateway) ForwarderAddress() types.Address { return types.Address(g.contracts.Forwarder) }
func (g *ContractGateway) BountyAddress() types.Address { return types.Address(g.contracts.Bounty) }

func (g *ContractGateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx)
}

// transact packs method from contractABI and submits it signed by signerRef.
func (g *ContractGateway) transact(ctx context.Context, signerRef string, to common.Address, contractABI abi.ABI, value *big.Int, minGas uint64, method string, args ...interface{}) (*TxResult, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, &types.ValidationError{Field: method, Reason: err.Error()}
	}

	var result *TxResult
	err = g.keys.WithKey(ctx, signerRef, func(key *ecdsa.PrivateKey) error {
		var txErr error
		result, txErr = g.client.Transact(ctx, key, Call{
			Method: method,
			To:     to,
			Data:   data,
			Value:  value,
			MinGas: minGas,
		})
		return txErr
	})
	return result, err
}

func (g *ContractGateway) RegisterUser(ctx context.Context, signerRef string, user types.Address, userID, login string) (*TxResult, error) {
	return g.transact(ctx, signerRef, g.contracts.Bounty, g.bountyABI, nil, 0,
		"registerUser", user.Common(), userID, login)
}

func (g *ContractGateway) AddPoolManager(ctx context.Context, signerRef string, repoID int64, manager types.Address, userID string, githubID int64) (*TxResult, error) {
	return g.transact(ctx, signerRef, g.contracts.Bounty, g.bountyABI, nil, 0,
		"addPoolManager", big.NewInt(repoID), manager.Common(), userID, big.NewInt(githubID))
}

func (g *ContractGateway) AllocateIssueReward(ctx context.Context, signerRef string, repoID, issueID int64, amount types.Amount) (*TxResult, error) {
	return g.transact(ctx, signerRef, g.contracts.Bounty, g.bountyABI, nil, 0,
		"allocateIssueReward", big.NewInt(repoID), big.NewInt(issueID), amount.Wei())
}

// AddFundToRepository sends amount as the call value.
func (g *ContractGateway) AddFundToRepository(ctx context.Context, signerRef string, repoID int64, amount types.Amount) (*TxResult, error) {
	return g.transact(ctx, signerRef, g.contracts.Bounty, g.bountyABI, amount.Wei(), 0,
		"addFundToRepository", big.NewInt(repoID))
}

func (g *ContractGateway) DistributeReward(ctx context.Context, signerRef string, repoID, issueID int64, contributor types.Address) (*TxResult, error) {
	return g.transact(ctx, signerRef, g.contracts.Bounty, g.bountyABI, nil, 0,
		"distributeReward", big.NewInt(repoID), big.NewInt(issueID), contributor.Common())
}

func (g *ContractGateway) ApproveTokenSpend(ctx context.Context, signerRef string, spender types.Address, amount types.Amount) (*TxResult, error) {
	return g.transact(ctx, signerRef, g.contracts.Token, g.tokenABI, nil, 0,
		"approve", spender.Common(), amount.Wei())
}

// SendNativeTransfer moves native currency with an empty-calldata transaction.
func (g *ContractGateway) SendNativeTransfer(ctx context.Context, signerRef string, to types.Address, amount types.Amount) (*TxResult, error) {
	var result *TxResult
	err := g.keys.WithKey(ctx, signerRef, func(key *ecdsa.PrivateKey) error {
		var txErr error
		result, txErr = g.client.Transact(ctx, key, Call{
			Method: "transfer",
			To:     to.Common(),
			Value:  amount.Wei(),
		})
		return txErr
	})
	return result, err
}

// ExecuteForward submits a signed forward request through the forwarder.
// The outer gas limit is at least the request's inner budget.
func (g *ContractGateway) ExecuteForward(ctx context.Context, signerRef string, req ForwardRequest, signature []byte) (*TxResult, error) {
	var minGas uint64
	if req.Gas != nil && req.Gas.IsUint64() {
		minGas = req.Gas.Uint64()
	}
	return g.transact(ctx, signerRef, g.contracts.Forwarder, g.forwarderABI, req.Value, minGas,
		"execute", req, signature)
}

// issueTuple mirrors the Issue struct returned by getRepository.
type issueTuple struct {
	Id           *big.Int
	RewardAmount *big.Int
	Status       string
}

// GetRepository reads the ledger-resident repository. Any failure yields an
// empty repository with the requested id.
func (g *ContractGateway) GetRepository(ctx context.Context, repoID int64) types.Repository {
	repo := types.Repository{ID: repoID}

	var result []interface{}
	err := g.bounty.Call(&bind.CallOpts{Context: ctx}, &result, "getRepository", big.NewInt(repoID))
	if err != nil {
		logging.Warn("repository read failed, returning empty repository",
			logging.Component("ledger"), logging.RepoID(repoID), logging.Err(err))
		return repo
	}
	if len(result) < 4 {
		return repo
	}

	if managers, ok := result[0].([]common.Address); ok {
		repo.PoolManagers = toAddresses(managers)
	}
	if contributors, ok := result[1].([]common.Address); ok {
		repo.Contributors = toAddresses(contributors)
	}
	if balance, ok := result[2].(*big.Int); ok {
		repo.PoolBalance = types.NewAmount(balance)
	}

	issues, err := convertIssues(result[3])
	if err != nil {
		logging.Warn("unexpected issue tuple layout",
			logging.Component("ledger"), logging.RepoID(repoID), logging.Err(err))
		return repo
	}
	for _, issue := range issues {
		if issue.Id == nil || !issue.Id.IsInt64() {
			continue
		}
		repo.Issues = append(repo.Issues, types.IssueReward{
			IssueID: issue.Id.Int64(),
			Amount:  types.NewAmount(issue.RewardAmount),
			Status:  types.ParseRewardStatus(issue.Status),
		})
	}
	return repo
}

func convertIssues(raw interface{}) (issues []issueTuple, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return *abi.ConvertType(raw, new([]issueTuple)).(*[]issueTuple), nil
}

func toAddresses(in []common.Address) []types.Address {
	out := make([]types.Address, len(in))
	for i, a := range in {
		out[i] = types.Address(a)
	}
	return out
}

// GetIssueRewards returns one amount per requested issue id, in order. Read
// failures and short results are zero-filled.
func (g *ContractGateway) GetIssueRewards(ctx context.Context, repoID int64, issueIDs []int64) []types.Amount {
	rewards := make([]types.Amount, len(issueIDs))
	if len(issueIDs) == 0 {
		return rewards
	}

	ids := make([]*big.Int, len(issueIDs))
	for i, id := range issueIDs {
		ids[i] = big.NewInt(id)
	}

	var result []interface{}
	err := g.bounty.Call(&bind.CallOpts{Context: ctx}, &result, "getIssueRewards", big.NewInt(repoID), ids)
	if err != nil {
		logging.Warn("issue reward read failed, returning zero rewards",
			logging.Component("ledger"), logging.RepoID(repoID), logging.Err(err))
		return rewards
	}
	if len(result) == 0 {
		return rewards
	}
	values, ok := result[0].([]*big.Int)
	if !ok {
		return rewards
	}
	for i := range rewards {
		if i < len(values) {
			rewards[i] = types.NewAmount(values[i])
		}
	}
	return rewards
}

func (g *ContractGateway) GetTokenBalance(ctx context.Context, owner types.Address) (types.Amount, error) {
	var result []interface{}
	if err := g.token.Call(&bind.CallOpts{Context: ctx}, &result, "balanceOf", owner.Common()); err != nil {
		return types.Amount{}, fmt.Errorf("failed to get token balance: %w", err)
	}
	if len(result) == 0 {
		return types.Amount{}, nil
	}
	balance, _ := result[0].(*big.Int)
	return types.NewAmount(balance), nil
}

func (g *ContractGateway) GetBalance(ctx context.Context, account types.Address) (types.Amount, error) {
	balance, err := g.client.Balance(ctx, account.Common())
	if err != nil {
		return types.Amount{}, err
	}
	return types.NewAmount(balance), nil
}

func (g *ContractGateway) ForwarderNonce(ctx context.Context, from types.Address) (*big.Int, error) {
	var result []interface{}
	if err := g.forwarder.Call(&bind.CallOpts{Context: ctx}, &result, "getNonce", from.Common()); err != nil {
		return nil, fmt.Errorf("failed to get forwarder nonce: %w", err)
	}
	if len(result) == 0 {
		return new(big.Int), nil
	}
	nonce, ok := result[0].(*big.Int)
	if !ok || nonce == nil {
		return new(big.Int), nil
	}
	return nonce, nil
}

// AddressOf resolves the address of the wallet behind signerRef.
func (g *ContractGateway) AddressOf(ctx context.Context, signerRef string) (types.Address, error) {
	return addressOf(ctx, g.keys, signerRef)
}

func addressOf(ctx context.Context, keys KeySource, ref string) (types.Address, error) {
	var addr types.Address
	err := keys.WithKey(ctx, ref, func(key *ecdsa.PrivateKey) error {
		addr = types.Address(crypto.PubkeyToAddress(key.PublicKey))
		return nil
	})
	return addr, err
}
