package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// Mock contract addresses and chain id used when no node is configured.
var (
	MockBountyAddress    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	MockTokenAddress     = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	MockForwarderAddress = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	MockChainID          = big.NewInt(31337)
)

// MockStartingBalance is credited to every wallet the mock sees for the
// first time.
var MockStartingBalance = types.AmountFromUnits(10)

const mockGasUsed = 50_000

type mockIssue struct {
	amount types.Amount
	status types.RewardStatus
}

type mockRepo struct {
	managers     []common.Address
	contributors []common.Address
	balance      types.Amount
	issues       map[int64]*mockIssue
	issueOrder   []int64
}

type mockUser struct {
	id    string
	login string
}

// MockLedger is an in-memory Gateway that enforces the contract rules the
// rest of the service depends on: set-once allocation, pool-manager-only
// writes, single distribution and forwarder nonces. Reverts surface as
// *types.SubmissionError with Reverted set.
type MockLedger struct {
	keys KeySource

	mu         sync.RWMutex
	repos      map[int64]*mockRepo
	users      map[common.Address]mockUser
	native     map[common.Address]types.Amount
	tokens     map[common.Address]types.Amount
	allowances map[common.Address]map[common.Address]types.Amount
	nonces     map[common.Address]uint64
	block      uint64
	txCount    uint64
	failReads  bool
	bountyABI  abi.ABI
}

var _ Gateway = (*MockLedger)(nil)

// NewMockGateway returns an empty mock ledger that signs with keys.
func NewMockGateway(keys KeySource) *MockLedger {
	parsed, err := abi.JSON(strings.NewReader(BountyABI))
	if err != nil {
		panic(fmt.Sprintf("bounty ABI: %v", err))
	}
	return &MockLedger{
		keys:       keys,
		repos:      make(map[int64]*mockRepo),
		users:      make(map[common.Address]mockUser),
		native:     make(map[common.Address]types.Amount),
		tokens:     make(map[common.Address]types.Amount),
		allowances: make(map[common.Address]map[common.Address]types.Amount),
		nonces:     make(map[common.Address]uint64),
		block:      1,
		bountyABI:  parsed,
	}
}

func (m *MockLedger) ChainID() *big.Int { return new(big.Int).Set(MockChainID) }
func (m *MockLedger) ForwarderAddress() types.Address { return types.Address(MockForwarderAddress) }
func (m *MockLedger) BountyAddress() types.Address { return types.Address(MockBountyAddress) }
func (m *MockLedger) Ping(context.Context) error { return nil }

// SetNativeBalance overrides the native balance of addr.
func (m *MockLedger) SetNativeBalance(addr types.Address, amount types.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.native[addr.Common()] = amount
}

// SetTokenBalance overrides the token balance of addr.
func (m *MockLedger) SetTokenBalance(addr types.Address, amount types.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[addr.Common()] = amount
}

// FailReads makes GetRepository and GetIssueRewards behave as if the node
// were unreachable.
func (m *MockLedger) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// TxCount returns the number of confirmed mock transactions.
func (m *MockLedger) TxCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txCount
}

// Allowance returns the token allowance owner granted spender.
func (m *MockLedger) Allowance(owner, spender types.Address) types.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowances[owner.Common()][spender.Common()]
}

// IsRegistered reports whether registerUser was called for addr.
func (m *MockLedger) IsRegistered(addr types.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[addr.Common()]
	return ok
}

// execute resolves the signer and runs fn under the state lock. fn returning
// an error reverts the mock transaction.
func (m *MockLedger) execute(ctx context.Context, signerRef, method string, fn func(caller common.Address) error) (*TxResult, error) {
	caller, err := addressOf(ctx, m.keys, signerRef)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(caller.Common(), method, fn)
}

// apply must be called with m.mu held.
func (m *MockLedger) apply(caller common.Address, method string, fn func(caller common.Address) error) (*TxResult, error) {
	m.ensureFunded(caller)
	m.block++
	hash := m.nextHash()

	if err := fn(caller); err != nil {
		logging.Debug("mock transaction reverted",
			logging.Component("ledger"), "method", method, logging.TxHash(hash), logging.Err(err))
		return nil, &types.SubmissionError{
			Method:          method,
			TxHash:          hash,
			Sent:            true,
			Reverted:        true,
			GasUsed:         mockGasUsed,
			BlockNumber:     m.block,
			ContractAddress: types.Address(MockBountyAddress),
			Err:             err,
		}
	}

	m.txCount++
	logging.Debug("mock transaction confirmed",
		logging.Component("ledger"), "method", method, logging.TxHash(hash))
	return &TxResult{TxHash: hash, BlockNumber: m.block, GasUsed: mockGasUsed, ContractAddress: types.Address(MockBountyAddress)}, nil
}

func (m *MockLedger) nextHash() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], m.block)
	binary.BigEndian.PutUint64(buf[8:], m.txCount)
	return crypto.Keccak256Hash(buf[:]).Hex()
}

func (m *MockLedger) ensureFunded(addr common.Address) {
	if _, ok := m.native[addr]; !ok {
		m.native[addr] = MockStartingBalance
	}
}

func (m *MockLedger) repo(repoID int64) *mockRepo {
	r, ok := m.repos[repoID]
	if !ok {
		r = &mockRepo{issues: make(map[int64]*mockIssue)}
		m.repos[repoID] = r
	}
	return r
}

func (r *mockRepo) isManager(addr common.Address) bool {
	for _, mgr := range r.managers {
		if mgr == addr {
			return true
		}
	}
	return false
}

// committed is the sum of allocated, undistributed rewards.
func (r *mockRepo) committed() types.Amount {
	var total types.Amount
	for _, issue := range r.issues {
		if issue.status == types.RewardAllocated {
			total = total.Add(issue.amount)
		}
	}
	return total
}

func (m *MockLedger) RegisterUser(ctx context.Context, signerRef string, user types.Address, userID, login string) (*TxResult, error) {
	return m.execute(ctx, signerRef, "registerUser", func(common.Address) error {
		return m.registerUser(user.Common(), userID, login)
	})
}

func (m *MockLedger) registerUser(user common.Address, userID, login string) error {
	if user == (common.Address{}) {
		return errors.New("invalid user address")
	}
	m.users[user] = mockUser{id: userID, login: login}
	return nil
}

// AddPoolManager lets anyone add the first manager of a repository; later
// managers must be added by an existing one.
func (m *MockLedger) AddPoolManager(ctx context.Context, signerRef string, repoID int64, manager types.Address, userID string, githubID int64) (*TxResult, error) {
	return m.execute(ctx, signerRef, "addPoolManager", func(caller common.Address) error {
		return m.addPoolManager(caller, repoID, manager.Common())
	})
}

func (m *MockLedger) addPoolManager(caller common.Address, repoID int64, manager common.Address) error {
	if manager == (common.Address{}) {
		return errors.New("invalid pool manager address")
	}
	r := m.repo(repoID)
	if len(r.managers) > 0 && !r.isManager(caller) {
		return errors.New("caller is not a pool manager")
	}
	if !r.isManager(manager) {
		r.managers = append(r.managers, manager)
	}
	return nil
}

func (m *MockLedger) AllocateIssueReward(ctx context.Context, signerRef string, repoID, issueID int64, amount types.Amount) (*TxResult, error) {
	return m.execute(ctx, signerRef, "allocateIssueReward", func(caller common.Address) error {
		return m.allocate(caller, repoID, issueID, amount)
	})
}

func (m *MockLedger) allocate(caller common.Address, repoID, issueID int64, amount types.Amount) error {
	r := m.repo(repoID)
	if !r.isManager(caller) {
		return errors.New("caller is not a pool manager")
	}
	if amount.IsZero() {
		return errors.New("reward must be positive")
	}
	if existing, ok := r.issues[issueID]; ok && !existing.amount.IsZero() {
		return errors.New("reward already allocated")
	}
	if r.committed().Add(amount).Cmp(r.balance) > 0 {
		return errors.New("insufficient pool balance")
	}
	r.issues[issueID] = &mockIssue{amount: amount, status: types.RewardAllocated}
	r.issueOrder = append(r.issueOrder, issueID)
	return nil
}

func (m *MockLedger) AddFundToRepository(ctx context.Context, signerRef string, repoID int64, amount types.Amount) (*TxResult, error) {
	return m.execute(ctx, signerRef, "addFundToRepository", func(caller common.Address) error {
		return m.fund(caller, repoID, amount)
	})
}

func (m *MockLedger) fund(caller common.Address, repoID int64, amount types.Amount) error {
	r := m.repo(repoID)
	if !r.isManager(caller) {
		return errors.New("caller is not a pool manager")
	}
	if amount.IsZero() {
		return errors.New("amount must be positive")
	}
	if m.native[caller].Cmp(amount) < 0 {
		return errors.New("insufficient value")
	}
	m.native[caller] = m.native[caller].Sub(amount)
	r.balance = r.balance.Add(amount)
	return nil
}

func (m *MockLedger) DistributeReward(ctx context.Context, signerRef string, repoID, issueID int64, contributor types.Address) (*TxResult, error) {
	return m.execute(ctx, signerRef, "distributeReward", func(caller common.Address) error {
		return m.distribute(caller, repoID, issueID, contributor.Common())
	})
}

func (m *MockLedger) distribute(caller common.Address, repoID, issueID int64, contributor common.Address) error {
	r := m.repo(repoID)
	if !r.isManager(caller) {
		return errors.New("caller is not a pool manager")
	}
	if contributor == (common.Address{}) {
		return errors.New("invalid contributor address")
	}
	issue, ok := r.issues[issueID]
	if !ok || issue.amount.IsZero() {
		return errors.New("no reward allocated")
	}
	if issue.status == types.RewardDistributed {
		return errors.New("reward already distributed")
	}

	issue.status = types.RewardDistributed
	r.balance = r.balance.Sub(issue.amount)
	m.ensureFunded(contributor)
	m.native[contributor] = m.native[contributor].Add(issue.amount)

	known := false
	for _, c := range r.contributors {
		if c == contributor {
			known = true
			break
		}
	}
	if !known {
		r.contributors = append(r.contributors, contributor)
	}
	return nil
}

func (m *MockLedger) ApproveTokenSpend(ctx context.Context, signerRef string, spender types.Address, amount types.Amount) (*TxResult, error) {
	return m.execute(ctx, signerRef, "approve", func(caller common.Address) error {
		if m.allowances[caller] == nil {
			m.allowances[caller] = make(map[common.Address]types.Amount)
		}
		m.allowances[caller][spender.Common()] = amount
		return nil
	})
}

// SendNativeTransfer fails before submission when the sender cannot cover
// the value, as a node would.
func (m *MockLedger) SendNativeTransfer(ctx context.Context, signerRef string, to types.Address, amount types.Amount) (*TxResult, error) {
	caller, err := addressOf(ctx, m.keys, signerRef)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := caller.Common()
	m.ensureFunded(from)
	if m.native[from].Cmp(amount) < 0 {
		return nil, &types.SubmissionError{
			Method: "transfer",
			Err:    errors.New("insufficient funds for gas * price + value"),
		}
	}
	return m.apply(from, "transfer", func(common.Address) error {
		m.native[from] = m.native[from].Sub(amount)
		m.ensureFunded(to.Common())
		m.native[to.Common()] = m.native[to.Common()].Add(amount)
		return nil
	})
}

// ExecuteForward checks and consumes the request nonce, then runs the inner
// bounty call as req.From. Signatures are not checked here; see
// relay.VerifySignature. A failing inner call reverts the whole execution
// and leaves the nonce unconsumed.
func (m *MockLedger) ExecuteForward(ctx context.Context, signerRef string, req ForwardRequest, signature []byte) (*TxResult, error) {
	relayer, err := addressOf(ctx, m.keys, signerRef)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.apply(relayer.Common(), "execute", func(common.Address) error {
		if len(signature) != crypto.SignatureLength {
			return errors.New("invalid signature length")
		}
		if req.Nonce == nil || !req.Nonce.IsUint64() || req.Nonce.Uint64() != m.nonces[req.From] {
			return errors.New("signature does not match request")
		}
		if req.To != MockBountyAddress {
			return fmt.Errorf("unsupported forward target %s", req.To.Hex())
		}
		m.ensureFunded(req.From)
		if err := m.dispatch(req.From, req.Data); err != nil {
			return err
		}
		m.nonces[req.From]++
		return nil
	})
}

// dispatch decodes calldata against the bounty ABI and applies it.
func (m *MockLedger) dispatch(caller common.Address, data []byte) error {
	if len(data) < 4 {
		return errors.New("empty calldata")
	}
	method, err := m.bountyABI.MethodById(data[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}

	switch method.Name {
	case "registerUser":
		return m.registerUser(args[0].(common.Address), args[1].(string), args[2].(string))
	case "addPoolManager":
		return m.addPoolManager(caller, args[0].(*big.Int).Int64(), args[1].(common.Address))
	case "allocateIssueReward":
		return m.allocate(caller, args[0].(*big.Int).Int64(), args[1].(*big.Int).Int64(), types.NewAmount(args[2].(*big.Int)))
	case "distributeReward":
		return m.distribute(caller, args[0].(*big.Int).Int64(), args[1].(*big.Int).Int64(), args[2].(common.Address))
	default:
		return fmt.Errorf("%s cannot be forwarded", method.Name)
	}
}

func (m *MockLedger) GetRepository(ctx context.Context, repoID int64) types.Repository {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := types.Repository{ID: repoID}
	r, ok := m.repos[repoID]
	if !ok || m.failReads {
		return out
	}
	out.PoolManagers = toAddresses(r.managers)
	out.Contributors = toAddresses(r.contributors)
	out.PoolBalance = r.balance
	for _, id := range r.issueOrder {
		issue := r.issues[id]
		out.Issues = append(out.Issues, types.IssueReward{IssueID: id, Amount: issue.amount, Status: issue.status})
	}
	return out
}

// GetIssueRewards reports the allocated amount for each id, including
// distributed ones, as the contract does.
func (m *MockLedger) GetIssueRewards(ctx context.Context, repoID int64, issueIDs []int64) []types.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rewards := make([]types.Amount, len(issueIDs))
	r, ok := m.repos[repoID]
	if !ok || m.failReads {
		return rewards
	}
	for i, id := range issueIDs {
		if issue, ok := r.issues[id]; ok {
			rewards[i] = issue.amount
		}
	}
	return rewards
}

// IssueStatus returns the status of one issue reward.
func (m *MockLedger) IssueStatus(repoID, issueID int64) types.RewardStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.repos[repoID]; ok {
		if issue, ok := r.issues[issueID]; ok {
			return issue.status
		}
	}
	return types.RewardUnset
}

func (m *MockLedger) GetTokenBalance(ctx context.Context, owner types.Address) (types.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[owner.Common()], nil
}

// GetBalance reports MockStartingBalance for wallets the mock has not seen.
func (m *MockLedger) GetBalance(ctx context.Context, account types.Address) (types.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if balance, ok := m.native[account.Common()]; ok {
		return balance, nil
	}
	return MockStartingBalance, nil
}

func (m *MockLedger) ForwarderNonce(ctx context.Context, from types.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).SetUint64(m.nonces[from.Common()]), nil
}

func (m *MockLedger) AddressOf(ctx context.Context, signerRef string) (types.Address, error) {
	return addressOf(ctx, m.keys, signerRef)
}
