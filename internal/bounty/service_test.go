package bounty

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bountyrelay/bountyrelay/internal/gas"
	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/notify"
	"github.com/bountyrelay/bountyrelay/internal/ratelimit"
	"github.com/bountyrelay/bountyrelay/internal/relay"
	"github.com/bountyrelay/bountyrelay/internal/store"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

const testRepoID = 100

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.Type == eventType {
			count++
		}
	}
	return count
}

type fixture struct {
	ledger   *ledger.MockLedger
	keys     *ledger.StaticKeys
	store    *store.MemoryStore
	notifier *recordingNotifier
	svc      *Service
}

type fixtureConfig struct {
	fundingLimit  types.Amount
	transferLimit types.Amount
	withRelay     bool
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	if cfg.fundingLimit.IsZero() {
		cfg.fundingLimit = types.AmountFromUnits(1000)
	}
	if cfg.transferLimit.IsZero() {
		cfg.transferLimit = types.AmountFromUnits(100)
	}

	keys := ledger.NewStaticKeys()
	mock := ledger.NewMockGateway(keys)
	st := store.NewMemoryStore()
	notifier := &recordingNotifier{}

	deps := Deps{
		Ledger:   mock,
		Store:    st,
		Funding:  ratelimit.NewFundingLimiter(ratelimit.Config{Limit: cfg.fundingLimit}),
		Transfer: ratelimit.NewTransferLimiter(ratelimit.Config{Limit: cfg.transferLimit}),
		Gas:      gas.NewEnsurer(mock, gas.Config{MinReserve: types.MustParseAmount("0.01")}),
		Notifier: notifier,
	}
	if cfg.withRelay {
		keys.Generate("relayer")
		deps.Relay = relay.New(mock, keys, relay.Config{RelayerRef: "relayer"})
	}

	if err := st.RegisterRepository(context.Background(), types.RegisteredRepository{ID: testRepoID, Owner: "acme", Name: "widgets"}); err != nil {
		t.Fatalf("register repository: %v", err)
	}

	return &fixture{ledger: mock, keys: keys, store: st, notifier: notifier, svc: NewService(deps)}
}

func (f *fixture) user(t *testing.T, id string) types.User {
	t.Helper()
	user := newUser(f.keys, id)
	if err := f.store.PutUser(context.Background(), user); err != nil {
		t.Fatalf("put user: %v", err)
	}
	return user
}

func newUser(keys *ledger.StaticKeys, id string) types.User {
	return types.User{
		ID:     id,
		Login:  id,
		Wallet: types.Wallet{Address: keys.Generate(id), SecretRef: id},
	}
}

// manager makes id the first pool manager of the test repository and funds
// the pool with poolUnits.
func (f *fixture) manager(t *testing.T, id string, poolUnits int64) types.User {
	t.Helper()
	ctx := context.Background()
	user := f.user(t, id)
	if _, err := f.svc.AddPoolManager(ctx, AddPoolManagerRequest{RepoID: testRepoID, ActorID: id, ManagerID: id}); err != nil {
		t.Fatalf("AddPoolManager failed: %v", err)
	}
	if poolUnits > 0 {
		f.ledger.SetNativeBalance(user.Wallet.Address, types.AmountFromUnits(poolUnits+1))
		if _, err := f.svc.Fund(ctx, FundRequest{RepoID: testRepoID, Amount: types.AmountFromUnits(poolUnits), UserID: id}); err != nil {
			t.Fatalf("Fund failed: %v", err)
		}
	}
	return user
}

func TestAllocateIsSetOnce(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	f.manager(t, "alice", 100)

	if got := f.ledger.GetRepository(ctx, testRepoID).PoolBalance; got.Cmp(types.AmountFromUnits(100)) != 0 {
		t.Fatalf("pool balance = %s, want 100", got)
	}

	_, err := f.svc.Allocate(ctx, AllocateRequest{RepoID: testRepoID, IssueID: 5, Amount: types.AmountFromUnits(30), UserID: "alice"})
	if err != nil {
		t.Fatalf("first Allocate failed: %v", err)
	}
	if got := f.ledger.IssueStatus(testRepoID, 5); got != types.RewardAllocated {
		t.Errorf("status = %s, want allocated", got)
	}

	txBefore := f.ledger.TxCount()
	_, err = f.svc.Allocate(ctx, AllocateRequest{RepoID: testRepoID, IssueID: 5, Amount: types.AmountFromUnits(10), UserID: "alice"})
	if !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("second Allocate err = %v, want ErrAlreadyAllocated", err)
	}
	if f.ledger.TxCount() != txBefore {
		t.Error("rejected allocation reached the ledger")
	}

	rewards := f.svc.IssueRewards(ctx, testRepoID, []int64{5})
	if rewards[0].Cmp(types.AmountFromUnits(30)) != 0 {
		t.Errorf("stored reward = %s, want 30", rewards[0])
	}
}

func TestAllocateRejections(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.manager(t, "alice", 10)
	f.user(t, "mallory")

	tests := []struct {
		name  string
		req   AllocateRequest
		check func(error) bool
	}{
		{"zero amount", AllocateRequest{RepoID: testRepoID, IssueID: 1, UserID: "alice"}, types.IsValidation},
		{"bad issue id", AllocateRequest{RepoID: testRepoID, IssueID: 0, Amount: types.AmountFromUnits(1), UserID: "alice"}, types.IsValidation},
		{"unregistered repository", AllocateRequest{RepoID: 999, IssueID: 1, Amount: types.AmountFromUnits(1), UserID: "alice"}, types.IsValidation},
		{"not a manager", AllocateRequest{RepoID: testRepoID, IssueID: 1, Amount: types.AmountFromUnits(1), UserID: "mallory"}, types.IsAuthorization},
		{"unknown user", AllocateRequest{RepoID: testRepoID, IssueID: 1, Amount: types.AmountFromUnits(1), UserID: "ghost"}, types.IsAuthorization},
		{"exceeds pool", AllocateRequest{RepoID: testRepoID, IssueID: 1, Amount: types.AmountFromUnits(11), UserID: "alice"}, types.IsSubmission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Allocate(context.Background(), tt.req)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestFundEnforcesDailyLimit(t *testing.T) {
	f := newFixture(t, fixtureConfig{fundingLimit: types.AmountFromUnits(1000)})
	ctx := context.Background()
	alice := f.manager(t, "alice", 0)
	f.ledger.SetNativeBalance(alice.Wallet.Address, types.AmountFromUnits(2000))

	if _, err := f.svc.Fund(ctx, FundRequest{RepoID: testRepoID, Amount: types.AmountFromUnits(600), UserID: "alice"}); err != nil {
		t.Fatalf("first Fund failed: %v", err)
	}

	_, err := f.svc.Fund(ctx, FundRequest{RepoID: testRepoID, Amount: types.AmountFromUnits(500), UserID: "alice"})
	var limitErr *types.RateLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("second Fund err = %v, want RateLimitExceededError", err)
	}
	if limitErr.Remaining.Cmp(types.AmountFromUnits(400)) != 0 {
		t.Errorf("remaining = %s, want 400", limitErr.Remaining)
	}

	status, err := f.svc.FundingStatus(ctx, testRepoID)
	if err != nil {
		t.Fatalf("FundingStatus failed: %v", err)
	}
	if status.Used.Cmp(types.AmountFromUnits(600)) != 0 {
		t.Errorf("used today = %s, want 600", status.Used)
	}
	if got := f.ledger.GetRepository(ctx, testRepoID).PoolBalance; got.Cmp(types.AmountFromUnits(600)) != 0 {
		t.Errorf("pool balance = %s, want 600", got)
	}
}

func TestFundReleasesQuotaOnFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient funds", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.manager(t, "alice", 0)

		_, err := f.svc.Fund(ctx, FundRequest{RepoID: testRepoID, Amount: types.AmountFromUnits(50), UserID: "alice"})
		var funds *types.InsufficientFundsError
		if !errors.As(err, &funds) {
			t.Fatalf("err = %v, want InsufficientFundsError", err)
		}
		if funds.Shortfall.IsZero() {
			t.Error("shortfall not reported")
		}
		status, _ := f.svc.FundingStatus(ctx, testRepoID)
		if !status.Used.IsZero() {
			t.Errorf("used = %s after failed funding, want 0", status.Used)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		bob := f.user(t, "bob")
		// Known to the store but never added on the ledger.
		if err := f.store.AddPoolManager(ctx, testRepoID, bob.ID); err != nil {
			t.Fatalf("AddPoolManager: %v", err)
		}

		_, err := f.svc.Fund(ctx, FundRequest{RepoID: testRepoID, Amount: types.AmountFromUnits(1), UserID: "bob"})
		var sub *types.SubmissionError
		if !errors.As(err, &sub) || !sub.Reverted {
			t.Fatalf("err = %v, want reverted SubmissionError", err)
		}
		status, _ := f.svc.FundingStatus(ctx, testRepoID)
		if !status.Used.IsZero() {
			t.Errorf("used = %s after revert, want 0", status.Used)
		}
	})
}

func TestTransfer(t *testing.T) {
	f := newFixture(t, fixtureConfig{transferLimit: types.AmountFromUnits(5)})
	ctx := context.Background()
	bob := f.user(t, "bob")
	carol := newUser(f.keys, "carol").Wallet.Address

	if _, err := f.svc.Transfer(ctx, TransferRequest{UserID: "bob", To: carol, Amount: types.AmountFromUnits(4)}); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	balance, _ := f.ledger.GetBalance(ctx, carol)
	if want := ledger.MockStartingBalance.Add(types.AmountFromUnits(4)); balance.Cmp(want) != 0 {
		t.Errorf("recipient balance = %s, want %s", balance, want)
	}

	_, err := f.svc.Transfer(ctx, TransferRequest{UserID: "bob", To: carol, Amount: types.AmountFromUnits(2)})
	if !types.IsRateLimitExceeded(err) {
		t.Fatalf("err = %v, want RateLimitExceededError", err)
	}

	status, _ := f.svc.TransferStatus(ctx, bob.ID)
	if status.Used.Cmp(types.AmountFromUnits(4)) != 0 {
		t.Errorf("used = %s, want 4", status.Used)
	}

	if _, err := f.svc.Transfer(ctx, TransferRequest{UserID: "bob", Amount: types.AmountFromUnits(1)}); !types.IsValidation(err) {
		t.Errorf("zero recipient err = %v, want ValidationError", err)
	}
}

func TestRegisterUser(t *testing.T) {
	tests := []struct {
		name      string
		withRelay bool
	}{
		{"direct", false},
		{"relayed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureConfig{withRelay: tt.withRelay})
			ctx := context.Background()
			dave := newUser(f.keys, "dave")

			if _, err := f.svc.RegisterUser(ctx, dave); err != nil {
				t.Fatalf("RegisterUser failed: %v", err)
			}
			if !f.ledger.IsRegistered(dave.Wallet.Address) {
				t.Error("wallet not registered on ledger")
			}
			stored, err := f.store.UserByLogin(ctx, "dave")
			if err != nil || stored.Wallet.Address != dave.Wallet.Address {
				t.Errorf("stored user = %+v, %v", stored, err)
			}

			if tt.withRelay {
				nonce, _ := f.ledger.ForwarderNonce(ctx, dave.Wallet.Address)
				if nonce.Int64() != 1 {
					t.Errorf("forwarder nonce = %d, want 1", nonce.Int64())
				}
			}
		})
	}
}

func TestRegisterUserValidation(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.svc.RegisterUser(context.Background(), types.User{ID: "erin", Login: "erin"})
	if !types.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestAddPoolManager(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	f.user(t, "alice")
	f.user(t, "bob")

	_, err := f.svc.AddPoolManager(ctx, AddPoolManagerRequest{RepoID: testRepoID, ActorID: "bob", ManagerID: "alice"})
	if !types.IsAuthorization(err) {
		t.Fatalf("bootstrap by another user err = %v, want AuthorizationError", err)
	}

	if _, err := f.svc.AddPoolManager(ctx, AddPoolManagerRequest{RepoID: testRepoID, ActorID: "alice", ManagerID: "alice"}); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if _, err := f.svc.AddPoolManager(ctx, AddPoolManagerRequest{RepoID: testRepoID, ActorID: "alice", ManagerID: "bob", GitHubID: 7}); err != nil {
		t.Fatalf("AddPoolManager failed: %v", err)
	}

	managers, _ := f.store.PoolManagers(ctx, testRepoID)
	if len(managers) != 2 || managers[0].ID != "alice" || managers[1].ID != "bob" {
		t.Errorf("managers = %+v", managers)
	}
	if got := f.ledger.GetRepository(ctx, testRepoID).PoolManagers; len(got) != 2 {
		t.Errorf("ledger managers = %v", got)
	}
}

func TestNotificationsAreBestEffort(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.notifier.err = errors.New("crm down")
	f.manager(t, "alice", 10)

	if _, err := f.svc.Allocate(context.Background(), AllocateRequest{RepoID: testRepoID, IssueID: 9, Amount: types.AmountFromUnits(1), UserID: "alice"}); err != nil {
		t.Fatalf("Allocate failed despite notifier error: %v", err)
	}
	if err := f.svc.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	for _, eventType := range []string{notify.EventRepositoryFunded, notify.EventRewardAllocated} {
		if got := f.notifier.count(eventType); got != 1 {
			t.Errorf("%s events = %d, want 1", eventType, got)
		}
	}
}

func TestRelayed(t *testing.T) {
	f := newFixture(t, fixtureConfig{withRelay: true})
	ctx := context.Background()
	dave := f.user(t, "dave")

	data, err := ledger.PackBountyCall("registerUser", dave.Wallet.Address.Common(), dave.ID, dave.Login)
	if err != nil {
		t.Fatalf("PackBountyCall failed: %v", err)
	}
	if _, err := f.svc.Relayed(ctx, RelayRequest{UserID: "dave", CallData: data}); err != nil {
		t.Fatalf("Relayed failed: %v", err)
	}
	if !f.ledger.IsRegistered(dave.Wallet.Address) {
		t.Error("relayed registerUser did not reach the ledger")
	}

	if _, err := f.svc.Relayed(ctx, RelayRequest{UserID: "dave", CallData: []byte{0x01}}); !types.IsValidation(err) {
		t.Errorf("short call data: err = %v, want ValidationError", err)
	}
	if _, err := f.svc.Relayed(ctx, RelayRequest{UserID: "nobody", CallData: data}); !types.IsAuthorization(err) {
		t.Errorf("unknown user: err = %v, want AuthorizationError", err)
	}

	direct := newFixture(t, fixtureConfig{})
	if _, err := direct.svc.Relayed(ctx, RelayRequest{UserID: "dave", CallData: data}); !types.IsValidation(err) {
		t.Errorf("without relay: err = %v, want ValidationError", err)
	}
}
