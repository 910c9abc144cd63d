package ledger

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

func newTestMock(t *testing.T) (*MockLedger, *StaticKeys, types.Address) {
	t.Helper()
	keys := NewStaticKeys()
	manager := keys.Generate("manager")
	mock := NewMockGateway(keys)

	ctx := context.Background()
	if _, err := mock.AddPoolManager(ctx, "manager", 1, manager, "u-manager", 1001); err != nil {
		t.Fatalf("AddPoolManager failed: %v", err)
	}
	mock.SetNativeBalance(manager, types.AmountFromUnits(1000))
	if _, err := mock.AddFundToRepository(ctx, "manager", 1, types.AmountFromUnits(100)); err != nil {
		t.Fatalf("AddFundToRepository failed: %v", err)
	}
	return mock, keys, manager
}

func TestMockAllocationIsSetOnce(t *testing.T) {
	mock, _, _ := newTestMock(t)
	ctx := context.Background()

	if _, err := mock.AllocateIssueReward(ctx, "manager", 1, 5, types.AmountFromUnits(30)); err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	_, err := mock.AllocateIssueReward(ctx, "manager", 1, 5, types.AmountFromUnits(10))
	if !types.IsSubmission(err) {
		t.Fatalf("expected revert on second allocation, got %v", err)
	}

	rewards := mock.GetIssueRewards(ctx, 1, []int64{5})
	if rewards[0].String() != "30" {
		t.Errorf("stored reward = %s, want 30", rewards[0])
	}
	if status := mock.IssueStatus(1, 5); status != types.RewardAllocated {
		t.Errorf("status = %s, want allocated", status)
	}
}

func TestMockAllocationRules(t *testing.T) {
	mock, keys, _ := newTestMock(t)
	keys.Generate("stranger")
	ctx := context.Background()

	tests := []struct {
		name   string
		signer string
		issue  int64
		amount types.Amount
	}{
		{"not a manager", "stranger", 7, types.AmountFromUnits(1)},
		{"zero reward", "manager", 8, types.Amount{}},
		{"exceeds pool", "manager", 9, types.AmountFromUnits(101)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := mock.AllocateIssueReward(ctx, tt.signer, 1, tt.issue, tt.amount); !types.IsSubmission(err) {
				t.Errorf("expected revert, got %v", err)
			}
		})
	}
}

func TestMockDistributeOnce(t *testing.T) {
	mock, keys, _ := newTestMock(t)
	contributor := keys.Generate("contributor")
	ctx := context.Background()

	if _, err := mock.AllocateIssueReward(ctx, "manager", 1, 5, types.AmountFromUnits(30)); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	before, _ := mock.GetBalance(ctx, contributor)

	if _, err := mock.DistributeReward(ctx, "manager", 1, 5, contributor); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := mock.DistributeReward(ctx, "manager", 1, 5, contributor); !types.IsSubmission(err) {
		t.Fatalf("expected second distribution to revert, got %v", err)
	}

	after, _ := mock.GetBalance(ctx, contributor)
	if got := after.Sub(before); got.String() != "30" {
		t.Errorf("contributor received %s, want 30", got)
	}

	repo := mock.GetRepository(ctx, 1)
	if repo.PoolBalance.String() != "70" {
		t.Errorf("pool balance = %s, want 70", repo.PoolBalance)
	}
	if len(repo.Contributors) != 1 || repo.Contributors[0] != contributor {
		t.Errorf("contributors = %v", repo.Contributors)
	}
	if repo.Reward(5).Status != types.RewardDistributed {
		t.Errorf("status = %s, want distributed", repo.Reward(5).Status)
	}
}

func TestMockNativeTransferInsufficientFunds(t *testing.T) {
	keys := NewStaticKeys()
	sender := keys.Generate("sender")
	recipient := keys.Generate("recipient")
	mock := NewMockGateway(keys)
	mock.SetNativeBalance(sender, types.AmountFromUnits(1))
	ctx := context.Background()

	_, err := mock.SendNativeTransfer(ctx, "sender", recipient, types.AmountFromUnits(2))
	var subErr *types.SubmissionError
	if !types.IsSubmission(err) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	subErr = err.(*types.SubmissionError)
	if subErr.Sent {
		t.Error("an unfunded transfer must not be reported as sent")
	}

	if _, err := mock.SendNativeTransfer(ctx, "sender", recipient, types.MustParseAmount("0.25")); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	balance, _ := mock.GetBalance(ctx, sender)
	if balance.String() != "0.75" {
		t.Errorf("sender balance = %s, want 0.75", balance)
	}
}

func TestMockExecuteForwardConsumesNonce(t *testing.T) {
	mock, keys, manager := newTestMock(t)
	keys.Generate("relayer")
	ctx := context.Background()

	parsed, _ := abi.JSON(strings.NewReader(BountyABI))
	data, err := parsed.Pack("allocateIssueReward", big.NewInt(1), big.NewInt(12), types.AmountFromUnits(5).Wei())
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	req := ForwardRequest{
		From:  manager.Common(),
		To:    MockBountyAddress,
		Value: new(big.Int),
		Gas:   big.NewInt(300_000),
		Nonce: big.NewInt(0),
		Data:  data,
	}
	sig := make([]byte, 65)

	if _, err := mock.ExecuteForward(ctx, "relayer", req, sig); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := mock.GetIssueRewards(ctx, 1, []int64{12})[0]; got.String() != "5" {
		t.Errorf("forwarded allocation = %s, want 5", got)
	}
	nonce, _ := mock.ForwarderNonce(ctx, manager)
	if nonce.Uint64() != 1 {
		t.Errorf("nonce = %d, want 1", nonce.Uint64())
	}

	// Replaying the same request must fail.
	if _, err := mock.ExecuteForward(ctx, "relayer", req, sig); !types.IsSubmission(err) {
		t.Fatalf("expected replay to revert, got %v", err)
	}
}

func TestMockFailReadsZeroFills(t *testing.T) {
	mock, _, _ := newTestMock(t)
	ctx := context.Background()
	if _, err := mock.AllocateIssueReward(ctx, "manager", 1, 5, types.AmountFromUnits(30)); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	mock.FailReads(true)
	if got := mock.GetIssueRewards(ctx, 1, []int64{5})[0]; !got.IsZero() {
		t.Errorf("expected zero reward while reads fail, got %s", got)
	}
	if repo := mock.GetRepository(ctx, 1); len(repo.Issues) != 0 {
		t.Errorf("expected empty repository while reads fail, got %+v", repo)
	}
}
