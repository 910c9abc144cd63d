package store

import (
	"context"
	"errors"
	"testing"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// testStore runs the behaviour every Store implementation must share.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	wallet := types.MustParseAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	t.Run("repositories", func(t *testing.T) {
		if _, err := s.RepositoryByID(ctx, 404); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		repo := types.RegisteredRepository{ID: 1, Owner: "acme", Name: "widgets", InstallationID: 77}
		if err := s.RegisterRepository(ctx, repo); err != nil {
			t.Fatalf("RegisterRepository failed: %v", err)
		}
		got, err := s.RepositoryByID(ctx, 1)
		if err != nil {
			t.Fatalf("RepositoryByID failed: %v", err)
		}
		if got.FullName() != "acme/widgets" || got.InstallationID != 77 {
			t.Errorf("unexpected repository: %+v", got)
		}
	})

	t.Run("users", func(t *testing.T) {
		user := types.User{ID: "u-1", Login: "Alice", Wallet: types.Wallet{Address: wallet, SecretRef: "u-1"}}
		if err := s.PutUser(ctx, user); err != nil {
			t.Fatalf("PutUser failed: %v", err)
		}
		if err := s.PutUser(ctx, types.User{ID: "u-2", Login: "bob"}); err != nil {
			t.Fatalf("PutUser failed: %v", err)
		}

		got, err := s.UserByLogin(ctx, "alice")
		if err != nil {
			t.Fatalf("UserByLogin failed: %v", err)
		}
		if got.ID != "u-1" || got.Wallet.Address != wallet || got.Wallet.SecretRef != "u-1" {
			t.Errorf("unexpected user: %+v", got)
		}
		if got.Wallet.OwnerID != "u-1" {
			t.Errorf("wallet owner = %q, want u-1", got.Wallet.OwnerID)
		}

		bob, err := s.UserByID(ctx, "u-2")
		if err != nil {
			t.Fatalf("UserByID failed: %v", err)
		}
		if !bob.Wallet.Address.IsZero() {
			t.Errorf("expected bob to have no wallet, got %s", bob.Wallet.Address)
		}

		if _, err := s.UserByID(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.PutUser(ctx, types.User{Login: "x"}); !types.IsValidation(err) {
			t.Errorf("expected ValidationError for empty id, got %v", err)
		}
	})

	t.Run("pool managers", func(t *testing.T) {
		if err := s.AddPoolManager(ctx, 1, "u-1"); err != nil {
			t.Fatalf("AddPoolManager failed: %v", err)
		}
		if err := s.AddPoolManager(ctx, 1, "u-2"); err != nil {
			t.Fatalf("AddPoolManager failed: %v", err)
		}
		if err := s.AddPoolManager(ctx, 1, "u-1"); err != nil {
			t.Fatalf("re-adding a manager should be a no-op: %v", err)
		}
		if err := s.AddPoolManager(ctx, 1, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown user, got %v", err)
		}

		managers, err := s.PoolManagers(ctx, 1)
		if err != nil {
			t.Fatalf("PoolManagers failed: %v", err)
		}
		if len(managers) != 2 || managers[0].ID != "u-1" || managers[1].ID != "u-2" {
			t.Errorf("unexpected managers: %+v", managers)
		}

		ok, err := s.IsPoolManager(ctx, 1, "u-2")
		if err != nil || !ok {
			t.Errorf("IsPoolManager(u-2) = %v, %v", ok, err)
		}
		ok, err = s.IsPoolManager(ctx, 2, "u-2")
		if err != nil || ok {
			t.Errorf("IsPoolManager(repo 2) = %v, %v", ok, err)
		}

		none, err := s.PoolManagers(ctx, 999)
		if err != nil || len(none) != 0 {
			t.Errorf("PoolManagers(999) = %v, %v", none, err)
		}
	})

	t.Run("payouts", func(t *testing.T) {
		if _, err := s.PayoutFor(ctx, 1, 5); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		payout := types.Payout{
			RepoID:      1,
			IssueID:     5,
			Contributor: wallet,
			Amount:      types.MustParseAmount("30.000000000000000001"),
			TxHash:      "0xabc",
		}
		if err := s.RecordPayout(ctx, payout); err != nil {
			t.Fatalf("RecordPayout failed: %v", err)
		}
		if err := s.RecordPayout(ctx, payout); !errors.Is(err, ErrAlreadyPaid) {
			t.Errorf("expected ErrAlreadyPaid, got %v", err)
		}

		got, err := s.PayoutFor(ctx, 1, 5)
		if err != nil {
			t.Fatalf("PayoutFor failed: %v", err)
		}
		if got.Amount.Cmp(payout.Amount) != 0 || got.Contributor != wallet || got.TxHash != "0xabc" {
			t.Errorf("unexpected payout: %+v", got)
		}
		if got.PaidAt.IsZero() {
			t.Error("expected PaidAt to be set")
		}
	})

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreAddPoolManagerUnknownRepository(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.PutUser(ctx, types.User{ID: "u-1", Login: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPoolManager(ctx, 9, "u-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
