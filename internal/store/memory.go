package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

type payoutKey struct {
	repoID  int64
	issueID int64
}

// MemoryStore keeps everything in process memory. It is used for local
// development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	repos    map[int64]types.RegisteredRepository
	users    map[string]types.User
	managers map[int64][]string
	payouts  map[payoutKey]types.Payout
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repos:    make(map[int64]types.RegisteredRepository),
		users:    make(map[string]types.User),
		managers: make(map[int64][]string),
		payouts:  make(map[payoutKey]types.Payout),
	}
}

func (s *MemoryStore) RepositoryByID(_ context.Context, id int64) (types.RegisteredRepository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repos[id]
	if !ok {
		return types.RegisteredRepository{}, fmt.Errorf("repository %d: %w", id, ErrNotFound)
	}
	return repo, nil
}

func (s *MemoryStore) RegisterRepository(_ context.Context, repo types.RegisteredRepository) error {
	if repo.RegisteredAt.IsZero() {
		repo.RegisteredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.ID] = repo
	return nil
}

func (s *MemoryStore) UserByID(_ context.Context, id string) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return user, nil
}

// UserByLogin matches logins case-insensitively, as the source-control
// platform does.
func (s *MemoryStore) UserByLogin(_ context.Context, login string) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Login, login) {
			return user, nil
		}
	}
	return types.User{}, fmt.Errorf("user with login %q: %w", login, ErrNotFound)
}

func (s *MemoryStore) PutUser(_ context.Context, user types.User) error {
	if user.ID == "" {
		return &types.ValidationError{Field: "user id", Reason: "must not be empty"}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Wallet.OwnerID = user.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) PoolManagers(_ context.Context, repoID int64) ([]types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.User
	for _, id := range s.managers[repoID] {
		if user, ok := s.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

func (s *MemoryStore) AddPoolManager(_ context.Context, repoID int64, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[repoID]; !ok {
		return fmt.Errorf("repository %d: %w", repoID, ErrNotFound)
	}
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	for _, id := range s.managers[repoID] {
		if id == userID {
			return nil
		}
	}
	s.managers[repoID] = append(s.managers[repoID], userID)
	return nil
}

func (s *MemoryStore) IsPoolManager(_ context.Context, repoID int64, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.managers[repoID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) RecordPayout(_ context.Context, payout types.Payout) error {
	if payout.PaidAt.IsZero() {
		payout.PaidAt = time.Now().UTC()
	}
	key := payoutKey{payout.RepoID, payout.IssueID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payouts[key]; ok {
		return ErrAlreadyPaid
	}
	s.payouts[key] = payout
	return nil
}

func (s *MemoryStore) PayoutFor(_ context.Context, repoID, issueID int64) (types.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payout, ok := s.payouts[payoutKey{repoID, issueID}]
	if !ok {
		return types.Payout{}, fmt.Errorf("payout for repo %d issue %d: %w", repoID, issueID, ErrNotFound)
	}
	return payout, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
