// Package store persists the application-side records the settlement
// pipeline depends on: registered repositories, users with their wallets,
// pool-manager assignments and payout markers.
package store

import (
	"context"
	"errors"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

var (
	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyPaid is returned by RecordPayout when (repo, issue) already
	// carries a payout marker.
	ErrAlreadyPaid = errors.New("payout already recorded")
)

// Store is the persistence collaborator.
type Store interface {
	RepositoryByID(ctx context.Context, id int64) (types.RegisteredRepository, error)
	RegisterRepository(ctx context.Context, repo types.RegisteredRepository) error

	UserByID(ctx context.Context, id string) (types.User, error)
	UserByLogin(ctx context.Context, login string) (types.User, error)
	PutUser(ctx context.Context, user types.User) error

	// PoolManagers returns the repository's managers in the order they were added.
	PoolManagers(ctx context.Context, repoID int64) ([]types.User, error)
	AddPoolManager(ctx context.Context, repoID int64, userID string) error
	IsPoolManager(ctx context.Context, repoID int64, userID string) (bool, error)

	RecordPayout(ctx context.Context, payout types.Payout) error
	PayoutFor(ctx context.Context, repoID, issueID int64) (types.Payout, error)

	Ping(ctx context.Context) error
	Close()
}
