package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresConfig holds configuration for the PostgreSQL store.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	AutoMigrate bool
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings and optionally migrates the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if cfg.AutoMigrate {
		if err := MigrateUp(ctx, cfg.DSN); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logging.Info("connected to postgres", logging.Component("store"), "max_conns", poolConfig.MaxConns)
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RepositoryByID(ctx context.Context, id int64) (types.RegisteredRepository, error) {
	var repo types.RegisteredRepository
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, name, installation_id, registered_at FROM repositories WHERE id = $1`, id,
	).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.InstallationID, &repo.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RegisteredRepository{}, fmt.Errorf("repository %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.RegisteredRepository{}, fmt.Errorf("failed to load repository %d: %w", id, err)
	}
	return repo, nil
}

func (s *PostgresStore) RegisterRepository(ctx context.Context, repo types.RegisteredRepository) error {
	if repo.RegisteredAt.IsZero() {
		repo.RegisteredAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repositories (id, owner, name, installation_id, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET owner = EXCLUDED.owner, name = EXCLUDED.name, installation_id = EXCLUDED.installation_id`,
		repo.ID, repo.Owner, repo.Name, repo.InstallationID, repo.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to register repository %d: %w", repo.ID, err)
	}
	return nil
}

const userColumns = `id, login, wallet_address, wallet_secret_ref, created_at`

func scanUser(row pgx.Row) (types.User, error) {
	var (
		user    types.User
		address string
	)
	if err := row.Scan(&user.ID, &user.Login, &address, &user.Wallet.SecretRef, &user.CreatedAt); err != nil {
		return types.User{}, err
	}
	user.Wallet.OwnerID = user.ID
	if address != "" {
		parsed, err := types.ParseAddress(address)
		if err != nil {
			return types.User{}, fmt.Errorf("stored wallet of user %q: %w", user.ID, err)
		}
		user.Wallet.Address = parsed
	}
	return user, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (types.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.User{}, fmt.Errorf("failed to load user %q: %w", id, err)
	}
	return user, nil
}

func (s *PostgresStore) UserByLogin(ctx context.Context, login string) (types.User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(login) = lower($1)`, login))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.User{}, fmt.Errorf("user with login %q: %w", login, ErrNotFound)
	}
	if err != nil {
		return types.User{}, fmt.Errorf("failed to load user %q: %w", login, err)
	}
	return user, nil
}

func (s *PostgresStore) PutUser(ctx context.Context, user types.User) error {
	if user.ID == "" {
		return &types.ValidationError{Field: "user id", Reason: "must not be empty"}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	address := ""
	if !user.Wallet.Address.IsZero() {
		address = user.Wallet.Address.Hex()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, login, wallet_address, wallet_secret_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET login = EXCLUDED.login,
		    wallet_address = EXCLUDED.wallet_address,
		    wallet_secret_ref = EXCLUDED.wallet_secret_ref`,
		user.ID, user.Login, address, user.Wallet.SecretRef, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user %q: %w", user.ID, err)
	}
	return nil
}

func (s *PostgresStore) PoolManagers(ctx context.Context, repoID int64) ([]types.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.login, u.wallet_address, u.wallet_secret_ref, u.created_at
		FROM pool_managers pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.repo_id = $1
		ORDER BY pm.added_at, u.id`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool managers of %d: %w", repoID, err)
	}
	defer rows.Close()

	var managers []types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		managers = append(managers, user)
	}
	return managers, rows.Err()
}

func (s *PostgresStore) AddPoolManager(ctx context.Context, repoID int64, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_managers (repo_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, repoID, userID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("pool manager %q for repository %d: %w", userID, repoID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to add pool manager: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsPoolManager(ctx context.Context, repoID int64, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pool_managers WHERE repo_id = $1 AND user_id = $2)`,
		repoID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pool manager: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RecordPayout(ctx context.Context, payout types.Payout) error {
	if payout.PaidAt.IsZero() {
		payout.PaidAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payouts (repo_id, issue_id, contributor, amount_wei, tx_hash, paid_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		payout.RepoID, payout.IssueID, payout.Contributor.Hex(), payout.Amount.Wei().String(), payout.TxHash, payout.PaidAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyPaid
	}
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	return nil
}

func (s *PostgresStore) PayoutFor(ctx context.Context, repoID, issueID int64) (types.Payout, error) {
	var (
		payout      types.Payout
		contributor string
		amountWei   string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT repo_id, issue_id, contributor, amount_wei::text, tx_hash, paid_at
		FROM payouts WHERE repo_id = $1 AND issue_id = $2`, repoID, issueID,
	).Scan(&payout.RepoID, &payout.IssueID, &contributor, &amountWei, &payout.TxHash, &payout.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Payout{}, fmt.Errorf("payout for repo %d issue %d: %w", repoID, issueID, ErrNotFound)
	}
	if err != nil {
		return types.Payout{}, fmt.Errorf("failed to load payout: %w", err)
	}

	if payout.Contributor, err = types.ParseAddress(contributor); err != nil {
		return types.Payout{}, err
	}
	wei, ok := new(big.Int).SetString(amountWei, 10)
	if !ok {
		return types.Payout{}, fmt.Errorf("stored payout amount %q is not an integer", amountWei)
	}
	payout.Amount = types.NewAmount(wei)
	return payout, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
