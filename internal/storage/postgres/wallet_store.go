package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// WalletStore implements storage.WalletStore and storage.GroupStore using PostgreSQL.
type WalletStore struct {
	pool *Pool
}

// NewWalletStore creates a new WalletStore.
func NewWalletStore(pool *Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

var (
	_ storage.WalletStore = (*WalletStore)(nil)
	_ storage.GroupStore  = (*WalletStore)(nil)
)

const walletColumns = `id, address, display_name, group_id, is_active, created_at`

// UpsertWallet registers an address. An existing row is reactivated and its
// name and group refreshed when new values are given.
func (s *WalletStore) UpsertWallet(ctx context.Context, address string, name *string, groupID *int64) (*models.Wallet, error) {
	query := `
		INSERT INTO wallets (address, display_name, group_id, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (address) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, wallets.display_name),
			group_id     = COALESCE(EXCLUDED.group_id, wallets.group_id),
			is_active    = TRUE
		RETURNING ` + walletColumns

	w, err := scanWallet(s.pool.QueryRow(ctx, query, address, name, groupID))
	if err != nil {
		if isInvalidReference(err) {
			return nil, fmt.Errorf("upsert wallet: unknown group: %w", storage.ErrInvalidInput)
		}
		return nil, fmt.Errorf("upsert wallet: %w", err)
	}
	return w, nil
}

// DeactivateWallet soft-removes an active wallet.
func (s *WalletStore) DeactivateWallet(ctx context.Context, address string) (*models.Wallet, error) {
	query := `
		UPDATE wallets SET is_active = FALSE
		WHERE address = $1 AND is_active
		RETURNING ` + walletColumns

	w, err := scanWallet(s.pool.QueryRow(ctx, query, address))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("deactivate wallet: %w", err)
	}
	return w, nil
}

// DeactivateAll soft-removes every active wallet in scope with a single UPDATE.
func (s *WalletStore) DeactivateAll(ctx context.Context, groupID *int64) ([]string, error) {
	query := `
		UPDATE wallets SET is_active = FALSE
		WHERE is_active AND ($1::bigint IS NULL OR group_id = $1)
		RETURNING address`

	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("deactivate wallets: %w", err)
	}
	addresses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("deactivate wallets: %w", err)
	}
	return addresses, nil
}

// GetWallet returns a wallet by address, active or not.
func (s *WalletStore) GetWallet(ctx context.Context, address string) (*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE address = $1`

	w, err := scanWallet(s.pool.QueryRow(ctx, query, address))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListActive returns active wallets ordered by creation.
func (s *WalletStore) ListActive(ctx context.Context, groupID *int64) ([]*models.Wallet, error) {
	query := `
		SELECT ` + walletColumns + ` FROM wallets
		WHERE is_active AND ($1::bigint IS NULL OR group_id = $1)
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	wallets := make([]*models.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// CreateGroup inserts a group. Returns ErrDuplicateKey if the name is taken.
func (s *WalletStore) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	var g models.Group
	err := s.pool.QueryRow(ctx,
		`INSERT INTO groups (name) VALUES ($1) RETURNING id, name, created_at`, name,
	).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, storage.ErrDuplicateKey
		}
		return nil, fmt.Errorf("create group: %w", err)
	}
	return &g, nil
}

// GetGroup returns a group with its active wallet count.
func (s *WalletStore) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	query := `
		SELECT g.id, g.name, g.created_at, COUNT(w.id) FILTER (WHERE w.is_active)
		FROM groups g LEFT JOIN wallets w ON w.group_id = g.id
		WHERE g.id = $1
		GROUP BY g.id`

	var g models.Group
	if err := s.pool.QueryRow(ctx, query, id).Scan(&g.ID, &g.Name, &g.CreatedAt, &g.WalletCount); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// ListGroups returns all groups with active wallet counts.
func (s *WalletStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
	query := `
		SELECT g.id, g.name, g.created_at, COUNT(w.id) FILTER (WHERE w.is_active)
		FROM groups g LEFT JOIN wallets w ON w.group_id = g.id
		GROUP BY g.id
		ORDER BY g.id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*models.Group, 0)
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt, &g.WalletCount); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	if err := row.Scan(&w.ID, &w.Address, &w.DisplayName, &w.GroupID, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
