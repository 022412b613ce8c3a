package postgres

import (
	"context"
	"fmt"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// upsertTokenSQL refines placeholder metadata but never touches decimals of a
// stored mint.
const upsertTokenSQL = `
	INSERT INTO tokens (mint, symbol, name, decimals, logo_uri)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (mint) DO UPDATE SET
		symbol     = CASE WHEN tokens.symbol = 'Unknown' THEN EXCLUDED.symbol ELSE tokens.symbol END,
		name       = CASE WHEN tokens.name = 'Unknown Token' THEN EXCLUDED.name ELSE tokens.name END,
		logo_uri   = COALESCE(tokens.logo_uri, EXCLUDED.logo_uri),
		updated_at = now()
	RETURNING mint, symbol, name, decimals, logo_uri`

// GetTokens returns stored tokens keyed by mint. Missing mints are absent.
func (s *TokenStore) GetTokens(ctx context.Context, mints []string) (map[string]*models.Token, error) {
	return getTokens(ctx, s.pool, mints)
}

// UpsertToken inserts or refines a token and returns the stored row.
func (s *TokenStore) UpsertToken(ctx context.Context, token *models.Token) (*models.Token, error) {
	return upsertToken(ctx, s.pool, token)
}

func upsertToken(ctx context.Context, q querier, token *models.Token) (*models.Token, error) {
	if token == nil || token.Mint == "" {
		return nil, fmt.Errorf("upsert token: %w", storage.ErrInvalidInput)
	}

	var t models.Token
	err := q.QueryRow(ctx, upsertTokenSQL, token.Mint, token.Symbol, token.Name, token.Decimals, token.LogoURI).
		Scan(&t.Mint, &t.Symbol, &t.Name, &t.Decimals, &t.LogoURI)
	if err != nil {
		return nil, fmt.Errorf("upsert token %s: %w", token.Mint, err)
	}
	return &t, nil
}

func getTokens(ctx context.Context, q querier, mints []string) (map[string]*models.Token, error) {
	out := make(map[string]*models.Token, len(mints))
	if len(mints) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx,
		`SELECT mint, symbol, name, decimals, logo_uri FROM tokens WHERE mint = ANY($1)`, mints)
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t models.Token
		if err := rows.Scan(&t.Mint, &t.Symbol, &t.Name, &t.Decimals, &t.LogoURI); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out[t.Mint] = &t
	}
	return out, rows.Err()
}
