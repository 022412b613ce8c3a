package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// TransactionStore implements storage.TransactionStore and storage.StatsStore using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

var (
	_ storage.TransactionStore = (*TransactionStore)(nil)
	_ storage.StatsStore       = (*TransactionStore)(nil)
)

const defaultListLimit = 100

// ExistsBySignature reports whether the signature was already saved.
func (s *TransactionStore) ExistsBySignature(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE signature = $1)`, signature,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check signature: %w", err)
	}
	return exists, nil
}

// Save writes the transaction, its tokens and operations in one database
// transaction. A signature conflict is not an error: the stored row is returned
// with created=false and no operations are written.
func (s *TransactionStore) Save(ctx context.Context, in *models.Transaction) (*models.Transaction, bool, error) {
	if in == nil || in.Signature == "" || !in.Type.Valid() || len(in.Operations) == 0 {
		return nil, false, fmt.Errorf("save transaction: %w", storage.ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out := *in
	out.Operations = make([]models.TokenOperation, 0, len(in.Operations))

	var usd *string
	if in.USDAmount != nil {
		v := in.USDAmount.String()
		usd = &v
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (wallet_id, signature, block_time, type, sol_amount, usd_amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING
		RETURNING id, created_at`,
		in.WalletID, in.Signature, in.BlockTime.UTC(), string(in.Type), in.SolAmount.String(), usd,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			_ = tx.Rollback(ctx)
			existing, gerr := s.getBySignature(ctx, in.Signature)
			if gerr != nil {
				return nil, false, fmt.Errorf("load existing transaction: %w", gerr)
			}
			return existing, false, nil
		}
		if isInvalidReference(err) {
			return nil, false, fmt.Errorf("insert transaction: %w", storage.ErrInvalidInput)
		}
		return nil, false, fmt.Errorf("insert transaction: %w", err)
	}

	for _, op := range in.Operations {
		if !op.Amount.IsPositive() {
			return nil, false, fmt.Errorf("operation %s amount %s: %w", op.Mint, op.Amount, storage.ErrInvalidInput)
		}

		token := op.Token
		if token == nil {
			token = &models.Token{Mint: op.Mint, Symbol: models.UnknownSymbol, Name: models.UnknownTokenName}
		}
		stored, err := upsertToken(ctx, tx, token)
		if err != nil {
			return nil, false, err
		}

		saved := op
		saved.TransactionID = out.ID
		saved.Token = stored
		err = tx.QueryRow(ctx, `
			INSERT INTO token_operations (transaction_id, token_mint, amount, operation_type)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			out.ID, op.Mint, op.Amount.String(), string(op.OperationType),
		).Scan(&saved.ID)
		if err != nil {
			return nil, false, fmt.Errorf("insert token operation: %w", err)
		}
		out.Operations = append(out.Operations, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return &out, true, nil
}

const transactionSelect = `
	SELECT t.id, t.wallet_id, w.address, w.group_id, t.signature, t.block_time, t.type,
	       t.sol_amount::text, t.usd_amount::text, t.created_at
	FROM transactions t
	JOIN wallets w ON w.id = t.wallet_id`

func (s *TransactionStore) getBySignature(ctx context.Context, signature string) (*models.Transaction, error) {
	rows, err := s.pool.Query(ctx, transactionSelect+` WHERE t.signature = $1`, signature)
	if err != nil {
		return nil, err
	}
	txs, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, storage.ErrNotFound
	}
	return txs[0], nil
}

// List returns transactions newest first by block time.
func (s *TransactionStore) List(ctx context.Context, f models.TransactionFilter) ([]*models.Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := transactionSelect + `
		WHERE ($1::timestamptz IS NULL OR t.block_time >= $1)
		  AND ($2::text = '' OR t.type = $2)
		  AND ($3::bigint IS NULL OR w.group_id = $3)
		  AND ($4::text = '' OR w.address = $4)
		ORDER BY t.block_time DESC, t.id DESC
		LIMIT $5`

	rows, err := s.pool.Query(ctx, query, f.Since, string(f.Type), f.GroupID, f.Wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return s.collect(ctx, rows)
}

// collect scans transaction rows and attaches operations with token metadata.
func (s *TransactionStore) collect(ctx context.Context, rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()

	txs := make([]*models.Transaction, 0)
	byID := make(map[int64]*models.Transaction)
	for rows.Next() {
		var (
			t        models.Transaction
			typ, sol string
			usd      *string
		)
		if err := rows.Scan(&t.ID, &t.WalletID, &t.WalletAddress, &t.GroupID, &t.Signature,
			&t.BlockTime, &typ, &sol, &usd, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = models.TxType(typ)
		t.SolAmount = decimal.RequireFromString(sol)
		if usd != nil {
			v := decimal.RequireFromString(*usd)
			t.USDAmount = &v
		}
		t.Operations = []models.TokenOperation{}
		txs = append(txs, &t)
		byID[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(txs) == 0 {
		return txs, nil
	}

	ids := make([]int64, 0, len(txs))
	for _, t := range txs {
		ids = append(ids, t.ID)
	}

	opRows, err := s.pool.Query(ctx, `
		SELECT o.id, o.transaction_id, o.token_mint, o.amount::text, o.operation_type,
		       k.symbol, k.name, k.decimals, k.logo_uri
		FROM token_operations o
		JOIN tokens k ON k.mint = o.token_mint
		WHERE o.transaction_id = ANY($1)
		ORDER BY o.id`, ids)
	if err != nil {
		return nil, fmt.Errorf("list token operations: %w", err)
	}
	defer opRows.Close()

	for opRows.Next() {
		var (
			op          models.TokenOperation
			amount, typ string
			tok         models.Token
		)
		if err := opRows.Scan(&op.ID, &op.TransactionID, &op.Mint, &amount, &typ,
			&tok.Symbol, &tok.Name, &tok.Decimals, &tok.LogoURI); err != nil {
			return nil, fmt.Errorf("scan token operation: %w", err)
		}
		tok.Mint = op.Mint
		op.Amount = decimal.RequireFromString(amount)
		op.OperationType = models.TxType(typ)
		op.Token = &tok
		if parent, ok := byID[op.TransactionID]; ok {
			parent.Operations = append(parent.Operations, op)
		}
	}
	return txs, opRows.Err()
}

// scopeFilter restricts to one wallet (active or not) or to active wallets of
// an optional group. Uses $2 for the group and $3 for the wallet address.
const scopeFilter = `
	(($3::text <> '' AND w.address = $3)
	 OR ($3::text = '' AND w.is_active AND ($2::bigint IS NULL OR w.group_id = $2)))`

// TokenFlows aggregates per-wallet quantities for the requested mints.
func (s *TransactionStore) TokenFlows(ctx context.Context, scope models.Scope, mints []string) ([]*models.TokenFlow, error) {
	if len(mints) == 0 {
		return []*models.TokenFlow{}, nil
	}

	query := `
		WITH op_counts AS (
			SELECT transaction_id, COUNT(*) AS n FROM token_operations GROUP BY transaction_id
		)
		SELECT t.wallet_id, o.token_mint,
		       COALESCE(SUM(o.amount) FILTER (WHERE o.operation_type = 'buy'), 0)::text,
		       COALESCE(SUM(o.amount) FILTER (WHERE o.operation_type = 'sell'), 0)::text,
		       COALESCE(SUM(t.sol_amount / c.n) FILTER (WHERE t.type = 'buy'), 0)::text,
		       COALESCE(SUM(t.sol_amount / c.n) FILTER (WHERE t.type = 'sell'), 0)::text,
		       COUNT(*) FILTER (WHERE o.operation_type = 'buy'),
		       COUNT(*) FILTER (WHERE o.operation_type = 'sell')
		FROM token_operations o
		JOIN transactions t ON t.id = o.transaction_id
		JOIN wallets w ON w.id = t.wallet_id
		JOIN op_counts c ON c.transaction_id = o.transaction_id
		WHERE o.token_mint = ANY($1) AND ` + scopeFilter + `
		GROUP BY t.wallet_id, o.token_mint
		ORDER BY o.token_mint, t.wallet_id`

	rows, err := s.pool.Query(ctx, query, mints, scope.GroupID, scope.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("token flows: %w", err)
	}
	defer rows.Close()

	flows := make([]*models.TokenFlow, 0)
	for rows.Next() {
		var (
			f                      models.TokenFlow
			bought, sold, sp, recv string
		)
		if err := rows.Scan(&f.WalletID, &f.Mint, &bought, &sold, &sp, &recv, &f.BuyCount, &f.SellCount); err != nil {
			return nil, fmt.Errorf("scan token flow: %w", err)
		}
		f.Bought = decimal.RequireFromString(bought)
		f.Sold = decimal.RequireFromString(sold)
		f.SpentNative = decimal.RequireFromString(sp)
		f.ReceivedNative = decimal.RequireFromString(recv)
		flows = append(flows, &f)
	}
	return flows, rows.Err()
}

// TouchedMints lists mints traded within scope since the given time.
func (s *TransactionStore) TouchedMints(ctx context.Context, scope models.Scope, since *time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT o.token_mint
		FROM token_operations o
		JOIN transactions t ON t.id = o.transaction_id
		JOIN wallets w ON w.id = t.wallet_id
		WHERE ($1::timestamptz IS NULL OR t.block_time >= $1) AND ` + scopeFilter + `
		ORDER BY o.token_mint`

	rows, err := s.pool.Query(ctx, query, since, scope.GroupID, scope.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("touched mints: %w", err)
	}
	mints, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("touched mints: %w", err)
	}
	return mints, nil
}

// RecomputeWalletStats rebuilds the wallet_stats row from scratch.
func (s *TransactionStore) RecomputeWalletStats(ctx context.Context, walletID int64) (*models.WalletStat, error) {
	query := `
		INSERT INTO wallet_stats (
			wallet_id, total_spent_sol, total_received_sol, total_buy_tx, total_sell_tx,
			unique_tokens_bought, unique_tokens_sold, last_transaction_at, updated_at
		)
		SELECT $1,
		       COALESCE(SUM(t.sol_amount) FILTER (WHERE t.type = 'buy'), 0),
		       COALESCE(SUM(t.sol_amount) FILTER (WHERE t.type = 'sell'), 0),
		       COUNT(*) FILTER (WHERE t.type = 'buy'),
		       COUNT(*) FILTER (WHERE t.type = 'sell'),
		       (SELECT COUNT(DISTINCT o.token_mint) FROM token_operations o
		          JOIN transactions t2 ON t2.id = o.transaction_id
		         WHERE t2.wallet_id = $1 AND o.operation_type = 'buy'),
		       (SELECT COUNT(DISTINCT o.token_mint) FROM token_operations o
		          JOIN transactions t2 ON t2.id = o.transaction_id
		         WHERE t2.wallet_id = $1 AND o.operation_type = 'sell'),
		       MAX(t.block_time),
		       now()
		FROM transactions t
		WHERE t.wallet_id = $1
		ON CONFLICT (wallet_id) DO UPDATE SET
			total_spent_sol      = EXCLUDED.total_spent_sol,
			total_received_sol   = EXCLUDED.total_received_sol,
			total_buy_tx         = EXCLUDED.total_buy_tx,
			total_sell_tx        = EXCLUDED.total_sell_tx,
			unique_tokens_bought = EXCLUDED.unique_tokens_bought,
			unique_tokens_sold   = EXCLUDED.unique_tokens_sold,
			last_transaction_at  = EXCLUDED.last_transaction_at,
			updated_at           = EXCLUDED.updated_at
		RETURNING ` + statColumns

	st, err := scanStat(s.pool.QueryRow(ctx, query, walletID))
	if err != nil {
		if isInvalidReference(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("recompute wallet stats: %w", err)
	}
	return st, nil
}

// GetWalletStats returns the materialized stats for the given wallets.
func (s *TransactionStore) GetWalletStats(ctx context.Context, walletIDs []int64) (map[int64]*models.WalletStat, error) {
	out := make(map[int64]*models.WalletStat, len(walletIDs))
	if len(walletIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT `+statColumns+` FROM wallet_stats WHERE wallet_id = ANY($1)`, walletIDs)
	if err != nil {
		return nil, fmt.Errorf("get wallet stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet stats: %w", err)
		}
		out[st.WalletID] = st
	}
	return out, rows.Err()
}

const statColumns = `wallet_id, total_spent_sol::text, total_received_sol::text, total_buy_tx, total_sell_tx,
	unique_tokens_bought, unique_tokens_sold, last_transaction_at, updated_at`

func scanStat(row pgx.Row) (*models.WalletStat, error) {
	var (
		st          models.WalletStat
		spent, recv string
	)
	if err := row.Scan(&st.WalletID, &spent, &recv, &st.TotalBuyTx, &st.TotalSellTx,
		&st.UniqueTokensBought, &st.UniqueTokensSold, &st.LastTransactionAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.TotalSpentSol = decimal.RequireFromString(spent)
	st.TotalReceivedSol = decimal.RequireFromString(recv)
	return &st, nil
}
