package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// ClickHouseOptions selects the archive database.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseArchive copies persisted transactions into wallet_trades, one row
// per token operation.
type ClickHouseArchive struct {
	conn   driver.Conn
	logger *logrus.Logger
}

func NewClickHouseArchive(ctx context.Context, opts ClickHouseOptions, logger *logrus.Logger) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.WithField("addr", opts.Addr).Info("connected to ClickHouse")

	return &ClickHouseArchive{conn: conn, logger: logger}, nil
}

var _ storage.TradeArchive = (*ClickHouseArchive)(nil)

// Conn exposes the driver for migrations and read queries.
func (c *ClickHouseArchive) Conn() driver.Conn {
	return c.conn
}

func (c *ClickHouseArchive) InsertTrade(ctx context.Context, tx *models.Transaction) error {
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO wallet_trades (
			signature, block_time, wallet, group_id, type, mint, symbol,
			token_amount, sol_amount, usd_amount
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	sol := tx.SolAmount.InexactFloat64()
	var usd *float64
	if tx.USDAmount != nil {
		v := tx.USDAmount.InexactFloat64()
		usd = &v
	}

	for _, op := range tx.Operations {
		symbol := models.UnknownSymbol
		if op.Token != nil {
			symbol = op.Token.Symbol
		}
		err = batch.Append(
			tx.Signature, tx.BlockTime.UTC(), tx.WalletAddress, tx.GroupID, string(tx.Type),
			op.Mint, symbol, op.Amount.InexactFloat64(), sol, usd,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (c *ClickHouseArchive) Close() error {
	return c.conn.Close()
}
