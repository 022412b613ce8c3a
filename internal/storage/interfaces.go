package storage

import (
	"context"
	"time"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

// WalletStore persists monitored wallets.
type WalletStore interface {
	// UpsertWallet inserts the address or reactivates and refreshes an existing row.
	UpsertWallet(ctx context.Context, address string, name *string, groupID *int64) (*models.Wallet, error)

	// DeactivateWallet soft-removes an active wallet. Returns ErrNotFound if none is active.
	DeactivateWallet(ctx context.Context, address string) (*models.Wallet, error)

	// DeactivateAll soft-removes every active wallet in scope in one statement
	// and returns the affected addresses.
	DeactivateAll(ctx context.Context, groupID *int64) ([]string, error)

	// GetWallet returns a wallet by address, active or not.
	GetWallet(ctx context.Context, address string) (*models.Wallet, error)

	// ListActive returns active wallets, optionally restricted to a group.
	ListActive(ctx context.Context, groupID *int64) ([]*models.Wallet, error)
}

// GroupStore persists wallet groups.
type GroupStore interface {
	CreateGroup(ctx context.Context, name string) (*models.Group, error)
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	ListGroups(ctx context.Context) ([]*models.Group, error)
}

// TokenStore persists token identity. Decimals are never overwritten.
type TokenStore interface {
	GetTokens(ctx context.Context, mints []string) (map[string]*models.Token, error)
	UpsertToken(ctx context.Context, token *models.Token) (*models.Token, error)
}

// TransactionStore persists normalized transactions with their token operations.
type TransactionStore interface {
	// ExistsBySignature reports whether a transaction with this signature was saved.
	ExistsBySignature(ctx context.Context, signature string) (bool, error)

	// Save stores the transaction and its operations atomically. When the
	// signature already exists it returns the stored row and created=false.
	Save(ctx context.Context, tx *models.Transaction) (saved *models.Transaction, created bool, err error)

	// List returns transactions newest first with operations and tokens attached.
	List(ctx context.Context, filter models.TransactionFilter) ([]*models.Transaction, error)

	// TokenFlows returns per-wallet raw flows for the given mints within scope.
	// Native amounts of multi-token transactions are split evenly across operations.
	TokenFlows(ctx context.Context, scope models.Scope, mints []string) ([]*models.TokenFlow, error)

	// TouchedMints returns mints with at least one operation since the given time.
	TouchedMints(ctx context.Context, scope models.Scope, since *time.Time) ([]string, error)
}

// StatsStore maintains the materialized wallet_stats rows.
type StatsStore interface {
	RecomputeWalletStats(ctx context.Context, walletID int64) (*models.WalletStat, error)
	GetWalletStats(ctx context.Context, walletIDs []int64) (map[int64]*models.WalletStat, error)
}

// SignatureQueue is the durable at-least-once work queue between the
// signature sources and the transaction processor.
type SignatureQueue interface {
	// Enqueue drops the event when a live idempotency marker or a failure
	// marker exists; otherwise it sets the marker and appends the event.
	Enqueue(ctx context.Context, ev models.SignatureEvent) (bool, error)

	// PopBatch promotes due retries and removes up to n events in FIFO order.
	PopBatch(ctx context.Context, n int) ([]models.SignatureEvent, error)

	// Retry schedules ev to become available after delay.
	Retry(ctx context.Context, ev models.SignatureEvent, delay time.Duration) error

	// Release clears the idempotency marker so a redelivery is accepted.
	Release(ctx context.Context, signature string) error

	// MarkFailed records the signature as processed-with-failure.
	MarkFailed(ctx context.Context, signature string) error

	// Len counts ready plus scheduled events.
	Len(ctx context.Context) (int64, error)

	// NextRetryAt returns when the earliest scheduled retry becomes due.
	NextRetryAt(ctx context.Context) (time.Time, bool, error)
}

// Broker fans out persisted transactions and wallet control events.
// Delivery is at-most-once to currently connected subscribers.
type Broker interface {
	Publish(ctx context.Context, tx *models.Transaction) error
	Subscribe(ctx context.Context, groupID *int64) (<-chan *models.Transaction, error)
	PublishWalletEvent(ctx context.Context, ev models.WalletEvent) error
	SubscribeWalletEvents(ctx context.Context) (<-chan models.WalletEvent, error)
}

// TradeArchive receives a copy of every persisted transaction for analytics.
type TradeArchive interface {
	InsertTrade(ctx context.Context, tx *models.Transaction) error
}
