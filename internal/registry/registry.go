// Package registry manages the set of monitored wallets and tells the
// ingestion side when that set changes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

var (
	// ErrInvalidAddress is returned for strings that are not a base58 public key.
	ErrInvalidAddress = errors.New("invalid wallet address")

	// ErrInvalidName is returned for empty or oversized group names.
	ErrInvalidName = errors.New("invalid group name")
)

const maxNameLength = 100

// EventPublisher carries wallet control events to the ingestion process.
type EventPublisher interface {
	PublishWalletEvent(ctx context.Context, ev models.WalletEvent) error
}

type Config struct {
	Wallets storage.WalletStore
	Groups  storage.GroupStore
	Events  EventPublisher // optional
	Logger  *logrus.Logger
}

type Service struct {
	wallets storage.WalletStore
	groups  storage.GroupStore
	events  EventPublisher
	logger  *logrus.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Service{
		wallets: cfg.Wallets,
		groups:  cfg.Groups,
		events:  cfg.Events,
		logger:  cfg.Logger,
	}
}

// ValidateAddress checks that address decodes to a 32-byte public key.
func ValidateAddress(address string) error {
	if address == "" || strings.TrimSpace(address) != address {
		return ErrInvalidAddress
	}
	raw, err := base58.Decode(address)
	if err != nil || len(raw) != 32 {
		return ErrInvalidAddress
	}
	return nil
}

// AddWallet registers address, or reactivates it and refreshes name and group
// when it is already known.
func (s *Service) AddWallet(ctx context.Context, address string, name *string, groupID *int64) (*models.Wallet, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			name = nil
		} else {
			name = &trimmed
		}
	}

	w, err := s.wallets.UpsertWallet(ctx, address, name, groupID)
	if err != nil {
		return nil, fmt.Errorf("add wallet: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"wallet": address, "id": w.ID}).Info("wallet added")
	s.publish(ctx, models.WalletEvent{Action: models.WalletAdded, Address: w.Address, GroupID: w.GroupID})
	return w, nil
}

// RemoveWallet soft-removes an active wallet.
func (s *Service) RemoveWallet(ctx context.Context, address string) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	w, err := s.wallets.DeactivateWallet(ctx, address)
	if err != nil {
		return fmt.Errorf("remove wallet: %w", err)
	}

	s.logger.WithField("wallet", address).Info("wallet removed")
	s.publish(ctx, models.WalletEvent{Action: models.WalletRemoved, Address: w.Address, GroupID: w.GroupID})
	return nil
}

// RemoveAllWallets soft-removes every active wallet in the group, or all of
// them when groupID is nil, and returns how many were removed.
func (s *Service) RemoveAllWallets(ctx context.Context, groupID *int64) (int, error) {
	addrs, err := s.wallets.DeactivateAll(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("remove all wallets: %w", err)
	}
	for _, addr := range addrs {
		s.publish(ctx, models.WalletEvent{Action: models.WalletRemoved, Address: addr, GroupID: groupID})
	}
	s.logger.WithField("count", len(addrs)).Info("wallets removed")
	return len(addrs), nil
}

func (s *Service) ListActiveWallets(ctx context.Context, groupID *int64) ([]*models.Wallet, error) {
	return s.wallets.ListActive(ctx, groupID)
}

func (s *Service) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, ErrInvalidName
	}
	return s.groups.CreateGroup(ctx, name)
}

func (s *Service) ListGroups(ctx context.Context) ([]*models.Group, error) {
	return s.groups.ListGroups(ctx)
}

func (s *Service) publish(ctx context.Context, ev models.WalletEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishWalletEvent(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"wallet": ev.Address,
			"action": ev.Action,
		}).Warn("failed to publish wallet event")
	}
}
