// Package memory provides in-process implementations of the storage
// interfaces. They back unit tests and single-binary dev runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// Store holds wallets, groups, tokens, transactions and stats behind one mutex.
type Store struct {
	mu sync.RWMutex

	nextID   int64
	wallets  map[string]*models.Wallet
	groups   map[int64]*models.Group
	tokens   map[string]*models.Token
	txs      []*models.Transaction
	bySig    map[string]*models.Transaction
	stats    map[int64]*models.WalletStat
	archived []*models.Transaction
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		wallets: make(map[string]*models.Wallet),
		groups:  make(map[int64]*models.Group),
		tokens:  make(map[string]*models.Token),
		bySig:   make(map[string]*models.Transaction),
		stats:   make(map[int64]*models.WalletStat),
	}
}

var (
	_ storage.WalletStore      = (*Store)(nil)
	_ storage.GroupStore       = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.StatsStore       = (*Store)(nil)
	_ storage.TradeArchive     = (*Store)(nil)
)

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func copyWallet(w *models.Wallet) *models.Wallet {
	c := *w
	return &c
}

func copyToken(t *models.Token) *models.Token {
	c := *t
	return &c
}

func copyTx(t *models.Transaction) *models.Transaction {
	c := *t
	c.Operations = make([]models.TokenOperation, len(t.Operations))
	copy(c.Operations, t.Operations)
	return &c
}

func (s *Store) UpsertWallet(_ context.Context, address string, name *string, groupID *int64) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if groupID != nil {
		if _, ok := s.groups[*groupID]; !ok {
			return nil, fmt.Errorf("upsert wallet: unknown group: %w", storage.ErrInvalidInput)
		}
	}

	w, ok := s.wallets[address]
	if !ok {
		w = &models.Wallet{ID: s.id(), Address: address, CreatedAt: time.Now().UTC()}
		s.wallets[address] = w
	}
	if name != nil {
		w.DisplayName = name
	}
	if groupID != nil {
		w.GroupID = groupID
	}
	w.IsActive = true
	return copyWallet(w), nil
}

func (s *Store) DeactivateWallet(_ context.Context, address string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[address]
	if !ok || !w.IsActive {
		return nil, storage.ErrNotFound
	}
	w.IsActive = false
	return copyWallet(w), nil
}

func (s *Store) DeactivateAll(_ context.Context, groupID *int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0)
	for addr, w := range s.wallets {
		if !w.IsActive || !inGroup(w, groupID) {
			continue
		}
		w.IsActive = false
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetWallet(_ context.Context, address string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyWallet(w), nil
}

func (s *Store) ListActive(_ context.Context, groupID *int64) ([]*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Wallet, 0)
	for _, w := range s.wallets {
		if w.IsActive && inGroup(w, groupID) {
			out = append(out, copyWallet(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func inGroup(w *models.Wallet, groupID *int64) bool {
	return groupID == nil || (w.GroupID != nil && *w.GroupID == *groupID)
}

func (s *Store) CreateGroup(_ context.Context, name string) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.Name == name {
			return nil, storage.ErrDuplicateKey
		}
	}
	g := &models.Group{ID: s.id(), Name: name, CreatedAt: time.Now().UTC()}
	s.groups[g.ID] = g
	c := *g
	return &c, nil
}

func (s *Store) GetGroup(_ context.Context, id int64) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.groupWithCount(g), nil
}

func (s *Store) ListGroups(_ context.Context) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, s.groupWithCount(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) groupWithCount(g *models.Group) *models.Group {
	c := *g
	c.WalletCount = 0
	for _, w := range s.wallets {
		if w.IsActive && inGroup(w, &g.ID) {
			c.WalletCount++
		}
	}
	return &c
}

func (s *Store) GetTokens(_ context.Context, mints []string) (map[string]*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Token, len(mints))
	for _, m := range mints {
		if t, ok := s.tokens[m]; ok {
			out[m] = copyToken(t)
		}
	}
	return out, nil
}

func (s *Store) UpsertToken(_ context.Context, token *models.Token) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertTokenLocked(token)
}

func (s *Store) upsertTokenLocked(token *models.Token) (*models.Token, error) {
	if token == nil || token.Mint == "" || token.Decimals < 0 {
		return nil, fmt.Errorf("upsert token: %w", storage.ErrInvalidInput)
	}
	existing, ok := s.tokens[token.Mint]
	if !ok {
		s.tokens[token.Mint] = copyToken(token)
		return copyToken(token), nil
	}
	if existing.Symbol == models.UnknownSymbol {
		existing.Symbol = token.Symbol
	}
	if existing.Name == models.UnknownTokenName {
		existing.Name = token.Name
	}
	if existing.LogoURI == nil {
		existing.LogoURI = token.LogoURI
	}
	return copyToken(existing), nil
}

func (s *Store) ExistsBySignature(_ context.Context, signature string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySig[signature]
	return ok, nil
}

func (s *Store) Save(_ context.Context, in *models.Transaction) (*models.Transaction, bool, error) {
	if in == nil || in.Signature == "" || !in.Type.Valid() || len(in.Operations) == 0 {
		return nil, false, fmt.Errorf("save transaction: %w", storage.ErrInvalidInput)
	}
	for _, op := range in.Operations {
		if !op.Amount.IsPositive() {
			return nil, false, fmt.Errorf("operation %s amount %s: %w", op.Mint, op.Amount, storage.ErrInvalidInput)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bySig[in.Signature]; ok {
		return s.decorate(existing), false, nil
	}

	var wallet *models.Wallet
	for _, w := range s.wallets {
		if w.ID == in.WalletID {
			wallet = w
			break
		}
	}
	if wallet == nil {
		return nil, false, fmt.Errorf("save transaction: unknown wallet: %w", storage.ErrInvalidInput)
	}

	out := copyTx(in)
	out.ID = s.id()
	out.CreatedAt = time.Now().UTC()
	for i := range out.Operations {
		op := &out.Operations[i]
		token := op.Token
		if token == nil {
			token = &models.Token{Mint: op.Mint, Symbol: models.UnknownSymbol, Name: models.UnknownTokenName}
		}
		stored, err := s.upsertTokenLocked(token)
		if err != nil {
			return nil, false, err
		}
		op.ID = s.id()
		op.TransactionID = out.ID
		op.Token = stored
	}

	s.txs = append(s.txs, out)
	s.bySig[out.Signature] = out
	return s.decorate(out), true, nil
}

// decorate returns a copy carrying the owning wallet's address and group.
func (s *Store) decorate(t *models.Transaction) *models.Transaction {
	c := copyTx(t)
	for _, w := range s.wallets {
		if w.ID == t.WalletID {
			c.WalletAddress = w.Address
			c.GroupID = w.GroupID
			break
		}
	}
	for i := range c.Operations {
		if tok, ok := s.tokens[c.Operations[i].Mint]; ok {
			c.Operations[i].Token = copyToken(tok)
		}
	}
	return c
}

func (s *Store) List(_ context.Context, f models.TransactionFilter) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	out := make([]*models.Transaction, 0)
	for _, t := range s.txs {
		d := s.decorate(t)
		if f.Since != nil && d.BlockTime.Before(*f.Since) {
			continue
		}
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if f.GroupID != nil && (d.GroupID == nil || *d.GroupID != *f.GroupID) {
			continue
		}
		if f.Wallet != "" && d.WalletAddress != f.Wallet {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockTime.Equal(out[j].BlockTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].BlockTime.After(out[j].BlockTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inScope mirrors the SQL scope rule: an explicit wallet matches regardless of
// active state, otherwise only active wallets of the optional group count.
func (s *Store) inScope(walletID int64, scope models.Scope) bool {
	for _, w := range s.wallets {
		if w.ID != walletID {
			continue
		}
		if scope.WalletAddress != "" {
			return w.Address == scope.WalletAddress
		}
		return w.IsActive && inGroup(w, scope.GroupID)
	}
	return false
}

func (s *Store) TokenFlows(_ context.Context, scope models.Scope, mints []string) ([]*models.TokenFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(mints))
	for _, m := range mints {
		want[m] = true
	}

	type key struct {
		wallet int64
		mint   string
	}
	flows := make(map[key]*models.TokenFlow)
	for _, t := range s.txs {
		if !s.inScope(t.WalletID, scope) {
			continue
		}
		share := t.SolAmount.Div(decimal.NewFromInt(int64(len(t.Operations))))
		for _, op := range t.Operations {
			if !want[op.Mint] {
				continue
			}
			k := key{t.WalletID, op.Mint}
			f, ok := flows[k]
			if !ok {
				f = &models.TokenFlow{WalletID: t.WalletID, Mint: op.Mint}
				flows[k] = f
			}
			if op.OperationType == models.TxTypeBuy {
				f.Bought = f.Bought.Add(op.Amount)
				f.BuyCount++
			} else {
				f.Sold = f.Sold.Add(op.Amount)
				f.SellCount++
			}
			if t.Type == models.TxTypeBuy {
				f.SpentNative = f.SpentNative.Add(share)
			} else {
				f.ReceivedNative = f.ReceivedNative.Add(share)
			}
		}
	}

	out := make([]*models.TokenFlow, 0, len(flows))
	for _, f := range flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mint == out[j].Mint {
			return out[i].WalletID < out[j].WalletID
		}
		return out[i].Mint < out[j].Mint
	})
	return out, nil
}

func (s *Store) TouchedMints(_ context.Context, scope models.Scope, since *time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range s.txs {
		if since != nil && t.BlockTime.Before(*since) {
			continue
		}
		if !s.inScope(t.WalletID, scope) {
			continue
		}
		for _, op := range t.Operations {
			seen[op.Mint] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) RecomputeWalletStats(_ context.Context, walletID int64) (*models.WalletStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &models.WalletStat{WalletID: walletID, UpdatedAt: time.Now().UTC()}
	bought := make(map[string]bool)
	sold := make(map[string]bool)
	for _, t := range s.txs {
		if t.WalletID != walletID {
			continue
		}
		if t.Type == models.TxTypeBuy {
			st.TotalSpentSol = st.TotalSpentSol.Add(t.SolAmount)
			st.TotalBuyTx++
		} else {
			st.TotalReceivedSol = st.TotalReceivedSol.Add(t.SolAmount)
			st.TotalSellTx++
		}
		for _, op := range t.Operations {
			if op.OperationType == models.TxTypeBuy {
				bought[op.Mint] = true
			} else {
				sold[op.Mint] = true
			}
		}
		if st.LastTransactionAt == nil || t.BlockTime.After(*st.LastTransactionAt) {
			bt := t.BlockTime
			st.LastTransactionAt = &bt
		}
	}
	st.UniqueTokensBought = int64(len(bought))
	st.UniqueTokensSold = int64(len(sold))
	s.stats[walletID] = st

	c := *st
	return &c, nil
}

func (s *Store) GetWalletStats(_ context.Context, walletIDs []int64) (map[int64]*models.WalletStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]*models.WalletStat, len(walletIDs))
	for _, id := range walletIDs {
		if st, ok := s.stats[id]; ok {
			c := *st
			out[id] = &c
		}
	}
	return out, nil
}

// InsertTrade records the transaction so tests can assert on archiving.
func (s *Store) InsertTrade(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, copyTx(tx))
	return nil
}

// Archived returns the transactions passed to InsertTrade.
func (s *Store) Archived() []*models.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Transaction, len(s.archived))
	copy(out, s.archived)
	return out
}
