package metadata

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

// snapshotEntry is one token in a token-list style JSON file.
type snapshotEntry struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	LogoURI  string `json:"logoURI"`
}

type snapshotFile struct {
	Tokens []snapshotEntry `json:"tokens"`
}

// Snapshot is a read-only registry of known token identities, seeded with the
// built-in well-known mints and optionally a bulk JSON file.
type Snapshot struct {
	tokens map[string]models.Token
}

// NewSnapshot returns a snapshot containing only the well-known mints.
func NewSnapshot() *Snapshot {
	s := &Snapshot{tokens: make(map[string]models.Token, len(constants.WellKnownTokens))}
	for mint, t := range constants.WellKnownTokens {
		s.tokens[mint] = models.Token{Mint: mint, Symbol: t.Symbol, Name: t.Name, Decimals: t.Decimals}
	}
	return s
}

// LoadSnapshot reads a token list from path on top of the well-known mints.
// An empty path yields the built-in set.
func LoadSnapshot(path string) (*Snapshot, error) {
	s := NewSnapshot()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token snapshot: %w", err)
	}
	if err := s.Merge(data); err != nil {
		return nil, fmt.Errorf("parse token snapshot %s: %w", path, err)
	}
	return s, nil
}

// Merge adds entries from a JSON token list. Both {"tokens":[...]} and a bare
// array are accepted. Well-known mints are never replaced.
func (s *Snapshot) Merge(data []byte) error {
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var f snapshotFile
		if err2 := json.Unmarshal(data, &f); err2 != nil {
			return err2
		}
		entries = f.Tokens
	}

	for _, e := range entries {
		if e.Address == "" || e.Decimals < 0 {
			continue
		}
		if _, builtin := constants.WellKnownTokens[e.Address]; builtin {
			continue
		}
		t := models.Token{Mint: e.Address, Symbol: e.Symbol, Name: e.Name, Decimals: e.Decimals}
		if e.LogoURI != "" {
			logo := e.LogoURI
			t.LogoURI = &logo
		}
		s.tokens[e.Address] = t
	}
	return nil
}

// Lookup returns a copy of the snapshot entry for mint.
func (s *Snapshot) Lookup(mint string) (*models.Token, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tokens[mint]
	if !ok {
		return nil, false
	}
	return &t, true
}

// Len returns the number of known mints.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tokens)
}
