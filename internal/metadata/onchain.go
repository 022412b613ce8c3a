package metadata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	solrpc "github.com/gagliardetto/solana-go/rpc"
)

// ErrAccountNotFound is returned when an account does not exist on chain.
var ErrAccountNotFound = errors.New("account not found")

// maxMetadataString bounds the length prefix of Metaplex strings.
const maxMetadataString = 256

// AccountFetcher returns raw account data.
type AccountFetcher interface {
	AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error)
}

// RPCAccounts reads accounts through a solana-go RPC client.
type RPCAccounts struct {
	client *solrpc.Client
}

func NewRPCAccounts(endpoint string) *RPCAccounts {
	return &RPCAccounts{client: solrpc.New(endpoint)}
}

func (a *RPCAccounts) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, error) {
	res, err := a.client.GetAccountInfo(ctx, account)
	if errors.Is(err, solrpc.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, ErrAccountNotFound
	}
	return res.Value.Data.GetBinary(), nil
}

// OnChainMetadata is the identity part of a Metaplex metadata account.
type OnChainMetadata struct {
	Name   string
	Symbol string
	URI    string
}

// OnChain reads token identity straight from chain state.
type OnChain struct {
	accounts AccountFetcher
}

func NewOnChain(accounts AccountFetcher) *OnChain {
	return &OnChain{accounts: accounts}
}

// MintDecimals decodes the SPL mint account.
func (o *OnChain) MintDecimals(ctx context.Context, mint solana.PublicKey) (int, error) {
	data, err := o.accounts.AccountData(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("mint account %s: %w", mint, err)
	}

	var m token.Mint
	if err := bin.NewBinDecoder(data).Decode(&m); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	return int(m.Decimals), nil
}

// Metadata reads the Metaplex metadata PDA of mint.
func (o *OnChain) Metadata(ctx context.Context, mint solana.PublicKey) (*OnChainMetadata, error) {
	addr, _, err := solana.FindTokenMetadataAddress(mint)
	if err != nil {
		return nil, fmt.Errorf("derive metadata address: %w", err)
	}

	data, err := o.accounts.AccountData(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("metadata account %s: %w", addr, err)
	}
	return ParseMetadataAccount(data)
}

// ParseMetadataAccount decodes the leading fields of a Metaplex metadata
// account: key, update authority, mint, then the name, symbol and uri strings.
// Strings are fixed-width on chain and padded with NUL bytes.
func ParseMetadataAccount(data []byte) (*OnChainMetadata, error) {
	dec := bin.NewBorshDecoder(data)

	if _, err := dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	// update authority, mint
	if _, err := dec.ReadNBytes(64); err != nil {
		return nil, fmt.Errorf("read authorities: %w", err)
	}

	var fields [3]string
	for i := range fields {
		n, err := dec.ReadUint32(binary.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("read string length: %w", err)
		}
		if n > maxMetadataString {
			return nil, fmt.Errorf("string length %d exceeds %d", n, maxMetadataString)
		}
		raw, err := dec.ReadNBytes(int(n))
		if err != nil {
			return nil, fmt.Errorf("read string: %w", err)
		}
		fields[i] = strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
	}

	return &OnChainMetadata{Name: fields[0], Symbol: fields[1], URI: fields[2]}, nil
}
