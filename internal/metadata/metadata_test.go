package metadata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage/memory"
)

const testMint = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func metaString(s string, width int) []byte {
	b := make([]byte, 4+width)
	binary.LittleEndian.PutUint32(b, uint32(width))
	copy(b[4:], s)
	return b
}

func metadataAccount(name, symbol, uri string) []byte {
	data := []byte{4}
	data = append(data, make([]byte, 64)...)
	data = append(data, metaString(name, 32)...)
	data = append(data, metaString(symbol, 10)...)
	data = append(data, metaString(uri, 200)...)
	// trailing fields are ignored
	return append(data, 0x01, 0xf4, 0x01)
}

func mintAccount(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	return data
}

type fakeAccounts map[solana.PublicKey][]byte

func (f fakeAccounts) AccountData(_ context.Context, account solana.PublicKey) ([]byte, error) {
	if d, ok := f[account]; ok {
		return d, nil
	}
	return nil, ErrAccountNotFound
}

type countingAPI struct {
	token *models.Token
	err   error
	calls atomic.Int32
}

func (c *countingAPI) GetAsset(_ context.Context, mint string) (*models.Token, error) {
	c.calls.Add(1)
	if c.err != nil || c.token == nil {
		return nil, c.err
	}
	t := *c.token
	t.Mint = mint
	return &t, nil
}

func TestParseMetadataAccount(t *testing.T) {
	md, err := ParseMetadataAccount(metadataAccount("Test Token", "TEST", "https://example.com/t.json"))
	require.NoError(t, err)
	assert.Equal(t, "Test Token", md.Name)
	assert.Equal(t, "TEST", md.Symbol)
	assert.Equal(t, "https://example.com/t.json", md.URI)

	_, err = ParseMetadataAccount([]byte{4, 1, 2})
	assert.Error(t, err)

	oversized := append([]byte{4}, make([]byte, 64)...)
	oversized = binary.LittleEndian.AppendUint32(oversized, 1<<20)
	_, err = ParseMetadataAccount(oversized)
	assert.Error(t, err)
}

func TestOnChain_MintDecimalsAndMetadata(t *testing.T) {
	mint := solana.MustPublicKeyFromBase58(testMint)
	mdAddr, _, err := solana.FindTokenMetadataAddress(mint)
	require.NoError(t, err)

	oc := NewOnChain(fakeAccounts{
		mint:   mintAccount(6),
		mdAddr: metadataAccount("Chain Token", "CHN", ""),
	})

	d, err := oc.MintDecimals(context.Background(), mint)
	require.NoError(t, err)
	assert.Equal(t, 6, d)

	md, err := oc.Metadata(context.Background(), mint)
	require.NoError(t, err)
	assert.Equal(t, "CHN", md.Symbol)

	_, err = oc.Metadata(context.Background(), solana.MustPublicKeyFromBase58(constants.USDCMint))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSnapshot_Merge(t *testing.T) {
	s := NewSnapshot()
	base := s.Len()

	require.NoError(t, s.Merge([]byte(`{"tokens":[
		{"address":"`+testMint+`","symbol":"TST","name":"Test","decimals":4,"logoURI":"https://x/y.png"},
		{"address":"`+constants.USDCMint+`","symbol":"FAKE","name":"Fake","decimals":2}
	]}`)))
	assert.Equal(t, base+1, s.Len())

	tok, ok := s.Lookup(testMint)
	require.True(t, ok)
	assert.Equal(t, 4, tok.Decimals)
	require.NotNil(t, tok.LogoURI)

	usdc, ok := s.Lookup(constants.USDCMint)
	require.True(t, ok)
	assert.Equal(t, "USDC", usdc.Symbol, "built-in entries are not replaced")

	require.NoError(t, s.Merge([]byte(`[{"address":"Other111","symbol":"O","name":"O","decimals":0}]`)))
	assert.Equal(t, base+2, s.Len())
}

func TestResolver_SnapshotBeforeNetwork(t *testing.T) {
	api := &countingAPI{token: &models.Token{Symbol: "API", Name: "From API", Decimals: 9}}
	r := NewResolver(Config{Store: memory.NewStore(), API: api})

	tok, err := r.GetTokenInfo(context.Background(), constants.USDCMint)
	require.NoError(t, err)
	assert.Equal(t, "USDC", tok.Symbol)
	assert.Equal(t, int32(0), api.calls.Load())
}

func TestResolver_ChainFallbackAndPersistence(t *testing.T) {
	mint := solana.MustPublicKeyFromBase58(testMint)
	mdAddr, _, err := solana.FindTokenMetadataAddress(mint)
	require.NoError(t, err)

	store := memory.NewStore()
	api := &countingAPI{err: errors.New("api down")}
	r := NewResolver(Config{
		Store: store,
		API:   api,
		Chain: NewOnChain(fakeAccounts{mint: mintAccount(8), mdAddr: metadataAccount("Chain", "CHN", "")}),
	})

	tok, err := r.GetTokenInfo(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, "CHN", tok.Symbol)
	assert.Equal(t, 8, tok.Decimals)

	stored, err := store.GetTokens(context.Background(), []string{testMint})
	require.NoError(t, err)
	require.Contains(t, stored, testMint)
	assert.Equal(t, "CHN", stored[testMint].Symbol)

	// cached: no further API traffic
	_, err = r.GetTokenInfo(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestResolver_UnknownUsesObservedDecimals(t *testing.T) {
	store := memory.NewStore()
	r := NewResolver(Config{Store: store, Chain: NewOnChain(fakeAccounts{})})

	out, err := r.GetTokenInfos(context.Background(), []string{testMint}, map[string]int{testMint: 5})
	require.NoError(t, err)
	tok := out[testMint]
	require.NotNil(t, tok)
	assert.True(t, tok.IsUnknown())
	assert.Equal(t, models.UnknownTokenName, tok.Name)
	assert.Equal(t, 5, tok.Decimals)

	stored, err := store.GetTokens(context.Background(), []string{testMint})
	require.NoError(t, err)
	assert.Empty(t, stored, "placeholders are not persisted by the resolver")
}

func TestResolver_DecimalsMismatchAlertsAndKeepsStored(t *testing.T) {
	store := memory.NewStore()
	_, err := store.UpsertToken(context.Background(), &models.Token{Mint: testMint, Symbol: "TST", Name: "Test", Decimals: 6})
	require.NoError(t, err)

	m := metrics.New(nil)
	r := NewResolver(Config{Store: store, Metrics: m})

	out, err := r.GetTokenInfos(context.Background(), []string{testMint}, map[string]int{testMint: 9})
	require.NoError(t, err)
	assert.Equal(t, 6, out[testMint].Decimals)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecimalsAlerts))

	stored, err := store.GetTokens(context.Background(), []string{testMint})
	require.NoError(t, err)
	assert.Equal(t, 6, stored[testMint].Decimals)
}

func TestHeliusClient_GetAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("api-key"))
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string            `json:"method"`
			Params map[string]string `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "getAsset", req.Method)

		w.Header().Set("Content-Type", "application/json")
		if req.Params["id"] != testMint {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{
			"content":{"metadata":{"name":"Helius Token","symbol":"HEL"},"links":{"image":"https://img/h.png"}},
			"token_info":{"symbol":"HEL","decimals":7}}}`))
	}))
	defer srv.Close()

	caller := rpc.NewClient(rpc.ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	h := NewHeliusClient(caller, srv.URL, "secret")
	require.NotNil(t, h)

	tok, err := h.GetAsset(context.Background(), testMint)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "HEL", tok.Symbol)
	assert.Equal(t, "Helius Token", tok.Name)
	assert.Equal(t, 7, tok.Decimals)
	require.NotNil(t, tok.LogoURI)

	tok, err = h.GetAsset(context.Background(), constants.USDCMint)
	require.NoError(t, err)
	assert.Nil(t, tok)

	assert.Nil(t, NewHeliusClient(caller, srv.URL, ""))
}

type recoveringAPI struct {
	failures atomic.Int32
	calls    atomic.Int32
}

func (a *recoveringAPI) GetAsset(_ context.Context, mint string) (*models.Token, error) {
	a.calls.Add(1)
	if a.failures.Add(-1) >= 0 {
		return nil, errors.New("503 service unavailable")
	}
	return &models.Token{Mint: mint, Symbol: "REAL", Name: "Real Token", Decimals: 6}, nil
}

func TestResolver_PlaceholderRetriedAfterOutage(t *testing.T) {
	api := &recoveringAPI{}
	api.failures.Store(1)
	r := NewResolver(Config{Store: memory.NewStore(), API: api})

	tok, err := r.GetTokenInfo(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NotNil(t, tok)
	assert.True(t, tok.IsUnknown())

	tok, err = r.GetTokenInfo(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, "REAL", tok.Symbol)
	assert.Equal(t, int32(2), api.calls.Load())

	// resolved tokens are cached
	_, err = r.GetTokenInfo(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.calls.Load())
}

func TestResolver_MintAccountDecimalsBeatAPI(t *testing.T) {
	mint := solana.MustPublicKeyFromBase58(testMint)
	m := metrics.New(nil)
	api := &countingAPI{token: &models.Token{Symbol: "API", Name: "From API", Decimals: 9}}
	r := NewResolver(Config{
		Store:   memory.NewStore(),
		API:     api,
		Chain:   NewOnChain(fakeAccounts{mint: mintAccount(6)}),
		Metrics: m,
	})

	tok, err := r.GetTokenInfo(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, "API", tok.Symbol)
	assert.Equal(t, 6, tok.Decimals)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecimalsAlerts))
}
