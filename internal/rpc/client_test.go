package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL:      url,
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
}

func TestClient_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[{"signature":"abc","slot":5,"err":null,"blockTime":1700000000}]}`))
	}))
	defer srv.Close()

	sigs, err := newTestClient(srv.URL).GetSignaturesForAddress(context.Background(), "Wallet", SignatureOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "abc", sigs[0].Signature)
	require.NotNil(t, sigs[0].BlockTime)
	assert.Equal(t, int64(1700000000), *sigs[0].BlockTime)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetTransaction(context.Background(), "sig")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GetTransactionParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getTransaction", req.Method)
		opts := req.Params[1].(map[string]interface{})
		assert.Equal(t, "jsonParsed", opts["encoding"])

		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{
			"slot": 10, "blockTime": 1700000001,
			"meta": {"err": null, "fee": 5000, "preBalances": [2000000000], "postBalances": [1000000000],
				"preTokenBalances": [], "postTokenBalances": [
					{"accountIndex": 2, "mint": "M", "owner": "W", "uiTokenAmount": {"amount": "1000", "decimals": 3, "uiAmountString": "1"}}
				]},
			"transaction": {"signatures": ["sig"], "message": {"accountKeys": [{"pubkey": "W", "signer": true, "writable": true}]}}
		}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).GetTransaction(context.Background(), "sig")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Meta)
	assert.Equal(t, "W", res.Meta.PostTokenBalances[0].Owner)
	assert.True(t, res.Transaction.Message.AccountKeys[0].Signer)
}

func TestClient_NullResultIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).GetTransaction(context.Background(), "sig")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestClient_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid param"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetTokenAccountBalance(context.Background(), "acct")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}
