package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
)

const (
	wallet1 = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	wallet2 = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
)

type staticWallets []string

func (s staticWallets) ListActive(context.Context, *int64) ([]*models.Wallet, error) {
	out := make([]*models.Wallet, 0, len(s))
	for _, a := range s {
		out = append(out, &models.Wallet{Address: a, IsActive: true})
	}
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.SignatureEvent
	seen   map[string]bool
	ch     chan models.SignatureEvent
}

func newSink() *recordingSink {
	return &recordingSink{seen: make(map[string]bool), ch: make(chan models.SignatureEvent, 16)}
}

func (r *recordingSink) Enqueue(_ context.Context, ev models.SignatureEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[ev.Signature] {
		return false, nil
	}
	r.seen[ev.Signature] = true
	r.events = append(r.events, ev)
	select {
	case r.ch <- ev:
	default:
	}
	return true, nil
}

func (r *recordingSink) signatures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Signature)
	}
	return out
}

type fakeSignatures struct {
	mu    sync.Mutex
	byKey map[string][]rpc.SignatureInfo
	opts  []rpc.SignatureOptions
}

func (f *fakeSignatures) GetSignaturesForAddress(_ context.Context, address string, opts rpc.SignatureOptions) ([]rpc.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	return f.byKey[address+"|"+opts.Until], nil
}

func TestRPCPoller_BackfillsOldestFirst(t *testing.T) {
	bt := int64(1_700_000_000)
	lister := &fakeSignatures{byKey: map[string][]rpc.SignatureInfo{
		wallet1 + "|": {
			{Signature: "s3", BlockTime: &bt},
			{Signature: "s2", Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
			{Signature: "s1"},
		},
		wallet1 + "|s3": {
			{Signature: "s4"},
		},
	}}
	sink := newSink()
	p := NewRPCPoller(RPCPollerConfig{Client: lister, Wallets: staticWallets{wallet1}, Sink: sink, BackfillLimit: 10})
	ctx := context.Background()

	n, err := p.PollWallet(ctx, wallet1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"s1", "s3"}, sink.signatures())
	assert.Equal(t, bt, sink.events[1].BlockTime)
	assert.Equal(t, wallet1, sink.events[0].WalletAddress)

	// second pass starts after the newest signature already seen
	p.PollAll(ctx)
	assert.Equal(t, []string{"s1", "s3", "s4"}, sink.signatures())
	require.Len(t, lister.opts, 2)
	assert.Equal(t, "s3", lister.opts[1].Until)
	assert.Equal(t, 10, lister.opts[1].Limit)

	p.Forget(wallet1)
	_, err = p.PollWallet(ctx, wallet1)
	require.NoError(t, err)
	assert.Equal(t, "", lister.opts[2].Until)
	assert.Len(t, sink.signatures(), 3, "redelivered signatures are deduplicated by the sink")
}

func TestRPCPoller_SingleRun(t *testing.T) {
	p := NewRPCPoller(RPCPollerConfig{
		Client: &fakeSignatures{}, Wallets: staticWallets{}, Sink: newSink(), PollInterval: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.running.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Run(ctx), ErrAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeNode is a minimal logsSubscribe endpoint. It hands out subscription ids
// starting at 100 and records every request it sees.
type fakeNode struct {
	t      *testing.T
	mu     sync.Mutex
	conn   *websocket.Conn
	reqs   []rpcRequest
	subs   map[string]int64
	nextID int64
	reqCh  chan rpcRequest
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{t: t, subs: make(map[string]int64), nextID: 100, reqCh: make(chan rpcRequest, 16)}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)
	return n, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.conn = c
	n.mu.Unlock()
	defer c.Close()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		n.mu.Lock()
		switch req.Method {
		case "logsSubscribe":
			var filter struct {
				Mentions []string `json:"mentions"`
			}
			_ = json.Unmarshal(req.Params[0], &filter)
			n.nextID++
			n.subs[filter.Mentions[0]] = n.nextID
			resp["result"] = n.nextID
		case "logsUnsubscribe":
			resp["result"] = true
		}
		n.reqs = append(n.reqs, rpcRequest{ID: req.ID, Method: req.Method})
		n.mu.Unlock()

		n.write(resp)
		n.reqCh <- rpcRequest{ID: req.ID, Method: req.Method}
	}
}

func (n *fakeNode) write(v interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		_ = n.conn.WriteJSON(v)
	}
}

func (n *fakeNode) subID(addr string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs[addr]
}

func (n *fakeNode) notify(subID int64, sig string, txErr interface{}) {
	n.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]interface{}{
			"subscription": subID,
			"result": map[string]interface{}{
				"context": map[string]interface{}{"slot": 1},
				"value":   map[string]interface{}{"signature": sig, "err": txErr, "logs": []string{}},
			},
		},
	})
}

func (n *fakeNode) dropConnection() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func nextRequest(t *testing.T, n *fakeNode) rpcRequest {
	t.Helper()
	select {
	case r := <-n.reqCh:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the node")
		return rpcRequest{}
	}
}

func nextSignature(t *testing.T, s *recordingSink) models.SignatureEvent {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no signature enqueued")
		return models.SignatureEvent{}
	}
}

func startSubscriber(t *testing.T, cfg LogSubscriberConfig) (*LogSubscriber, <-chan error) {
	t.Helper()
	s := NewLogSubscriber(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return s, errc
}

func TestLogSubscriber_EnqueuesSuccessfulSignatures(t *testing.T) {
	node, srv := newFakeNode(t)
	sink := newSink()
	m := metrics.New(nil)

	s, _ := startSubscriber(t, LogSubscriberConfig{
		URL: wsURL(srv), Wallets: staticWallets{wallet1}, Sink: sink, Metrics: m,
	})

	assert.Equal(t, "logsSubscribe", nextRequest(t, node).Method)
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never confirmed")
	}
	assert.Equal(t, StateSubscribed, s.State())

	sub := node.subID(wallet1)
	node.notify(sub, "failedsig", map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}})
	node.notify(sub, "goodsig", nil)

	ev := nextSignature(t, sink)
	assert.Equal(t, "goodsig", ev.Signature)
	assert.Equal(t, wallet1, ev.WalletAddress)
	assert.Equal(t, []string{"goodsig"}, sink.signatures())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StreamNotifications))
}

func TestLogSubscriber_TrackAndUntrack(t *testing.T) {
	node, srv := newFakeNode(t)
	sink := newSink()

	s, _ := startSubscriber(t, LogSubscriberConfig{URL: wsURL(srv), Wallets: staticWallets{}, Sink: sink})
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never became ready")
	}

	require.NoError(t, s.Track(wallet2))
	assert.Equal(t, "logsSubscribe", nextRequest(t, node).Method)
	assert.Equal(t, 1, s.Tracked())

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.tracked[wallet2] != 0
	}, 2*time.Second, 5*time.Millisecond)

	node.notify(node.subID(wallet2), "sig-w2", nil)
	assert.Equal(t, wallet2, nextSignature(t, sink).WalletAddress)

	require.NoError(t, s.Untrack(wallet2))
	assert.Equal(t, "logsUnsubscribe", nextRequest(t, node).Method)
	assert.Equal(t, 0, s.Tracked())

	// notifications for a dropped subscription are ignored
	node.notify(node.subID(wallet2), "late", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"sig-w2"}, sink.signatures())
}

func TestLogSubscriber_ResubscribesAfterDrop(t *testing.T) {
	node, srv := newFakeNode(t)
	sink := newSink()
	m := metrics.New(nil)

	s, _ := startSubscriber(t, LogSubscriberConfig{
		URL: wsURL(srv), Wallets: staticWallets{wallet1}, Sink: sink, Metrics: m,
		RetryDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond,
	})
	nextRequest(t, node)
	<-s.Ready()

	node.dropConnection()
	assert.Equal(t, "logsSubscribe", nextRequest(t, node).Method)
	require.Eventually(t, func() bool { return s.State() == StateSubscribed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamReconnects))

	node.notify(node.subID(wallet1), "after-reconnect", nil)
	assert.Equal(t, "after-reconnect", nextSignature(t, sink).Signature)
}

func TestLogSubscriber_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	m := metrics.New(nil)
	s := NewLogSubscriber(LogSubscriberConfig{
		URL: url, Sink: newSink(), Metrics: m,
		MaxRetries: 2, RetryDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StreamReconnects))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, float64(StateDisconnected), testutil.ToFloat64(m.StreamState))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "degraded", StateDegraded.String())
}
