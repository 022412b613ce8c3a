// Package stream feeds signature events for monitored wallets into the
// ingestion queue, from a websocket log subscription or an RPC poller.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/retry"
)

// ErrRetriesExhausted is returned by Run once reconnecting has failed
// MaxRetries times in a row.
var ErrRetriesExhausted = errors.New("log subscription retries exhausted")

// State is the connection state of the log subscription.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

type LogSubscriberConfig struct {
	URL     string
	Wallets WalletLister
	Sink    Enqueuer

	MaxRetries   int
	RetryDelay   time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// LogSubscriber holds one websocket connection with a logsSubscribe
// subscription per wallet and enqueues every successful signature it is told
// about. A dropped connection moves to degraded and reconnects with backoff.
type LogSubscriber struct {
	url          string
	wallets      WalletLister
	sink         Enqueuer
	maxRetries   int
	backoff      retry.Policy
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *logrus.Logger

	state   atomic.Int32
	running atomic.Bool

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   uint64
	tracked  map[string]int64  // wallet -> subscription id, 0 while pending
	pending  map[uint64]string // request id -> wallet
	bySubID  map[int64]string
	unsubIDs map[uint64]struct{}
	onReady  chan struct{}
}

func NewLogSubscriber(cfg LogSubscriberConfig) *LogSubscriber {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &LogSubscriber{
		url:     cfg.URL,
		wallets: cfg.Wallets,
		sink:    cfg.Sink,
		backoff: retry.Policy{
			BaseDelay: cfg.RetryDelay,
			MaxDelay:  cfg.MaxDelay,
			Jitter:    0.2,
		},
		maxRetries:   cfg.MaxRetries,
		pingInterval: cfg.PingInterval,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracked:      make(map[string]int64),
		pending:      make(map[uint64]string),
		bySubID:      make(map[int64]string),
		unsubIDs:     make(map[uint64]struct{}),
		onReady:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *LogSubscriber) State() State {
	return State(s.state.Load())
}

// Ready is closed the first time the subscription reaches the subscribed state.
func (s *LogSubscriber) Ready() <-chan struct{} {
	return s.onReady
}

func (s *LogSubscriber) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	if s.metrics != nil {
		s.metrics.StreamState.Set(float64(st))
	}
	s.logger.WithField("state", st.String()).Debug("log subscription state")
	if st == StateSubscribed {
		s.mu.Lock()
		select {
		case <-s.onReady:
		default:
			close(s.onReady)
		}
		s.mu.Unlock()
	}
}

// Run connects and keeps the subscription alive until ctx is done or
// reconnecting fails MaxRetries times in a row.
func (s *LogSubscriber) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.setState(StateDisconnected)

	if err := s.loadWallets(ctx); err != nil {
		return err
	}

	failures := 0
	for {
		s.setState(StateConnecting)
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			failures = 0
		}
		failures++
		if failures > s.maxRetries {
			s.logger.WithError(err).WithField("attempts", failures-1).Error("log subscription giving up")
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		s.setState(StateDegraded)
		wait := s.backoff.Delay(failures)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": failures,
			"wait":    wait,
		}).Warn("log subscription dropped, reconnecting")
		if s.metrics != nil {
			s.metrics.StreamReconnects.Inc()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *LogSubscriber) loadWallets(ctx context.Context) error {
	if s.wallets == nil {
		return nil
	}
	ws, err := s.wallets.ListActive(ctx, nil)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}
	s.mu.Lock()
	for _, w := range ws {
		if _, ok := s.tracked[w.Address]; !ok {
			s.tracked[w.Address] = 0
		}
	}
	s.mu.Unlock()
	return nil
}

// session runs one connection until it fails. It reports whether the
// connection got as far as subscribed.
func (s *LogSubscriber) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	s.mu.Lock()
	s.conn = conn
	for addr := range s.tracked {
		s.tracked[addr] = 0
	}
	s.pending = make(map[uint64]string)
	s.bySubID = make(map[int64]string)
	s.unsubIDs = make(map[uint64]struct{})
	addrs := make([]string, 0, len(s.tracked))
	for addr := range s.tracked {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go s.pingLoop(conn, done)

	for _, addr := range addrs {
		if err := s.subscribe(addr); err != nil {
			return false, err
		}
	}
	if len(addrs) == 0 {
		s.setState(StateSubscribed)
	}

	subscribed := len(addrs) == 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return subscribed, fmt.Errorf("websocket read: %w", err)
		}
		if s.handleMessage(ctx, msg) {
			subscribed = true
			s.setState(StateSubscribed)
		}
	}
}

func (s *LogSubscriber) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Debug("websocket ping failed")
			}
		}
	}
}

// Track starts watching address. Safe to call before or during Run.
func (s *LogSubscriber) Track(address string) error {
	s.mu.Lock()
	if _, ok := s.tracked[address]; ok {
		s.mu.Unlock()
		return nil
	}
	s.tracked[address] = 0
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.subscribe(address)
}

// Untrack stops watching address.
func (s *LogSubscriber) Untrack(address string) error {
	s.mu.Lock()
	subID, ok := s.tracked[address]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.tracked, address)
	delete(s.bySubID, subID)
	if s.conn == nil || subID == 0 {
		s.mu.Unlock()
		return nil
	}
	s.nextID++
	id := s.nextID
	s.unsubIDs[id] = struct{}{}
	err := s.writeLocked(rpcRequest{
		JSONRPC: "2.0", ID: id, Method: "logsUnsubscribe",
		Params: []interface{}{subID},
	})
	s.mu.Unlock()
	return err
}

// Tracked returns how many wallets are being watched.
func (s *LogSubscriber) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *LogSubscriber) subscribe(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = address
	return s.writeLocked(rpcRequest{
		JSONRPC: "2.0", ID: id, Method: "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{address}},
			map[string]string{"commitment": "confirmed"},
		},
	})
}

// writeLocked sends a request; s.mu must be held.
func (s *LogSubscriber) writeLocked(req rpcRequest) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

// handleMessage dispatches one frame and reports whether it confirmed a
// subscription.
func (s *LogSubscriber) handleMessage(ctx context.Context, msg []byte) bool {
	var env rpcEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.WithError(err).Debug("ignoring malformed websocket frame")
		return false
	}

	if env.Method == "logsNotification" {
		s.handleNotification(ctx, env.Params)
		return false
	}
	if env.ID == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.unsubIDs[env.ID]; ok {
		delete(s.unsubIDs, env.ID)
		return false
	}
	addr, ok := s.pending[env.ID]
	if !ok {
		return false
	}
	delete(s.pending, env.ID)

	if env.Error != nil {
		s.logger.WithFields(logrus.Fields{
			"wallet": addr,
			"code":   env.Error.Code,
		}).Warn("logsSubscribe rejected: " + env.Error.Message)
		return false
	}
	var subID int64
	if err := json.Unmarshal(env.Result, &subID); err != nil {
		return false
	}
	if _, still := s.tracked[addr]; !still {
		// untracked while the request was in flight
		s.nextID++
		s.unsubIDs[s.nextID] = struct{}{}
		_ = s.writeLocked(rpcRequest{JSONRPC: "2.0", ID: s.nextID, Method: "logsUnsubscribe", Params: []interface{}{subID}})
		return false
	}
	s.tracked[addr] = subID
	s.bySubID[subID] = addr
	return true
}

func (s *LogSubscriber) handleNotification(ctx context.Context, raw json.RawMessage) {
	var p logsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.StreamNotifications.Inc()
	}
	if p.Result.Value.Err != nil || p.Result.Value.Signature == "" {
		return
	}

	s.mu.Lock()
	addr, ok := s.bySubID[p.Subscription]
	s.mu.Unlock()
	if !ok {
		return
	}

	ev := models.SignatureEvent{Signature: p.Result.Value.Signature, WalletAddress: addr}
	if _, err := s.sink.Enqueue(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"wallet":    addr,
			"signature": ev.Signature,
		}).Error("failed to enqueue signature")
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcEnvelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type logsParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Context struct {
			Slot int64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Signature string      `json:"signature"`
			Err       interface{} `json:"err"`
			Logs      []string    `json:"logs"`
		} `json:"value"`
	} `json:"result"`
}
