// Package stream owns the long-lived websocket subscription to the venue's
// market-data feed.
//
// A Manager connects, subscribes to candle (and optionally trade) streams
// for the whole instrument universe, decodes frames and hands them to a
// Handler in arrival order on a single reader goroutine. On failure it
// reconnects with a linear backoff capped at 60 s and gives up after a
// bounded number of attempts, returning ErrRetriesExhausted so the owning
// process can restart it.
//
// Binance USDⓈ-M futures frames on the wire:
//
//	{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"o":"1","h":"2","l":"0.5","c":"1.5","v":"10","x":false}}
//	{"e":"aggTrade","s":"BTCUSDT","p":"1.51","q":"0.2","T":1700000001000}
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ema-sentinel/internal/model"

	"github.com/gorilla/websocket"
)

var (
	// ErrRetriesExhausted is returned by Run once the reconnect budget is spent.
	ErrRetriesExhausted = errors.New("stream: reconnect retries exhausted")

	// ErrConnection wraps transport-level failures: dial, subscribe write,
	// read error, missed pong.
	ErrConnection = errors.New("stream: connection failure")

	// ErrEmptyUniverse is returned when there is nothing to subscribe to.
	ErrEmptyUniverse = errors.New("stream: empty instrument universe")
)

// Handler consumes decoded messages. Calls happen on the reader goroutine,
// one at a time, in arrival order.
type Handler interface {
	HandleCandle(c model.Candle)
	HandleTrade(t model.Trade)
}

// UniverseSource lists the currently tradable instruments.
type UniverseSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// Config holds connection settings.
type Config struct {
	// URL of the venue websocket, e.g. "wss://fstream.binance.com/ws".
	URL string

	// Interval is the kline interval to subscribe to. Defaults to "1h".
	Interval string

	// SubscribeTrades adds <sym>@aggTrade streams.
	SubscribeTrades bool

	// MaxAttempts is the reconnect budget. Defaults to 10.
	MaxAttempts int

	// PingInterval between liveness pings. Defaults to 20s.
	PingInterval time.Duration

	// PongTimeout is how long a pong may take. Defaults to 10s.
	PongTimeout time.Duration

	// HandshakeTimeout bounds dial and each subscribe write. Defaults to 10s.
	HandshakeTimeout time.Duration

	// UniverseTimeout bounds the universe refresh. Defaults to 30s.
	UniverseTimeout time.Duration

	// ChunkSize is the number of streams per SUBSCRIBE request.
	ChunkSize int
}

func (c *Config) defaults() {
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.UniverseTimeout <= 0 {
		c.UniverseTimeout = 30 * time.Second
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxStreamsPerRequest {
		c.ChunkSize = MaxStreamsPerRequest
	}
}

// Manager owns one logical subscription.
type Manager struct {
	cfg      Config
	universe UniverseSource
	handler  Handler

	state   atomic.Int32
	reqID   atomic.Int64
	mu      sync.RWMutex
	symbols []string

	// Sleep waits between reconnect attempts. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// Optional hooks.
	OnState       func(State)
	OnUniverse    func(symbols []string)
	OnDecodeError func(err error)
	OnReconnect   func(attempt int, wait time.Duration, cause error)
}

// NewManager creates a Manager. Returns an error if the URL is unparseable.
func NewManager(cfg Config, universe UniverseSource, handler Handler) (*Manager, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("stream: bad url: %w", err)
	}
	if universe == nil || handler == nil {
		return nil, errors.New("stream: universe and handler are required")
	}
	return &Manager{
		cfg:      cfg,
		universe: universe,
		handler:  handler,
		Sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	if m.OnState != nil {
		m.OnState(s)
	}
}

// Symbols returns the universe subscribed on the last connect.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out
}

// Run connects and processes messages until ctx is cancelled (returns nil)
// or the reconnect budget is spent (returns ErrRetriesExhausted). The
// attempt counter resets after every successful subscribe.
func (m *Manager) Run(ctx context.Context) error {
	m.setState(Disconnected)
	attempt := 0

	for {
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return nil
		}

		m.setState(Connecting)
		subscribed, err := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return nil
		}
		if subscribed {
			attempt = 0
		}

		attempt++
		if attempt > m.cfg.MaxAttempts {
			m.setState(Failed)
			log.Printf("[stream] giving up after %d attempts: %v", m.cfg.MaxAttempts, err)
			return fmt.Errorf("%w (%d attempts): %v", ErrRetriesExhausted, m.cfg.MaxAttempts, err)
		}

		wait := Backoff(attempt)
		m.setState(Reconnecting)
		log.Printf("[stream] disconnected (%v), reconnecting in %s (attempt %d/%d)",
			err, wait, attempt, m.cfg.MaxAttempts)
		if m.OnReconnect != nil {
			m.OnReconnect(attempt, wait, err)
		}
		if err := m.Sleep(ctx, wait); err != nil {
			m.setState(Disconnected)
			return nil
		}
	}
}

// runOnce performs one connect-subscribe-read cycle. subscribed reports
// whether the subscribe handshake completed.
func (m *Manager) runOnce(ctx context.Context) (subscribed bool, err error) {
	symbols, err := m.refreshUniverse(ctx)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, _, err := dialer.DialContext(dialCtx, m.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: dial: %v", ErrConnection, err)
	}
	defer conn.Close()

	log.Printf("[stream] connected to %s", m.cfg.URL)

	if err := m.subscribe(conn, symbols); err != nil {
		return false, err
	}
	m.setState(Subscribed)
	log.Printf("[stream] subscribed to %d instruments", len(symbols))

	done := make(chan struct{})
	defer close(done)

	// Context watcher: close the socket on shutdown so ReadMessage unblocks.
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	m.keepAlive(conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("%w: read: %v", ErrConnection, err)
		}
		m.dispatch(raw)
	}
}

// keepAlive arms the read deadline, extends it on every pong, and pings
// on a fixed interval. A missing pong lets the deadline expire, which
// fails the next read.
func (m *Manager) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	window := m.cfg.PingInterval + m.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(window))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(window))
	})

	go func() {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(m.cfg.PongTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.Printf("[stream] ping failed: %v", err)
					return
				}
			}
		}
	}()
}

// refreshUniverse asks the source for the tradable instruments. On failure
// the previous universe is reused if there is one.
func (m *Manager) refreshUniverse(ctx context.Context) ([]string, error) {
	uctx, cancel := context.WithTimeout(ctx, m.cfg.UniverseTimeout)
	symbols, err := m.universe.Symbols(uctx)
	cancel()

	if err != nil || len(symbols) == 0 {
		prev := m.Symbols()
		if len(prev) == 0 {
			if err == nil {
				err = ErrEmptyUniverse
			}
			return nil, fmt.Errorf("%w: universe: %v", ErrConnection, err)
		}
		log.Printf("[stream] universe refresh failed (%v), reusing %d instruments", err, len(prev))
		symbols = prev
	} else {
		symbols = append([]string(nil), symbols...)
		sort.Strings(symbols)
	}

	m.mu.Lock()
	m.symbols = symbols
	m.mu.Unlock()

	if m.OnUniverse != nil {
		m.OnUniverse(symbols)
	}
	return symbols, nil
}

// subscribe sends the full universe in one or more SUBSCRIBE requests.
func (m *Manager) subscribe(conn *websocket.Conn, symbols []string) error {
	names := StreamNames(symbols, m.cfg.Interval, m.cfg.SubscribeTrades)
	for _, params := range chunk(names, m.cfg.ChunkSize) {
		req := subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: m.reqID.Add(1)}
		conn.SetWriteDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("%w: subscribe: %v", ErrConnection, err)
		}
	}
	conn.SetWriteDeadline(time.Time{})
	return nil
}

// dispatch decodes one frame and routes it. Decode failures are logged
// and dropped.
func (m *Manager) dispatch(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		log.Printf("[stream] %v", err)
		if m.OnDecodeError != nil {
			m.OnDecodeError(err)
		}
		return
	}
	switch msg.Kind {
	case KindCandle:
		m.handler.HandleCandle(msg.Candle)
	case KindTrade:
		m.handler.HandleTrade(msg.Trade)
	}
}
