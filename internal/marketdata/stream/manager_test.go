package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ema-sentinel/internal/model"

	"github.com/gorilla/websocket"
)

type staticUniverse []string

func (u staticUniverse) Symbols(context.Context) ([]string, error) { return u, nil }

type failingUniverse struct{ calls atomic.Int32 }

func (u *failingUniverse) Symbols(context.Context) ([]string, error) {
	u.calls.Add(1)
	return nil, errors.New("exchangeInfo unavailable")
}

type recorder struct {
	mu      sync.Mutex
	candles []model.Candle
	trades  []model.Trade
	got     chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 64)} }

func (r *recorder) HandleCandle(c model.Candle) {
	r.mu.Lock()
	r.candles = append(r.candles, c)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) HandleTrade(t model.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
}

// wsServer starts a websocket test server running fn for every connection.
func wsServer(t *testing.T, fn func(c *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain reads until the peer goes away, answering pings.
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// recordSleep replaces Manager.Sleep, recording waits without sleeping.
type recordSleep struct {
	mu    sync.Mutex
	waits []time.Duration
	after func(n int) // called with the number of recorded waits
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	n := len(r.waits)
	r.mu.Unlock()
	if r.after != nil {
		r.after(n)
	}
	return ctx.Err()
}

func (r *recordSleep) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 60, 60}
	for i, w := range want {
		if got := Backoff(i + 1); got != w*time.Second {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
	if Backoff(0) != 0 {
		t.Errorf("Backoff(0) = %v, want 0", Backoff(0))
	}
	if Backoff(1000) != 60*time.Second {
		t.Errorf("Backoff(1000) = %v, want 60s", Backoff(1000))
	}
}

func TestStreamNames(t *testing.T) {
	got := StreamNames([]string{"BTCUSDT", "ETHUSDT"}, "1h", true)
	want := []string{"btcusdt@kline_1h", "btcusdt@aggTrade", "ethusdt@kline_1h", "ethusdt@aggTrade"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}

	got = StreamNames([]string{"BTCUSDT"}, "15m", false)
	if len(got) != 1 || got[0] != "btcusdt@kline_15m" {
		t.Errorf("got %v", got)
	}
}

func TestChunk(t *testing.T) {
	names := make([]string, 450)
	parts := chunk(names, 200)
	if len(parts) != 3 || len(parts[0]) != 200 || len(parts[1]) != 200 || len(parts[2]) != 50 {
		t.Errorf("unexpected chunking: %d parts", len(parts))
	}
	if len(chunk(nil, 200)) != 0 {
		t.Error("empty input must yield no chunks")
	}
}

func TestManager_RetryCeiling(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewManager(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		staticUniverse{"BTCUSDT"}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	rs := &recordSleep{}
	m.Sleep = rs.sleep

	err = m.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if m.State() != Failed {
		t.Errorf("state = %v, want FAILED", m.State())
	}

	waits := rs.snapshot()
	if len(waits) != 10 {
		t.Fatalf("expected exactly 10 retries, got %d (%v)", len(waits), waits)
	}
	for i, w := range waits {
		if want := Backoff(i + 1); w != want {
			t.Errorf("wait %d = %v, want %v", i+1, w, want)
		}
	}
	if n := dials.Load(); n != 11 {
		t.Errorf("expected initial connect + 10 retries = 11 dials, got %d", n)
	}
}

func TestManager_DispatchesInOrderAndDropsMalformed(t *testing.T) {
	subs := make(chan subscribeRequest, 4)
	_, url := wsServer(t, func(c *websocket.Conn) {
		var req subscribeRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		subs <- req

		frames := []string{
			`{"result":null,"id":1}`,
			`{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"o":"100","h":"101","l":"99","c":"100.5","v":"7","x":false}}`,
			`garbage{`,
			`{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"o":"100","h":"101","l":"99","c":"oops","v":"7"}}`,
			`{"e":"depthUpdate","s":"BTCUSDT"}`,
			`{"e":"aggTrade","s":"BTCUSDT","p":"100.7","q":"1","T":1700000001000}`,
		}
		for _, f := range frames {
			if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		drain(c)
	})

	rec := newRecorder()
	m, err := NewManager(Config{URL: url, SubscribeTrades: true}, staticUniverse{"ETHUSDT", "BTCUSDT"}, rec)
	if err != nil {
		t.Fatal(err)
	}
	var decodeErrs atomic.Int32
	m.OnDecodeError = func(error) { decodeErrs.Add(1) }

	var states []State
	var smu sync.Mutex
	m.OnState = func(s State) {
		smu.Lock()
		states = append(states, s)
		smu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case req := <-subs:
		want := "btcusdt@kline_1h,btcusdt@aggTrade,ethusdt@kline_1h,ethusdt@aggTrade"
		if req.Method != "SUBSCRIBE" || strings.Join(req.Params, ",") != want {
			t.Errorf("unexpected subscribe %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe request received")
	}

	rec.wait(t, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.candles) != 1 || rec.candles[0].Close != 100.5 {
		t.Errorf("candles = %+v", rec.candles)
	}
	if len(rec.trades) != 1 || rec.trades[0].Price != 100.7 {
		t.Errorf("trades = %+v", rec.trades)
	}
	if n := decodeErrs.Load(); n != 2 {
		t.Errorf("decode errors = %d, want 2", n)
	}
	if got := m.Symbols(); strings.Join(got, ",") != "BTCUSDT,ETHUSDT" {
		t.Errorf("symbols = %v", got)
	}

	smu.Lock()
	defer smu.Unlock()
	// The manager starts DISCONNECTED, so the first reported transition is CONNECTING.
	if len(states) < 2 || states[0] != Connecting || states[1] != Subscribed {
		t.Errorf("state transitions = %v", states)
	}
	if states[len(states)-1] != Disconnected {
		t.Errorf("final state = %v, want DISCONNECTED", states[len(states)-1])
	}
}

func TestManager_ResubscribesAndResetsAttempts(t *testing.T) {
	var subscribes atomic.Int32
	_, url := wsServer(t, func(c *websocket.Conn) {
		var req subscribeRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		subscribes.Add(1)
		// drop the connection right after a clean subscribe
	})

	m, err := NewManager(Config{URL: url}, staticUniverse{"BTCUSDT"}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := &recordSleep{after: func(n int) {
		if n == 4 {
			cancel()
		}
	}}
	m.Sleep = rs.sleep

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	for i, w := range rs.snapshot() {
		if w != 5*time.Second {
			t.Errorf("wait %d = %v; counter must reset after each subscribe", i+1, w)
		}
	}
	if n := subscribes.Load(); n != 4 {
		t.Errorf("subscribe requests = %d, want one per connect (4)", n)
	}
}

func TestManager_MissedPongReconnects(t *testing.T) {
	release := make(chan struct{})
	_, url := wsServer(t, func(c *websocket.Conn) {
		var req subscribeRequest
		c.ReadJSON(&req)
		// Stop reading: pings are never answered.
		<-release
	})
	t.Cleanup(func() { close(release) })

	m, err := NewManager(Config{
		URL:          url,
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  50 * time.Millisecond,
	}, staticUniverse{"BTCUSDT"}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var cause error
	m.OnReconnect = func(_ int, _ time.Duration, err error) {
		cause = err
		cancel()
	}
	m.Sleep = (&recordSleep{}).sleep

	start := time.Now()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if !errors.Is(cause, ErrConnection) {
		t.Errorf("cause = %v, want ErrConnection", cause)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("missed pong should fail the connection within the pong window")
	}
}

func TestManager_UniverseFailureCountsAsAttempt(t *testing.T) {
	u := &failingUniverse{}
	m, err := NewManager(Config{URL: "ws://127.0.0.1:1/ws", MaxAttempts: 3}, u, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	rs := &recordSleep{}
	m.Sleep = rs.sleep

	err = m.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if n := u.calls.Load(); n != 4 {
		t.Errorf("universe calls = %d, want 4", n)
	}
	if len(rs.snapshot()) != 3 {
		t.Errorf("waits = %v", rs.snapshot())
	}
}

func TestManager_OnUniverse(t *testing.T) {
	_, url := wsServer(t, func(c *websocket.Conn) { drain(c) })

	m, err := NewManager(Config{URL: url}, staticUniverse{"SOLUSDT", "ADAUSDT"}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []string, 1)
	m.OnUniverse = func(s []string) {
		got <- s
		cancel()
	}
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if s := <-got; strings.Join(s, ",") != "ADAUSDT,SOLUSDT" {
		t.Errorf("universe = %v", s)
	}
}
