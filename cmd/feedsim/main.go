// Command feedsim is a demo futures venue.
// Serves a perpetual-futures style market data API so the sentinel can run
// end to end without the real venue:
//
//	GET /fapi/v1/exchangeInfo          symbol list (all TRADING, PERPETUAL)
//	GET /fapi/v1/klines?symbol=&limit=  random-walk history, last bucket open
//	WS  /ws                            SUBSCRIBE handshake, then kline and
//	                                   aggTrade events for subscribed streams
//
// Config (env vars):
//
//	FEED_ADDR         listen address (default ":9002")
//	FEED_SYMBOLS      comma-separated symbols (default "BTCUSDT,ETHUSDT,SOLUSDT")
//	FEED_BUCKET       kline bucket length (default "1h"; shorter values make crossings frequent)
//	FEED_INTERVAL_MS  event interval in milliseconds (default "500")
//	FEED_VOLATILITY   max relative move per event in percent (default "0.3")
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ─── Market ──────────────────────────────────────────────────────────────────

// bar is the simulated current bucket of one symbol.
type bar struct {
	openTime        time.Time
	open, high, low float64
	close, volume   float64
}

type market struct {
	mu         sync.Mutex
	bucket     time.Duration
	volatility float64
	symbols    []string
	bars       map[string]*bar
	rng        *rand.Rand
}

func newMarket(symbols []string, bucket time.Duration, volatility float64) *market {
	m := &market{
		bucket:     bucket,
		volatility: volatility,
		symbols:    symbols,
		bars:       make(map[string]*bar, len(symbols)),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	now := time.Now().UTC().Truncate(bucket)
	for i, s := range symbols {
		p := 100.0 * float64(i+1)
		m.bars[s] = &bar{openTime: now, open: p, high: p, low: p, close: p}
	}
	return m
}

// walk applies one random move of at most ±volatility percent.
func (m *market) walk(p float64) float64 {
	pct := (m.rng.Float64()*2 - 1) * m.volatility / 100
	next := p * (1 + pct)
	if next < 0.0001 {
		next = 0.0001
	}
	return next
}

// step advances every symbol by one event and returns the updated bars.
func (m *market) step(now time.Time) map[string]bar {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := now.UTC().Truncate(m.bucket)
	out := make(map[string]bar, len(m.bars))
	for s, b := range m.bars {
		if start.After(b.openTime) {
			*b = bar{openTime: start, open: b.close, high: b.close, low: b.close, close: b.close}
		}
		b.close = m.walk(b.close)
		if b.close > b.high {
			b.high = b.close
		}
		if b.close < b.low {
			b.low = b.close
		}
		b.volume += float64(m.rng.Intn(100) + 1)
		out[s] = *b
	}
	return out
}

// history walks backwards from the current bar to build limit buckets,
// oldest first. The last one is the open bucket.
func (m *market) history(symbol string, limit int) ([][]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bars[symbol]
	if !ok {
		return nil, false
	}
	rows := make([][]interface{}, limit)
	rows[limit-1] = klineRow(*cur, m.bucket)
	price := cur.open
	for i := limit - 2; i >= 0; i-- {
		openTime := cur.openTime.Add(-time.Duration(limit-1-i) * m.bucket)
		o := m.walk(price)
		hi, lo := price, o
		if o > price {
			hi, lo = o, price
		}
		rows[i] = klineRow(bar{openTime: openTime, open: o, high: hi, low: lo, close: price,
			volume: float64(m.rng.Intn(10000))}, m.bucket)
		price = o
	}
	return rows, true
}

func klineRow(b bar, bucket time.Duration) []interface{} {
	return []interface{}{
		b.openTime.UnixMilli(), f(b.open), f(b.high), f(b.low), f(b.close), f(b.volume),
		b.openTime.Add(bucket).UnixMilli() - 1,
	}
}

func f(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	mu      sync.RWMutex
	streams map[string]bool
	out     chan []byte
}

func (c *client) subscribed(stream string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[stream]
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{streams: make(map[string]bool), out: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.out)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) publish(stream string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.subscribed(stream) {
			continue
		}
		select {
		case c.out <- msg:
		default: // slow client, drop event
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		done := make(chan struct{})
		defer func() {
			close(done)
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump: events and acks for this client. The default ping
		// handler answers pings with pongs from the read loop below.
		go func() {
			for msg := range c.out {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					return
				}
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeMsg
			if err := json.Unmarshal(raw, &req); err != nil || req.Method != "SUBSCRIBE" {
				continue
			}
			c.mu.Lock()
			for _, p := range req.Params {
				c.streams[strings.ToLower(p)] = true
			}
			c.mu.Unlock()
			log.Printf("[feedsim] %s subscribed to %d streams", r.RemoteAddr, len(req.Params))

			ack, _ := json.Marshal(map[string]interface{}{"result": nil, "id": req.ID})
			select {
			case c.out <- ack:
			case <-done:
				return
			}
		}
	}
}

// ─── Event generator ─────────────────────────────────────────────────────────

func runGenerator(h *hub, m *market, interval time.Duration, klineLabel string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for now := range ticker.C {
		for sym, b := range m.step(now) {
			lower := strings.ToLower(sym)
			kline, _ := json.Marshal(map[string]interface{}{
				"e": "kline",
				"E": now.UnixMilli(),
				"s": sym,
				"k": map[string]interface{}{
					"t": b.openTime.UnixMilli(),
					"T": b.openTime.Add(m.bucket).UnixMilli() - 1,
					"s": sym,
					"i": klineLabel,
					"o": f(b.open),
					"h": f(b.high),
					"l": f(b.low),
					"c": f(b.close),
					"v": f(b.volume),
					"x": false,
				},
			})
			h.publish(lower+"@kline_"+klineLabel, kline)

			trade, _ := json.Marshal(map[string]interface{}{
				"e": "aggTrade",
				"E": now.UnixMilli(),
				"s": sym,
				"p": f(b.close),
				"q": "1.000",
				"T": now.UnixMilli(),
			})
			h.publish(lower+"@aggTrade", trade)
		}
	}
}

// ─── REST ─────────────────────────────────────────────────────────────────────

func exchangeInfoHandler(m *market) http.HandlerFunc {
	type symbolInfo struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		QuoteAsset   string `json:"quoteAsset"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		infos := make([]symbolInfo, len(m.symbols))
		for i, s := range m.symbols {
			infos[i] = symbolInfo{Symbol: s, Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: quoteOf(s)}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"symbols": infos})
	}
}

func klinesHandler(m *market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 || limit > 1500 {
			limit = 500
		}
		rows, ok := m.history(strings.ToUpper(r.URL.Query().Get("symbol")), limit)
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"code": -1121, "msg": "Invalid symbol."})
			return
		}
		json.NewEncoder(w).Encode(rows)
	}
}

func quoteOf(symbol string) string {
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return ""
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting demo futures feed...")

	addr := envOrDefault("FEED_ADDR", ":9002")
	symbols := parseSymbols(envOrDefault("FEED_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT"))
	if len(symbols) == 0 {
		log.Fatalf("[feedsim] no symbols configured via FEED_SYMBOLS")
	}
	bucket, err := time.ParseDuration(envOrDefault("FEED_BUCKET", "1h"))
	if err != nil || bucket <= 0 {
		log.Fatalf("[feedsim] bad FEED_BUCKET: %v", err)
	}
	interval := time.Duration(envIntOrDefault("FEED_INTERVAL_MS", 500)) * time.Millisecond
	volatility, err := strconv.ParseFloat(envOrDefault("FEED_VOLATILITY", "0.3"), 64)
	if err != nil || volatility <= 0 {
		log.Fatalf("[feedsim] bad FEED_VOLATILITY: %v", err)
	}

	m := newMarket(symbols, bucket, volatility)
	h := newHub()
	go runGenerator(h, m, interval, "1h")

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/fapi/v1/exchangeInfo", exchangeInfoHandler(m))
	http.HandleFunc("/fapi/v1/klines", klinesHandler(m))

	log.Printf("[feedsim] symbols %v, bucket %s, event every %s", symbols, bucket, interval)
	log.Printf("[feedsim] ✅ listening on %s  (WS_URL=ws://localhost%s/ws REST_URL=http://localhost%s)", addr, addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
