// Package redis publishes crossing alerts and the status snapshot to Redis
// for external dashboards and bots.
//
// Keys:
//
//	PUBLISH alerts:ema <alert json>          live alert feed
//	XADD    alerts:ema:log * data <json>     bounded alert log
//	SET     sentinel:status <snapshot json>  latest status snapshot, with TTL
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unsafe"

	"ema-sentinel/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	DefaultAlertChannel = "alerts:ema"
	DefaultAlertStream  = "alerts:ema:log"
	DefaultStatusKey    = "sentinel:status"

	alertStreamMaxLen = 5000
	defaultStatusTTL  = 2 * time.Minute
	opTimeout         = 3 * time.Second
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	AlertChannel string
	AlertStream  string
	StatusKey    string
	StatusTTL    time.Duration
}

func (c *WriterConfig) defaults() {
	if c.AlertChannel == "" {
		c.AlertChannel = DefaultAlertChannel
	}
	if c.AlertStream == "" {
		c.AlertStream = DefaultAlertStream
	}
	if c.StatusKey == "" {
		c.StatusKey = DefaultStatusKey
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = defaultStatusTTL
	}
}

// Writer publishes alerts and status snapshots. Every command goes through
// a circuit breaker so an unreachable Redis costs one fast error instead of
// a timeout per alert.
type Writer struct {
	client  *goredis.Client
	cfg     WriterConfig
	breaker *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Breaker exposes the circuit breaker (metrics, health).
func (w *Writer) Breaker() *CircuitBreaker { return w.breaker }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg WriterConfig) *Writer {
	cfg.defaults()
	cb := NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s → %s", from, to)
	}
	return &Writer{client: client, cfg: cfg, breaker: cb}
}

// Run reads alerts from alertCh and publishes them.
// Blocks until ctx is cancelled or alertCh is closed.
func (w *Writer) Run(ctx context.Context, alertCh <-chan model.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alertCh:
			if !ok {
				return
			}
			if err := w.PublishAlert(ctx, a); err != nil {
				log.Printf("[redis] alert %s %s: %v", a.Symbol, a.Direction, err)
			}
		}
	}
}

// PublishAlert PUBLISHes the alert and appends it to the bounded alert log
// in one pipeline.
func (w *Writer) PublishAlert(ctx context.Context, a model.Alert) error {
	jsonBytes := a.JSON()
	// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
	data := *(*string)(unsafe.Pointer(&jsonBytes))

	return w.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		pipe := w.client.Pipeline()
		pipe.Publish(cctx, w.cfg.AlertChannel, data)
		pipe.XAdd(cctx, &goredis.XAddArgs{
			Stream: w.cfg.AlertStream,
			MaxLen: alertStreamMaxLen,
			Approx: true,
			Values: alertFields(a, data),
		})
		_, err := pipe.Exec(cctx)
		return err
	})
}

// alertFields are the XADD fields for one alert: the JSON body plus a few
// flat fields for stream consumers that filter without decoding.
func alertFields(a model.Alert, data string) map[string]interface{} {
	return map[string]interface{}{
		"data":      data,
		"symbol":    a.Symbol,
		"direction": string(a.Direction),
		"ts":        a.TS.UnixMilli(),
	}
}

// PublishStatus stores the status snapshot under StatusKey with a TTL.
func (w *Writer) PublishStatus(ctx context.Context, snap model.StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal status: %w", err)
	}
	return w.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return w.client.Set(cctx, w.cfg.StatusKey, data, w.cfg.StatusTTL).Err()
	})
}

// RunStatus publishes snapshot() every interval until ctx is cancelled.
func (w *Writer) RunStatus(ctx context.Context, interval time.Duration, snapshot func() model.StatusSnapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.PublishStatus(ctx, snapshot()); err != nil && err != ErrCircuitOpen {
				log.Printf("[redis] status: %v", err)
			}
		}
	}
}

// Close releases the client.
func (w *Writer) Close() error {
	return w.client.Close()
}
