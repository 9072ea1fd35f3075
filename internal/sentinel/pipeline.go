package sentinel

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"time"

	"ema-sentinel/internal/detector"
	"ema-sentinel/internal/logger"
	"ema-sentinel/internal/metrics"
	"ema-sentinel/internal/model"
	"ema-sentinel/internal/state"
)

// pipeline is the stream.Handler: it runs on the connection's reader
// goroutine, so it is the single writer of the state store.
type pipeline struct {
	store    *state.Store
	detector *detector.Detector
	prom     *metrics.Metrics
	health   *metrics.HealthStatus
	now      func() time.Time
}

// HandleCandle merges a candle into the store and evaluates it.
func (p *pipeline) HandleCandle(c model.Candle) {
	now := p.now()
	p.prom.MessagesTotal.WithLabelValues("candle").Inc()
	p.health.SetLastMessageTime(now)

	ctx := logger.WithTraceID(context.Background(), logger.GenerateTraceID(c.Symbol, now))

	cur, _, err := p.store.UpsertCandle(c)
	if err != nil {
		if errors.Is(err, state.ErrStaleBucket) {
			p.prom.StaleCandles.Inc()
		}
		log.Printf("[sentinel] candle dropped: %v", err)
		return
	}

	start := time.Now()
	out := p.detector.Evaluate(cur.Symbol, cur.TS, cur.Close)
	p.prom.EvaluateDur.Observe(time.Since(start).Seconds())

	if out == detector.Alerted {
		slog.Info("crossing alerted",
			append([]any{slog.String("symbol", cur.Symbol), slog.Float64("close", cur.Close)},
				logger.LogWithTrace(ctx)...)...)
	}
}

// HandleTrade refreshes the running close only. Crossings are evaluated
// on candle updates, so trades never alert on their own.
func (p *pipeline) HandleTrade(t model.Trade) {
	p.prom.MessagesTotal.WithLabelValues("trade").Inc()
	p.health.SetLastMessageTime(p.now())
	p.store.UpdateClose(t.Symbol, t.Price)
}
