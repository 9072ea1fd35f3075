package sentinel

import (
	"testing"
	"time"

	"ema-sentinel/internal/detector"
	"ema-sentinel/internal/indicator"
	"ema-sentinel/internal/metrics"
	"ema-sentinel/internal/model"
	"ema-sentinel/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type sent struct {
	symbol string
	dir    model.Direction
}

type recordingSink struct{ alerts []sent }

func (r *recordingSink) FormatAndSend(symbol string, price, ema float64, dir model.Direction) {
	r.alerts = append(r.alerts, sent{symbol, dir})
}

func newPipeline(t *testing.T, symbol string) (*pipeline, *recordingSink, *state.Store, *metrics.Metrics) {
	t.Helper()

	engine := indicator.NewEngine(21)
	store := state.New(time.Hour, 0)
	hist := make([]model.Candle, 21)
	for i := range hist {
		hist[i] = model.Candle{Symbol: symbol, TS: t0.Add(time.Duration(i) * time.Hour),
			Open: 100, High: 100, Low: 100, Close: 100, Closed: true}
	}
	ema, err := engine.Seed(symbol, hist)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.Seed(symbol, hist, ema)

	sink := &recordingSink{}
	prom := metrics.NewMetrics(prometheus.NewRegistry())
	p := &pipeline{
		store:    store,
		detector: detector.New(engine, store, sink, time.Hour),
		prom:     prom,
		health:   metrics.NewHealthStatus(),
		now:      time.Now,
	}
	return p, sink, store, prom
}

func candle(symbol string, bucket int, close float64) model.Candle {
	return model.Candle{
		Symbol: symbol,
		TS:     t0.Add(time.Duration(21+bucket) * time.Hour),
		Open:   close, High: close, Low: close, Close: close,
	}
}

func TestPipeline_CandleCrossingAlerts(t *testing.T) {
	p, sink, store, prom := newPipeline(t, "BTCUSDT")

	p.HandleCandle(candle("BTCUSDT", 0, 110))
	if len(sink.alerts) != 0 {
		t.Fatalf("first evaluation must be a baseline, got %v", sink.alerts)
	}
	if store.Position("BTCUSDT") != model.PositionAbove {
		t.Fatalf("position = %v, want above", store.Position("BTCUSDT"))
	}

	p.HandleCandle(candle("BTCUSDT", 1, 90))
	if len(sink.alerts) != 1 || sink.alerts[0] != (sent{"BTCUSDT", model.CrossDown}) {
		t.Fatalf("alerts = %v, want one down crossing", sink.alerts)
	}

	if got := testutil.ToFloat64(prom.MessagesTotal.WithLabelValues("candle")); got != 2 {
		t.Errorf("candle messages = %v, want 2", got)
	}
}

func TestPipeline_TradeUpdatesCloseWithoutDetection(t *testing.T) {
	p, sink, store, prom := newPipeline(t, "BTCUSDT")
	p.HandleCandle(candle("BTCUSDT", 0, 110))

	// A trade far below the EMA moves the close but is not evaluated.
	p.HandleTrade(model.Trade{Symbol: "BTCUSDT", Price: 50, TS: t0.Add(21 * time.Hour)})

	if len(sink.alerts) != 0 {
		t.Fatalf("trade must not alert, got %v", sink.alerts)
	}
	c, ok := store.Candle("BTCUSDT")
	if !ok || c.Close != 50 {
		t.Errorf("close = %v, want 50", c.Close)
	}
	if store.Position("BTCUSDT") != model.PositionAbove {
		t.Error("trade must not change the position")
	}
	if got := testutil.ToFloat64(prom.MessagesTotal.WithLabelValues("trade")); got != 1 {
		t.Errorf("trade messages = %v, want 1", got)
	}

	// Unknown instruments are ignored.
	p.HandleTrade(model.Trade{Symbol: "ETHUSDT", Price: 10})
	if _, ok := store.Candle("ETHUSDT"); ok {
		t.Error("trade created an unknown instrument")
	}
}

func TestPipeline_StaleCandleDropped(t *testing.T) {
	p, sink, store, prom := newPipeline(t, "BTCUSDT")
	p.HandleCandle(candle("BTCUSDT", 1, 110))

	p.HandleCandle(candle("BTCUSDT", 0, 80))

	if got := testutil.ToFloat64(prom.StaleCandles); got != 1 {
		t.Errorf("stale candles = %v, want 1", got)
	}
	if len(sink.alerts) != 0 {
		t.Errorf("stale candle alerted: %v", sink.alerts)
	}
	if c, _ := store.Candle("BTCUSDT"); c.Close != 110 {
		t.Errorf("current close = %v, want 110", c.Close)
	}
}

func TestPipeline_NotReadyInstrumentTracked(t *testing.T) {
	p, sink, store, _ := newPipeline(t, "BTCUSDT")

	p.HandleCandle(candle("ETHUSDT", 0, 3000))

	if len(sink.alerts) != 0 {
		t.Fatalf("not-ready instrument alerted: %v", sink.alerts)
	}
	if store.Ready("ETHUSDT") {
		t.Error("ETHUSDT should not be ready before seeding")
	}
	if c, ok := store.Candle("ETHUSDT"); !ok || c.Close != 3000 {
		t.Errorf("candle = %+v, %v", c, ok)
	}
}
