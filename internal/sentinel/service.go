// Package sentinel wires the surveillance engine together: venue stream,
// state store, EMA engine, crossing detector, notification and alert sinks.
package sentinel

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ema-sentinel/config"
	"ema-sentinel/internal/api"
	"ema-sentinel/internal/bus"
	"ema-sentinel/internal/detector"
	"ema-sentinel/internal/indicator"
	"ema-sentinel/internal/marketdata/rest"
	"ema-sentinel/internal/marketdata/stream"
	"ema-sentinel/internal/metrics"
	"ema-sentinel/internal/model"
	"ema-sentinel/internal/notification"
	"ema-sentinel/internal/ringbuf"
	"ema-sentinel/internal/seeder"
	"ema-sentinel/internal/state"
	redisstore "ema-sentinel/internal/store/redis"
	sqlitestore "ema-sentinel/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
)

const (
	alertBuffer       = 256
	recentAlertsSize  = 1024
	livenessInterval  = 15 * time.Second
	shutdownTimeout   = 3 * time.Second
	initialSeedBudget = 5 * time.Minute
)

// Service is the top-level orchestrator.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config

	engine     *indicator.Engine
	store      *state.Store
	detector   *detector.Detector
	dispatcher *notification.Dispatcher
	venue      *rest.Client
	seeder     *seeder.Seeder
	manager    *stream.Manager

	alertCh chan model.Alert
	alerts  *bus.FanOut[model.Alert]
	today   *dayCounter
	recent  *ringbuf.Ring[model.Alert]

	redisWriter *redisstore.Writer
	sqlWriter   *sqlitestore.Writer
	sqlReader   *sqlitestore.Reader

	prom       *metrics.Metrics
	health     *metrics.HealthStatus
	metricsSrv *metrics.Server
	apiSrv     *api.Server

	wg sync.WaitGroup
}

// New creates a Service from cfg. Redis and SQLite are optional: a failed
// connection is logged and the sink disabled.
func New(cfg *config.Config) (*Service, error) {
	svc := &Service{
		cfg:     cfg,
		engine:  indicator.NewEngine(cfg.EMAPeriod),
		store:   state.New(cfg.BucketPeriod, cfg.HistoryLimit),
		alertCh: make(chan model.Alert, alertBuffer),
		alerts:  bus.New[model.Alert](alertBuffer),
		today:   newDayCounter(time.Local),
		recent:  ringbuf.New[model.Alert](recentAlertsSize),
		prom:    metrics.NewMetrics(nil),
		health:  metrics.NewHealthStatus(),
	}

	// ---- Notification ----
	svc.dispatcher = notification.NewDispatcher(notification.DispatcherConfig{
		Timeout: cfg.NotifyTimeout,
		Label:   notification.IndicatorLabel(cfg.BucketPeriod, cfg.EMAPeriod),
	}, buildNotifier(cfg))
	svc.dispatcher.OnAlert = svc.onAlert
	svc.dispatcher.OnDrop = func(p notification.Payload) { svc.prom.NotifyDrops.Inc() }
	svc.dispatcher.OnDelivered = func(p notification.Payload, err error) {
		if err != nil {
			svc.prom.NotifyFailures.Inc()
			return
		}
		svc.prom.AlertsSent.Inc()
	}

	// ---- Detection ----
	svc.detector = detector.New(svc.engine, svc.store, svc.dispatcher, cfg.AlertCooldown)
	svc.detector.OnOutcome = func(symbol string, o detector.Outcome, dir model.Direction) {
		svc.prom.Evaluations.WithLabelValues(o.String()).Inc()
		if o == detector.Alerted || o == detector.Suppressed {
			svc.prom.CrossingTotal.WithLabelValues(string(dir)).Inc()
		}
	}

	// ---- Venue ----
	svc.venue = rest.New(rest.Config{
		BaseURL:    cfg.RESTURL,
		Interval:   cfg.KlineInterval,
		Limit:      cfg.HistoryLimit,
		QuoteAsset: cfg.QuoteAsset,
		Allow:      cfg.ParseSymbols(),
	})
	svc.venue.OnCall = func(endpoint string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		svc.prom.VenueRequests.WithLabelValues(endpoint, result).Inc()
	}

	svc.seeder = seeder.New(seeder.Config{
		BucketPeriod: cfg.BucketPeriod,
		Parallelism:  cfg.SeedParallelism,
	}, svc.venue, svc.engine, svc.store)
	svc.seeder.OnResult = svc.onSeedResult

	p := &pipeline{
		store:    svc.store,
		detector: svc.detector,
		prom:     svc.prom,
		health:   svc.health,
		now:      time.Now,
	}
	var err error
	svc.manager, err = stream.NewManager(stream.Config{
		URL:             cfg.WSURL,
		Interval:        cfg.KlineInterval,
		SubscribeTrades: cfg.SubscribeTrades,
		MaxAttempts:     cfg.MaxReconnects,
		PingInterval:    cfg.PingInterval,
		PongTimeout:     cfg.PongTimeout,
	}, svc.venue, p)
	if err != nil {
		return nil, err
	}
	svc.manager.OnState = func(s stream.State) {
		svc.prom.WSState.Set(float64(s))
		svc.health.SetWSState(s.String(), s == stream.Subscribed)
	}
	svc.manager.OnDecodeError = func(error) { svc.prom.DecodeErrors.Inc() }
	svc.manager.OnReconnect = func(int, time.Duration, error) { svc.prom.WSReconnects.Inc() }

	svc.alerts.OnDrop = func(subscriber string) {
		svc.prom.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
		log.Printf("[sentinel] %s sink lagging, alert dropped", subscriber)
	}

	// ---- Connect to Redis ----
	if cfg.RedisAddr != "" {
		svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[sentinel] WARNING: redis init failed: %v (continuing without Redis)", err)
			svc.redisWriter = nil
		} else {
			svc.watchBreaker(svc.redisWriter.Breaker())
			svc.health.EnableRedis()
		}
	}

	// ---- Open SQLite ----
	if cfg.SQLitePath != "" {
		svc.sqlWriter, svc.sqlReader = openJournal(cfg.SQLitePath)
		if svc.sqlWriter != nil {
			svc.health.EnableSQLite()
		}
	}

	var history api.AlertHistory = recentAlerts{svc.recent}
	if svc.sqlReader != nil {
		history = svc.sqlReader
	}
	svc.apiSrv = api.NewServer(cfg.APIAddr, svc, history, svc.health)
	svc.metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health)

	return svc, nil
}

// openJournal opens the SQLite alert journal at path. Failures are logged
// and leave the handles nil; without a reader /api/alerts serves the
// in-memory ring.
func openJournal(path string) (*sqlitestore.Writer, *sqlitestore.Reader) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("[sentinel] WARNING: sqlite dir %s: %v", dir, err)
		}
	}
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: path})
	if err != nil {
		log.Printf("[sentinel] WARNING: sqlite init failed: %v (continuing without alert journal)", err)
		return nil, nil
	}
	r, err := sqlitestore.NewReader(path)
	if err != nil {
		log.Printf("[sentinel] WARNING: sqlite reader init failed: %v (/api/alerts serves the in-memory ring)", err)
		return w, nil
	}
	return w, r
}

// buildNotifier combines every configured sink; log-only when none is set.
func buildNotifier(cfg *config.Config) notification.Notifier {
	var sinks notification.MultiNotifier
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.FeishuWebhookURL != "" {
		sinks = append(sinks, notification.NewFeishuNotifier(cfg.FeishuWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	switch len(sinks) {
	case 0:
		log.Println("[sentinel] no notification sink configured, alerts are logged only")
		return notification.NewLogNotifier()
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

func (svc *Service) watchBreaker(cb *redisstore.CircuitBreaker) {
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to redisstore.State) {
		if prev != nil {
			prev(from, to)
		}
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
	}
}

// onAlert runs on the reader goroutine for every formatted alert.
func (svc *Service) onAlert(a model.Alert) {
	svc.today.Inc(a.TS)
	svc.recent.Push(a)
	select {
	case svc.alertCh <- a:
	default:
		log.Printf("[sentinel] alert channel full, %s %s not journaled", a.Symbol, a.Direction)
	}
}

func (svc *Service) onSeedResult(symbol string, err error) {
	switch {
	case err == nil:
		svc.prom.SeedTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, indicator.ErrInsufficientHistory):
		svc.prom.SeedTotal.WithLabelValues("insufficient").Inc()
	case errors.Is(err, seeder.ErrDropped):
		svc.prom.SeedTotal.WithLabelValues("dropped").Inc()
	default:
		svc.prom.SeedTotal.WithLabelValues("error").Inc()
	}
	svc.updateSymbolGauges()
}

// pruneDelisted drops state for instruments no longer in the universe.
// It runs on the reader goroutine before the new subscription starts.
func (svc *Service) pruneDelisted(symbols []string) {
	for _, s := range svc.seeder.Prune(symbols) {
		log.Printf("[sentinel] %s left the universe, state dropped", s)
	}
}

func (svc *Service) updateSymbolGauges() {
	tracked := len(svc.manager.Symbols())
	ready := 0
	for _, p := range svc.store.Snapshot() {
		if p.Ready {
			ready++
		}
	}
	svc.prom.TrackedSymbols.Set(float64(tracked))
	svc.prom.ReadySymbols.Set(float64(ready))
	svc.health.SetSymbols(tracked, ready)
}

// Status implements api.Provider.
func (svc *Service) Status(ctx context.Context) model.StatusSnapshot {
	return buildStatus(svc.manager.State().String(), svc.store, svc.alertsToday(ctx))
}

// Pair implements api.Provider.
func (svc *Service) Pair(symbol string) (model.InstrumentSnapshot, bool) {
	return svc.store.Get(symbol)
}

func (svc *Service) alertsToday(ctx context.Context) int {
	now := time.Now()
	if svc.sqlWriter != nil {
		n, err := svc.sqlWriter.CountSince(ctx, midnight(now, time.Local))
		if err == nil {
			return n
		}
		log.Printf("[sentinel] alerts_today from journal: %v", err)
	}
	return svc.today.Count(now)
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[sentinel] starting EMA crossing surveillance...")

	svc.metricsSrv.Start()
	svc.apiSrv.Start()
	svc.dispatcher.Start(ctx)
	svc.startSinks(ctx)

	var rdb *goredis.Client
	if svc.redisWriter != nil {
		rdb = svc.redisWriter.Client()
	}
	if svc.sqlWriter != nil {
		svc.health.StartLivenessChecker(ctx, rdb, svc.sqlWriter.DB(), livenessInterval)
	} else {
		svc.health.StartLivenessChecker(ctx, rdb, nil, livenessInterval)
	}

	svc.seedInitial(ctx)

	// Every (re)connect refreshes the universe; symbols that are still
	// not ready are seeded off the stream path.
	svc.manager.OnUniverse = func(symbols []string) {
		svc.pruneDelisted(symbols)
		svc.updateSymbolGauges()
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.seeder.SeedAll(ctx, symbols)
		}()
	}

	log.Printf("[sentinel] EMA%d on %s buckets, cooldown %s, %d reconnects max",
		cfg.EMAPeriod, svc.store.BucketPeriod(), svc.detector.Cooldown(), cfg.MaxReconnects)
	log.Println("[sentinel] ✅ all systems running. Press Ctrl+C to stop.")

	err := Supervise(ctx, svc.manager.Run, cfg.RestartDelay, func(error) {
		svc.prom.SupervisorRestart.Inc()
	})

	svc.shutdown()
	return err
}

// startSinks fans alerts out to the Redis and SQLite writers.
func (svc *Service) startSinks(ctx context.Context) {
	if svc.redisWriter != nil {
		ch := svc.alerts.Subscribe("redis")
		svc.wg.Add(2)
		go func() {
			defer svc.wg.Done()
			svc.redisWriter.Run(ctx, ch)
		}()
		go func() {
			defer svc.wg.Done()
			svc.redisWriter.RunStatus(ctx, svc.cfg.StatusInterval, func() model.StatusSnapshot {
				return svc.Status(ctx)
			})
		}()
	}
	if svc.sqlWriter != nil {
		ch := svc.alerts.Subscribe("sqlite")
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.sqlWriter.Run(ctx, ch)
		}()
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.alerts.Run(ctx, svc.alertCh)
	}()
}

// seedInitial seeds the starting universe before the stream connects so
// the first candles can already be evaluated. Failures leave symbols
// not ready; they are retried on every reconnect.
func (svc *Service) seedInitial(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, initialSeedBudget)
	defer cancel()

	symbols, err := svc.venue.Symbols(ctx)
	if err != nil {
		log.Printf("[sentinel] WARNING: initial universe: %v (seeding deferred to first connect)", err)
		return
	}
	res := svc.seeder.SeedAll(ctx, symbols)
	log.Printf("[sentinel] initial seed: %d seeded, %d failed, %d skipped of %d symbols (%d indicators live)",
		res.Seeded, res.Failed, res.Skipped, len(symbols), svc.engine.Len())
}

// shutdown drains the dispatcher and sinks, then closes connections.
func (svc *Service) shutdown() {
	log.Println("[sentinel] shutdown signal received, draining...")

	svc.dispatcher.Close()
	svc.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svc.apiSrv.Stop(stopCtx)
	svc.metricsSrv.Stop(stopCtx)

	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
	}

	log.Println("[sentinel] shutdown complete.")
}
