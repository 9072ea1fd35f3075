// Package metrics exposes Prometheus metrics and the /healthz endpoint of
// the surveillance engine.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sentinel.
type Metrics struct {
	MessagesTotal     *prometheus.CounterVec // labels: type=candle|trade
	DecodeErrors      prometheus.Counter
	StaleCandles      prometheus.Counter
	WSReconnects      prometheus.Counter
	WSState           prometheus.Gauge // stream.State value
	SupervisorRestart prometheus.Counter

	// Detection
	EvaluateDur   prometheus.Histogram
	Evaluations   *prometheus.CounterVec // labels: outcome
	CrossingTotal *prometheus.CounterVec // labels: direction

	// Notification
	AlertsSent     prometheus.Counter
	NotifyFailures prometheus.Counter
	NotifyDrops    prometheus.Counter

	// Seeding
	SeedTotal      *prometheus.CounterVec // labels: result=ok|insufficient|dropped|error
	TrackedSymbols prometheus.Gauge
	ReadySymbols   prometheus.Gauge

	// Sinks
	FanoutDropsTotal         *prometheus.CounterVec // labels: subscriber
	RedisCircuitBreakerState prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	VenueRequests            *prometheus.CounterVec // labels: endpoint, result
}

// NewMetrics creates the metrics and registers them with reg (the default
// registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_messages_total",
			Help: "Decoded stream messages by type",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_decode_errors_total",
			Help: "Malformed stream frames dropped",
		}),
		StaleCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_stale_candles_total",
			Help: "Candles rejected because their bucket is older than the current one",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		WSState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_ws_state",
			Help: "Stream state (0=disconnected, 1=connecting, 2=subscribed, 3=reconnecting, 4=failed)",
		}),
		SupervisorRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_supervisor_restarts_total",
			Help: "Stream manager restarts after exhausting its retry budget",
		}),

		EvaluateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_evaluate_duration_seconds",
			Help:    "Crossing evaluation latency per candle",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_evaluations_total",
			Help: "Crossing evaluations by outcome",
		}, []string{"outcome"}),
		CrossingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_crossings_total",
			Help: "Detected crossings (alerted or suppressed) by direction",
		}, []string{"direction"}),

		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_sent_total",
			Help: "Alerts delivered to the notification sink",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_notify_failures_total",
			Help: "Failed notification deliveries",
		}),
		NotifyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_notify_drops_total",
			Help: "Alerts dropped because the notification queue was full",
		}),

		SeedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_seed_total",
			Help: "History seeding attempts by result",
		}, []string{"result"}),
		TrackedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_tracked_symbols",
			Help: "Instruments in the subscribed universe",
		}),
		ReadySymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_ready_symbols",
			Help: "Instruments seeded and eligible for crossing detection",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_fanout_drops_total",
			Help: "Alerts dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		VenueRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_venue_requests_total",
			Help: "Venue REST calls by endpoint and result",
		}, []string{"endpoint", "result"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.DecodeErrors,
		m.StaleCandles,
		m.WSReconnects,
		m.WSState,
		m.SupervisorRestart,
		m.EvaluateDur,
		m.Evaluations,
		m.CrossingTotal,
		m.AlertsSent,
		m.NotifyFailures,
		m.NotifyDrops,
		m.SeedTotal,
		m.TrackedSymbols,
		m.ReadySymbols,
		m.FanoutDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.VenueRequests,
	)

	return m
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
