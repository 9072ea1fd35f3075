// Package api serves the read-only snapshot query interface consumed by the
// dashboard.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ema-sentinel/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// Provider exposes the live engine state.
type Provider interface {
	Status(ctx context.Context) model.StatusSnapshot
	Pair(symbol string) (model.InstrumentSnapshot, bool)
}

// AlertHistory lists journaled alerts, newest first.
type AlertHistory interface {
	Recent(ctx context.Context, symbol string, limit int) ([]model.Alert, error)
}

// Server is the HTTP query server.
type Server struct {
	provider Provider
	history  AlertHistory // nil when the journal is disabled
	health   http.Handler
	engine   *gin.Engine
	srv      *http.Server
}

// NewServer builds the router. history and health may be nil.
func NewServer(addr string, provider Provider, history AlertHistory, health http.Handler) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), cors)

	s := &Server{
		provider: provider,
		history:  history,
		health:   health,
		engine:   engine,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/api/status", s.getStatus)
	s.engine.GET("/api/pairs/:symbol", s.getPair)
	s.engine.GET("/api/alerts", s.getAlerts)
	if s.health != nil {
		s.engine.GET("/healthz", gin.WrapH(s.health))
	}
}

// cors sets CORS headers for the dashboard.
func cors(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

func (s *Server) getStatus(c *gin.Context) {
	snap := s.provider.Status(c.Request.Context())
	for i := range snap.Pairs {
		snap.Pairs[i] = rounded(snap.Pairs[i])
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getPair(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	snap, ok := s.provider.Pair(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol " + symbol})
		return
	}
	c.JSON(http.StatusOK, rounded(snap))
}

func (s *Server) getAlerts(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert journal disabled"})
		return
	}

	limit := defaultAlertLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := s.history.Recent(c.Request.Context(), strings.ToUpper(c.Query("symbol")), limit)
	if err != nil {
		log.Printf("[api] alert history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert history unavailable"})
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// rounded applies display precision: prices and EMA to 4 places,
// deviation to 2.
func rounded(p model.InstrumentSnapshot) model.InstrumentSnapshot {
	p.Price = round(p.Price, 4)
	p.EMA = round(p.EMA, 4)
	p.Deviation = round(p.Deviation, 2)
	return p
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
