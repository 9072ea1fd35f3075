// Package seeder loads historical candles for many instruments at once and
// installs the initial indicator value, marking each instrument ready for
// crossing detection.
package seeder

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ema-sentinel/internal/indicator"
	"ema-sentinel/internal/marketdata/resample"
	"ema-sentinel/internal/model"
	"ema-sentinel/internal/state"

	"golang.org/x/sync/errgroup"
)

// HistorySource returns chronologically ordered candles for one symbol.
type HistorySource interface {
	History(ctx context.Context, symbol string) ([]model.Candle, error)
}

// Config holds seeder settings.
type Config struct {
	// BucketPeriod is the indicator bucket; history is resampled to it.
	BucketPeriod time.Duration

	// Parallelism bounds concurrent history fetches. Defaults to 8.
	Parallelism int

	// Timeout bounds one symbol's fetch including retries. Defaults to 2m.
	Timeout time.Duration
}

// ErrDropped is returned for a seed whose symbol left the universe while
// its history was being fetched.
var ErrDropped = errors.New("seeder: symbol left the universe")

// ErrInFlight is returned by SeedOne while another seed of the symbol runs.
var ErrInFlight = errors.New("seeder: seed already in flight")

// Result summarises one SeedAll run.
type Result struct {
	Seeded  int
	Failed  int
	Skipped int
}

// Seeder seeds instruments.
type Seeder struct {
	cfg    Config
	src    HistorySource
	engine *indicator.Engine
	store  *state.Store

	// mu orders installs against Prune so a late fetch cannot bring a
	// removed symbol back.
	mu       sync.Mutex
	gen      uint64
	dropped  map[string]uint64 // symbol → generation it was pruned in
	inflight map[string]context.CancelFunc

	// OnResult is called once per attempted symbol (metrics).
	OnResult func(symbol string, err error)
}

// New creates a Seeder.
func New(cfg Config, src HistorySource, engine *indicator.Engine, store *state.Store) *Seeder {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Seeder{
		cfg:      cfg,
		src:      src,
		engine:   engine,
		store:    store,
		dropped:  make(map[string]uint64),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Prune drops engine and store state for every tracked symbol missing
// from live and cancels their in-flight fetches. Seeds started before the
// call never install a pruned symbol. Returns the removed symbols.
func (s *Seeder) Prune(live []string) []string {
	keep := make(map[string]bool, len(live))
	for _, sym := range live {
		keep[sym] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	var removed []string
	for _, sym := range s.store.Symbols() {
		if !keep[sym] {
			removed = append(removed, sym)
		}
	}
	for sym, cancel := range s.inflight {
		if !keep[sym] {
			cancel()
			if _, ok := s.store.Get(sym); !ok {
				removed = append(removed, sym)
			}
		}
	}
	for _, sym := range removed {
		s.dropped[sym] = s.gen
		s.store.Remove(sym)
		s.engine.Reset(sym)
	}
	for sym := range keep {
		delete(s.dropped, sym)
	}
	sort.Strings(removed)
	return removed
}

func (s *Seeder) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// begin registers a fetch for symbol. It reports false when one is
// already running or the symbol was pruned after gen.
func (s *Seeder) begin(ctx context.Context, symbol string, gen uint64) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[symbol]; busy || s.dropped[symbol] > gen {
		return nil, false
	}
	rctx, cancel := context.WithCancel(ctx)
	s.inflight[symbol] = cancel
	return rctx, true
}

func (s *Seeder) end(symbol string) {
	s.mu.Lock()
	if cancel, ok := s.inflight[symbol]; ok {
		cancel()
		delete(s.inflight, symbol)
	}
	s.mu.Unlock()
}

// SeedAll seeds every symbol that is not ready yet and not already being
// seeded. Failures are logged and counted, never returned: a failed symbol
// stays not-ready and is retried on the next call.
func (s *Seeder) SeedAll(ctx context.Context, symbols []string) Result {
	var (
		g                       errgroup.Group
		seeded, failed, skipped atomic.Int32
	)
	g.SetLimit(s.cfg.Parallelism)
	gen := s.generation()

	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		if s.store.Ready(sym) {
			skipped.Add(1)
			continue
		}
		rctx, ok := s.begin(ctx, sym, gen)
		if !ok {
			skipped.Add(1)
			continue
		}

		sym := sym
		g.Go(func() error {
			defer s.end(sym)
			switch err := s.seed(rctx, sym, gen); {
			case err == nil:
				seeded.Add(1)
			case errors.Is(err, ErrDropped):
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	res := Result{Seeded: int(seeded.Load()), Failed: int(failed.Load()), Skipped: int(skipped.Load())}
	if res.Seeded+res.Failed > 0 {
		log.Printf("[seeder] seeded=%d failed=%d skipped=%d", res.Seeded, res.Failed, res.Skipped)
	}
	return res
}

// SeedOne fetches, resamples and installs history for one symbol. It
// returns ErrDropped if the symbol is pruned before the install.
func (s *Seeder) SeedOne(ctx context.Context, symbol string) error {
	gen := s.generation()
	rctx, ok := s.begin(ctx, symbol, gen)
	if !ok {
		if s.pruned(symbol, gen) {
			return ErrDropped
		}
		return ErrInFlight
	}
	defer s.end(symbol)
	return s.seed(rctx, symbol, gen)
}

func (s *Seeder) seed(ctx context.Context, symbol string, gen uint64) (err error) {
	defer func() {
		if s.OnResult != nil {
			s.OnResult(symbol, err)
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	raw, err := s.src.History(fctx, symbol)
	if err != nil {
		if s.pruned(symbol, gen) {
			return ErrDropped
		}
		log.Printf("[seeder] %s: fetch failed: %v", symbol, err)
		return err
	}
	candles := raw
	if s.cfg.BucketPeriod > 0 {
		candles = resample.Candles(raw, s.cfg.BucketPeriod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped[symbol] > gen {
		return ErrDropped
	}

	ema, err := s.engine.Seed(symbol, candles)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientHistory) {
			log.Printf("[seeder] %s: %v, not tracked until next reconnect", symbol, err)
		} else {
			log.Printf("[seeder] %s: %v", symbol, err)
		}
		return err
	}
	s.store.Seed(symbol, candles, ema)
	return nil
}

func (s *Seeder) pruned(symbol string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[symbol] > gen
}
