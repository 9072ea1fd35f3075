package indicator

import (
	"fmt"
	"sync"
	"time"

	"ema-sentinel/internal/model"
)

// series is the live EMA state for one instrument.
type series struct {
	ema    *EMA
	bucket time.Time // bucket start of the last applied step
}

// Engine computes one EMA per instrument.
// Writes come from the single stream-processing goroutine; the RWMutex
// only keeps snapshot readers from racing with it.
type Engine struct {
	period int

	mu    sync.RWMutex
	state map[string]*series
}

// NewEngine creates an indicator engine with the given EMA period.
func NewEngine(period int) *Engine {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Engine{
		period: period,
		state:  make(map[string]*series, 256),
	}
}

// Period returns the EMA period.
func (e *Engine) Period() int { return e.period }

// Seed computes the initial EMA for symbol from chronologically ordered
// candles, replacing any previous state. The first close is the initial
// value. Returns ErrInsufficientHistory if fewer than period candles are
// supplied; in that case existing state is left untouched.
func (e *Engine) Seed(symbol string, candles []model.Candle) (float64, error) {
	if len(candles) < e.period {
		return 0, fmt.Errorf("%w: %s has %d candles, need %d", ErrInsufficientHistory, symbol, len(candles), e.period)
	}

	ema := NewEMA(e.period)
	for _, c := range candles {
		ema.Update(c.Close)
	}

	e.mu.Lock()
	e.state[symbol] = &series{ema: ema, bucket: candles[len(candles)-1].TS}
	e.mu.Unlock()

	return ema.Value(), nil
}

// Step applies exactly one incremental EMA step with newClose and returns
// the new value. It ignores bucket identity; Update is the bucket-aware
// variant used by the live pipeline.
func (e *Engine) Step(symbol string, newClose float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.state[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	s.ema.Update(newClose)
	return s.ema.Value(), nil
}

// Update applies newClose for the bucket starting at bucket.
//
//   - bucket after the last applied bucket: one new EMA step.
//   - same bucket: the last step is revised with the refined close, so a
//     bucket contributes exactly one step however many snapshots arrive.
//   - older bucket: ErrStaleBucket, state untouched.
func (e *Engine) Update(symbol string, bucket time.Time, newClose float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.state[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}

	switch {
	case bucket.After(s.bucket):
		s.ema.Update(newClose)
		s.bucket = bucket
	case bucket.Equal(s.bucket):
		s.ema.Revise(newClose)
	default:
		return s.ema.Value(), fmt.Errorf("%w: %s bucket %s before %s", ErrStaleBucket, symbol,
			bucket.Format(time.RFC3339), s.bucket.Format(time.RFC3339))
	}
	return s.ema.Value(), nil
}

// Value returns the current EMA for symbol. ok is false when the
// instrument was never seeded.
func (e *Engine) Value(symbol string) (v float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, exists := e.state[symbol]
	if !exists {
		return 0, false
	}
	return s.ema.Value(), true
}

// Ready reports whether symbol has a defined indicator value.
func (e *Engine) Ready(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.state[symbol]
	return ok && s.ema.Ready()
}

// Peek computes the EMA symbol would have after one more step with close,
// without mutating state.
func (e *Engine) Peek(symbol string, close float64) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.state[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return s.ema.Peek(close), nil
}

// Reset drops all state for symbol.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	delete(e.state, symbol)
	e.mu.Unlock()
}

// Len returns the number of seeded instruments.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state)
}
