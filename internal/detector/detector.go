// Package detector decides when a close price has crossed its EMA and
// gates the resulting notifications behind a per-instrument cooldown.
package detector

import (
	"errors"
	"log"
	"time"

	"ema-sentinel/internal/indicator"
	"ema-sentinel/internal/model"
	"ema-sentinel/internal/state"
)

// DefaultCooldown is the minimum interval between two alerts for the same
// instrument.
const DefaultCooldown = 3600 * time.Second

// Outcome is the result of one evaluation.
type Outcome int

const (
	NotReady   Outcome = iota // no indicator yet
	Baseline                  // first observation, position recorded
	NoCross                   // position unchanged
	Alerted                   // crossing, alert handed to the sink
	Suppressed                // crossing inside the cooldown window
	Dropped                   // engine rejected the update
)

func (o Outcome) String() string {
	switch o {
	case NotReady:
		return "not_ready"
	case Baseline:
		return "baseline"
	case NoCross:
		return "no_cross"
	case Alerted:
		return "alerted"
	case Suppressed:
		return "suppressed"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Sink receives crossing alerts. Implementations must not block: the
// detector runs on the stream-processing path.
type Sink interface {
	FormatAndSend(symbol string, price, ema float64, dir model.Direction)
}

// Engine is the subset of indicator.Engine the detector drives.
type Engine interface {
	Update(symbol string, bucket time.Time, close float64) (float64, error)
}

// Detector evaluates crossings. It is not safe for concurrent Evaluate
// calls on the same instrument; the stream reader is the only caller.
type Detector struct {
	engine   Engine
	store    *state.Store
	sink     Sink
	cooldown time.Duration

	// Now is the clock used for cooldown bookkeeping.
	Now func() time.Time

	// OnOutcome is called after every evaluation (metrics).
	OnOutcome func(symbol string, o Outcome, dir model.Direction)
}

// New creates a Detector. A non-positive cooldown selects DefaultCooldown.
func New(engine Engine, store *state.Store, sink Sink, cooldown time.Duration) *Detector {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Detector{
		engine:   engine,
		store:    store,
		sink:     sink,
		cooldown: cooldown,
		Now:      time.Now,
	}
}

// Cooldown returns the configured cooldown.
func (d *Detector) Cooldown() time.Duration { return d.cooldown }

// Evaluate runs one crossing evaluation for symbol with the close of the
// bucket starting at bucket.
func (d *Detector) Evaluate(symbol string, bucket time.Time, close float64) Outcome {
	o, dir := d.evaluate(symbol, bucket, close)
	if d.OnOutcome != nil {
		d.OnOutcome(symbol, o, dir)
	}
	return o
}

func (d *Detector) evaluate(symbol string, bucket time.Time, close float64) (Outcome, model.Direction) {
	if !d.store.Ready(symbol) {
		return NotReady, ""
	}

	ema, err := d.engine.Update(symbol, bucket, close)
	if err != nil {
		if errors.Is(err, indicator.ErrUnknownInstrument) {
			log.Printf("[detector] %v, update dropped", err)
		} else {
			log.Printf("[detector] %v", err)
		}
		return Dropped, ""
	}
	d.store.SetIndicator(symbol, ema)

	newPos := model.PositionOf(close, ema)
	oldPos := d.store.Position(symbol)

	if oldPos == model.PositionNone {
		d.store.SetPosition(symbol, newPos)
		return Baseline, ""
	}
	if newPos == oldPos {
		return NoCross, ""
	}

	dir := model.DirectionOf(newPos)
	d.store.SetPosition(symbol, newPos)

	now := d.Now()
	if last, ok := d.store.LastAlert(symbol); ok && now.Sub(last) <= d.cooldown {
		log.Printf("[detector] %s %s EMA, alert suppressed (cooldown %s left)",
			symbol, dir.Label(), (d.cooldown - now.Sub(last)).Round(time.Second))
		return Suppressed, dir
	}

	d.store.SetLastAlert(symbol, now)
	if d.sink != nil {
		d.sink.FormatAndSend(symbol, close, ema, dir)
	}
	return Alerted, dir
}
