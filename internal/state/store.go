// Package state holds the per-instrument mutable state of the surveillance
// engine: the current candle bucket, a bounded archive of closed buckets,
// the last indicator value, the relative position and the alert cooldown
// timestamp.
//
// The Store is the only owner of that state. The stream-processing
// goroutine is the single writer per instrument; snapshot readers copy
// values out under a read lock.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ema-sentinel/internal/marketdata/resample"
	"ema-sentinel/internal/model"
)

// ErrStaleBucket is returned when a candle belongs to a bucket older than
// the instrument's current bucket. The state is not modified.
var ErrStaleBucket = errors.New("state: stale bucket")

// DefaultHistoryLimit bounds the archive of closed buckets per instrument.
const DefaultHistoryLimit = 300

// Upsert describes what UpsertCandle did.
type Upsert int

const (
	UpsertCreated Upsert = iota // first candle for an unknown instrument
	UpsertUpdated               // refined the current bucket in place
	UpsertRolled                // archived the current bucket and opened a new one
)

func (u Upsert) String() string {
	switch u {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	case UpsertRolled:
		return "rolled"
	default:
		return "unknown"
	}
}

// instrument is the mutable state of one tracked symbol.
type instrument struct {
	candle    model.Candle
	history   []model.Candle // closed buckets, oldest first
	ema       float64
	hasEMA    bool
	ready     bool
	position  model.Position
	lastAlert time.Time
}

// Store maps instrument keys to their state.
type Store struct {
	mu           sync.RWMutex
	instruments  map[string]*instrument
	bucketPeriod time.Duration
	historyLimit int
	lastUpdate   time.Time
}

// New creates a Store that aligns candles to bucketPeriod and keeps at most
// historyLimit closed buckets per instrument.
func New(bucketPeriod time.Duration, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		instruments:  make(map[string]*instrument, 256),
		bucketPeriod: bucketPeriod,
		historyLimit: historyLimit,
	}
}

// BucketPeriod returns the bucket length used to align candles.
func (s *Store) BucketPeriod() time.Duration { return s.bucketPeriod }

// UpsertCandle merges an incoming candle snapshot into the instrument's
// current bucket and returns the resulting current candle.
//
// Same bucket: high = max, low = min, close = incoming close and volume =
// incoming volume (last write wins: the venue sends refined snapshots of
// the bucket, not deltas). Newer bucket: the current bucket is archived
// and a new one opened. Older bucket: ErrStaleBucket.
func (s *Store) UpsertCandle(c model.Candle) (model.Candle, Upsert, error) {
	c.TS = resample.Floor(c.TS, s.bucketPeriod)
	normalize(&c)

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instruments[c.Symbol]
	if !exists {
		s.instruments[c.Symbol] = &instrument{candle: c}
		s.lastUpdate = time.Now()
		return c, UpsertCreated, nil
	}

	cur := &inst.candle
	switch {
	case c.TS.Before(cur.TS):
		return *cur, UpsertUpdated, fmt.Errorf("%w: %s bucket %s before %s", ErrStaleBucket, c.Symbol,
			c.TS.Format(time.RFC3339), cur.TS.Format(time.RFC3339))

	case c.TS.After(cur.TS):
		archived := *cur
		archived.Closed = true
		s.archive(inst, archived)
		inst.candle = c
		s.lastUpdate = time.Now()
		return c, UpsertRolled, nil
	}

	// Same bucket: refine in place
	if c.High > cur.High {
		cur.High = c.High
	}
	if c.Low < cur.Low {
		cur.Low = c.Low
	}
	cur.Close = c.Close
	cur.Volume = c.Volume
	cur.Closed = cur.Closed || c.Closed
	normalize(cur)
	s.lastUpdate = time.Now()
	return *cur, UpsertUpdated, nil
}

// UpdateClose refreshes the running close of the current bucket from a
// trade tick. High/low are stretched to keep the OHLC invariant. Unknown
// instruments are ignored; returns false in that case.
func (s *Store) UpdateClose(symbol string, price float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return false
	}
	inst.candle.Close = price
	normalize(&inst.candle)
	s.lastUpdate = time.Now()
	return true
}

// Seed installs history and an initial indicator value for symbol and
// marks it ready for crossing detection. The last history candle becomes
// the current bucket unless the stream already opened a newer one.
func (s *Store) Seed(symbol string, history []model.Candle, ema float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		inst = &instrument{}
		s.instruments[symbol] = inst
	}

	inst.history = inst.history[:0]
	if n := len(history); n > 0 {
		tail := history[n-1]
		for _, c := range history[:n-1] {
			s.archive(inst, c)
		}
		if inst.candle.TS.IsZero() || tail.TS.After(inst.candle.TS) {
			inst.candle = tail
		} else if tail.TS.Before(inst.candle.TS) {
			s.archive(inst, tail)
		}
	}

	inst.ema = ema
	inst.hasEMA = true
	inst.ready = true
}

func (s *Store) archive(inst *instrument, c model.Candle) {
	inst.history = append(inst.history, c)
	if over := len(inst.history) - s.historyLimit; over > 0 {
		inst.history = append(inst.history[:0], inst.history[over:]...)
	}
}

// normalize enforces high >= max(open, close) and low <= min(open, close).
func normalize(c *model.Candle) {
	if c.Open > c.High {
		c.High = c.Open
	}
	if c.Close > c.High {
		c.High = c.Close
	}
	if c.Open < c.Low {
		c.Low = c.Open
	}
	if c.Close < c.Low {
		c.Low = c.Close
	}
}

// Candle returns the current bucket for symbol.
func (s *Store) Candle(symbol string) (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return model.Candle{}, false
	}
	return inst.candle, true
}

// History returns a copy of the archived closed buckets, oldest first.
func (s *Store) History(symbol string) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return nil
	}
	out := make([]model.Candle, len(inst.history))
	copy(out, inst.history)
	return out
}

// Ready reports whether symbol has been seeded and may be evaluated.
func (s *Store) Ready(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	return ok && inst.ready
}

// Indicator returns the last stored indicator value.
func (s *Store) Indicator(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok || !inst.hasEMA {
		return 0, false
	}
	return inst.ema, true
}

// SetIndicator stores the latest indicator value for symbol.
func (s *Store) SetIndicator(symbol string, ema float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instruments[symbol]; ok {
		inst.ema = ema
		inst.hasEMA = true
	}
}

// Position returns the last known relative position (PositionNone if absent).
func (s *Store) Position(symbol string) model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, ok := s.instruments[symbol]; ok {
		return inst.position
	}
	return model.PositionNone
}

// SetPosition stores the relative position for symbol.
func (s *Store) SetPosition(symbol string, pos model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instruments[symbol]; ok {
		inst.position = pos
	}
}

// LastAlert returns when symbol last alerted; ok is false if it never did.
func (s *Store) LastAlert(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok || inst.lastAlert.IsZero() {
		return time.Time{}, false
	}
	return inst.lastAlert, true
}

// SetLastAlert records the time of the last alert for symbol.
func (s *Store) SetLastAlert(symbol string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instruments[symbol]; ok {
		inst.lastAlert = ts
	}
}

// Remove drops all state for symbol (unsubscribe).
func (s *Store) Remove(symbol string) {
	s.mu.Lock()
	delete(s.instruments, symbol)
	s.mu.Unlock()
}

// Symbols returns the tracked instrument keys, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.instruments))
	for k := range s.instruments {
		out = append(out, k)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of tracked instruments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instruments)
}

// LastUpdate returns the time of the most recent mutation from the stream.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Get returns a snapshot of one instrument.
func (s *Store) Get(symbol string) (model.InstrumentSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return model.InstrumentSnapshot{}, false
	}
	return snapshotOf(symbol, inst), true
}

// Snapshot copies out the state of every instrument that has an indicator
// value, sorted by symbol. Only a read lock is held while copying.
func (s *Store) Snapshot() []model.InstrumentSnapshot {
	s.mu.RLock()
	out := make([]model.InstrumentSnapshot, 0, len(s.instruments))
	for sym, inst := range s.instruments {
		if !inst.hasEMA {
			continue
		}
		out = append(out, snapshotOf(sym, inst))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func snapshotOf(symbol string, inst *instrument) model.InstrumentSnapshot {
	snap := model.InstrumentSnapshot{
		Symbol:    symbol,
		Price:     inst.candle.Close,
		Position:  inst.position,
		Ready:     inst.ready,
		CandleTS:  inst.candle.TS,
		LastAlert: inst.lastAlert,
	}
	if inst.hasEMA {
		snap.EMA = inst.ema
		snap.Deviation = model.Deviation(inst.candle.Close, inst.ema)
	}
	return snap
}
