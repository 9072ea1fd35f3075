// Package indicator maintains per-instrument exponential moving averages
// over a bucketed candle series.
//
// The Engine owns one EMA per instrument and exposes the seed/update
// contract used by the crossing detector. Memory is O(1) per instrument:
// no raw candles are retained once an instrument is seeded.
package indicator

import "errors"

var (
	// ErrInsufficientHistory is returned by Seed when fewer than period
	// candles are supplied. The instrument stays not ready.
	ErrInsufficientHistory = errors.New("indicator: insufficient history")

	// ErrUnknownInstrument is returned by updates for an instrument that
	// was never seeded.
	ErrUnknownInstrument = errors.New("indicator: unknown instrument")

	// ErrStaleBucket is returned when an update refers to a bucket older
	// than the last one applied.
	ErrStaleBucket = errors.New("indicator: stale bucket")
)

// DefaultPeriod is the EMA period used for crossing detection.
const DefaultPeriod = 21
