package model

import "time"

// Candle represents one OHLCV aggregation bucket for a single instrument.
// Prices are float64: the venue quotes crypto pairs with up to 8 decimals
// and the indicator math is double precision anyway.
type Candle struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"` // bucket start time (UTC, period-aligned)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Closed bool      `json:"closed"` // venue marked the bucket final
}

// Valid reports whether the OHLC invariant holds:
// high >= max(open, close) and low <= min(open, close).
func (c *Candle) Valid() bool {
	return c.High >= c.Open && c.High >= c.Close && c.Low <= c.Open && c.Low <= c.Close
}
