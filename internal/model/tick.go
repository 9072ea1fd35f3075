package model

import "time"

// Trade represents a single aggregated trade tick from the venue stream.
// Only Price is used by the engine: it refreshes the running close of the
// current bucket between candle updates.
type Trade struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Qty    float64   `json:"qty"`
	TS     time.Time `json:"ts"` // trade time (UTC)
}
