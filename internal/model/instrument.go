package model

import "time"

// InstrumentSnapshot is a read-only copy of one instrument's tracked state,
// served to the dashboard through the snapshot query interface.
type InstrumentSnapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	EMA       float64   `json:"ema21"`
	Deviation float64   `json:"deviation"` // (price/ema - 1) * 100
	Position  Position  `json:"position"`
	Ready     bool      `json:"ready"`
	CandleTS  time.Time `json:"candle_ts"`
	LastAlert time.Time `json:"last_alert,omitempty"`
}

// StatusSnapshot is the payload of the status endpoint.
type StatusSnapshot struct {
	Status struct {
		Connection    string `json:"connection"`
		ActiveSymbols int    `json:"active_symbols"`
		LastUpdate    string `json:"last_update"`
		AlertsToday   int    `json:"alerts_today"`
	} `json:"status"`
	Pairs []InstrumentSnapshot `json:"pairs"`
}
