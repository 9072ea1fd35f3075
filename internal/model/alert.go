package model

import (
	"encoding/json"
	"time"
)

// Alert is a crossing notification for one instrument.
type Alert struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Price     float64   `json:"price"`
	EMA       float64   `json:"ema"`
	Deviation float64   `json:"deviation"` // percent
	TS        time.Time `json:"ts"`
}

// Deviation returns (price/ema - 1) * 100. Returns 0 when ema is 0.
func Deviation(price, ema float64) float64 {
	if ema == 0 {
		return 0
	}
	return (price/ema - 1) * 100
}

// JSON returns the JSON-encoded alert.
func (a *Alert) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
