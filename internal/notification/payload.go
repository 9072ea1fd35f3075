package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ema-sentinel/internal/model"

	"github.com/shopspring/decimal"
)

// TimeLayout is the payload timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Payload is the structured alert body sent to every sink.
type Payload struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	AlertType string  `json:"alert_type"`
	Icon      string  `json:"icon"`
	Price     float64 `json:"price"`     // 4dp
	EMA       float64 `json:"ema21"`     // 4dp
	Deviation float64 `json:"deviation"` // percent, 2dp
	Time      string  `json:"time"`
}

// Icons by crossing direction.
const (
	IconUp   = "🟢"
	IconDown = "🔴"
)

// IndicatorLabel names an EMA of period over buckets of the given length,
// e.g. "3h EMA21".
func IndicatorLabel(bucket time.Duration, period int) string {
	b := bucket.String()
	if strings.HasSuffix(b, "m0s") {
		b = strings.TrimSuffix(b, "0s")
	}
	if strings.HasSuffix(b, "h0m") {
		b = strings.TrimSuffix(b, "0m")
	}
	return fmt.Sprintf("%s EMA%d", b, period)
}

// NewPayload renders an alert. label names the indicator, e.g. "3h EMA21".
func NewPayload(a model.Alert, label string, loc *time.Location) Payload {
	if loc == nil {
		loc = time.UTC
	}
	icon := IconDown
	if a.Direction == model.CrossUp {
		icon = IconUp
	}
	return Payload{
		ID:        a.ID,
		Symbol:    a.Symbol,
		AlertType: "price " + a.Direction.Label() + " " + label,
		Icon:      icon,
		Price:     round(a.Price, 4),
		EMA:       round(a.EMA, 4),
		Deviation: round(a.Deviation, 2),
		Time:      a.TS.In(loc).Format(TimeLayout),
	}
}

// Pretty returns the indented JSON form used as chat message text.
func (p Payload) Pretty() string {
	b, _ := json.MarshalIndent(p, "", "    ")
	return string(b)
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
