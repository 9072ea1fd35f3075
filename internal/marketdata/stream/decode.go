package stream

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ema-sentinel/internal/model"

	"github.com/tidwall/gjson"
)

// Kind discriminates decoded inbound frames.
type Kind int

const (
	KindIgnored Kind = iota // unrecognised event type, subscribe ack
	KindCandle
	KindTrade
)

func (k Kind) String() string {
	switch k {
	case KindCandle:
		return "candle"
	case KindTrade:
		return "trade"
	default:
		return "ignored"
	}
}

// Message is one decoded inbound frame. Only the field matching Kind is set.
type Message struct {
	Kind   Kind
	Candle model.Candle
	Trade  model.Trade
}

// DecodeError reports a malformed inbound frame. The frame is dropped and
// the connection is unaffected.
type DecodeError struct {
	Reason string
	Raw    string // truncated frame, for logs
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: decode %s: %v (raw: %s)", e.Reason, e.Err, e.Raw)
	}
	return fmt.Sprintf("stream: decode %s (raw: %s)", e.Reason, e.Raw)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const rawPrefixLen = 256

func decodeErr(raw []byte, reason string, err error) *DecodeError {
	r := raw
	if len(r) > rawPrefixLen {
		r = r[:rawPrefixLen]
	}
	return &DecodeError{Reason: reason, Raw: string(r), Err: err}
}

// Decode parses one venue frame. Both raw ("/ws") and combined ("/stream")
// payloads are accepted. Every numeric field is parsed explicitly; a
// missing or non-numeric field yields a *DecodeError instead of a zero.
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, decodeErr(raw, "invalid json", nil)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Message{}, decodeErr(raw, "not an object", nil)
	}
	if data := root.Get("data"); data.IsObject() {
		root = data
	}

	if errRes := root.Get("error"); errRes.Exists() {
		return Message{}, decodeErr(raw, "venue error", fmt.Errorf("%s", errRes.Get("msg").String()))
	}

	switch root.Get("e").String() {
	case "kline":
		c, err := decodeKline(root)
		if err != nil {
			return Message{}, decodeErr(raw, "kline", err)
		}
		return Message{Kind: KindCandle, Candle: c}, nil

	case "aggTrade", "trade":
		t, err := decodeTrade(root)
		if err != nil {
			return Message{}, decodeErr(raw, "trade", err)
		}
		return Message{Kind: KindTrade, Trade: t}, nil
	}
	return Message{Kind: KindIgnored}, nil
}

func decodeKline(ev gjson.Result) (model.Candle, error) {
	k := ev.Get("k")
	if !k.IsObject() {
		return model.Candle{}, fmt.Errorf("missing k")
	}
	sym := symbolOf(ev, k)
	if sym == "" {
		return model.Candle{}, fmt.Errorf("missing symbol")
	}
	openMs, err := integer(k, "t")
	if err != nil {
		return model.Candle{}, err
	}

	c := model.Candle{
		Symbol: sym,
		TS:     time.UnixMilli(openMs).UTC(),
		Closed: k.Get("x").Bool(),
	}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"o", &c.Open}, {"h", &c.High}, {"l", &c.Low}, {"c", &c.Close}, {"v", &c.Volume},
	} {
		if *f.dst, err = number(k, f.key); err != nil {
			return model.Candle{}, err
		}
	}
	if c.Close <= 0 {
		return model.Candle{}, fmt.Errorf("non-positive close %v", c.Close)
	}
	return c, nil
}

func decodeTrade(ev gjson.Result) (model.Trade, error) {
	sym := strings.ToUpper(ev.Get("s").String())
	if sym == "" {
		return model.Trade{}, fmt.Errorf("missing symbol")
	}
	price, err := number(ev, "p")
	if err != nil {
		return model.Trade{}, err
	}
	if price <= 0 {
		return model.Trade{}, fmt.Errorf("non-positive price %v", price)
	}
	qty, err := number(ev, "q")
	if err != nil {
		return model.Trade{}, err
	}
	ts, err := integer(ev, "T")
	if err != nil {
		return model.Trade{}, err
	}
	return model.Trade{Symbol: sym, Price: price, Qty: qty, TS: time.UnixMilli(ts).UTC()}, nil
}

func symbolOf(ev, k gjson.Result) string {
	if s := ev.Get("s").String(); s != "" {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(k.Get("s").String())
}

// number reads a float that the venue may encode as a JSON number or as a
// decimal string.
func number(obj gjson.Result, key string) (float64, error) {
	r := obj.Get(key)
	var (
		v   float64
		err error
	)
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		v, err = strconv.ParseFloat(r.Str, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
	case gjson.Null:
		if !r.Exists() {
			return 0, fmt.Errorf("field %q missing", key)
		}
		return 0, fmt.Errorf("field %q is null", key)
	default:
		return 0, fmt.Errorf("field %q: unexpected %s", key, r.Type)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("field %q: not finite", key)
	}
	return v, nil
}

func integer(obj gjson.Result, key string) (int64, error) {
	r := obj.Get(key)
	switch r.Type {
	case gjson.Number:
		return r.Int(), nil
	case gjson.String:
		v, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return v, nil
	}
	if !r.Exists() {
		return 0, fmt.Errorf("field %q missing", key)
	}
	return 0, fmt.Errorf("field %q: unexpected %s", key, r.Type)
}
