package stream

import (
	"errors"
	"testing"
	"time"
)

func TestDecode_Kline(t *testing.T) {
	raw := []byte(`{"e":"kline","E":1700000005000,"s":"BTCUSDT","k":{"t":1699999200000,"T":1700002799999,"s":"BTCUSDT","i":"1h","o":"37000.10","c":"37100.50","h":"37200.00","l":"36950.00","v":"1234.567","x":false}}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != KindCandle {
		t.Fatalf("kind = %v, want candle", msg.Kind)
	}
	c := msg.Candle
	if c.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", c.Symbol)
	}
	if !c.TS.Equal(time.UnixMilli(1699999200000)) || c.TS.Location() != time.UTC {
		t.Errorf("ts = %v", c.TS)
	}
	if c.Open != 37000.10 || c.High != 37200 || c.Low != 36950 || c.Close != 37100.50 || c.Volume != 1234.567 {
		t.Errorf("ohlcv = %+v", c)
	}
	if c.Closed {
		t.Error("x=false must decode as open bucket")
	}
}

func TestDecode_CombinedStream(t *testing.T) {
	raw := []byte(`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"2000.5","q":"0.1","T":1700000000123}}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindTrade || msg.Trade.Symbol != "ETHUSDT" || msg.Trade.Price != 2000.5 {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestDecode_Trade(t *testing.T) {
	msg, err := Decode([]byte(`{"e":"aggTrade","s":"solusdt","p":"101.25","q":"3","T":1700000000000,"m":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Trade.Symbol != "SOLUSDT" {
		t.Errorf("symbol must be upper-cased, got %q", msg.Trade.Symbol)
	}
	if msg.Trade.Qty != 3 {
		t.Errorf("qty = %v", msg.Trade.Qty)
	}
}

func TestDecode_Ignored(t *testing.T) {
	for _, raw := range []string{
		`{"result":null,"id":1}`,
		`{"e":"depthUpdate","s":"BTCUSDT"}`,
		`{"e":"markPriceUpdate","s":"BTCUSDT","p":"1"}`,
	} {
		msg, err := Decode([]byte(raw))
		if err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
			continue
		}
		if msg.Kind != KindIgnored {
			t.Errorf("%s: kind = %v, want ignored", raw, msg.Kind)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `not json`,
		"array":           `[1,2,3]`,
		"truncated":       `{"e":"kline","s":"BTC`,
		"missing k":       `{"e":"kline","s":"BTCUSDT"}`,
		"missing close":   `{"e":"kline","s":"BTCUSDT","k":{"t":1,"o":"1","h":"1","l":"1","v":"1"}}`,
		"null close":      `{"e":"kline","s":"BTCUSDT","k":{"t":1,"o":"1","h":"1","l":"1","c":null,"v":"1"}}`,
		"non-numeric":     `{"e":"kline","s":"BTCUSDT","k":{"t":1,"o":"1","h":"1","l":"1","c":"abc","v":"1"}}`,
		"zero close":      `{"e":"kline","s":"BTCUSDT","k":{"t":1,"o":"1","h":"1","l":"1","c":"0","v":"1"}}`,
		"missing ts":      `{"e":"kline","s":"BTCUSDT","k":{"o":"1","h":"1","l":"1","c":"1","v":"1"}}`,
		"missing symbol":  `{"e":"aggTrade","p":"1","q":"1","T":1}`,
		"trade bad price": `{"e":"aggTrade","s":"BTCUSDT","p":"NaN?","q":"1","T":1}`,
		"trade neg price": `{"e":"aggTrade","s":"BTCUSDT","p":"-1","q":"1","T":1}`,
		"venue error":     `{"error":{"code":2,"msg":"Invalid request"},"id":1}`,
		"object close":    `{"e":"kline","s":"BTCUSDT","k":{"t":1,"o":"1","h":"1","l":"1","c":{},"v":"1"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %v", err)
			}
			if de.Raw == "" {
				t.Error("decode error should carry the raw frame")
			}
		})
	}
}

func TestDecodeError_TruncatesRaw(t *testing.T) {
	raw := make([]byte, 1024)
	for i := range raw {
		raw[i] = 'x'
	}
	_, err := Decode(raw)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatal("expected decode error")
	}
	if len(de.Raw) != rawPrefixLen {
		t.Errorf("raw len = %d, want %d", len(de.Raw), rawPrefixLen)
	}
}
