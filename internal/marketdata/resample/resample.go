// Package resample aggregates venue candles into fixed-duration buckets.
//
// The venue streams and serves candles at its own interval (e.g. 1h); the
// indicator may run on a coarser bucket (e.g. 3h). Buckets are aligned to
// multiples of the period since the Unix epoch in UTC, so the stream
// decoder, the state store and the history seeder agree on bucket identity.
package resample

import (
	"time"

	"ema-sentinel/internal/model"
)

// Floor returns the start of the bucket of length period containing ts.
// A non-positive period returns ts unchanged (in UTC).
func Floor(ts time.Time, period time.Duration) time.Time {
	ts = ts.UTC()
	if period <= 0 {
		return ts
	}
	sec := int64(period / time.Second)
	if sec <= 0 {
		return ts.Truncate(period)
	}
	u := ts.Unix()
	return time.Unix(u-mod(u, sec), 0).UTC()
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Candles resamples chronologically ordered source candles into buckets of
// length period: open=first, high=max, low=min, close=last, volume=sum.
// Every bucket but the last is marked Closed. Out-of-order source candles (older than the
// bucket being built) are dropped.
func Candles(src []model.Candle, period time.Duration) []model.Candle {
	if len(src) == 0 {
		return nil
	}

	out := make([]model.Candle, 0, len(src))
	var cur model.Candle
	started := false

	for _, c := range src {
		bucket := Floor(c.TS, period)

		if started && bucket.Before(cur.TS) {
			continue
		}

		if started && bucket.After(cur.TS) {
			cur.Closed = true
			out = append(out, cur)
			started = false
		}

		if !started {
			cur = model.Candle{
				Symbol: c.Symbol,
				TS:     bucket,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
				Closed: c.Closed,
			}
			started = true
			continue
		}

		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
		cur.Closed = c.Closed
	}

	if started {
		// The trailing bucket is treated as forming: the live stream keeps
		// refining it.
		cur.Closed = false
		out = append(out, cur)
	}
	return out
}
