// Package rest is the venue's request/response side: the tradable
// instrument universe and historical klines used to seed the indicator.
//
// Endpoints (Binance USDⓈ-M futures):
//
//	GET /fapi/v1/exchangeInfo
//	GET /fapi/v1/klines?symbol=BTCUSDT&interval=1h&limit=300
package rest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"ema-sentinel/internal/model"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

const (
	DefaultBaseURL = "https://fapi.binance.com"

	symbolsAttempts = 3
	historyAttempts = 5
	maxKlineLimit   = 1500
)

// StatusError is a non-2xx venue response.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: http %d: %s", e.Code, e.Msg)
}

// Retryable reports whether the request may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == fasthttp.StatusTooManyRequests || e.Code == 418 || e.Code >= 500
}

// ErrMalformed is returned when a response body cannot be parsed.
var ErrMalformed = errors.New("rest: malformed response")

// Config holds the client settings.
type Config struct {
	BaseURL  string
	Interval string // kline interval, default "1h"
	Limit    int    // klines per history call, default 300

	// QuoteAsset keeps only contracts quoted in this asset (e.g. "USDT").
	QuoteAsset string

	// Allow restricts the universe to these symbols when non-empty.
	Allow []string

	// Timeout per HTTP call. Defaults to 10s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.Limit <= 0 {
		c.Limit = 300
	}
	if c.Limit > maxKlineLimit {
		c.Limit = maxKlineLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Client talks to the venue REST API.
type Client struct {
	cfg    Config
	http   *fasthttp.Client
	allow  map[string]bool
	Sleep  func(ctx context.Context, d time.Duration) error
	OnCall func(endpoint string, err error)
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	c := &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:                "ema-sentinel",
			MaxConnsPerHost:     64,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		Sleep: sleepCtx,
	}
	if len(cfg.Allow) > 0 {
		c.allow = make(map[string]bool, len(cfg.Allow))
		for _, s := range cfg.Allow {
			c.allow[strings.ToUpper(s)] = true
		}
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Symbols returns the sorted list of perpetual contracts currently TRADING,
// filtered by quote asset and allow-list.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	err := c.retry(ctx, "exchangeInfo", symbolsAttempts, func() error {
		body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
		if err != nil {
			return err
		}
		out, err = c.parseSymbols(body)
		return err
	})
	return out, err
}

func (c *Client) parseSymbols(body []byte) ([]string, error) {
	syms := gjson.GetBytes(body, "symbols")
	if !syms.IsArray() {
		return nil, fmt.Errorf("%w: exchangeInfo without symbols", ErrMalformed)
	}
	var out []string
	syms.ForEach(func(_, s gjson.Result) bool {
		if s.Get("status").String() != "TRADING" || s.Get("contractType").String() != "PERPETUAL" {
			return true
		}
		if c.cfg.QuoteAsset != "" && !strings.EqualFold(s.Get("quoteAsset").String(), c.cfg.QuoteAsset) {
			return true
		}
		name := s.Get("symbol").String()
		if name == "" || (c.allow != nil && !c.allow[name]) {
			return true
		}
		out = append(out, name)
		return true
	})
	sort.Strings(out)
	return out, nil
}

// History returns up to Limit klines for symbol, oldest first. The last
// kline is usually the still-open bucket and is returned with Closed=false.
func (c *Client) History(ctx context.Context, symbol string) ([]model.Candle, error) {
	args := map[string]string{
		"symbol":   symbol,
		"interval": c.cfg.Interval,
		"limit":    strconv.Itoa(c.cfg.Limit),
	}
	var out []model.Candle
	err := c.retry(ctx, "klines", historyAttempts, func() error {
		body, err := c.get(ctx, "/fapi/v1/klines", args)
		if err != nil {
			return err
		}
		out, err = ParseKlines(symbol, body, time.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", symbol, err)
	}
	return out, nil
}

// ParseKlines decodes a klines array response. Rows are
// [openTime, open, high, low, close, volume, closeTime, ...]; a row whose
// closeTime is not before now is the open bucket.
func ParseKlines(symbol string, body []byte, now time.Time) ([]model.Candle, error) {
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: klines not an array", ErrMalformed)
	}
	rows := res.Array()
	out := make([]model.Candle, 0, len(rows))
	for i, r := range rows {
		row := r.Array()
		if len(row) < 7 {
			return nil, fmt.Errorf("%w: kline row %d has %d fields", ErrMalformed, i, len(row))
		}
		var f [5]float64
		for j := range f {
			v, err := strconv.ParseFloat(row[j+1].String(), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: kline row %d field %d: %v", ErrMalformed, i, j+1, err)
			}
			f[j] = v
		}
		closeMs := row[6].Int()
		out = append(out, model.Candle{
			Symbol: symbol,
			TS:     time.UnixMilli(row[0].Int()).UTC(),
			Open:   f[0],
			High:   f[1],
			Low:    f[2],
			Close:  f[3],
			Volume: f[4],
			Closed: closeMs < now.UnixMilli(),
		})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, args map[string]string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	q := req.URI().QueryArgs()
	for k, v := range args {
		q.Set(k, v)
	}

	timeout := c.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("rest: GET %s: %w", path, err)
	}
	body := append([]byte(nil), resp.Body()...)
	if code := resp.StatusCode(); code < 200 || code > 299 {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &StatusError{Code: code, Msg: msg}
	}
	return body, nil
}

// retry runs fn up to attempts times, sleeping 2^n seconds after the n-th
// failure. Non-retryable status errors and malformed bodies stop early.
func (c *Client) retry(ctx context.Context, endpoint string, attempts int, fn func() error) error {
	var err error
	for n := 0; n < attempts; n++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if c.OnCall != nil {
			c.OnCall(endpoint, err)
		}
		if err == nil {
			return nil
		}
		var se *StatusError
		if (errors.As(err, &se) && !se.Retryable()) || errors.Is(err, ErrMalformed) {
			return err
		}
		if n == attempts-1 {
			break
		}
		wait := time.Duration(1<<n) * time.Second
		log.Printf("[rest] %s failed (%v), retry %d/%d in %s", endpoint, err, n+1, attempts-1, wait)
		if serr := c.Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", endpoint, attempts, err)
}
