package sentinel

import (
	"context"
	"sync"
	"time"

	"ema-sentinel/internal/model"
	"ema-sentinel/internal/notification"
	"ema-sentinel/internal/ringbuf"
	"ema-sentinel/internal/state"
)

// buildStatus assembles the status snapshot from the store.
func buildStatus(conn string, store *state.Store, alertsToday int) model.StatusSnapshot {
	var snap model.StatusSnapshot
	snap.Pairs = store.Snapshot()
	snap.Status.Connection = conn
	snap.Status.ActiveSymbols = len(snap.Pairs)
	snap.Status.AlertsToday = alertsToday
	if lu := store.LastUpdate(); !lu.IsZero() {
		snap.Status.LastUpdate = lu.Format(notification.TimeLayout)
	}
	return snap
}

// dayCounter counts alerts per local calendar day. It backs alerts_today
// when the SQLite journal is disabled.
type dayCounter struct {
	mu  sync.Mutex
	loc *time.Location
	day string
	n   int
}

func newDayCounter(loc *time.Location) *dayCounter {
	if loc == nil {
		loc = time.Local
	}
	return &dayCounter{loc: loc}
}

func (d *dayCounter) Inc(ts time.Time) {
	day := ts.In(d.loc).Format("2006-01-02")
	d.mu.Lock()
	if day != d.day {
		d.day, d.n = day, 0
	}
	d.n++
	d.mu.Unlock()
}

func (d *dayCounter) Count(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.In(d.loc).Format("2006-01-02") != d.day {
		return 0
	}
	return d.n
}

// midnight returns the start of t's day in loc.
func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// recentAlerts serves alert history from memory when the SQLite journal
// is disabled.
type recentAlerts struct {
	ring *ringbuf.Ring[model.Alert]
}

func (r recentAlerts) Recent(_ context.Context, symbol string, limit int) ([]model.Alert, error) {
	var keep func(model.Alert) bool
	if symbol != "" {
		keep = func(a model.Alert) bool { return a.Symbol == symbol }
	}
	return r.ring.Latest(limit, keep), nil
}
