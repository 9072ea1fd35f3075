package indicator

// EMA calculates an Exponential Moving Average.
// O(1) per update, no window storage.
//
// The first observed close seeds the average (pandas ewm(adjust=False)
// semantics); every later close applies ema += alpha * (close - ema).
// prev keeps the value before the last step so that the last step can be
// revised when the venue refines the same bucket.
type EMA struct {
	period     int
	multiplier float64
	prev       float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Period returns the configured period.
func (e *EMA) Period() int { return e.period }

// Update applies one incremental step with the given close.
func (e *EMA) Update(price float64) {
	e.count++
	if e.count == 1 {
		e.prev = price
		e.current = price
		return
	}
	e.prev = e.current
	e.current = e.current + e.multiplier*(price-e.current)
}

// Revise replaces the close of the last step and recomputes it.
// A revision of the very first step simply reseeds with the new price.
func (e *EMA) Revise(price float64) {
	switch e.count {
	case 0:
		e.Update(price)
	case 1:
		e.prev = price
		e.current = price
	default:
		e.current = e.prev + e.multiplier*(price-e.prev)
	}
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }
func (e *EMA) Count() int     { return e.count }

// Peek computes what Value() would be if a step with this close were
// applied next, WITHOUT mutating internal state.
func (e *EMA) Peek(price float64) float64 {
	if e.count == 0 {
		return price
	}
	return e.current + e.multiplier*(price-e.current)
}
