package model

// Position is the relative position of the close price against the indicator.
type Position int

const (
	PositionNone Position = iota // indicator not available yet
	PositionAbove
	PositionBelow
)

// PositionOf derives the relative position: close > ema ? ABOVE : BELOW.
func PositionOf(close, ema float64) Position {
	if close > ema {
		return PositionAbove
	}
	return PositionBelow
}

func (p Position) String() string {
	switch p {
	case PositionAbove:
		return "above"
	case PositionBelow:
		return "below"
	default:
		return ""
	}
}

// MarshalText renders the position as "above", "below" or "".
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Direction is the direction of a crossing.
type Direction string

const (
	CrossUp   Direction = "up"
	CrossDown Direction = "down"
)

// DirectionOf returns the crossing direction implied by a transition into pos.
func DirectionOf(pos Position) Direction {
	if pos == PositionAbove {
		return CrossUp
	}
	return CrossDown
}

// Label is the human-readable crossing label used in notifications.
func (d Direction) Label() string {
	if d == CrossUp {
		return "crossed above"
	}
	return "crossed below"
}
