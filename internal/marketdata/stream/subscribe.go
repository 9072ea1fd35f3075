package stream

import (
	"strings"
)

// MaxStreamsPerRequest is the venue limit on params in one SUBSCRIBE call.
const MaxStreamsPerRequest = 200

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamNames returns the stream names for symbols: <sym>@kline_<interval>
// and, when trades is set, <sym>@aggTrade.
func StreamNames(symbols []string, interval string, trades bool) []string {
	per := 1
	if trades {
		per = 2
	}
	out := make([]string, 0, len(symbols)*per)
	for _, s := range symbols {
		low := strings.ToLower(s)
		out = append(out, low+"@kline_"+interval)
		if trades {
			out = append(out, low+"@aggTrade")
		}
	}
	return out
}

// chunk splits names into groups of at most size.
func chunk(names []string, size int) [][]string {
	if size <= 0 {
		size = MaxStreamsPerRequest
	}
	var out [][]string
	for len(names) > size {
		out = append(out, names[:size:size])
		names = names[size:]
	}
	if len(names) > 0 {
		out = append(out, names)
	}
	return out
}
