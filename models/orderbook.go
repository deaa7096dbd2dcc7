package models

import "time"

// Side identifies which ladder of the order book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// DepthLevel is a single price level of a depth snapshot. Price and Quantity
// keep the exact decimal text returned by the exchange.
type DepthLevel struct {
	CapturedAt time.Time `json:"captured_at"`
	Side       Side      `json:"side"`
	Price      string    `json:"price"`
	Quantity   string    `json:"quantity"`
}

// Depth holds both ladders of one depth fetch, best price first.
type Depth struct {
	LastUpdateID uint64       `json:"last_update_id"`
	Bids         []DepthLevel `json:"bids"`
	Asks         []DepthLevel `json:"asks"`
}

// At returns a copy of the depth with every level stamped with t.
// Level order is preserved.
func (d Depth) At(t time.Time) Depth {
	return Depth{
		LastUpdateID: d.LastUpdateID,
		Bids:         stampLevels(d.Bids, t),
		Asks:         stampLevels(d.Asks, t),
	}
}

func stampLevels(levels []DepthLevel, t time.Time) []DepthLevel {
	if levels == nil {
		return nil
	}
	out := make([]DepthLevel, len(levels))
	for i, l := range levels {
		l.CapturedAt = t
		out[i] = l
	}
	return out
}

// Pairs renders levels as [price, quantity] pairs, the shape the exchange uses.
func Pairs(levels []DepthLevel) [][]string {
	out := make([][]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, []string{l.Price, l.Quantity})
	}
	return out
}
