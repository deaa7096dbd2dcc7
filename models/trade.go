package models

import "time"

// Trade is one executed trade as reported by the exchange. TradedAt has
// whole-second precision.
type Trade struct {
	TradeID  uint64    `json:"id"`
	Price    string    `json:"price"`
	Quantity string    `json:"qty"`
	TradedAt time.Time `json:"time"`
}

// TradeTime converts exchange epoch milliseconds to a UTC timestamp truncated
// to the whole second. The sub-second part is dropped, not rounded.
func TradeTime(epochMillis int64) time.Time {
	return time.Unix(epochMillis/1000, 0).UTC()
}
