package models

import "time"

// PricePoint is the ticker price for a symbol at the moment it was captured.
type PricePoint struct {
	CapturedAt time.Time `json:"captured_at"`
	Symbol     string    `json:"symbol"`
	Price      string    `json:"price"`
}

// At returns a copy of p captured at t.
func (p PricePoint) At(t time.Time) PricePoint {
	p.CapturedAt = t
	return p
}
