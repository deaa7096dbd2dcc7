package models

import (
	"strconv"
	"time"
)

// TimestampLayout is the rendering used for every timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Column names of the sink tables.
const (
	ColumnTimestamp = "timestamp"
	ColumnPrice     = "price"
	ColumnQuantity  = "quantity"
	ColumnTradeID   = "trade_id"
)

// Row is one insert: a target table and its column values already rendered
// as strings. Columns and Values are positionally aligned.
type Row struct {
	Table   string
	Columns []string
	Values  []string
}

// Tables names the sink table for every observation kind.
type Tables struct {
	Price  string `yaml:"price"`
	Bids   string `yaml:"bids"`
	Asks   string `yaml:"asks"`
	Trades string `yaml:"trades"`
}

// DefaultTables returns the table names used when none are configured.
func DefaultTables() Tables {
	return Tables{
		Price:  "btc_price",
		Bids:   "btc_bids",
		Asks:   "btc_asks",
		Trades: "btc_trades",
	}
}

// ForSide returns the bid or ask table.
func (t Tables) ForSide(side Side) string {
	if side == SideAsk {
		return t.Asks
	}
	return t.Bids
}

// PriceRow builds the price table row for p.
func (t Tables) PriceRow(p PricePoint) Row {
	return Row{
		Table:   t.Price,
		Columns: []string{ColumnTimestamp, ColumnPrice},
		Values:  []string{FormatTimestamp(p.CapturedAt), p.Price},
	}
}

// DepthRow builds the bid or ask table row for l, chosen by l.Side.
func (t Tables) DepthRow(l DepthLevel) Row {
	return Row{
		Table:   t.ForSide(l.Side),
		Columns: []string{ColumnTimestamp, ColumnPrice, ColumnQuantity},
		Values:  []string{FormatTimestamp(l.CapturedAt), l.Price, l.Quantity},
	}
}

// TradeRow builds the trade table row for tr.
func (t Tables) TradeRow(tr Trade) Row {
	return Row{
		Table:   t.Trades,
		Columns: []string{ColumnTimestamp, ColumnTradeID, ColumnPrice, ColumnQuantity},
		Values:  []string{FormatTimestamp(tr.TradedAt), strconv.FormatUint(tr.TradeID, 10), tr.Price, tr.Quantity},
	}
}

// Map returns the row as column -> value.
func (r Row) Map() map[string]string {
	m := make(map[string]string, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Values) {
			m[c] = r.Values[i]
		}
	}
	return m
}
