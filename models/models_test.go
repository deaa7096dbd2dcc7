package models

import (
	"reflect"
	"testing"
	"time"
)

func TestTradeTimeTruncatesToSecond(t *testing.T) {
	got := TradeTime(1_700_000_000_500)
	want := time.Unix(1_700_000_000, 0).UTC()
	if !got.Equal(want) {
		t.Fatalf("TradeTime = %v, want %v", got, want)
	}
	if s := FormatTimestamp(got); s != "2023-11-14 22:13:20" {
		t.Fatalf("FormatTimestamp = %q", s)
	}
}

func TestTablesRows(t *testing.T) {
	tables := DefaultTables()
	at := time.Date(2024, 3, 1, 12, 30, 45, 999_000_000, time.UTC)

	price := tables.PriceRow(PricePoint{CapturedAt: at, Symbol: "BTCUSDT", Price: "64000.01000000"})
	if price.Table != "btc_price" {
		t.Errorf("price table = %q", price.Table)
	}
	if !reflect.DeepEqual(price.Values, []string{"2024-03-01 12:30:45", "64000.01000000"}) {
		t.Errorf("price values = %v", price.Values)
	}

	ask := tables.DepthRow(DepthLevel{CapturedAt: at, Side: SideAsk, Price: "1.0", Quantity: "2.0"})
	if ask.Table != "btc_asks" {
		t.Errorf("ask routed to %q", ask.Table)
	}
	bid := tables.DepthRow(DepthLevel{CapturedAt: at, Side: SideBid, Price: "1.0", Quantity: "2.0"})
	if bid.Table != "btc_bids" {
		t.Errorf("bid routed to %q", bid.Table)
	}

	trade := tables.TradeRow(Trade{TradeID: 18446744073709551615, Price: "0.1", Quantity: "3", TradedAt: at})
	want := []string{"2024-03-01 12:30:45", "18446744073709551615", "0.1", "3"}
	if !reflect.DeepEqual(trade.Values, want) {
		t.Errorf("trade values = %v, want %v", trade.Values, want)
	}
	if len(trade.Columns) != len(trade.Values) {
		t.Errorf("columns/values misaligned: %v %v", trade.Columns, trade.Values)
	}
}

func TestDepthAtKeepsOrderAndOriginal(t *testing.T) {
	d := Depth{
		Bids: []DepthLevel{{Side: SideBid, Price: "100.5", Quantity: "2"}, {Side: SideBid, Price: "100.4", Quantity: "3"}},
		Asks: []DepthLevel{{Side: SideAsk, Price: "100.6", Quantity: "1"}},
	}
	at := time.Unix(42, 0).UTC()
	stamped := d.At(at)

	if stamped.Bids[0].Price != "100.5" || stamped.Bids[1].Price != "100.4" {
		t.Fatalf("bid order changed: %+v", stamped.Bids)
	}
	for _, l := range append(stamped.Bids, stamped.Asks...) {
		if !l.CapturedAt.Equal(at) {
			t.Fatalf("level not stamped: %+v", l)
		}
	}
	if !d.Bids[0].CapturedAt.IsZero() {
		t.Fatal("original depth was modified")
	}
	if got := Pairs(stamped.Bids); !reflect.DeepEqual(got, [][]string{{"100.5", "2"}, {"100.4", "3"}}) {
		t.Fatalf("Pairs = %v", got)
	}
}

func TestRowMap(t *testing.T) {
	r := Row{Table: "t", Columns: []string{"a", "b"}, Values: []string{"1", "2"}}
	if m := r.Map(); m["a"] != "1" || m["b"] != "2" || len(m) != 2 {
		t.Fatalf("Map = %v", m)
	}
}
