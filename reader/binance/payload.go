package binance

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tickflow/models"
)

// Wire shapes of the three REST endpoints. Pointer fields let a missing key
// be told apart from a zero value.

type tickerPayload struct {
	Symbol *string `json:"symbol"`
	Price  *string `json:"price"`
}

type depthPayload struct {
	LastUpdateID *uint64     `json:"lastUpdateId"`
	Bids         *[][]string `json:"bids"`
	Asks         *[][]string `json:"asks"`
}

type tradePayload struct {
	ID    *uint64 `json:"id"`
	Price *string `json:"price"`
	Qty   *string `json:"qty"`
	Time  *int64  `json:"time"`
}

func decodeTicker(body []byte, symbol string) (models.PricePoint, error) {
	var p tickerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.PricePoint{}, err
	}
	if p.Symbol == nil {
		return models.PricePoint{}, errors.New("missing field symbol")
	}
	if p.Price == nil {
		return models.PricePoint{}, errors.New("missing field price")
	}
	if *p.Symbol != symbol {
		return models.PricePoint{}, fmt.Errorf("symbol %q does not match requested %q", *p.Symbol, symbol)
	}
	if err := checkDecimal("price", *p.Price); err != nil {
		return models.PricePoint{}, err
	}
	return models.PricePoint{Symbol: *p.Symbol, Price: *p.Price}, nil
}

func decodeDepth(body []byte) (models.Depth, error) {
	var p depthPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Depth{}, err
	}
	if p.LastUpdateID == nil {
		return models.Depth{}, errors.New("missing field lastUpdateId")
	}
	if p.Bids == nil {
		return models.Depth{}, errors.New("missing field bids")
	}
	if p.Asks == nil {
		return models.Depth{}, errors.New("missing field asks")
	}

	bids, err := decodeLevels(models.SideBid, *p.Bids)
	if err != nil {
		return models.Depth{}, err
	}
	asks, err := decodeLevels(models.SideAsk, *p.Asks)
	if err != nil {
		return models.Depth{}, err
	}
	return models.Depth{LastUpdateID: *p.LastUpdateID, Bids: bids, Asks: asks}, nil
}

func decodeLevels(side models.Side, raw [][]string) ([]models.DepthLevel, error) {
	levels := make([]models.DepthLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%ss[%d]: want [price, qty], got %d elements", side, i, len(pair))
		}
		if err := checkDecimal(fmt.Sprintf("%ss[%d].price", side, i), pair[0]); err != nil {
			return nil, err
		}
		if err := checkDecimal(fmt.Sprintf("%ss[%d].qty", side, i), pair[1]); err != nil {
			return nil, err
		}
		levels = append(levels, models.DepthLevel{Side: side, Price: pair[0], Quantity: pair[1]})
	}
	return levels, nil
}

func decodeTrades(body []byte) ([]models.Trade, error) {
	var raw []tradePayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("trade list is null")
	}

	trades := make([]models.Trade, 0, len(raw))
	for i, p := range raw {
		switch {
		case p.ID == nil:
			return nil, fmt.Errorf("trades[%d]: missing field id", i)
		case p.Price == nil:
			return nil, fmt.Errorf("trades[%d]: missing field price", i)
		case p.Qty == nil:
			return nil, fmt.Errorf("trades[%d]: missing field qty", i)
		case p.Time == nil:
			return nil, fmt.Errorf("trades[%d]: missing field time", i)
		case *p.Time < 0:
			return nil, fmt.Errorf("trades[%d]: negative time %d", i, *p.Time)
		}
		if err := checkDecimal(fmt.Sprintf("trades[%d].price", i), *p.Price); err != nil {
			return nil, err
		}
		if err := checkDecimal(fmt.Sprintf("trades[%d].qty", i), *p.Qty); err != nil {
			return nil, err
		}
		trades = append(trades, models.Trade{
			TradeID:  *p.ID,
			Price:    *p.Price,
			Quantity: *p.Qty,
			TradedAt: models.TradeTime(*p.Time),
		})
	}
	return trades, nil
}

// checkDecimal rejects values that are not decimal numbers. The value itself
// is passed on untouched.
func checkDecimal(field, s string) error {
	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("%s: %q is not a decimal", field, s)
	}
	return nil
}
