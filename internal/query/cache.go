package query

import (
	"sync"
	"time"

	"tickflow/models"
)

// Cache keeps the latest successful observation of each kind. It is fed by
// the ingestion cycle and is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	price    *models.PricePoint
	depth    *models.Depth
	trades   []models.Trade
	tradesAt time.Time
	hasTrade bool
	now      func() time.Time
}

func NewCache() *Cache {
	return &Cache{now: time.Now}
}

func (c *Cache) ObservePrice(p models.PricePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price = &p
}

func (c *Cache) ObserveDepth(d models.Depth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = &d
}

// ObserveTrades stores a copy of trades stamped with the time of the call.
func (c *Cache) ObserveTrades(trades []models.Trade) {
	cp := append([]models.Trade(nil), trades...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = cp
	c.tradesAt = c.now().UTC()
	c.hasTrade = true
}

func (c *Cache) Price() (models.PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.price == nil {
		return models.PricePoint{}, false
	}
	return *c.price, true
}

func (c *Cache) Depth() (models.Depth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.depth == nil {
		return models.Depth{}, false
	}
	return *c.depth, true
}

// Trades returns the last trade batch and when it was observed.
func (c *Cache) Trades() ([]models.Trade, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasTrade {
		return nil, time.Time{}, false
	}
	return append([]models.Trade(nil), c.trades...), c.tradesAt, true
}
