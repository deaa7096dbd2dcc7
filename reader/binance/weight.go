package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"tickflow/internal/metrics"
	"tickflow/logger"
)

// FetchWeightLimit reads the REQUEST_WEIGHT per minute limit from
// exchangeInfo and remembers it for used-weight warnings. It returns 0 when
// the exchange does not advertise one.
func (c *Client) FetchWeightLimit(ctx context.Context, symbol string) (int64, error) {
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, &UpstreamError{Op: "exchange_info", URL: c.baseURL, Err: fmt.Errorf("exchange info: %w", err)}
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			c.weightLimit.Store(rl.Limit)
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// WeightLimit returns the limit stored by FetchWeightLimit, or 0.
func (c *Client) WeightLimit() int64 {
	return c.weightLimit.Load()
}

// observeWeight records the used-weight header in Prometheus and CloudWatch
// and warns once usage crosses the configured share of the limit.
func (c *Client) observeWeight(h http.Header) {
	raw := h.Get(usedWeightHeader)
	if raw == "" {
		return
	}
	used, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	metrics.SetUsedWeight(float64(used))
	c.log.LogMetric("binance_reader", "upstream_used_weight", used, "gauge", nil)

	limit := c.weightLimit.Load()
	if limit <= 0 || c.warnRatio <= 0 {
		return
	}
	if float64(used) >= c.warnRatio*float64(limit) {
		c.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"used_weight":  used,
			"weight_limit": limit,
		}).Warn("upstream request weight close to limit")
	}
}
