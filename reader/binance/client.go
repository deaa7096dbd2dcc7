package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

const (
	tickerPath = "/api/v3/ticker/price"
	depthPath  = "/api/v3/depth"
	tradesPath = "/api/v3/trades"

	DefaultDepthLimit = 10
	DefaultTradeLimit = 20

	usedWeightHeader = "X-MBX-USED-WEIGHT-1M"
	maxBodyBytes     = 4 << 20
	maxErrorBody     = 512
)

var (
	// ErrStatus marks a non-2xx upstream response.
	ErrStatus = errors.New("unexpected status")
	// ErrDecode marks a response body that does not have the documented shape.
	ErrDecode = errors.New("unexpected response shape")
)

// UpstreamError is returned for any failed fetch: transport error, timeout,
// non-2xx status or a body that does not decode into the expected shape.
type UpstreamError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("binance %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("binance %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError reports whether err is, or wraps, an *UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// Client fetches ticker, depth and trade observations from the Binance spot
// REST API. It holds no per-call state and is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	api         *gobinance.Client
	log         *logger.Log
	warnRatio   float64
	weightLimit atomic.Int64
	now         func() time.Time
}

// NewClient builds a Client from the binance source configuration.
func NewClient(cfg config.BinanceSourceConfig) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	return newClient(cfg, httpClient)
}

func newClient(cfg config.BinanceSourceConfig, httpClient *http.Client) *Client {
	log := logger.GetLogger()

	limit := rate.Inf
	burst := cfg.RateLimit.BurstSize
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	api := gobinance.NewClient("", "")
	api.BaseURL = baseURL
	api.HTTPClient = httpClient

	c := &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		api:        api,
		log:        log,
		warnRatio:  cfg.WeightWarnRatio,
		now:        time.Now,
	}

	log.WithComponent("binance_reader").WithFields(logger.Fields{
		"base_url":           baseURL,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Timeout,
		"requests_per_sec":   cfg.RateLimit.RequestsPerSecond,
	}).Debug("binance client initialized")

	return c
}

// FetchTicker returns the current price for symbol, captured at the moment
// the response arrived.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (models.PricePoint, error) {
	q := url.Values{"symbol": {symbol}}
	body, err := c.get(ctx, "ticker", tickerPath, q)
	if err != nil {
		return models.PricePoint{}, err
	}
	capturedAt := c.now().UTC()

	p, err := decodeTicker(body, symbol)
	if err != nil {
		return models.PricePoint{}, c.decodeError("ticker", tickerPath, err)
	}
	p.CapturedAt = capturedAt
	return p, nil
}

// FetchDepth returns the top limit bid and ask levels for symbol, best price
// first. limit <= 0 uses DefaultDepthLimit.
func (c *Client) FetchDepth(ctx context.Context, symbol string, limit int) (models.Depth, error) {
	if limit <= 0 {
		limit = DefaultDepthLimit
	}
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	body, err := c.get(ctx, "depth", depthPath, q)
	if err != nil {
		return models.Depth{}, err
	}
	capturedAt := c.now().UTC()

	d, err := decodeDepth(body)
	if err != nil {
		return models.Depth{}, c.decodeError("depth", depthPath, err)
	}
	return d.At(capturedAt), nil
}

// FetchTrades returns the most recent trades for symbol in the order the
// exchange lists them. limit <= 0 uses DefaultTradeLimit.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	body, err := c.get(ctx, "trades", tradesPath, q)
	if err != nil {
		return nil, err
	}

	trades, err := decodeTrades(body)
	if err != nil {
		return nil, c.decodeError("trades", tradesPath, err)
	}
	return trades, nil
}

func (c *Client) decodeError(op, path string, err error) error {
	return &UpstreamError{Op: op, URL: c.baseURL + path, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	reqURL := c.baseURL + path + "?" + q.Encode()
	log := c.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"operation": op,
		"symbol":    q.Get("symbol"),
	})

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Op: op, URL: reqURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &UpstreamError{Op: op, URL: reqURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Op: op, URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	logger.LogPerformanceEntry(log, "binance_reader", "api_request", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})
	c.observeWeight(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Op:         op,
			URL:        reqURL,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			Err:        ErrStatus,
		}
	}
	if err != nil {
		return nil, &UpstreamError{Op: op, URL: reqURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
