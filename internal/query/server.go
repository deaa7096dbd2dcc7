package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/writer"
)

var errInternal = gin.H{"error": "internal server error"}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   string `json:"time"`
}

type tradeView struct {
	ID    uint64 `json:"id"`
	Price string `json:"price"`
	Qty   string `json:"qty"`
	Time  string `json:"time"`
}

type tradesResponse struct {
	Symbol string      `json:"symbol"`
	Trades []tradeView `json:"trades"`
	Time   string      `json:"time"`
}

// Server answers on-demand reads of the latest observations. In fresh mode
// every request fetches from the upstream; in cached mode the cycle's last
// observation is served and a miss falls back to a fetch. Any failure is a
// 500 and is never retried.
type Server struct {
	cfg        config.QueryConfig
	symbol     string
	depthLimit int
	tradeLimit int
	tables     models.Tables
	prometheus bool
	source     processor.MarketSource
	sink       writer.Sink
	cache      *Cache
	logs       *logStore
	log        *logger.Log
	httpServer *http.Server
	now        func() time.Time
}

// NewServer returns nil when the query facade is disabled. sink may be nil,
// in which case nothing is persisted.
func NewServer(cfg *config.Config, source processor.MarketSource, sink writer.Sink, cache *Cache) *Server {
	if !cfg.Query.Enabled {
		return nil
	}
	qc := cfg.Query
	qc.Address = normalizeAddress(qc.Address)
	if cache == nil {
		cache = NewCache()
	}
	if !qc.Persist {
		sink = nil
	}
	log := logger.GetLogger()
	logs := newLogStore(qc.LogHistory)
	log.AddHook(logs)

	return &Server{
		cfg:        qc,
		symbol:     cfg.Source.Binance.Symbol,
		depthLimit: cfg.Source.Binance.DepthLimit,
		tradeLimit: cfg.Source.Binance.TradeLimit,
		tables:     cfg.Sink.ClickHouse.Tables,
		prometheus: cfg.Metrics.Prometheus,
		source:     source,
		sink:       sink,
		cache:      cache,
		logs:       logs,
		log:        log,
		now:        time.Now,
	}
}

// Address reports the address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.Close()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("query_server").WithFields(logger.Fields{
		"address": s.cfg.Address,
		"mode":    s.cfg.Mode,
		"persist": s.sink != nil,
	}).Info("query server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Close detaches the server from the application logger.
func (s *Server) Close() {
	if s != nil && s.logs != nil {
		s.logs.close()
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.prometheus {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	router.GET("/price", s.handlePrice)
	router.GET("/trades", s.handleTrades)
	router.GET("/bids", s.handleSide(models.SideBid))
	router.GET("/asks", s.handleSide(models.SideAsk))
	router.GET("/logs", s.handleLogs)

	return router
}

func (s *Server) cached() bool {
	return s.cfg.Mode == config.QueryModeCached
}

func (s *Server) fail(c *gin.Context, route string, err error) {
	s.log.WithComponent("query_server").WithError(err).WithFields(logger.Fields{
		"route": route,
	}).Warn("query failed")
	c.JSON(http.StatusInternalServerError, errInternal)
}

func (s *Server) handlePrice(c *gin.Context) {
	p, ok := models.PricePoint{}, false
	if s.cached() {
		p, ok = s.cache.Price()
	}
	if !ok {
		fresh, err := s.source.FetchTicker(c.Request.Context(), s.symbol)
		if err != nil {
			s.fail(c, "/price", err)
			return
		}
		p = fresh.At(s.now().UTC())
		if err := s.persist(c.Request.Context(), s.tables.PriceRow(p)); err != nil {
			s.fail(c, "/price", err)
			return
		}
	}
	c.JSON(http.StatusOK, priceResponse{
		Symbol: p.Symbol,
		Price:  p.Price,
		Time:   models.FormatTimestamp(p.CapturedAt),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	var (
		trades []models.Trade
		at     time.Time
		ok     bool
	)
	if s.cached() {
		trades, at, ok = s.cache.Trades()
	}
	if !ok {
		fresh, err := s.source.FetchTrades(c.Request.Context(), s.symbol, s.tradeLimit)
		if err != nil {
			s.fail(c, "/trades", err)
			return
		}
		trades, at = fresh, s.now().UTC()
		for _, tr := range trades {
			if err := s.persist(c.Request.Context(), s.tables.TradeRow(tr)); err != nil {
				s.fail(c, "/trades", err)
				return
			}
		}
	}

	views := make([]tradeView, 0, len(trades))
	for _, tr := range trades {
		views = append(views, tradeView{
			ID:    tr.TradeID,
			Price: tr.Price,
			Qty:   tr.Quantity,
			Time:  models.FormatTimestamp(tr.TradedAt),
		})
	}
	c.JSON(http.StatusOK, tradesResponse{
		Symbol: s.symbol,
		Trades: views,
		Time:   models.FormatTimestamp(at),
	})
}

// handleSide serves one ladder. Depth is never persisted from here.
func (s *Server) handleSide(side models.Side) gin.HandlerFunc {
	key := string(side) + "s"
	route := "/" + key
	return func(c *gin.Context) {
		d, ok := models.Depth{}, false
		if s.cached() {
			d, ok = s.cache.Depth()
		}
		if !ok {
			fresh, err := s.source.FetchDepth(c.Request.Context(), s.symbol, s.depthLimit)
			if err != nil {
				s.fail(c, route, err)
				return
			}
			d = fresh.At(s.now().UTC())
		}

		levels := d.Bids
		if side == models.SideAsk {
			levels = d.Asks
		}
		var at time.Time
		if len(levels) > 0 {
			at = levels[0].CapturedAt
		} else {
			at = s.now().UTC()
		}
		c.JSON(http.StatusOK, gin.H{
			"symbol": s.symbol,
			key:      models.Pairs(levels),
			"time":   models.FormatTimestamp(at),
		})
	}
}

// handleLogs serves recent log lines, optionally filtered by ?level=.
func (s *Server) handleLogs(c *gin.Context) {
	minLevel := logrus.InfoLevel
	if raw := c.Query("level"); raw != "" {
		lvl, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown level %q", raw)})
			return
		}
		minLevel = lvl
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot(minLevel)})
}

func (s *Server) persist(ctx context.Context, row models.Row) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Write(ctx, row)
}

// normalizeAddress fills in the listen address for an empty value and the
// port for a bare host.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
