package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/writer"
)

const (
	KindTicker = "ticker"
	KindDepth  = "depth"
	KindTrades = "trades"
)

// MarketSource fetches the three observation kinds for one symbol.
type MarketSource interface {
	FetchTicker(ctx context.Context, symbol string) (models.PricePoint, error)
	FetchDepth(ctx context.Context, symbol string, limit int) (models.Depth, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
}

// Observer receives every successful fetch of a cycle after it has been
// stamped with the cycle's capture time.
type Observer interface {
	ObservePrice(p models.PricePoint)
	ObserveDepth(d models.Depth)
	ObserveTrades(trades []models.Trade)
}

// StepResult summarizes one sub-step of a cycle.
type StepResult struct {
	Fetched     bool   `json:"fetched"`
	FetchError  string `json:"fetch_error,omitempty"`
	RowsWritten int    `json:"rows_written"`
	RowsFailed  int    `json:"rows_failed"`
}

// Failed reports whether the step produced no rows because of an error.
func (s StepResult) Failed() bool {
	return !s.Fetched || (s.RowsFailed > 0 && s.RowsWritten == 0)
}

func (s StepResult) clean() bool {
	return s.Fetched && s.RowsFailed == 0
}

type CycleResult struct {
	CycleID    string        `json:"cycle_id"`
	CapturedAt time.Time     `json:"captured_at"`
	Duration   time.Duration `json:"duration_ns"`
	Price      StepResult    `json:"price"`
	Depth      StepResult    `json:"depth"`
	Trades     StepResult    `json:"trades"`
	Panic      string        `json:"panic,omitempty"`
}

// AllFailed reports whether every sub-step failed.
func (r CycleResult) AllFailed() bool {
	return r.Panic != "" || (r.Price.Failed() && r.Depth.Failed() && r.Trades.Failed())
}

// Outcome classifies the cycle as one of the metrics outcome labels.
func (r CycleResult) Outcome() string {
	switch {
	case r.AllFailed():
		return metrics.OutcomeFailed
	case r.Price.clean() && r.Depth.clean() && r.Trades.clean():
		return metrics.OutcomeOK
	default:
		return metrics.OutcomePartial
	}
}

// Cycle performs one ingestion pass: fetch ticker, depth and trades, stamp
// them and write every resulting row. A failure in one sub-step never stops
// the others, and Run never returns an error.
type Cycle struct {
	source     MarketSource
	sink       writer.Sink
	tables     models.Tables
	symbol     string
	depthLimit int
	tradeLimit int
	concurrent bool
	observer   Observer
	log        *logger.Log
	now        func() time.Time
}

func NewCycle(cfg *appconfig.Config, source MarketSource, sink writer.Sink) *Cycle {
	return &Cycle{
		source:     source,
		sink:       sink,
		tables:     cfg.Sink.ClickHouse.Tables,
		symbol:     cfg.Source.Binance.Symbol,
		depthLimit: cfg.Source.Binance.DepthLimit,
		tradeLimit: cfg.Source.Binance.TradeLimit,
		concurrent: cfg.Scheduler.ConcurrentFetch,
		log:        logger.GetLogger(),
		now:        time.Now,
	}
}

// SetObserver registers o to receive every successful fetch. Call before the
// first Run.
func (c *Cycle) SetObserver(o Observer) {
	c.observer = o
}

func (c *Cycle) Run(ctx context.Context) (res CycleResult) {
	start := time.Now()
	now := c.now().UTC()
	res = CycleResult{CycleID: uuid.NewString(), CapturedAt: now}

	log := c.log.WithComponent("ingestion_cycle").WithFields(logger.Fields{
		"cycle_id": res.CycleID,
		"symbol":   c.symbol,
	})

	defer func() {
		if r := recover(); r != nil {
			res.Panic = fmt.Sprint(r)
			res.Duration = time.Since(start)
			metrics.ObserveCycle(res.Duration, metrics.OutcomeFailed)
			log.WithFields(logger.Fields{"panic": res.Panic}).Error("cycle panicked")
		}
	}()

	if c.concurrent {
		var (
			wg                            sync.WaitGroup
			price                         models.PricePoint
			depth                         models.Depth
			trades                        []models.Trade
			priceErr, depthErr, tradesErr error
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			price, priceErr = c.fetchTicker(ctx)
		}()
		go func() {
			defer wg.Done()
			depth, depthErr = c.fetchDepth(ctx)
		}()
		go func() {
			defer wg.Done()
			trades, tradesErr = c.fetchTrades(ctx)
		}()
		wg.Wait()

		res.Price = c.priceStep(ctx, log, now, price, priceErr)
		res.Depth = c.depthStep(ctx, log, now, depth, depthErr)
		res.Trades = c.tradesStep(ctx, log, trades, tradesErr)
	} else {
		price, err := c.fetchTicker(ctx)
		res.Price = c.priceStep(ctx, log, now, price, err)

		depth, err := c.fetchDepth(ctx)
		res.Depth = c.depthStep(ctx, log, now, depth, err)

		trades, err := c.fetchTrades(ctx)
		res.Trades = c.tradesStep(ctx, log, trades, err)
	}

	res.Duration = time.Since(start)
	metrics.ObserveCycle(res.Duration, res.Outcome())
	logger.IncrementCycle()

	log.WithFields(logger.Fields{
		"outcome":      res.Outcome(),
		"duration_ms":  res.Duration.Milliseconds(),
		"price_rows":   res.Price.RowsWritten,
		"bid_ask_rows": res.Depth.RowsWritten,
		"trade_rows":   res.Trades.RowsWritten,
		"rows_failed":  res.Price.RowsFailed + res.Depth.RowsFailed + res.Trades.RowsFailed,
	}).Info("cycle complete")

	return res
}

// A panicking source or sink fails only the fetch or row it happened in.
func recoverAs(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", op, r)
	}
}

func (c *Cycle) fetchTicker(ctx context.Context) (p models.PricePoint, err error) {
	defer recoverAs("fetch", &err)
	return c.source.FetchTicker(ctx, c.symbol)
}

func (c *Cycle) fetchDepth(ctx context.Context) (d models.Depth, err error) {
	defer recoverAs("fetch", &err)
	return c.source.FetchDepth(ctx, c.symbol, c.depthLimit)
}

func (c *Cycle) fetchTrades(ctx context.Context) (trades []models.Trade, err error) {
	defer recoverAs("fetch", &err)
	return c.source.FetchTrades(ctx, c.symbol, c.tradeLimit)
}

func (c *Cycle) insert(ctx context.Context, row models.Row) (err error) {
	defer recoverAs("insert", &err)
	return c.sink.Write(ctx, row)
}

func (c *Cycle) fetched(log *logger.Entry, kind string, err error, step *StepResult) bool {
	metrics.ObserveFetch(kind, err)
	logger.IncrementFetch(kind, err == nil)
	if err != nil {
		step.FetchError = err.Error()
		log.WithError(err).WithFields(logger.Fields{"kind": kind}).Warn("fetch failed, skipping")
		return false
	}
	step.Fetched = true
	return true
}

func (c *Cycle) priceStep(ctx context.Context, log *logger.Entry, now time.Time, p models.PricePoint, err error) StepResult {
	var step StepResult
	if !c.fetched(log, KindTicker, err, &step) {
		return step
	}
	p = p.At(now)
	if c.observer != nil {
		c.observer.ObservePrice(p)
	}
	c.write(ctx, log, c.tables.PriceRow(p), &step)
	return step
}

func (c *Cycle) depthStep(ctx context.Context, log *logger.Entry, now time.Time, d models.Depth, err error) StepResult {
	var step StepResult
	if !c.fetched(log, KindDepth, err, &step) {
		return step
	}
	d = d.At(now)
	if c.observer != nil {
		c.observer.ObserveDepth(d)
	}
	for _, l := range d.Bids {
		c.write(ctx, log, c.tables.DepthRow(l), &step)
	}
	for _, l := range d.Asks {
		c.write(ctx, log, c.tables.DepthRow(l), &step)
	}
	return step
}

func (c *Cycle) tradesStep(ctx context.Context, log *logger.Entry, trades []models.Trade, err error) StepResult {
	var step StepResult
	if !c.fetched(log, KindTrades, err, &step) {
		return step
	}
	if c.observer != nil {
		c.observer.ObserveTrades(trades)
	}
	for _, tr := range trades {
		c.write(ctx, log, c.tables.TradeRow(tr), &step)
	}
	return step
}

func (c *Cycle) write(ctx context.Context, log *logger.Entry, row models.Row, step *StepResult) {
	err := c.insert(ctx, row)
	metrics.ObserveRow(row.Table, err)
	logger.IncrementRow(row.Table, err == nil)

	fields := logger.Fields{"table": row.Table, "values": row.Values}
	if err != nil {
		step.RowsFailed++
		log.WithError(err).WithFields(fields).Warn("row insert failed")
		return
	}
	step.RowsWritten++
	log.WithFields(fields).Debug("row inserted")
}
