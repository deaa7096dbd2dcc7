package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.BinanceSourceConfig{BaseURL: srv.URL, WeightWarnRatio: 0.8}
	return newClient(cfg, srv.Client()), srv
}

func fixedNow(c *Client, ts time.Time) {
	c.now = func() time.Time { return ts }
}

func TestFetchTicker(t *testing.T) {
	var gotQuery string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tickerPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"43000.12000000"}`))
	})
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fixedNow(c, now)

	p, err := c.FetchTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if gotQuery != "symbol=BTCUSDT" {
		t.Errorf("query = %q", gotQuery)
	}
	if p.Price != "43000.12000000" {
		t.Errorf("price = %q, want the upstream text unchanged", p.Price)
	}
	if p.Symbol != "BTCUSDT" || !p.CapturedAt.Equal(now) {
		t.Errorf("unexpected point %+v", p)
	}
}

func TestFetchDepth(t *testing.T) {
	var gotLimit string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["100.5","2"],["100.4","3"]],"asks":[["100.6","1.25000000"]]}`))
	})
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fixedNow(c, now)

	d, err := c.FetchDepth(context.Background(), "BTCUSDT", 0)
	if err != nil {
		t.Fatalf("FetchDepth: %v", err)
	}
	if gotLimit != "10" {
		t.Errorf("limit = %q, want default 10", gotLimit)
	}
	if d.LastUpdateID != 1027024 {
		t.Errorf("lastUpdateId = %d", d.LastUpdateID)
	}
	if len(d.Bids) != 2 || len(d.Asks) != 1 {
		t.Fatalf("levels: %d bids, %d asks", len(d.Bids), len(d.Asks))
	}
	if d.Bids[0].Price != "100.5" || d.Bids[1].Price != "100.4" {
		t.Errorf("bid order not preserved: %+v", d.Bids)
	}
	if d.Asks[0].Quantity != "1.25000000" {
		t.Errorf("ask qty = %q", d.Asks[0].Quantity)
	}
	for _, l := range append(d.Bids, d.Asks...) {
		if !l.CapturedAt.Equal(now) {
			t.Errorf("level %+v not stamped with capture time", l)
		}
	}
	if d.Bids[0].Side != models.SideBid || d.Asks[0].Side != models.SideAsk {
		t.Errorf("sides not set: %+v / %+v", d.Bids[0], d.Asks[0])
	}
}

func TestFetchTrades(t *testing.T) {
	var gotLimit string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`[
			{"id":28457,"price":"4.00000100","qty":"12.00000000","quoteQty":"48.000012","time":1700000000500,"isBuyerMaker":true,"isBestMatch":true},
			{"id":28458,"price":"4.00000200","qty":"1.00000000","time":1700000001999}
		]`))
	})

	trades, err := c.FetchTrades(context.Background(), "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("FetchTrades: %v", err)
	}
	if gotLimit != "5" {
		t.Errorf("limit = %q", gotLimit)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades", len(trades))
	}
	if trades[0].TradeID != 28457 || trades[1].TradeID != 28458 {
		t.Errorf("order not preserved: %+v", trades)
	}
	if got := models.FormatTimestamp(trades[0].TradedAt); got != "2023-11-14 22:13:20" {
		t.Errorf("trade time = %s", got)
	}
	if trades[0].Price != "4.00000100" || trades[0].Quantity != "12.00000000" {
		t.Errorf("values changed: %+v", trades[0])
	}
}

func TestFetchTradesEmpty(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	trades, err := c.FetchTrades(context.Background(), "BTCUSDT", 0)
	if err != nil {
		t.Fatalf("FetchTrades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("got %d trades", len(trades))
	}
}

func TestMalformedResponses(t *testing.T) {
	tests := []struct {
		name   string
		fetch  func(*Client) error
		status int
		body   string
		want   error
	}{
		{"ticker missing price", fetchTicker, 200, `{"symbol":"BTCUSDT"}`, ErrDecode},
		{"ticker price not a string", fetchTicker, 200, `{"symbol":"BTCUSDT","price":43000}`, ErrDecode},
		{"ticker wrong symbol", fetchTicker, 200, `{"symbol":"ETHUSDT","price":"1"}`, ErrDecode},
		{"ticker not decimal", fetchTicker, 200, `{"symbol":"BTCUSDT","price":"abc"}`, ErrDecode},
		{"ticker bad json", fetchTicker, 200, `{"symbol":`, ErrDecode},
		{"ticker rate limited", fetchTicker, 429, `{"code":-1003,"msg":"Too many requests"}`, ErrStatus},
		{"depth missing asks", fetchDepth, 200, `{"lastUpdateId":1,"bids":[]}`, ErrDecode},
		{"depth short level", fetchDepth, 200, `{"lastUpdateId":1,"bids":[["1"]],"asks":[]}`, ErrDecode},
		{"depth long level", fetchDepth, 200, `{"lastUpdateId":1,"bids":[],"asks":[["1","2","3"]]}`, ErrDecode},
		{"depth numeric level", fetchDepth, 200, `{"lastUpdateId":1,"bids":[[1,2]],"asks":[]}`, ErrDecode},
		{"depth server error", fetchDepth, 503, `unavailable`, ErrStatus},
		{"trades null", fetchTrades, 200, `null`, ErrDecode},
		{"trades object", fetchTrades, 200, `{"id":1}`, ErrDecode},
		{"trades missing time", fetchTrades, 200, `[{"id":1,"price":"1","qty":"1"}]`, ErrDecode},
		{"trades negative time", fetchTrades, 200, `[{"id":1,"price":"1","qty":"1","time":-5}]`, ErrDecode},
		{"trades bad qty", fetchTrades, 200, `[{"id":1,"price":"1","qty":"1e","time":5}]`, ErrDecode},
		{"trades bad request", fetchTrades, 400, `{"code":-1121,"msg":"Invalid symbol."}`, ErrStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := tt.fetch(c)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsUpstreamError(err) {
				t.Errorf("error %T is not an UpstreamError: %v", err, err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error %v does not match %v", err, tt.want)
			}
			var ue *UpstreamError
			if errors.As(err, &ue) && tt.want == ErrStatus {
				if ue.StatusCode != tt.status {
					t.Errorf("status = %d, want %d", ue.StatusCode, tt.status)
				}
				if !strings.Contains(ue.Body, strings.TrimSpace(tt.body)[:5]) {
					t.Errorf("body %q not kept", ue.Body)
				}
			}
		})
	}
}

func fetchTicker(c *Client) error {
	_, err := c.FetchTicker(context.Background(), "BTCUSDT")
	return err
}

func fetchDepth(c *Client) error {
	_, err := c.FetchDepth(context.Background(), "BTCUSDT", 10)
	return err
}

func fetchTrades(c *Client) error {
	_, err := c.FetchTrades(context.Background(), "BTCUSDT", 20)
	return err
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newClient(config.BinanceSourceConfig{BaseURL: srv.URL}, srv.Client())
	srv.Close()

	_, err := c.FetchTicker(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if !IsUpstreamError(err) {
		t.Errorf("error %T is not an UpstreamError", err)
	}
	if errors.Is(err, ErrStatus) || errors.Is(err, ErrDecode) {
		t.Errorf("transport error classified as status/decode: %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchDepth(ctx, "BTCUSDT", 5)
	if !IsUpstreamError(err) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestFetchWeightLimit(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"timezone":"UTC","serverTime":1700000000000,
			"rateLimits":[
				{"rateLimitType":"ORDERS","interval":"SECOND","intervalNum":10,"limit":50},
				{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":6000}
			],
			"exchangeFilters":[],
			"symbols":[]
		}`))
	})

	limit, err := c.FetchWeightLimit(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchWeightLimit: %v", err)
	}
	if limit != 6000 || c.WeightLimit() != 6000 {
		t.Errorf("limit = %d, stored = %d", limit, c.WeightLimit())
	}
}

func TestUsedWeightHeaderDoesNotFailFetch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(usedWeightHeader, "5900")
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"1.0"}`))
	})
	c.weightLimit.Store(6000)

	if _, err := c.FetchTicker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
}

func TestUsedWeightPublishedAsMetric(t *testing.T) {
	base := logger.GetLogger().Logger
	prev := base.GetLevel()
	base.SetLevel(logrus.DebugLevel)
	defer base.SetLevel(prev)
	hook := logtest.NewLocal(base)
	defer hook.Reset()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(usedWeightHeader, "42")
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"1.0"}`))
	})
	if _, err := c.FetchTicker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}

	for _, e := range hook.AllEntries() {
		if e.Data["metric"] == "upstream_used_weight" {
			if e.Data["value"] != int64(42) || e.Data["metric_type"] != "gauge" {
				t.Errorf("metric entry = %v", e.Data)
			}
			return
		}
	}
	t.Error("used weight was not logged as a metric")
}
