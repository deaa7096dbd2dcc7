package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveFetchAndRow(t *testing.T) {
	okBefore := testutil.ToFloat64(fetchTotal.WithLabelValues("ticker", OutcomeOK))
	failBefore := testutil.ToFloat64(fetchTotal.WithLabelValues("ticker", OutcomeFailed))

	ObserveFetch("ticker", nil)
	ObserveFetch("ticker", errors.New("boom"))
	ObserveFetch("ticker", errors.New("boom"))

	if got := testutil.ToFloat64(fetchTotal.WithLabelValues("ticker", OutcomeOK)) - okBefore; got != 1 {
		t.Errorf("ok fetches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(fetchTotal.WithLabelValues("ticker", OutcomeFailed)) - failBefore; got != 2 {
		t.Errorf("failed fetches = %v, want 2", got)
	}

	rowBefore := testutil.ToFloat64(rowsTotal.WithLabelValues("btc_bids", OutcomeOK))
	ObserveRow("btc_bids", nil)
	if got := testutil.ToFloat64(rowsTotal.WithLabelValues("btc_bids", OutcomeOK)) - rowBefore; got != 1 {
		t.Errorf("rows = %v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	Init()
	ObserveCycle(120*time.Millisecond, OutcomePartial)
	SetUsedWeight(42)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"tickflow_cycles_total", "tickflow_cycle_duration_seconds", "tickflow_upstream_used_weight 42"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
