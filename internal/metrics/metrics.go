// Package metrics registers the Prometheus collectors for tickflow:
//
//	tickflow_fetch_total{kind,outcome}
//	tickflow_rows_total{table,outcome}
//	tickflow_cycles_total{outcome}
//	tickflow_cycle_duration_seconds
//	tickflow_upstream_used_weight
//
// plus the go_* and process_* collectors. Collectors exist from package init
// so observations never need a nil check; Init only registers them.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomePartial = "partial"
)

var (
	once sync.Once

	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_fetch_total",
			Help: "Upstream fetches by observation kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	rowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_rows_total",
			Help: "Rows sent to the sink by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickflow_cycles_total",
			Help: "Ingestion cycles by outcome",
		},
		[]string{"outcome"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickflow_cycle_duration_seconds",
			Help:    "Wall time of one ingestion cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	usedWeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tickflow_upstream_used_weight",
			Help: "Last reported upstream request weight used in the current minute",
		},
	)
)

// Init registers all collectors with the default registerer. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		_ = prometheus.Register(fetchTotal)
		_ = prometheus.Register(rowsTotal)
		_ = prometheus.Register(cyclesTotal)
		_ = prometheus.Register(cycleDuration)
		_ = prometheus.Register(usedWeight)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}

// ObserveFetch counts one fetch of kind.
func ObserveFetch(kind string, err error) {
	fetchTotal.WithLabelValues(kind, outcome(err)).Inc()
}

// ObserveRow counts one row write to table.
func ObserveRow(table string, err error) {
	rowsTotal.WithLabelValues(table, outcome(err)).Inc()
}

// ObserveCycle records a finished cycle. result is one of the Outcome constants.
func ObserveCycle(d time.Duration, result string) {
	cyclesTotal.WithLabelValues(result).Inc()
	cycleDuration.Observe(d.Seconds())
}

// SetUsedWeight records the upstream's used-weight header.
func SetUsedWeight(v float64) {
	usedWeight.Set(v)
}
