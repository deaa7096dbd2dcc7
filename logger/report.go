package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type outcomeStat struct {
	ok     int64
	failed int64
}

var (
	warnsByComponent  sync.Map // component -> *int64
	errorsByComponent sync.Map // component -> *int64
	fetchStats        sync.Map // kind -> *outcomeStat
	rowStats          sync.Map // table -> *outcomeStat
	cyclesCompleted   int64
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnsByComponent, component)
}

func recordError(component string) {
	bump(&errorsByComponent, component)
}

func recordOutcome(m *sync.Map, key string, ok bool) {
	v, _ := m.LoadOrStore(key, &outcomeStat{})
	s := v.(*outcomeStat)
	if ok {
		atomic.AddInt64(&s.ok, 1)
	} else {
		atomic.AddInt64(&s.failed, 1)
	}
}

// IncrementFetch counts one upstream fetch of the given kind.
func IncrementFetch(kind string, ok bool) {
	recordOutcome(&fetchStats, kind, ok)
}

// IncrementRow counts one row written (or not) to table.
func IncrementRow(table string, ok bool) {
	recordOutcome(&rowStats, table, ok)
}

// IncrementCycle counts one finished ingestion cycle.
func IncrementCycle() {
	atomic.AddInt64(&cyclesCompleted, 1)
}

func snapshotOutcomes(m *sync.Map) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	m.Range(func(k, v any) bool {
		s := v.(*outcomeStat)
		out[k.(string)] = map[string]int64{
			"ok":     atomic.LoadInt64(&s.ok),
			"failed": atomic.LoadInt64(&s.failed),
		}
		return true
	})
	return out
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fetches := snapshotOutcomes(&fetchStats)
	rows := snapshotOutcomes(&rowStats)
	cycles := atomic.LoadInt64(&cyclesCompleted)

	log.WithComponent("report").WithFields(Fields{
		"cycles":     cycles,
		"fetches":    fetches,
		"rows":       rows,
		"warns":      snapshotCounts(&warnsByComponent),
		"errors":     snapshotCounts(&errorsByComponent),
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(mem.HeapAlloc) / 1024 / 1024,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CyclesCompleted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(cycles))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
	}
	for kind, s := range fetches {
		dims := []cwtypes.Dimension{{Name: aws.String("Kind"), Value: aws.String(kind)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("FetchOK"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(s["ok"]))},
			cwtypes.MetricDatum{MetricName: aws.String("FetchFailed"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(s["failed"]))},
		)
	}
	for table, s := range rows {
		dims := []cwtypes.Dimension{{Name: aws.String("Table"), Value: aws.String(table)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("RowsInserted"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(s["ok"]))},
			cwtypes.MetricDatum{MetricName: aws.String("RowsFailed"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(s["failed"]))},
		)
	}

	publishMetrics(ctx, data)
}
