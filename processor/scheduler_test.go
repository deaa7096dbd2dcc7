package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	appconfig "tickflow/config"
)

func TestSchedulerSurvivesFailingCycles(t *testing.T) {
	src := fixtureSource()
	sink := &recordingSink{}
	cycle := newTestCycle(src, sink)

	scenarios := []func(){
		func() { src.tickerErr, src.depthErr, src.tradesErr = errors.New("ticker down"), nil, nil },
		func() { src.tickerErr, src.depthErr, src.tradesErr = nil, errors.New("depth down"), nil },
		func() { src.tickerErr, src.depthErr, src.tradesErr = nil, nil, nil },
	}

	var results []CycleResult
	runner := runnerFunc(func(ctx context.Context) CycleResult {
		scenarios[len(results)]()
		res := cycle.Run(ctx)
		results = append(results, res)
		return res
	})

	s := NewScheduler(appconfig.SchedulerConfig{Interval: time.Millisecond, MaxCycles: len(scenarios)}, runner)
	if n := s.Run(context.Background()); n != len(scenarios) {
		t.Fatalf("ran %d cycles, want %d", n, len(scenarios))
	}

	if results[0].Price.Fetched || !results[0].Depth.Fetched {
		t.Errorf("cycle 1 = %+v", results[0])
	}
	if results[1].Depth.Fetched || !results[1].Price.Fetched {
		t.Errorf("cycle 2 = %+v", results[1])
	}
	if results[2].Outcome() != "ok" {
		t.Errorf("cycle 3 = %+v", results[2])
	}
	if got := len(sink.table("btc_price")); got != 2 {
		t.Errorf("price rows = %d, want 2", got)
	}
}

type runnerFunc func(ctx context.Context) CycleResult

func (f runnerFunc) Run(ctx context.Context) CycleResult { return f(ctx) }

func TestSchedulerRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context) CycleResult {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return CycleResult{}
	})

	s := NewScheduler(appconfig.SchedulerConfig{Interval: time.Millisecond, MaxCycles: 3}, runner)
	if n := s.Run(context.Background()); n != 3 {
		t.Fatalf("ran %d cycles, want 3", n)
	}
	if calls.Load() != 3 {
		t.Errorf("runner called %d times", calls.Load())
	}
}

func TestCycleSequentialFetchPanicIsolated(t *testing.T) {
	src := fixtureSource()
	src.panicOn = KindTicker
	sink := &recordingSink{}

	res := newTestCycle(src, sink).Run(context.Background())
	if res.Panic != "" || res.Price.Fetched || res.Price.FetchError == "" {
		t.Fatalf("price step = %+v, panic = %q", res.Price, res.Panic)
	}
	if res.Depth.RowsWritten != 3 || res.Trades.RowsWritten != 3 {
		t.Errorf("siblings affected: %+v", res)
	}
	if got := len(sink.table("btc_trades")); got != 3 {
		t.Errorf("trade rows = %d, want 3", got)
	}
}

func TestCycleSinkPanicFailsOnlyThatRow(t *testing.T) {
	sink := &recordingSink{panicFor: "btc_bids"}

	res := newTestCycle(fixtureSource(), sink).Run(context.Background())
	if res.Panic != "" {
		t.Fatalf("cycle panicked: %q", res.Panic)
	}
	if res.Depth.RowsFailed != 2 || res.Depth.RowsWritten != 1 {
		t.Errorf("depth step = %+v, want 2 failed bids and 1 ask", res.Depth)
	}
	if res.Price.RowsWritten != 1 || res.Trades.RowsWritten != 3 {
		t.Errorf("siblings affected: %+v", res)
	}
	if got := len(sink.table("btc_trades")); got != 3 {
		t.Errorf("trade rows = %d, want 3", got)
	}
	if res.Outcome() != "partial" {
		t.Errorf("outcome = %s, want partial", res.Outcome())
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	runner := runnerFunc(func(context.Context) CycleResult {
		calls.Add(1)
		return CycleResult{}
	})

	s := NewScheduler(appconfig.SchedulerConfig{Interval: time.Hour}, runner)
	done := make(chan int)
	go func() { done <- s.Run(ctx) }()

	// The first sleep is an hour long; cancelling must cut it short.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case n := <-done:
		if n != 1 || calls.Load() != 1 {
			t.Errorf("ran %d cycles, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestSchedulerSleepsBetweenCycles(t *testing.T) {
	var stamps []time.Time
	runner := runnerFunc(func(context.Context) CycleResult {
		stamps = append(stamps, time.Now())
		return CycleResult{Price: StepResult{Fetched: true}}
	})

	s := NewScheduler(appconfig.SchedulerConfig{Interval: 30 * time.Millisecond, MaxCycles: 2}, runner)
	s.Run(context.Background())

	if len(stamps) != 2 {
		t.Fatalf("ran %d cycles", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 30*time.Millisecond {
		t.Errorf("cycles %v apart, want at least the interval", gap)
	}
}

func TestStepResultFailed(t *testing.T) {
	tests := []struct {
		step StepResult
		want bool
	}{
		{StepResult{}, true},
		{StepResult{Fetched: true}, false},
		{StepResult{Fetched: true, RowsFailed: 2}, true},
		{StepResult{Fetched: true, RowsFailed: 1, RowsWritten: 1}, false},
	}
	for _, tt := range tests {
		if got := tt.step.Failed(); got != tt.want {
			t.Errorf("%+v.Failed() = %v, want %v", tt.step, got, tt.want)
		}
	}
}
