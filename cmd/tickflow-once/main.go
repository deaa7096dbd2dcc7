// Command tickflow-once runs a single ingestion cycle against the configured
// upstream and sink and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/processor"
	"tickflow/reader/binance"
	"tickflow/writer"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	log := logger.GetLogger()

	cfg, err := config.LoadConfig(config.ResolvePath(configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 2
	}
	// Logs go to stderr so stdout carries only the result.
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}

	sink, err := writer.NewClickHouseWriter(cfg.Sink.ClickHouse)
	if err != nil {
		log.WithError(err).Error("failed to create clickhouse writer")
		return 2
	}

	res := processor.NewCycle(cfg, binance.NewClient(cfg.Source.Binance), sink).Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if res.AllFailed() {
		return 1
	}
	return 0
}
