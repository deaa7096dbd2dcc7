package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/query"
	"tickflow/logger"
	"tickflow/processor"
	"tickflow/reader/binance"
	"tickflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := loadConfig(log, *configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tickflow.Name,
		"version":     cfg.Tickflow.Version,
		"environment": config.AppEnvironment(),
		"symbol":      cfg.Source.Binance.Symbol,
		"interval":    cfg.Scheduler.Interval,
	}).Info("starting tickflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if err := logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace); err != nil {
			log.WithError(err).WithEnv("AWS_REGION").Warn("cloudwatch publishing disabled")
		}
	}

	if level := os.Getenv("LOG_LEVEL"); strings.EqualFold(level, "report") || strings.EqualFold(cfg.Logging.Level, "report") {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	client := binance.NewClient(cfg.Source.Binance)
	if limit, err := client.FetchWeightLimit(ctx, cfg.Source.Binance.Symbol); err != nil {
		log.WithError(err).Warn("could not read request weight limit; weight warnings disabled")
	} else {
		log.WithFields(logger.Fields{"weight_limit": limit}).Debug("request weight limit loaded")
	}

	clickhouse, err := writer.NewClickHouseWriter(cfg.Sink.ClickHouse)
	if err != nil {
		log.WithError(err).Error("failed to create clickhouse writer")
		os.Exit(1)
	}

	var mirrors []writer.Sink
	var archive *writer.S3Archive
	var kafkaWriter *writer.KafkaWriter

	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewS3Archive(ctx, cfg.Storage.S3, cfg.Tickflow.Version)
		if err != nil {
			log.WithError(err).WithEnv("AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY").Error("failed to create S3 archive")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start S3 archive")
			os.Exit(1)
		}
		mirrors = append(mirrors, archive)
	} else {
		log.WithComponent("main").Info("S3 archive disabled")
	}

	if cfg.Storage.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		mirrors = append(mirrors, kafkaWriter)
	}

	var sink writer.Sink = clickhouse
	if len(mirrors) > 0 {
		sink = writer.NewTee(clickhouse, mirrors...)
	}

	cache := query.NewCache()
	cycle := processor.NewCycle(cfg, client, sink)
	cycle.SetObserver(cache)

	var wg sync.WaitGroup

	if srv := query.NewServer(cfg, client, sink, cache); srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"address": srv.Address()}).Error("query server failed")
			}
		}()
	}

	scheduler := processor.NewScheduler(cfg.Scheduler, cycle)
	cycles := scheduler.Run(ctx)

	log.WithFields(logger.Fields{"cycles": cycles}).Info("starting graceful shutdown")
	stop()

	if archive != nil {
		log.Info("stopping S3 archive")
		archive.Stop()
	}
	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		if err := kafkaWriter.Close(); err != nil {
			log.WithError(err).Warn("kafka writer close failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}

// loadConfig reads the config file for the current APP_ENV. Outside
// production-like environments a missing file falls back to defaults.
func loadConfig(log *logger.Log, path string) (*config.Config, error) {
	path = config.ResolvePath(path)
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	env := config.AppEnvironment()
	if errors.Is(err, fs.ErrNotExist) && !config.IsProductionLike(env) {
		log.WithFields(logger.Fields{"path": path, "environment": env}).Warn("config file not found, using defaults")
		return config.LoadDefaults()
	}
	return nil, err
}
