package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/INLOpen/synclog/config"
	"github.com/INLOpen/synclog/server"
	"github.com/INLOpen/synclog/txnlog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	producers := flag.Int("producers", 0, "Override bench.producers")
	requests := flag.Int("requests", 0, "Override bench.requests_per_producer")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *producers > 0 {
		cfg.Bench.Producers = *producers
	}
	if *requests > 0 {
		cfg.Bench.RequestsPerProducer = *requests
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	// Continue after whatever an earlier run left in the log directory.
	startID := uint64(1)
	if err := os.MkdirAll(cfg.Log.Dir, 0755); err == nil {
		if last, ok, err := txnlog.LastTxnID(cfg.Log.Dir); err != nil {
			logger.Error("Failed to scan existing txn log", "dir", cfg.Log.Dir, "error", err)
			os.Exit(1)
		} else if ok {
			startID = last + 1
		}
	}

	sink := newBenchSink()
	app, err := server.NewAppServer(cfg, sink, tp.Tracer("synclog"), logger)
	if err != nil {
		logger.Error("Failed to create application server", "error", err)
		os.Exit(1)
	}

	appErr := make(chan error, 1)
	go func() { appErr <- app.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reportProgress(ctx, config.ParseDuration(cfg.Bench.ReportInterval, 5*time.Second, logger), sink, app.Processor().QueueLen, logger)

	params := benchParams{
		producers:   cfg.Bench.Producers,
		perProducer: cfg.Bench.RequestsPerProducer,
		payload:     cfg.Bench.PayloadBytes,
	}
	logger.Info("Starting benchmark", "producers", params.producers, "requests_per_producer", params.perProducer, "payload_bytes", params.payload, "first_txn_id", startID, "force_sync", cfg.Log.ForceSync)

	start := time.Now()
	seq := &sequencer{nextID: startID, target: app.Processor()}
	if err := runProducers(ctx, seq, params); err != nil {
		logger.Warn("Producers stopped early", "error", err)
	}

	app.Stop()
	if err := <-appErr; err != nil {
		logger.Error("Application server failed", "error", err)
		os.Exit(1)
	}
	<-sink.done
	elapsed := time.Since(start)
	total := sink.forwarded.Load()
	logger.Info("Benchmark finished",
		"forwarded", total,
		"elapsed", elapsed,
		"rate_per_sec", float64(total)/elapsed.Seconds(),
		"avg_latency", sink.avgLatency(),
		"last_logged_txn_id", app.Processor().LastLoggedTxnID(),
	)
}
