// Package main is the per-pair worker process entrypoint (spec.md §4.11):
// it resolves one pair's configuration, builds the scheduler and its
// dependencies, and runs the worker lifecycle until shutdown. Grounded on
// cmd/server/main.go's flag/logger/signal-handling shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/chainclient"
	"github.com/atlas-desktop/clm-worker/internal/config"
	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/internal/eventsink"
	"github.com/atlas-desktop/clm-worker/internal/execution"
	"github.com/atlas-desktop/clm-worker/internal/metrics"
	"github.com/atlas-desktop/clm-worker/internal/optimizer"
	"github.com/atlas-desktop/clm-worker/internal/scheduler"
	"github.com/atlas-desktop/clm-worker/internal/worker"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// killSwitchCooldown bounds how long execution stays disabled after a
// kill-switch trip, mirroring the teacher's risk-manager cooldown pattern.
const killSwitchCooldown = 1 * time.Hour

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	pairID := flag.String("pair", "", "pair id to manage (overrides config file)")
	dataDir := flag.String("data", "", "candle cache directory (empty disables disk persistence)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	root, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *pairID != "" {
		root.Worker.PairID = *pairID
	}
	if root.Worker.PairID == "" {
		logger.Fatal("no pair id configured; set worker.pairId or pass -pair")
	}

	pairConfig := root.Worker.PairConfig()
	if err := pairConfig.Validate(); err != nil {
		logger.Fatal("invalid pair configuration", zap.String("pairId", pairConfig.ID), zap.Error(err))
	}

	logger.Info("starting worker", zap.String("pairId", pairConfig.ID), zap.Int("pools", len(pairConfig.Pools)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := coordination.NewMemStore() // production deployments back Store with a shared KV store out of this module's scope

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	sink := eventsink.New(logger, eventsink.DefaultConfig())
	sink.SetMetrics(metricsReg)

	// No concrete on-chain clients ship with this module (spec.md's
	// chainclient boundary is out-of-core); a deployment wires real
	// EVM/Solana clients into this map before starting the worker.
	registry := chainclient.NewRegistry(map[types.Chain]chainclient.Client{})

	cache, err := chainclient.NewCandleCache(logger, chainclient.RegistryReader{Registry: registry}, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize candle cache", zap.Error(err))
	}

	opt := optimizer.NewOptimizer(logger, optimizer.DefaultConfig())
	executor := execution.New(logger, registry, sink, execution.DefaultConfig())
	executor.SetMetrics(metricsReg)
	gate := execution.NewGate(logger, executor, killSwitchCooldown)
	var schedExecutor *execution.Executor
	var schedGate *execution.Gate
	if root.Worker.SigningKey != "" {
		schedExecutor, schedGate = executor, gate
	}

	sched := scheduler.New(scheduler.Deps{
		Logger:    logger,
		PairID:    pairConfig.ID,
		Pools:     pairConfig.Pools,
		Registry:  registry,
		Cache:     cache,
		Sink:      sink,
		Optimizer: opt,
		Executor:  schedExecutor,
		Gate:      schedGate,
		Metrics:   metricsReg,
	}, scheduler.Config{
		EpochSeconds: pairConfig.IntervalSec,
		MaxPositions: pairConfig.MaxPositions,
		Thresholds:   pairConfig.Thresholds,
		ForceParams:  pairConfig.ForceParams,
		StablePair:   root.Worker.StablePair,
	})

	w := worker.New(logger, store, pairConfig.ID, sched)

	metricsAddr := fmt.Sprintf("%s:%d", root.Server.Host, root.Server.MetricsPort)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		w.Shutdown()
		cancel()
	}()

	runErr := w.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
	sink.Stop()

	if runErr != nil {
		logger.Fatal("worker exited with error", zap.Error(runErr))
	}
	logger.Info("worker stopped cleanly")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("building logger: %v", err))
	}
	return logger
}
