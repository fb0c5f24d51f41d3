// Package main is the singleton supervisor process entrypoint (spec.md
// §4.12): it holds the supervisor lock, seeds pair configuration, spawns
// one cmd/worker child process per pair, and serves the HTTP read surface.
// Grounded on cmd/server/main.go's flag/logger/signal-handling shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/api"
	"github.com/atlas-desktop/clm-worker/internal/config"
	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/internal/metrics"
	"github.com/atlas-desktop/clm-worker/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	workerPath := flag.String("worker-bin", "./worker", "path to the cmd/worker executable")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	root, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting supervisor", zap.Strings("seedPairIds", root.Supervisor.SeedPairIDs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := coordination.NewMemStore() // production deployments back Store with a shared KV store out of this module's scope

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	httpServer := api.NewServer(logger, api.Config{
		Host:         root.Server.Host,
		Port:         root.Server.Port,
		ReadTimeout:  root.Server.ReadTimeout,
		WriteTimeout: root.Server.WriteTimeout,
	}, store, promReg)

	sup := supervisor.New(logger, store, root, *workerPath, metricsReg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, triggering reconciliation")
				_ = store.Publish(ctx, coordination.ControlChannel, `{"type":"CONFIG_CHANGED"}`)
			default:
				logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
				sup.Shutdown()
				cancel()
				return
			}
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	logger.Info("supervisor http surface listening",
		zap.String("addr", fmt.Sprintf("%s:%d", root.Server.Host, root.Server.Port)))

	runErr := sup.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("error during API server shutdown", zap.Error(err))
	}

	if runErr != nil {
		logger.Fatal("supervisor exited with error", zap.Error(runErr))
	}
	logger.Info("supervisor stopped cleanly")
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
