// Package main is the daily engine process entrypoint: it wires the
// persistence layer, every scoring and execution engine, the Engine-Run
// state machine, and the control-plane API into one running service, then
// drives a poll loop that advances every configured region's run through
// SIGNALS -> UNIVERSES -> BOOKS once a day's data is ready.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus-v2/daily-engine/internal/api"
	"github.com/prometheus-v2/daily-engine/internal/assessment"
	"github.com/prometheus-v2/daily-engine/internal/backtestrunner"
	"github.com/prometheus-v2/daily-engine/internal/calendar"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/encoder"
	"github.com/prometheus-v2/daily-engine/internal/enginerun"
	"github.com/prometheus-v2/daily-engine/internal/executionbridge"
	"github.com/prometheus-v2/daily-engine/internal/pipeline"
	"github.com/prometheus-v2/daily-engine/internal/portfolio"
	"github.com/prometheus-v2/daily-engine/internal/regimeengine"
	"github.com/prometheus-v2/daily-engine/internal/risk"
	"github.com/prometheus-v2/daily-engine/internal/stability"
	"github.com/prometheus-v2/daily-engine/internal/store"
	"github.com/prometheus-v2/daily-engine/internal/universe"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	strategyID := flag.String("strategy", "default", "Strategy id this process runs")
	portfolioID := flag.String("portfolio", "default", "Portfolio id this process books")
	pollInterval := flag.Duration("poll-interval", 30*time.Second, "How often to advance active engine runs")
	backtestRegion := flag.String("backtest-region", "", "If set, run a backtest for this region instead of serving")
	backtestStart := flag.String("backtest-start", "", "Backtest start date, YYYY-MM-DD")
	backtestEnd := flag.String("backtest-end", "", "Backtest end date, YYYY-MM-DD")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, falling back to defaults", zap.Error(err))
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	historicalPool, err := store.OpenPool(ctx, cfg.Store.HistoricalDSN)
	if err != nil {
		logger.Fatal("connect historical store", zap.Error(err))
	}
	defer historicalPool.Close()

	runtimePool, err := store.OpenPool(ctx, cfg.Store.RuntimeDSN)
	if err != nil {
		logger.Fatal("connect runtime store", zap.Error(err))
	}
	defer runtimePool.Close()

	var redisClient *redis.Client
	if cfg.Store.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		defer redisClient.Close()
	}

	clock := realClock{}
	stores := store.NewStores(logger, historicalPool, runtimePool, clock)

	var prototypes map[string][]float32
	if cfg.Regime.PrototypesPath != "" {
		pf, err := config.LoadPrototypes(cfg.Regime.PrototypesPath)
		if err != nil {
			logger.Fatal("load regime prototypes", zap.Error(err))
		}
		prototypes = pf.Prototypes
	}
	numericEncoder := encoder.NewNumericEncoder(cfg.Regime.NumRegimeModelID)
	embeddingCache := encoder.NewCache(logger, stores.Historical, redisClient, 24*time.Hour)
	regimeEngine := regimeengine.New(logger, cfg.Regime, prototypes, numericEncoder, embeddingCache, stores.Runtime, clock)

	markov := stability.NewMarkovModel()
	stabilityEngine := stability.New(logger, cfg.Stability, stores.Runtime, markov)

	portfolioEngine := portfolio.New(logger, cfg.Portfolio)
	riskEngine := risk.New(clock)

	slippage := executionbridge.LinearSlippage{BaseBps: cfg.Execution.SlippageBps, BpsPerUnit: decimal.Zero}
	backtestBroker := executionbridge.NewBacktestBroker(logger, slippage, clock, "")
	brokers := map[types.ExecutionMode]executionbridge.Broker{
		types.ModeBacktest: executionbridge.WithCircuitBreaker("backtest", backtestBroker),
	}
	executionEngine := executionbridge.New(logger, cfg.Execution, stores.Runtime, clock, brokers)

	daily := pipeline.New(logger, cfg, stores.Historical, stores.Runtime, regimeEngine, stabilityEngine, portfolioEngine, riskEngine, executionEngine, *strategyID, *portfolioID)
	daily.SetUniverse(universe.New(logger, cfg.Universe, daily))
	basicBackend := assessment.NewBasicBackend(logger, cfg.Assessment, daily)
	daily.SetAssessment(assessment.New(logger, cfg.Assessment, basicBackend, nil))

	if *backtestRegion != "" {
		runBacktestAndExit(ctx, logger, cfg, stores, clock, daily, *strategyID, *backtestRegion, *backtestStart, *backtestEnd)
		return
	}

	registry := prometheus.NewRegistry()
	metrics := enginerun.NewMetrics(registry)
	tasks := map[types.RunPhase]enginerun.PhaseTask{
		types.PhaseDataReady:         func(_ context.Context, _ types.EngineRun) (types.RunPhase, error) { return types.PhaseSignalsRunning, nil },
		types.PhaseSignalsRunning:   daily.RunSignals,
		types.PhaseSignalsDone:      func(_ context.Context, _ types.EngineRun) (types.RunPhase, error) { return types.PhaseUniversesRunning, nil },
		types.PhaseUniversesRunning: daily.RunUniverse,
		types.PhaseUniversesDone:    func(_ context.Context, _ types.EngineRun) (types.RunPhase, error) { return types.PhaseBooksRunning, nil },
		types.PhaseBooksRunning:     daily.RunBooks,
		types.PhaseBooksDone:        func(_ context.Context, _ types.EngineRun) (types.RunPhase, error) { return types.PhaseCompleted, nil },
	}
	machine := enginerun.New(logger, cfg.StateMachine, stores.Runtime, clock, redisClient, metrics, tasks)

	apiServer := api.NewServer(logger, cfg.API, stores.Runtime, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	go runPollLoop(ctx, logger, cfg, machine, apiServer, *pollInterval)

	logger.Info("daily engine started",
		zap.String("strategy", *strategyID), zap.String("portfolio", *portfolioID),
		zap.String("api_addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown", zap.Error(err))
	}
	logger.Info("daily engine stopped")
}

// runPollLoop ensures and advances one run per configured region each tick,
// broadcasting every phase transition over the control-plane WebSocket.
func runPollLoop(ctx context.Context, logger *zap.Logger, cfg *config.Config, machine *enginerun.Machine, apiServer *api.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			asOfDate := time.Now().UTC().Format("2006-01-02")
			for region := range cfg.Region2Market {
				run, err := machine.EnsureRun(ctx, asOfDate, region)
				if err != nil {
					logger.Error("ensure engine run", zap.String("region", region), zap.Error(err))
					continue
				}
				if run.Phase == types.PhaseWaitingForData {
					if err := machine.MarkDataReady(ctx, asOfDate, region); err != nil {
						logger.Error("mark data ready", zap.String("region", region), zap.Error(err))
						continue
					}
				}
				advanced, err := machine.AdvanceRun(ctx, asOfDate, region)
				if err != nil {
					logger.Warn("advance engine run", zap.String("region", region), zap.Error(err))
				}
				apiServer.Broadcast(api.Event{
					Type: "run_phase",
					Payload: map[string]string{
						"run_id": advanced.RunID, "region": region,
						"as_of_date": asOfDate, "phase": string(advanced.Phase),
					},
				})
			}
		}
	}
}

// runBacktestAndExit replays a sleeve for one region over [start, end]
// through the live pipeline's day-by-day adapter, then exits.
func runBacktestAndExit(ctx context.Context, logger *zap.Logger, cfg *config.Config, stores *store.Stores, clock backtestrunner.Clock, daily *pipeline.Pipeline, strategyID, region, start, end string) {
	cal := calendar.NewWeekdayCalendar()
	runner := backtestrunner.New(logger, stores.Runtime, cal, clock)

	startDate, err := parseCalendarDate(start)
	if err != nil {
		logger.Fatal("parse backtest start date", zap.Error(err))
	}
	endDate, err := parseCalendarDate(end)
	if err != nil {
		logger.Fatal("parse backtest end date", zap.Error(err))
	}

	sleeveCfg := backtestrunner.SleeveConfig{
		StrategyID: strategyID, SleeveID: strategyID + "-" + region, Region: region,
		StartDate: startDate, EndDate: endDate,
	}
	result, err := runner.RunSleeve(ctx, sleeveCfg, daily.BacktestDayRunner(region))
	if err != nil {
		logger.Fatal("run backtest sleeve", zap.Error(err))
	}
	logger.Info("backtest complete", zap.String("run_id", result.RunID),
		zap.Float64("cumulative_return", result.Metrics.CumulativeReturn),
		zap.Float64("annualized_sharpe", result.Metrics.AnnualizedSharpe))
}

func parseCalendarDate(s string) (calendar.Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return calendar.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return calendar.NewDate(t.Year(), t.Month(), t.Day()), nil
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

	zapCfg := zap.Config{
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

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
