package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"cohort-grid-bot/config"
	"cohort-grid-bot/internal/ai"
	"cohort-grid-bot/internal/api"
	"cohort-grid-bot/internal/bayes"
	"cohort-grid-bot/internal/cohort"
	"cohort-grid-bot/internal/cycle"
	"cohort-grid-bot/internal/hybrid"
	"cohort-grid-bot/internal/logging"
	"cohort-grid-bot/internal/market"
	"cohort-grid-bot/internal/monitor"
	"cohort-grid-bot/internal/notify"
	"cohort-grid-bot/internal/regime"
	"cohort-grid-bot/internal/sizing"
	"cohort-grid-bot/internal/store"
	"cohort-grid-bot/internal/supervisor"
	"cohort-grid-bot/internal/venue"
)

// Exit codes: 0 clean shutdown, 1 configuration failure, 2 unrecoverable
// supervisor error.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration load failed", "error", err)
		return 1
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Notifications
	var channels []notify.Channel
	if cfg.NotificationConfig.Telegram.Enabled {
		channels = append(channels, notify.NewTelegram(
			cfg.NotificationConfig.Telegram.BotToken,
			cfg.NotificationConfig.Telegram.ChatID))
		logger.Info("telegram notifications enabled")
	}
	notifier := notify.NewManager(logger, channels...)

	// Venue: live client for market data; paper mode swaps order execution
	// for the in-memory mock.
	dataClient := venue.NewBinanceClient(
		cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey,
		cfg.BinanceConfig.TestNet, logger)

	var client venue.Client = dataClient
	var fills <-chan venue.Fill
	if cfg.BinanceConfig.PaperTrading {
		paper := venue.NewPaperClient(dataClient)
		client = paper
		fills = paper.Fills()
		logger.Info("paper trading enabled")
	} else {
		stream := venue.NewUserDataStream(
			cfg.BinanceConfig.APIKey, cfg.BinanceConfig.TestNet, logger)
		go stream.Run(ctx)
		fills = stream.Fills()
	}

	// Persistence is optional: without DATABASE_URL the bot runs on the
	// default cohort catalog, uniform signal weights, and no cycle ledger.
	var pg *store.Postgres
	if cfg.DatabaseConfig.URL != "" {
		pg, err = store.New(ctx, cfg.DatabaseConfig.URL, logger)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			return 1
		}
		defer pg.Close()
	}

	var cohortStore cohort.Store
	var weightSource analyzerWeights
	var discovery monitor.DiscoverySource
	var learner *bayes.Learner
	if pg != nil {
		cohortStore = pg.Cohorts()
		learner = bayes.NewLearner(pg.Weights(), pg.Weights(), logger)
		weightSource = learner
		discovery = pg.Discovery()
	} else {
		weightSource = uniformWeights{}
	}

	cohorts := cohort.NewManager(ctx, cohortStore, logger)

	// Optional Redis cache for daily return vectors.
	var returnsCache sizing.ReturnsCache
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisConfig.Address})
		returnsCache = sizing.NewRedisReturnsCache(rdb, logger)
		logger.Info("redis returns cache enabled", "addr", cfg.RedisConfig.Address)
	}

	// Market features: indicators from klines, fear/greed, AI classifier.
	var classifier market.Classifier
	if cfg.AIConfig.Enabled {
		classifier = ai.NewClient(cfg.AIConfig.DeepSeekAPIKey, logger)
		logger.Info("ai classifier enabled")
	}
	fearGreed := market.NewFearGreedClient()
	features := market.NewSource(client, fearGreed, classifier, nil, logger)
	analyzer := newAnalyzer(weightSource, logger)
	sizer := sizing.NewSizer(client, returnsCache, sizing.Config{}, logger)

	// One detector per cohort keeps regime histories independent.
	detectors := make(map[string]*regime.Detector)
	factory := func(c cohort.Cohort) (*hybrid.Orchestrator, error) {
		det := regime.NewDetector(logger)
		detectors[c.ID] = det
		return hybrid.NewOrchestrator(c, hybrid.Config{
			InitialMode:           hybrid.Mode(cfg.HybridConfig.InitialMode),
			EnableModeSwitching:   cfg.HybridConfig.EnableModeSwitching,
			TotalInvestment:       cfg.HybridConfig.TotalInvestment,
			MaxSymbols:            cfg.HybridConfig.MaxSymbols,
			NumGrids:              cfg.HybridConfig.NumGrids,
			MinRegimeProbability:  cfg.HybridConfig.MinRegimeProbability,
			MinRegimeDurationDays: cfg.HybridConfig.MinRegimeDurationDays,
			ModeCooldownHours:     cfg.HybridConfig.ModeCooldownHours,
			HoldTrailingStopPct:   cfg.HybridConfig.HoldTrailingStopPct,
			MinPositionUSD:        cfg.HybridConfig.MinPositionUSD,
			StateDir:              cfg.HybridConfig.StateDir,
		}, client, features, analyzer, det, sizer, notifier, logger)
	}

	sup := supervisor.New(cohorts, factory,
		cfg.HybridConfig.StateDir+"/heartbeat", logger)
	if err := sup.Initialize(ctx); err != nil {
		logger.Error("supervisor initialization failed", "error", err)
		return 1
	}
	sup.InitialAllocation(ctx)

	// Fill routing: orchestrators first, then the trade ledger.
	go sup.RunFillPump(ctx, teeFills(ctx, fills, pg, sup, fearGreed))

	// Background schedules: weekly learning, daily cycle rollover, telemetry
	// retention.
	sched := cron.New()
	if pg != nil {
		cycles := cycle.NewManager(pg.Cycles(), pg.Trades(), client, "v1", logger)
		scheduleJobs(ctx, sched, cohorts, cycles, learner, detectors, pg, logger)
	}
	sched.Start()
	defer sched.Stop()

	// Health monitoring
	if cfg.MonitorConfig.Enabled {
		mon := monitor.New(monitorInstances(sup), client, notifier, monitor.Options{
			EnableTierHealth: cfg.MonitorConfig.EnableTierHealth,
			Discovery:        discovery,
		})
		if err := mon.Start(ctx); err != nil {
			logger.Error("monitor start failed", "error", err)
			return 1
		}
		defer mon.Stop()
	}

	// Status API
	var cycleStore cycle.Store
	if pg != nil {
		cycleStore = pg.Cycles()
	}
	server := api.NewServer(cfg.ServerConfig.Port, api.Deps{
		Cohorts:   cohorts,
		Cycles:    cycleStore,
		Instances: apiInstances(sup),
	}, logger)
	go func() {
		if err := server.Run(ctx); err != nil {
			logger.Error("status server failed", "error", err)
		}
	}()

	logger.Info("bot started",
		"cohorts", len(sup.Instances()),
		"paper", cfg.BinanceConfig.PaperTrading,
		"testnet", cfg.BinanceConfig.TestNet)

	err = sup.Run(ctx)
	if errors.Is(err, supervisor.ErrTooManyFailures) {
		notifier.Send("Supervisor stopped: too many consecutive errors", true)
		return 2
	}
	logger.Info("clean shutdown")
	return 0
}
