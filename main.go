package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-agent-scheduler/config"
	"trading-agent-scheduler/internal/api"
	"trading-agent-scheduler/internal/auth"
	"trading-agent-scheduler/internal/cache"
	"trading-agent-scheduler/internal/calendar"
	"trading-agent-scheduler/internal/controller"
	"trading-agent-scheduler/internal/database"
	"trading-agent-scheduler/internal/engine"
	"trading-agent-scheduler/internal/events"
	"trading-agent-scheduler/internal/evolution"
	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/lifecycle"
	"trading-agent-scheduler/internal/logging"
	"trading-agent-scheduler/internal/performance"
	"trading-agent-scheduler/internal/runner"
	"trading-agent-scheduler/internal/schedule"
	"trading-agent-scheduler/internal/secrets"
)

// nullFeed is the placeholder performance feed used when no external
// feed is wired: it yields no samples, so metrics stay incomplete and
// only scheduled transitions fire.
type nullFeed struct{}

func (nullFeed) Read(ctx context.Context, agentID string, from, to time.Time) ([]performance.Sample, error) {
	return nil, nil
}

// nullInvoker stands in for the decision engine when no endpoint is
// configured; invocations succeed without taking actions.
type nullInvoker struct{}

func (nullInvoker) Invoke(ctx context.Context, pc lifecycle.PromptContext) (*lifecycle.Decision, error) {
	return &lifecycle.Decision{Narrative: "no decision engine configured"}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LoggingConfig)
	logger.Info().Msg("agent mode scheduler starting")

	bus := events.NewBus()

	// Persistence: Postgres when configured, in-memory ledger otherwise.
	var sink controller.Sink
	var changeLedger ledger.Ledger = ledger.NewMemory()
	var transitionLog api.TransitionLog
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		cancel()

		store := database.NewStore(db)
		sink = store
		changeLedger = store
		transitionLog = store
	}

	var snapshots *cache.SnapshotCache
	if cfg.RedisConfig.Enabled {
		snapshots, err = cache.New(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot cache unavailable, API serves live snapshots only")
			snapshots = nil
		} else {
			defer snapshots.Close()
		}
	}

	// Decision engine credential via Vault, env fallback.
	var invoker lifecycle.DecisionEngineInvoker = nullInvoker{}
	secretsClient, err := secrets.NewClient(cfg.VaultConfig, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("vault client init failed")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		cred, err := secretsClient.DecisionEngineCredential(ctx)
		cancel()
		if err != nil || cred.Endpoint == "" {
			logger.Warn().Err(err).Msg("no decision engine configured, running with null invoker")
		} else {
			invoker = engine.NewHTTPInvoker(cred)
		}
	}

	cal := calendar.New(nil, logger)
	table := schedule.New(cal, nil)
	evaluator := performance.NewEvaluator(nullFeed{}, cfg.SchedulerConfig.MinSamples, logger)

	evolutionEngine := evolution.NewEngine(
		evolution.Thresholds{
			MinSharpeRatio:          cfg.EvolutionConfig.MinSharpeRatio,
			MinWinRate:              cfg.EvolutionConfig.MinWinRate,
			MaxDrawdown:             cfg.EvolutionConfig.MaxDrawdown,
			MaxTransactionCostRatio: cfg.EvolutionConfig.MaxTransactionCostRatio,
		},
		time.Duration(cfg.EvolutionConfig.TrialPeriodDays)*24*time.Hour,
		changeLedger,
		logger,
	)

	manager := lifecycle.NewManager(invoker, nil,
		time.Duration(cfg.SchedulerConfig.InvocationTimeoutSeconds)*time.Second, logger)

	var snapshotWriter runner.SnapshotWriter
	if snapshots != nil {
		snapshotWriter = snapshots
	}

	run := runner.New(runner.Config{
		PollInterval:    time.Duration(cfg.SchedulerConfig.PollIntervalSeconds) * time.Second,
		MaxConcurrent:   cfg.SchedulerConfig.MaxConcurrentAgents,
		MetricsLookback: time.Duration(cfg.SchedulerConfig.MetricsLookbackDays) * 24 * time.Hour,
		MinDwell:        time.Duration(cfg.SchedulerConfig.MinDwellMinutes) * time.Minute,
		Triggers: controller.Triggers{
			EmergencyMaxDrawdown:   cfg.TriggerConfig.EmergencyMaxDrawdown,
			EmergencyMaxLossStreak: cfg.TriggerConfig.EmergencyMaxLossStreak,
			EmergencyVolSpike:      cfg.TriggerConfig.EmergencyVolSpike,
			EmergencyCorrelation:   cfg.TriggerConfig.EmergencyCorrelation,
			ReviewDailyReturn:      cfg.TriggerConfig.ReviewDailyReturn,
			CalmMarketVol:          cfg.TriggerConfig.CalmMarketVol,
			AlphaOpportunity:       cfg.TriggerConfig.AlphaOpportunity,
			MaxPortfolioDrift:      cfg.TriggerConfig.MaxPortfolioDrift,
		},
	}, cal, table, evaluator, evolutionEngine, manager, sink, bus, snapshotWriter, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	for _, ac := range cfg.Agents {
		if err := run.StartAgent(rootCtx, runner.AgentConfig{
			AgentID:         ac.AgentID,
			StrategyRef:     ac.StrategyRef,
			StrategyVersion: ac.StrategyVersion,
		}); err != nil {
			logger.Error().Err(err).Str("agent_id", ac.AgentID).Msg("failed to start agent")
		}
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.AuthConfig.Enabled && cfg.AuthConfig.JWTSecret != "" {
			jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret,
				time.Duration(cfg.AuthConfig.TokenTTL)*time.Hour)
		}
		server = api.NewServer(cfg.ServerConfig, run, manager, changeLedger,
			transitionLog, snapshots, jwtManager, bus, logger)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start API server")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	rootCancel()
	run.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}
	logger.Info().Msg("shutdown complete")
}
