package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/audit"
	"github.com/aegisshield/compliance-audit/internal/cache"
	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/config"
	"github.com/aegisshield/compliance-audit/internal/database"
	"github.com/aegisshield/compliance-audit/internal/events"
	"github.com/aegisshield/compliance-audit/internal/handlers"
	"github.com/aegisshield/compliance-audit/internal/metrics"
	"github.com/aegisshield/compliance-audit/internal/regulatory"
	"github.com/aegisshield/compliance-audit/internal/reporting"
	"github.com/aegisshield/compliance-audit/internal/screening"
	"github.com/aegisshield/compliance-audit/internal/server"
)

// newApp assembles the service graph.
func newApp(cfg *config.Config, logger *zap.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.StartTimeout(cfg.Server.ShutdownTimeout),
		fx.StopTimeout(cfg.Server.ShutdownTimeout),
		fx.Provide(
			newMetrics,
			newStorage,
			newEventSink,
			newDispatcher,
			newScreener,
			newEngine,
			newAggregator,
			newScheduler,
			newVerdictProjection,
			newReadiness,
			newRouter,
		),
		fx.Invoke(
			seedRulesOnStart,
			registerServers,
			func(*reporting.Scheduler) {},
		),
	)
}

func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

type storageResult struct {
	fx.Out

	Rules     regulatory.Store
	Checks    compliance.AuditLog
	Reports   reporting.Store
	Readiness server.ReadinessCheck `group:"readiness"`
}

func newStorage(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (storageResult, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory storage; checks and reports are lost on restart")
		return storageResult{
			Rules:   regulatory.NewMemoryStore(logger.Named("rules")),
			Checks:  audit.NewMemoryLog(logger.Named("audit")),
			Reports: reporting.NewMemoryStore(),
			Readiness: server.ReadinessCheck{
				Name:  "storage",
				Check: func(context.Context) error { return nil },
			},
		}, nil
	}

	if cfg.Database.MigrateOnStart {
		if err := database.RunMigrations(cfg.GetMigrationURL(), logger.Named("migrate")); err != nil {
			return storageResult{}, err
		}
	}

	db, err := database.NewPostgres(cfg, logger.Named("database"))
	if err != nil {
		return storageResult{}, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close() },
	})

	return storageResult{
		Rules:     regulatory.NewGormStore(db.DB, logger.Named("rules")),
		Checks:    audit.NewGormLog(db.DB, logger.Named("audit")),
		Reports:   reporting.NewGormStore(db.DB, logger.Named("reports")),
		Readiness: server.ReadinessCheck{Name: "database", Check: db.Health},
	}, nil
}

func newEventSink(cfg *config.Config, logger *zap.Logger) (events.Sink, error) {
	if !cfg.Kafka.Enabled {
		logger.Warn("Kafka disabled; events are written to the log only")
		return events.NewLogSink(logger.Named("events")), nil
	}
	return events.NewKafkaSink(cfg.KafkaClientConfig(), logger.Named("kafka"))
}

func newDispatcher(lc fx.Lifecycle, sink events.Sink, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *events.Dispatcher {
	d := events.NewDispatcher(sink, cfg.DispatcherConfig(), collector, logger.Named("dispatcher"))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: d.Stop,
	})
	return d
}

func newScreener(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (compliance.Screener, error) {
	var provider screening.Provider
	switch cfg.Screening.Provider {
	case "http":
		provider = screening.NewHTTPProvider(cfg.Screening.HTTP)
	case "watchlist":
		provider = screening.NewWatchlistProvider(cfg.Screening.Watchlist)
	default:
		return nil, fmt.Errorf("unsupported screening provider %q", cfg.Screening.Provider)
	}
	return screening.NewAdapter(provider, cfg.Screening.Breaker, collector, logger.Named("screening")), nil
}

func newEngine(
	cfg *config.Config,
	rules regulatory.Store,
	screener compliance.Screener,
	checks compliance.AuditLog,
	dispatcher *events.Dispatcher,
	collector *metrics.Collector,
	logger *zap.Logger,
) *compliance.Engine {
	named := logger.Named("engine")
	return compliance.NewEngine(
		cfg.EngineConfig(),
		rules,
		screener,
		compliance.NewApplicabilityMatcher(cfg.Compliance.CategoryFrameworks),
		compliance.NewEvaluator(compliance.DefaultPredicateRegistry(), named),
		checks,
		dispatcher,
		named,
		compliance.WithRecorder(collector),
	)
}

func newAggregator(reports reporting.Store, checks compliance.AuditLog, dispatcher *events.Dispatcher, logger *zap.Logger) *reporting.Aggregator {
	return reporting.NewAggregator(reports, checks, dispatcher, logger.Named("reporting"))
}

func newScheduler(lc fx.Lifecycle, aggregator *reporting.Aggregator, cfg *config.Config, logger *zap.Logger) (*reporting.Scheduler, error) {
	s, err := reporting.NewScheduler(aggregator, cfg.Reporting.Schedules, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: s.Stop,
	})
	return s, nil
}

type projectionResult struct {
	fx.Out

	Options   []handlers.Option       `group:"handler_options,flatten"`
	Readiness []server.ReadinessCheck `group:"readiness,flatten"`
}

// newVerdictProjection wires the Redis latest-verdict cache and the Kafka
// consumer that feeds it. Both are optional.
func newVerdictProjection(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (projectionResult, error) {
	if !cfg.Redis.Enabled {
		return projectionResult{}, nil
	}

	cacheCfg := cfg.CacheConfig()
	client, err := cache.NewClient(context.Background(), cacheCfg)
	if err != nil {
		return projectionResult{}, err
	}
	verdicts := cache.NewVerdictCache(client, cacheCfg, logger.Named("cache"))

	out := projectionResult{
		Options:   []handlers.Option{handlers.WithVerdicts(verdicts)},
		Readiness: []server.ReadinessCheck{{Name: "redis", Check: verdicts.Ping}},
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})

	if cfg.Kafka.Enabled && cfg.Kafka.EnableConsumer {
		consumer, err := events.NewVerdictConsumer(cfg.KafkaClientConfig(), cfg.Kafka.Topics.Verdicts, verdicts, logger.Named("consumer"))
		if err != nil {
			return projectionResult{}, err
		}

		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					if err := consumer.Start(runCtx); err != nil {
						logger.Error("Verdict consumer stopped", zap.Error(err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				err := consumer.Close()
				select {
				case <-done:
				case <-ctx.Done():
				}
				return err
			},
		})
	}

	return out, nil
}

type readinessParams struct {
	fx.In

	Checks []server.ReadinessCheck `group:"readiness"`
}

func newReadiness(p readinessParams) *server.Readiness {
	return server.NewReadiness(0, p.Checks...)
}

type routerParams struct {
	fx.In

	Config     *config.Config
	Engine     *compliance.Engine
	Rules      regulatory.Store
	Aggregator *reporting.Aggregator
	Collector  *metrics.Collector
	Readiness  []server.ReadinessCheck `group:"readiness"`
	Options    []handlers.Option       `group:"handler_options"`
	Logger     *zap.Logger
}

func newRouter(p routerParams) *gin.Engine {
	if !p.Config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := append([]handlers.Option{}, p.Options...)
	for _, rc := range p.Readiness {
		opts = append(opts, handlers.WithHealthCheck(rc.Name, rc.Check))
	}

	router := handlers.NewRouter(p.Logger.Named("http"), p.Collector)
	handlers.NewComplianceHandler(p.Engine, p.Rules, p.Aggregator, p.Logger.Named("handlers"), opts...).
		RegisterRoutes(router)
	return router
}

func seedRulesOnStart(lc fx.Lifecycle, cfg *config.Config, rules regulatory.Store, logger *zap.Logger) {
	if !cfg.Rules.SeedOnStartup || cfg.Rules.CatalogPath == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			catalog, err := regulatory.LoadCatalogFile(cfg.Rules.CatalogPath)
			if err != nil {
				return err
			}
			_, err = regulatory.Seed(ctx, rules, catalog, logger.Named("seed"))
			return err
		},
	})
}

func registerServers(
	lc fx.Lifecycle,
	cfg *config.Config,
	router *gin.Engine,
	registry *prometheus.Registry,
	readiness *server.Readiness,
	logger *zap.Logger,
) {
	host := cfg.Server.Host

	api := server.NewHTTPServer(
		net.JoinHostPort(host, strconv.Itoa(cfg.Server.HTTPPort)),
		router,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		logger.Named("http"),
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return api.Start() },
		OnStop:  api.Stop,
	})

	grpcServer := server.NewGRPCServer(
		net.JoinHostPort(host, strconv.Itoa(cfg.Server.GRPCPort)),
		readiness,
		0,
		logger.Named("grpc"),
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return grpcServer.Start() },
		OnStop:  grpcServer.Stop,
	})

	if cfg.Monitoring.EnableMetrics {
		monitoring := server.NewMonitoringServer(
			net.JoinHostPort(host, strconv.Itoa(cfg.Monitoring.MetricsPort)),
			cfg.Monitoring.MetricsPath,
			registry,
			readiness,
			logger.Named("monitoring"),
		)
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return monitoring.Start() },
			OnStop:  monitoring.Stop,
		})
	}
}
