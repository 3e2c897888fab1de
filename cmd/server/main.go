// Command server wires the full payment-risk pipeline — rolling-window
// aggregation, cross-entity identity linkage, weighted risk scoring,
// recent-alert storage, live alert fan-out, and webhook delivery — behind
// the stream consumer and the HTTP adapter, then runs until signalled.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/payment-risk-engine/internal/aggregator"
	"github.com/mbd888/payment-risk-engine/internal/alertpublish"
	"github.com/mbd888/payment-risk-engine/internal/alertstore"
	"github.com/mbd888/payment-risk-engine/internal/alertstream"
	"github.com/mbd888/payment-risk-engine/internal/config"
	"github.com/mbd888/payment-risk-engine/internal/health"
	"github.com/mbd888/payment-risk-engine/internal/httpapi"
	"github.com/mbd888/payment-risk-engine/internal/ingest"
	"github.com/mbd888/payment-risk-engine/internal/linkstore"
	"github.com/mbd888/payment-risk-engine/internal/logging"
	"github.com/mbd888/payment-risk-engine/internal/metrics"
	"github.com/mbd888/payment-risk-engine/internal/riskengine"
	"github.com/mbd888/payment-risk-engine/internal/traces"
	"github.com/mbd888/payment-risk-engine/internal/webhookdispatch"
	"github.com/mbd888/payment-risk-engine/internal/webhookregistry"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// config.Validate runs before a logger exists, so this one line
		// goes straight to stderr rather than through logging.New.
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("starting payment-risk-engine",
		"version", Version, "commit", Commit, "build_time", BuildTime, "env", cfg.Env)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	healthRegistry := health.NewRegistry()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDB(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	}

	links, alerts, webhooks, auditSink := wireStores(ctx, db, cfg, logger, healthRegistry)

	agg := aggregator.New(logger)
	engine := riskengine.New(agg, links,
		riskengine.WithThreshold(cfg.RiskThreshold),
		riskengine.WithLevelThresholds(cfg.LevelThresholds()),
		riskengine.WithLogger(logger),
	)

	publisher := alertpublish.New(logger)
	go publisher.Run(ctx)

	hub := alertstream.NewHub(publisher, logger)
	go hub.Run(ctx)

	var dispatcher *webhookdispatch.Dispatcher
	if cfg.WebhookEnabled {
		dispatchCfg := webhookdispatch.DefaultConfig()
		dispatchCfg.MaxAttempts = cfg.WebhookMaxRetries + 1
		dispatchCfg.BaseDelay = time.Duration(cfg.WebhookRetryDelayMs) * time.Millisecond
		dispatchCfg.RequestTimeout = time.Duration(cfg.WebhookTimeoutMs) * time.Millisecond
		dispatchCfg.MaxConcurrent = cfg.WebhookPoolSize
		dispatchCfg.BackoffExponential = cfg.WebhookBackoffExponential
		dispatcher = webhookdispatch.New(webhooks, dispatchCfg, logger)
	}

	if cfg.EngineEnabled {
		// ChannelSource is the in-process default Source — the extension
		// point a real broker-backed Source would replace without any
		// change to Consumer or the pipeline behind it.
		source := ingest.NewChannelSource(cfg.ConsumerPartitions)
		consumer := ingest.New(
			source,
			engine,
			ingest.NoopSummaryService{},
			alerts,
			publisher,
			dispatcher,
			ingest.Config{Partitions: cfg.ConsumerPartitions, GroupID: cfg.ConsumerGroupID},
			logger,
		)
		if auditSink != nil {
			consumer.SetAuditSink(auditSink)
		}
		go consumer.Run(ctx)
	} else {
		logger.Warn("engine disabled, stream consumer not started")
	}

	server := httpapi.New(cfg, alerts, webhooks, healthRegistry, httpapi.WithHub(hub), httpapi.WithLogger(logger))
	if err := server.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// wireStores builds the link, alert, and webhook stores. Each defaults to
// its in-memory implementation; when DATABASE_URL is set the durable
// Postgres-backed extension store is migrated and registered with the
// health registry so /healthz reflects database reachability. The recent
// alerts store the engine's hot path reads through is always the
// in-memory ring buffer — Postgres is a durable audit sink, never read
// back by the pipeline.
func wireStores(
	ctx context.Context,
	db *sql.DB,
	cfg *config.Config,
	logger *slog.Logger,
	healthRegistry *health.Registry,
) (linkstore.Store, *alertstore.Store, webhookregistry.Store, ingest.AuditSink) {
	recent := alertstore.NewWithCapacity(cfg.RecentAlertsMax)

	if db == nil {
		return linkstore.NewMemoryStore(), recent, webhookregistry.NewMemoryStore(), nil
	}

	links := linkstore.NewPostgresStore(db)
	if err := links.Migrate(ctx); err != nil {
		logger.Error("failed to migrate link store", "error", err)
		os.Exit(1)
	}

	durableAlerts := alertstore.NewPostgresStore(db)
	if err := durableAlerts.Migrate(ctx); err != nil {
		logger.Error("failed to migrate alert store", "error", err)
		os.Exit(1)
	}

	webhooks := webhookregistry.NewPostgresStore(db)
	if err := webhooks.Migrate(ctx); err != nil {
		logger.Error("failed to migrate webhook registry", "error", err)
		os.Exit(1)
	}

	healthRegistry.Register("postgres", func(ctx context.Context) health.Status {
		if err := db.PingContext(ctx); err != nil {
			return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "postgres", Healthy: true}
	})

	return links, recent, webhooks, durableAlerts
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DBConnectTimeout)*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("connected to postgres")
	return db, nil
}

// appendDSNParams adds connect_timeout and statement_timeout to a
// PostgreSQL DSN, whichever of the two accepted forms it's written in.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}
