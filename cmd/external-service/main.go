// Disaster Relay External Service
//
// ES: the subscriber-facing HTTP/WebSocket listener. Serves the report
// ingress API, relays CAS disaster notifications to subscriber sockets over
// reliable-emit, and publishes subscriber reports onto report.external.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"disasterrelay.example.org/gateway/internal/broker"
	"disasterrelay.example.org/gateway/internal/common/health"
	"disasterrelay.example.org/gateway/internal/common/leader"
	"disasterrelay.example.org/gateway/internal/common/lifecycle"
	"disasterrelay.example.org/gateway/internal/common/secrets"
	"disasterrelay.example.org/gateway/internal/config"
	"disasterrelay.example.org/gateway/internal/httpapi"
	"disasterrelay.example.org/gateway/internal/inbound"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/poller"
	"disasterrelay.example.org/gateway/internal/store"
	"disasterrelay.example.org/gateway/internal/wsrelay"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("GATEWAY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Disaster Relay External Service",
		"version", version, "build_time", buildTime, "component", "external-service")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretsProvider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	if err := config.ApplySecrets(ctx, cfg, secretsProvider); err != nil {
		slog.Error("Failed to load secrets", "provider", secretsProvider.Name(), "error", err)
		os.Exit(1)
	}

	healthChecker := health.NewChecker()

	slog.Info("Connecting to Postgres", "dsn", maskDSN(cfg.Postgres.DSN))
	db, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres pool", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		slog.Error("Failed to ping Postgres", "error", err)
		os.Exit(1)
	}
	if err := store.CreateSchema(ctx, db); err != nil {
		slog.Error("Failed to create schema", "error", err)
		os.Exit(1)
	}
	healthChecker.AddReadinessCheck(health.PostgresCheck(func() error {
		return db.PingContext(ctx)
	}))

	slog.Info("Connecting to broker", "url", cfg.Broker.URL)
	brk, err := broker.New(ctx, broker.Config{
		URL:          cfg.Broker.URL,
		RetryDelay:   cfg.Broker.RetryDelay,
		MaxRetries:   cfg.Outbox.MaxRetries,
		StreamPrefix: cfg.Broker.StreamPrefix,
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	healthChecker.AddReadinessCheck(health.NATSCheck(brk.IsConnected))

	mqLog := store.NewMQReceiveLogStore(db)
	externalSys := store.NewExternalSystemStore(db)
	transmitLog := store.NewDisasterTransmitLogStore(db)
	connLog := store.NewConnectionLogStore(db)
	apiLog := store.NewAPIReceiveLogStore(db)
	devices := store.NewDeviceStore(db)
	deviceLog := store.NewDeviceStatusLogStore(db)
	publishLog := store.NewReportPublishLogStore(db)

	disasterFanout := inbound.NewFanout(db, mqLog, externalSys, transmitLog)

	hub := wsrelay.New(connLog, cfg.Timers.TXmit)
	wsHandler := wsrelay.NewHandler(hub, externalSys, nil)

	apiHandler := httpapi.NewHandler(db, externalSys, transmitLog, apiLog, devices, deviceLog, publishLog)
	apiRouter := httpapi.NewRouter(apiHandler)

	disasterTransmitWorker := poller.New(pollerConfig(cfg, "disaster-transmit"), transmitLog, hub.Dispatch)
	reportPublishWorker := poller.New(pollerConfig(cfg, "report-publish"), publishLog, func(ctx context.Context, item *model.ReportPublishLog) error {
		var body struct {
			Identifier string `json:"identifier"`
		}
		_ = json.Unmarshal([]byte(item.RawMessage), &body)
		payload, err := json.Marshal(struct {
			Type               model.ReportType `json:"type"`
			ExternalSystemName string           `json:"externalSystemName"`
			RawMessage         string           `json:"rawMessage"`
			Identifier         string           `json:"identifier,omitempty"`
		}{item.Type, item.ExternalSystemName, item.RawMessage, body.Identifier})
		if err != nil {
			return fmt.Errorf("marshal report payload: %w", err)
		}
		return brk.PublishReport(ctx, payload, item.ID)
	})

	disasterTransmitWorker.Start(ctx)
	reportPublishWorker.Start(ctx)

	var elector *leader.RedisLeaderElector
	if cfg.Leader.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
		elector = leader.NewRedisLeaderElector(redisClient, &leader.RedisElectorConfig{
			InstanceID:      cfg.Leader.InstanceID,
			LockName:        "disasterrelay:external-service:leader",
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		})
		elector.OnBecomeLeader(func() {
			disasterTransmitWorker.SetPrimary(true)
			reportPublishWorker.SetPrimary(true)
		})
		elector.OnLoseLeadership(func() {
			disasterTransmitWorker.SetPrimary(false)
			reportPublishWorker.SetPrimary(false)
		})
		disasterTransmitWorker.SetPrimary(false)
		reportPublishWorker.SetPrimary(false)
		if err := elector.Start(ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
		}
	}

	go func() {
		if err := brk.ConsumeDisaster(ctx, "external-service", disasterFanout.Handle); err != nil && ctx.Err() == nil {
			slog.Error("Disaster stream consumer stopped", "error", err)
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/external-service/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"activeSubscribers":%d}`, hub.Count())
	})

	r.Get("/ws/subscribe", wsHandler.ServeHTTP)
	r.Mount("/", apiRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterWorkerShutdown("disaster-transmit-poller", disasterTransmitWorker.Stop)
	manager.RegisterWorkerShutdown("report-publish-poller", reportPublishWorker.Stop)
	manager.RegisterSessionShutdown("ws-hub", func(ctx context.Context) error {
		hub.Close()
		return nil
	})
	manager.RegisterSessionShutdown("http-server", server.Shutdown)
	manager.RegisterBrokerShutdown("broker", func(ctx context.Context) error {
		return brk.Close()
	})
	if elector != nil {
		manager.RegisterLeaderShutdown("leader-election", func(ctx context.Context) error {
			elector.Stop()
			return nil
		})
	}
	manager.RegisterDatabaseShutdown("postgres", func(ctx context.Context) error {
		return db.Close()
	})

	manager.WaitForSignal()
	cancel()
	if err := manager.Execute(); err != nil {
		slog.Error("Shutdown did not complete cleanly", "error", err)
	}

	slog.Info("Disaster Relay External Service stopped")
}

func pollerConfig(cfg *config.Config, name string) poller.Config {
	return poller.Config{
		Name:             name,
		Period:           cfg.Outbox.PollInterval,
		BatchSize:        cfg.Outbox.PollBatchSize,
		MaxConcurrency:   cfg.Outbox.MaxConcurrency,
		MaxRetries:       cfg.Outbox.MaxRetries,
		RecoveryInterval: cfg.Outbox.RecoveryInterval,
		StuckAfter:       cfg.Outbox.RecoveryThreshold,
	}
}

func maskDSN(dsn string) string {
	if len(dsn) > 20 {
		return dsn[:20] + "..."
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
