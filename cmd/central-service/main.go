// Disaster Relay Central Service
//
// CS: the single active CAS TCP client. Receives disaster notifications
// from CAS, fans them onto the broker's disaster.* streams, consumes
// report.external to feed the CAS outbound socket, and relays CAS ACKs
// back to the report_transmit_log poller.
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
	"disasterrelay.example.org/gateway/internal/cap"
	"disasterrelay.example.org/gateway/internal/casclient"
	"disasterrelay.example.org/gateway/internal/common/health"
	"disasterrelay.example.org/gateway/internal/common/leader"
	"disasterrelay.example.org/gateway/internal/common/lifecycle"
	"disasterrelay.example.org/gateway/internal/common/secrets"
	"disasterrelay.example.org/gateway/internal/config"
	"disasterrelay.example.org/gateway/internal/inbound"
	"disasterrelay.example.org/gateway/internal/model"
	"disasterrelay.example.org/gateway/internal/outbound"
	"disasterrelay.example.org/gateway/internal/poller"
	"disasterrelay.example.org/gateway/internal/store"
	"disasterrelay.example.org/gateway/internal/wire"
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

	slog.Info("Starting Disaster Relay Central Service",
		"version", version, "build_time", buildTime, "component", "central-service")

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

	tcpLog := store.NewTCPReceiveLogStore(db)
	mqLog := store.NewMQReceiveLogStore(db)
	publishLog := store.NewDisasterPublishLogStore(db)
	transmitLog := store.NewReportTransmitLogStore(db)

	pipeline := inbound.NewPipeline(db, tcpLog, publishLog)
	reportFanout := outbound.NewFanout(db, cfg.CAS.DestID, mqLog, publishLog, transmitLog)

	casCfg := casclient.Config{
		Host:            cfg.CAS.Host,
		Port:            cfg.CAS.Port,
		DestID:          cfg.CAS.DestID,
		Password:        cfg.CAS.Password,
		CentralSystemID: cfg.CAS.CentralSystemID,
		MagicNumber:     cfg.CAS.MagicNumber,
		MaxBodyLength:   cfg.CAS.MaxBodyLength,
		TResp:           cfg.Timers.TResp,
		TPong:           cfg.Timers.TPong,
		TSess:           cfg.Timers.TSess,
		TRecon:          cfg.Timers.TRecon,
	}

	// dispatcher is constructed after session (Dispatch needs the live
	// socket) but session's OnReportAck needs dispatcher.HandleAck
	// (HandleAck only touches dispatcher's own pending-ack map, never the
	// socket, so the indirection through the closure is safe): bind the
	// handler through a variable captured by reference.
	var dispatcher *outbound.Dispatcher
	session := casclient.NewSession(casCfg, casclient.Handlers{
		OnDisasterNotify: pipeline.Handle,
		OnReportAck: func(env *cap.Envelope, messageID wire.MessageID) {
			dispatcher.HandleAck(env, messageID)
		},
	})
	dispatcher = outbound.NewDispatcher(session, publishLog, transmitLog, outbound.Config{
		DestID:   cfg.CAS.DestID,
		SenderID: cfg.CAS.CentralSystemID,
		Txmit:    cfg.Timers.TXmit,
	})

	go session.Run(ctx)

	disasterPublishWorker := poller.New(pollerConfig(cfg, "disaster-publish"), publishLog, func(ctx context.Context, item *model.DisasterPublishLog) error {
		payload, err := json.Marshal(struct {
			Identifier string `json:"identifier"`
			EventCode  string `json:"eventCode"`
			RawMessage string `json:"rawMessage"`
		}{item.Identifier, item.EventCode, item.RawMessage})
		if err != nil {
			return fmt.Errorf("marshal disaster payload: %w", err)
		}
		return brk.PublishDisaster(ctx, item.EventCode, payload, item.Identifier)
	})
	reportTransmitWorker := poller.New(pollerConfig(cfg, "report-transmit"), transmitLog, dispatcher.Dispatch)

	disasterPublishWorker.Start(ctx)
	reportTransmitWorker.Start(ctx)

	var elector *leader.RedisLeaderElector
	if cfg.Leader.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
		elector = leader.NewRedisLeaderElector(redisClient, &leader.RedisElectorConfig{
			InstanceID:      cfg.Leader.InstanceID,
			LockName:        "disasterrelay:central-service:leader",
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		})
		elector.OnBecomeLeader(func() {
			disasterPublishWorker.SetPrimary(true)
			reportTransmitWorker.SetPrimary(true)
		})
		elector.OnLoseLeadership(func() {
			disasterPublishWorker.SetPrimary(false)
			reportTransmitWorker.SetPrimary(false)
		})
		disasterPublishWorker.SetPrimary(false)
		reportTransmitWorker.SetPrimary(false)
		if err := elector.Start(ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
		}
	}

	go func() {
		if err := brk.ConsumeReport(ctx, "central-service", reportFanout.Handle); err != nil && ctx.Err() == nil {
			slog.Error("Report stream consumer stopped", "error", err)
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

	r.Get("/central-service/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"casState":"%s"}`, session.State())
	})

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
	manager.RegisterWorkerShutdown("disaster-publish-poller", disasterPublishWorker.Stop)
	manager.RegisterWorkerShutdown("report-transmit-poller", reportTransmitWorker.Stop)
	manager.RegisterSessionShutdown("cas-session", func(ctx context.Context) error {
		session.Stop()
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

	slog.Info("Disaster Relay Central Service stopped")
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
