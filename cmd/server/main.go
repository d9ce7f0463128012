package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/config"
	"worktrack-collector/internal/database"
	"worktrack-collector/internal/handlers"
	"worktrack-collector/internal/ingest"
	"worktrack-collector/internal/logging"
	"worktrack-collector/internal/metrics"
	"worktrack-collector/internal/middleware"
	"worktrack-collector/internal/models"
	"worktrack-collector/internal/repository"
	"worktrack-collector/internal/router"
	"worktrack-collector/internal/services"
	"worktrack-collector/internal/websocket"
	"worktrack-collector/internal/worker"
	"worktrack-collector/migrations"
)

type ledgerBackend interface {
	accounting.Ledger
	accounting.RetentionLedger
}

type deviceRegistry interface {
	Touch(ctx context.Context, d models.Device) error
	List(ctx context.Context) ([]models.Device, error)
	MarkOffline(ctx context.Context, before time.Time) (int64, error)
}

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("🚀 Starting WorkTrack collector...")

	if err := cfg.Validate(); err != nil {
		fatal(logger, "✗ Invalid configuration", err)
	}
	logger.Info("✓ Environment variables loaded",
		slog.String("ledger", cfg.LedgerBackend),
		slog.Int("day_offset_minutes", cfg.DayOffsetMinutes),
	)

	clock := quartz.NewReal()

	// ──── Step 2: Initialize Ledger ────
	var (
		ledger  ledgerBackend
		devices deviceRegistry
	)
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			fatal(logger, "✗ PostgreSQL connection failed", err)
		}
		defer pool.Close()
		logger.Info("✓ PostgreSQL connected")

		// ──── Step 3: Run Database Migrations ────
		if err := database.RunMigrations(context.Background(), pool, migrations.FS, logger); err != nil {
			fatal(logger, "✗ Database migration failed", err)
		}
		logger.Info("✓ Database migrations applied")

		ledger = repository.NewMinuteLedgerRepo(pool, cfg.DayOffsetMinutes)
		devices = repository.NewDeviceRepo(pool)
	default:
		ledger = repository.NewMemoryLedger(cfg.DayOffsetMinutes)
		devices = repository.NewMemoryDevices(clock)
		logger.Warn("✓ In-memory ledger selected, totals are lost on restart")
	}

	// ──── Step 4: Initialize Redis Clients ────
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		var err error
		redisClients, err = database.NewRedisClients(context.Background(), cfg.RedisURL)
		if err != nil {
			fatal(logger, "✗ Redis connection failed", err)
		}
		defer redisClients.Close()
		logger.Info("✓ Redis connected")
	}

	// ──── Step 5: Metrics ────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ──── Step 6: Start WebSocket Hub ────
	var (
		wsHub     *websocket.Hub
		publisher accounting.Publisher
	)
	if redisClients != nil {
		wsHub = websocket.NewHub(redisClients.Subscribe, logger)
		publisher = websocket.NewRedisPublisher(redisClients.Publish)
	} else {
		wsHub = websocket.NewHub(nil, logger)
		publisher = wsHub
	}
	defer wsHub.Close()
	logger.Info("✓ WebSocket hub started", slog.Bool("redis_relay", redisClients != nil))

	// ──── Step 7: Start Accounting Engine ────
	engine, err := accounting.New(ledger, accounting.Config{
		OffsetMinutes:  cfg.DayOffsetMinutes,
		FlushThreshold: cfg.FlushThresholdMinutes,
		FlushInterval:  cfg.FlushInterval,
		IdleTTL:        cfg.EntryIdleTTL,
		MaxClockSkew:   cfg.MaxClockSkew,
		Guard:          accounting.GuardConfig{CeilingMinutes: cfg.CeilingMinutes},
	},
		accounting.WithClock(clock),
		accounting.WithLogger(logger.With(slog.String("component", "accounting"))),
		accounting.WithMetrics(m),
		accounting.WithPublisher(publisher),
	)
	if err != nil {
		fatal(logger, "✗ Accounting engine initialization failed", err)
	}
	engine.Start()
	reporter := accounting.NewReporter(ledger, cfg.DayOffsetMinutes, clock)
	dispatcher := ingest.NewDispatcher(engine, devices, clock, logger, m)
	logger.Info("✓ Accounting engine started",
		slog.Duration("flush_interval", cfg.FlushInterval),
		slog.Int("flush_threshold", cfg.FlushThresholdMinutes),
	)

	// ──── Step 8: Start Broker Ingest ────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var consumers sync.WaitGroup

	var mqttSub *ingest.MQTTSubscriber
	if cfg.MQTTBroker != "" {
		mqttSub, err = ingest.NewMQTTSubscriber(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, dispatcher, logger)
		if err != nil {
			fatal(logger, "✗ MQTT connection failed", err)
		}
		if err := mqttSub.Start(); err != nil {
			fatal(logger, "✗ MQTT subscription failed", err)
		}
		logger.Info("✓ MQTT ingest started", slog.String("topic", cfg.MQTTTopic))
	}

	var kafkaConsumer *ingest.KafkaConsumer
	if len(cfg.KafkaBrokers) > 0 {
		kafkaConsumer = ingest.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, dispatcher, logger)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := kafkaConsumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped", slog.Any("err", err))
			}
		}()
		logger.Info("✓ Kafka ingest started", slog.String("topic", cfg.KafkaTopic))
	}

	var queuePool *worker.Pool
	if cfg.RedisQueue != "" && redisClients != nil {
		queuePool = worker.NewPool(redisClients.Publish, dispatcher, cfg.RedisQueue, cfg.QueueWorkers, logger)
		queuePool.Start()
		logger.Info("✓ Redis queue workers started", slog.Int("workers", cfg.QueueWorkers))
	}

	// ──── Step 9: Start Maintenance Scheduler ────
	scheduler := services.NewMaintenanceScheduler(devices, ledger, services.MaintenanceConfig{
		OfflineAfter:  cfg.OfflineAfter,
		SweepInterval: cfg.OfflineSweepInterval,
		RetentionDays: cfg.RetentionDays,
		OffsetMinutes: cfg.DayOffsetMinutes,
	}, clock, logger)
	scheduler.Start()
	logger.Info("✓ Maintenance scheduler started")

	// ──── Step 10: Start HTTP Server ────
	heartbeatLimiter := middleware.NewRateLimiter(cfg.HeartbeatRateLimit, time.Minute, middleware.ByDevice, clock)
	r := router.New(
		handlers.NewHeartbeatHandler(dispatcher, clock),
		handlers.NewUsageHandler(engine, reporter),
		handlers.NewDeviceHandler(devices),
		wsHub,
		heartbeatLimiter,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Stop intake first so the final flush sees every accepted heartbeat.
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("err", err))
		}
		if mqttSub != nil {
			mqttSub.Close()
		}
		cancel()
		consumers.Wait()
		if kafkaConsumer != nil {
			kafkaConsumer.Close()
		}
		if queuePool != nil {
			queuePool.Stop()
		}
		heartbeatLimiter.Stop()
		scheduler.Stop()

		if err := engine.Close(shutdownCtx); err != nil {
			logger.Error("final flush incomplete", slog.Any("err", err))
		}
	}()

	logger.Info(fmt.Sprintf("✓ WorkTrack collector ready on http://localhost:%s", cfg.Port))
	logger.Info(fmt.Sprintf("  API: http://localhost:%s/api/v1", cfg.Port))
	logger.Info(fmt.Sprintf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "Server error", err)
	}
	<-shutdownDone
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("err", err))
	os.Exit(1)
}
