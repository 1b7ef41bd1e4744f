package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-vitals/common/database"
	logpkg "wisefido-vitals/common/logger"
	rediscommon "wisefido-vitals/common/redis"
	"wisefido-vitals/internal/cache"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/connection"
	httpapi "wisefido-vitals/internal/http"
	"wisefido-vitals/internal/repository"
	"wisefido-vitals/internal/service"
	"wisefido-vitals/internal/session"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logpkg.New(logpkg.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "wisefido-vitals",
		File:        cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting wisefido-vitals service", zap.String("broker", cfg.MQTT.Broker))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis：最新视图缓存 + 变更流
	deps := service.Deps{
		Transports: session.NewMQTTTransportFactory(&cfg.MQTT, logger),
	}
	var snapshots *cache.SnapshotCache
	if redisClient, err := rediscommon.Connect(ctx, &cfg.Redis); err != nil {
		logger.Warn("Redis unavailable, snapshot cache and stream disabled", zap.Error(err))
	} else {
		defer rediscommon.Close(redisClient)
		snapshots = cache.NewSnapshotCache(cache.NewRedisKVStore(redisClient), cfg.Vitals.CacheTTL, logger)
		deps.Cache = snapshots
		deps.Stream = cache.NewStreamPublisher(redisClient, cfg.Vitals.SnapshotStream, cfg.Vitals.StreamMaxLen, logger)
	}

	// 可选：PostgreSQL 历史记录
	if cfg.DBEnabled {
		if db, err := database.NewPostgresDB(ctx, &cfg.Database); err == nil {
			defer database.Close(db)
			deps.History = repository.NewVitalsRepository(db, logger)
			logger.Info("DB enabled for vitals history")
		} else {
			logger.Warn("DB enabled but connection failed, history disabled", zap.Error(err))
		}
	}

	svc := service.NewVitalsService(service.Options{
		Session:          sessionConfig(cfg),
		HistoryInterval:  cfg.Vitals.HistoryInterval,
		HistoryRetention: cfg.Vitals.HistoryRetention,
		RefreshInterval:  cfg.Vitals.RefreshInterval,
	}, deps, logger)
	svc.Start(ctx)

	for _, id := range cfg.Vitals.PatientIDs {
		if _, err := svc.Monitor(ctx, id); err != nil {
			logger.Warn("Initial monitor failed", zap.String("patient_id", id), zap.Error(err))
		}
	}

	var reader httpapi.SnapshotReader
	if snapshots != nil {
		reader = snapshots
	}
	router := httpapi.NewRouter(logger)
	router.RegisterHealthRoutes()
	router.RegisterVitalsRoutes(
		httpapi.NewVitalsHandler(svc, reader, logger),
		httpapi.NewLiveHandler(svc, logger),
	)
	server := service.NewServer(cfg.HTTPAddr, router, logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	svc.Stop(shutdownCtx)
	cancel()

	logger.Info("Service stopped")
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.HealthTopicPrefix = cfg.Vitals.HealthTopicPrefix
	sc.WearableTopicPrefix = cfg.Vitals.WearableTopicPrefix
	sc.PresenceTopic = cfg.Vitals.PresenceTopic
	sc.Credentials = connection.Credentials{
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}
	sc.QoS = cfg.MQTT.QoS
	sc.ConnectTimeout = cfg.MQTT.ConnectTimeout
	sc.Backoff = connection.BackoffPolicy{
		Base:   cfg.Vitals.Backoff.Base,
		Factor: cfg.Vitals.Backoff.Factor,
		Max:    cfg.Vitals.Backoff.Max,
		Jitter: cfg.Vitals.Backoff.Jitter,
	}
	sc.SubscribeRetryDelay = cfg.Vitals.SubscribeRetryDelay
	sc.StaleAfter = cfg.Vitals.StaleAfter
	return sc
}
