package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/brainDensed/theramine-session/internal/archive"
	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/internal/handler"
	"github.com/brainDensed/theramine-session/internal/hub"
	"github.com/brainDensed/theramine-session/internal/identity"
	"github.com/brainDensed/theramine-session/internal/registry"
	"github.com/brainDensed/theramine-session/internal/service"
	"github.com/brainDensed/theramine-session/pkg/cas"
	"github.com/brainDensed/theramine-session/pkg/database"
	"github.com/brainDensed/theramine-session/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	logger := log.L()
	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting session gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database for the archive index and DID records
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db, &identity.DIDRecord{}, &archive.SnapshotRecord{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Redis for the shard registry and snapshot read cache
	reg, err := registry.NewRedisRegistry(cfg.Redis, cfg.Server.AdvertiseAddress)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize shard registry")
	}
	defer reg.Close()
	if err := reg.StartHeartbeat(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start registry heartbeat")
	}
	logger.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")

	cacheClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer cacheClient.Close()
	cache := archive.NewCache(cacheClient, cfg.Redis.CachePrefix, cfg.Archive.CacheTTL)

	// Content-addressed snapshot store
	store, err := cas.NewS3Store(ctx, cfg.S3)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize snapshot store")
	}
	logger.Info().Str("bucket", cfg.S3.Bucket).Msg("connected to snapshot store")

	// Archive sync
	arc := archive.NewSync(store, archive.NewGormIndex(db), cache, cfg.Archive)
	defer arc.Close()

	// Identity
	didRegistry := identity.NewGormRegistry(db)
	verifier := identity.NewVerifier(cfg.Auth.TokenSecret)

	// Hub
	wsHub := hub.NewHub(cfg.WebSocket)
	go wsHub.Run()

	// Session service
	sessionSvc := service.NewSessionService(wsHub, didRegistry, verifier, arc, reg, cfg.Session)
	sessionSvc.StartJanitor(ctx)

	// Handlers and router
	wsHandler := handler.NewWSHandler(wsHub, sessionSvc)
	historyHandler := handler.NewHistoryHandler(arc)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(logger))

	router.GET("/healthz", historyHandler.Health)
	router.GET("/ws", wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/rooms", historyHandler.ListRooms)
		api.GET("/rooms/:roomId/history", historyHandler.GetHistory)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("session gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down session gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop accepting appends and flush queued messages before exit.
	arc.Close()
	reg.StopHeartbeat()

	logger.Info().Msg("session gateway stopped")
}
