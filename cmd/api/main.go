package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/internal/service"
	cloud "github.com/noah-isme/gema-chat/pkg/cloudinary"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.With().Str("service", cfg.AppName).Str("env", cfg.AppEnv).Logger()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := db.AutoMigrate(models.ChatModels()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	observability.RegisterMetrics()
	validate := validator.New(validator.WithRequiredStructEnabled())

	var presence service.PresenceStore
	if redisClient != nil {
		presence = service.NewRedisPresenceStore(redisClient, cfg.ChannelBase, cfg.PresenceTTL)
	} else {
		presence = service.NewMemoryPresenceStore(cfg.PresenceTTL)
	}

	var storage service.FileStorage
	if cfg.MediaEnabled() {
		store, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		storage = store
	} else {
		logger.Warn().Msg("cloudinary credentials missing, media uploads disabled")
	}

	roomRepo := repository.NewRoomRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	scheduledRepo := repository.NewScheduledMessageRepository(db)
	mediaRepo := repository.NewMediaRepository(db)

	roomService := service.NewRoomService(roomRepo, presence, logger)
	realtimeService, err := service.NewRealtimeService(service.RealtimeConfig{
		Rooms:       roomService,
		Messages:    messageRepo,
		Presence:    presence,
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.ChannelBase,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create realtime service")
	}
	messageService := service.NewMessageService(messageRepo, scheduledRepo, mediaRepo, roomService, realtimeService, validate, logger)
	mediaService := service.NewMediaService(storage, mediaRepo, roomService, cfg.MediaMaxSizeMB, logger)
	scheduler := service.NewScheduler(scheduledRepo, realtimeService, cfg.SchedulerInterval, cfg.SchedulerBatchSize, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	realtimeService.Start(ctx)
	go scheduler.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.MediaMaxSizeMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		MessageHandler:  handler.NewMessageHandler(messageService, roomService, logger),
		MediaHandler:    handler.NewMediaHandler(mediaService, logger),
		RealtimeHandler: handler.NewRealtimeHandler(realtimeService, logger),
		Connections:     realtimeService,
		JWTMiddleware:   middleware.JWTProtected(cfg.JWTSecret),
		PostLimiter:     middleware.RateLimit("messages", cfg.MessageRateLimit, cfg.MessageRateWindow),
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("chat server listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, cancel, logger)
}

func waitForShutdown(app *fiber.App, stopWorkers context.CancelFunc, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
