package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/amoryn/amoryn-realtime-api/internal/config"
	"github.com/amoryn/amoryn-realtime-api/internal/database"
	"github.com/amoryn/amoryn-realtime-api/internal/handler"
	"github.com/amoryn/amoryn-realtime-api/internal/middleware"
	"github.com/amoryn/amoryn-realtime-api/internal/models"
	"github.com/amoryn/amoryn-realtime-api/internal/repository"
	"github.com/amoryn/amoryn-realtime-api/internal/router"
	"github.com/amoryn/amoryn-realtime-api/internal/service"
	"github.com/amoryn/amoryn-realtime-api/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Message{}, &models.Reaction{}, &models.CallLog{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	channel, transportName, cleanup, err := buildChannel(cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect transport: %v", err)
	}
	defer cleanup()

	validate := validator.New(validator.WithRequiredStructEnabled())

	messageRepo := repository.NewMessageRepository(db)
	reactionRepo := repository.NewReactionRepository(db)
	callLogRepo := repository.NewCallLogRepository(db)

	conversationService := service.NewConversationService(messageRepo, reactionRepo, channel, validate, service.ConversationConfig{
		HistoryLimit:      cfg.HistoryPageSize,
		TypingIdleWindow:  cfg.TypingIdleWindow,
		TypingStaleWindow: cfg.TypingStaleWindow,
	}, logger)

	chatHandler := handler.NewChatHandler(conversationService, validate, logger)
	callHandler := handler.NewCallHandler(channel, callLogRepo, service.RelayConfig{
		AnswerTimeout: cfg.CallAnswerTimeout,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   chatHandler,
		CallHandler:   callHandler,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
		TransportName: transportName,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

// buildChannel selects the pub/sub backend: Redis when configured, NATS as
// the alternative, and the in-process bus for single-node development.
func buildChannel(cfg config.Config, logger zerolog.Logger) (transport.Channel, string, func(), error) {
	switch {
	case cfg.RedisURL != "":
		client, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, "", nil, err
		}
		channel := transport.NewRedisChannel(client, cfg.PresenceHeartbeat, logger)
		return channel, "redis", func() {
			channel.Close()
			_ = client.Close()
		}, nil
	case cfg.NATSURL != "":
		conn, err := database.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, "", nil, err
		}
		channel := transport.NewNATSChannel(conn, cfg.PresenceHeartbeat, logger)
		return channel, "nats", func() {
			channel.Close()
			conn.Close()
		}, nil
	default:
		logger.Warn().Msg("no redis or nats configured, using in-process channel")
		channel := transport.NewMemoryChannel(logger)
		return channel, "memory", func() { channel.Close() }, nil
	}
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
