package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/config"
	"chat-realtime/internal/database"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/registry"
	"chat-realtime/internal/server"
	"chat-realtime/internal/session"
	"chat-realtime/internal/store"
	"chat-realtime/internal/topic"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting chat fan-out server")

	redisClient, err := database.NewRedisConnection(&cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	db, err := database.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	subscribers := store.NewSubscriberStore(redisClient)
	attachments := store.NewAttachmentStore(redisClient)
	access := store.NewAccessChecker(db)
	presence := store.NewPresence(redisClient)

	reg := registry.New()
	table := topic.NewTable(subscribers, func(userID string) (topic.Deliverer, bool) {
		return reg.Lookup(userID)
	})
	defer table.Close()

	// The message pipeline is optional at startup so the socket surface stays
	// usable when Kafka is unavailable (e.g. local development).
	var publisher session.Publisher
	producer, err := pipeline.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.SubmitTopic)
	if err != nil {
		slog.Warn("Kafka producer unavailable, SEND_MESSAGE disabled", "error", err)
	} else {
		publisher = producer
		defer producer.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := pipeline.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.MessageTopic, table)
	if err != nil {
		slog.Warn("Kafka consumer unavailable, relying on HTTP broadcast callback", "error", err)
	} else {
		go consumer.Run(ctx)
		defer consumer.Close()
	}

	resolver := auth.NewResolver(cfg.JWT.Secret)
	handlers := server.NewHandlers(reg, table, attachments, access, presence, publisher)
	router := server.NewRouter(handlers, resolver)
	router.SetupRoutes()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}
