package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hongminglow/venue-auth/internal/cache"
	"github.com/hongminglow/venue-auth/internal/config"
	"github.com/hongminglow/venue-auth/internal/server"
	"github.com/hongminglow/venue-auth/internal/storage/memory"
	"github.com/hongminglow/venue-auth/internal/storage/postgres"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	loadLocalEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	setupLogging(cfg.LogLevel)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	defer closeStore()

	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("init redis: %v", err)
	}
	defer redisClient.Close()

	if cfg.Google.ClientID == "" {
		log.Warn("GOOGLE_CLIENT_ID is not set; social login will reject every token")
	}

	srv := server.New(cfg, store, redisClient)

	go func() {
		log.WithField("addr", cfg.HTTPAddress()).Info("venue auth listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.WithError(err).Error("graceful shutdown error")
	}
}

func openStore(ctx context.Context, cfg config.Config) (server.Store, func(), error) {
	if cfg.UseMemoryStore() {
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}
	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func setupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func loadLocalEnv() {
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found; relying on existing environment")
	}
}
