package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/logging"
	"github.com/fenggwsx/ResiChat/internal/server"
	"github.com/fenggwsx/ResiChat/internal/storage/sqlite"
)

func main() {
	cfg := config.LoadServerConfig()
	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		logger.Fatal("init storage", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.NATSURL != "" {
		broker, err := server.NewNATSBroker(cfg.NATSURL, cfg.NATSSubject, logger.Named("nats"))
		if err != nil {
			logger.Fatal("connect nats", zap.String("url", cfg.NATSURL), zap.Error(err))
		}
		opts = append(opts, server.WithBroker(broker))
		logger.Info("fan-out via nats", zap.String("subject", cfg.NATSSubject))
	}
	if cfg.RedisAddr != "" {
		presence, err := server.NewRedisPresence(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.PresenceTTL)
		if err != nil {
			logger.Fatal("connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		opts = append(opts, server.WithPresence(presence))
		logger.Info("presence via redis", zap.String("addr", cfg.RedisAddr))
	}

	app, err := server.NewApp(cfg, store, opts...)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal("server shutdown", zap.Error(err))
	}
}
