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

	"github.com/npezzotti/go-collab/internal/api"
	"github.com/npezzotti/go-collab/internal/cache"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/observ"
	"github.com/npezzotti/go-collab/internal/push"
	"github.com/npezzotti/go-collab/internal/relay"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	dbConn, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	c, err := cache.New(cfg.CacheCapacity)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	g, gctx := errgroup.WithContext(ctx)
	opts := server.Options{UnreadTTL: cfg.UnreadTTL}

	if cfg.PushEnabled() {
		sender := push.NewWebPushSender(push.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		})
		dispatcher := push.NewDispatcher(logger.Named("push"), dbConn, sender, statsUpdater)
		pool := push.NewPool(logger.Named("push"), dispatcher, cfg.PushWorkers, cfg.PushQueueSize)
		opts.Push = pool

		g.Go(func() error { return pool.Run(gctx) })
	} else {
		logger.Info("push notifications disabled, no VAPID keys configured")
	}

	var redisRelay *relay.RedisRelay
	if cfg.RelayEnabled() {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		redisRelay = relay.NewRedisRelay(logger.Named("relay"), redisClient, cfg.RelayChannel)
		opts.Relay = redisRelay
	}

	chatServer, err := server.NewChatServer(logger.Named("chat"), dbConn, c, statsUpdater, opts)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	if redisRelay != nil {
		g.Go(func() error { return redisRelay.Run(gctx, chatServer.DeliverRemote) })
	}

	app := api.NewApp(mux, logger.Named("http"), chatServer, dbConn, cfg)

	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("chat server shutdown: %w", err)
		}

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
