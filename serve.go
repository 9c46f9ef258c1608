package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/shyguy/internal/auth"
	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/config"
	"github.com/example/shyguy/internal/handlers"
	"github.com/example/shyguy/internal/healthcheck"
	"github.com/example/shyguy/internal/logging"
	"github.com/example/shyguy/internal/mosaic"
	"github.com/example/shyguy/internal/mosaicclient"
	"github.com/example/shyguy/internal/repository"
	"github.com/example/shyguy/internal/session"
	"github.com/example/shyguy/internal/usecase"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, used, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			if used != "" {
				logger.Info("loaded config file", zap.String("path", used))
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	client, err := mosaicclient.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)
	if err != nil {
		return err
	}

	store, err := initBlobStore(ctx, cfg.Blobs, logger)
	if err != nil {
		return err
	}

	var (
		recorder usecase.HistoryRecorder
		reader   handlers.HistoryReader
	)
	if cfg.History.DSN != "" {
		db, err := initDatabase(ctx, cfg.History.DSN, logger)
		if err != nil {
			return err
		}
		repo := repository.NewSubmissionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
		recorder, reader = repo, repo
	}

	registry := session.NewRegistry(client, store, recorder, logger)
	defer registry.Close()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go sweepSessions(bgCtx, registry, cfg.Server.SessionIdleTimeout, logger)

	if cfg.Health.GRPCAddr != "" {
		grpcServer, err := startHealthServer(bgCtx, cfg.Health, client, logger)
		if err != nil {
			return err
		}
		defer grpcServer.GracefulStop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = mosaic.MaxUploadSize

	deps := handlers.Dependencies{
		Sessions:   registry,
		Blobs:      store,
		BlobPrefix: cfg.Blobs.URLPrefix,
		History:    reader,
		Logger:     logger,
	}
	if cfg.Auth.JWTSecret != "" {
		deps.Auth = auth.JWTMiddleware(auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
	}
	handlers.RegisterRoutes(r, deps)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("shyguy API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("blob_driver", cfg.Blobs.Driver),
		zap.Bool("history", reader != nil),
		zap.Bool("auth", deps.Auth != nil))
	if err := serveHTTPServer(ctx, server, cfg.Server.ShutdownTimeout, logger, nil); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func initBlobStore(ctx context.Context, cfg config.BlobConfig, logger *zap.Logger) (blob.Store, error) {
	if cfg.Driver != config.BlobDriverRedis {
		return blob.NewMemoryStore(cfg.URLPrefix), nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := initRedis(redisCtx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis blob store", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.TTL))
	return blob.NewRedisStore(client, cfg.URLPrefix, cfg.TTL), nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	zapLogger.Info("submission history enabled")
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func startHealthServer(ctx context.Context, cfg config.HealthConfig, pinger healthcheck.Pinger, logger *zap.Logger) (*grpc.Server, error) {
	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	monitor := healthcheck.NewMonitor(pinger, cfg.ProbeInterval, logger)
	grpcServer := grpc.NewServer()
	monitor.Register(grpcServer)

	go monitor.Run(ctx)
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()

	logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
	return grpcServer, nil
}

func sweepSessions(ctx context.Context, registry *session.Registry, idle time.Duration, logger *zap.Logger) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Sweep(idle); n > 0 {
				logger.Info("expired idle sessions", zap.Int("count", n), zap.Int("remaining", registry.Len()))
			}
		}
	}
}
