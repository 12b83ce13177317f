// Package main is the entry point for the file storage and transfer core.
// It wires the durable index, the fast store, the blob tree, and the five
// component services into an HTTP server plus an upload notification
// socket, and runs the two background cleanup sweeps until shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ovasabi-labs/filehub/internal/api"
	"github.com/ovasabi-labs/filehub/internal/chunk"
	"github.com/ovasabi-labs/filehub/internal/cleanup"
	"github.com/ovasabi-labs/filehub/internal/config"
	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/policy"
	"github.com/ovasabi-labs/filehub/internal/preview"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/transcode"
	"github.com/ovasabi-labs/filehub/internal/upload"
	"github.com/ovasabi-labs/filehub/internal/validate"
	"github.com/ovasabi-labs/filehub/internal/wsupload"
	"github.com/ovasabi-labs/filehub/pkg/logger"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
	"github.com/ovasabi-labs/filehub/pkg/redis"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("failed to sync logger", zap.Error(err))
		}
	}()
	zlog := log.GetZapLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openPostgres(cfg)
	if err != nil {
		log.Error("postgres connect failed", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, store.Schema); err != nil {
		log.Error("schema migration failed", zap.Error(err))
		os.Exit(1)
	}

	redisProvider := redis.NewProvider(zlog)
	redisProvider.RegisterCache("filehub", &redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Namespace:    cfg.AppName,
		Context:      "filehub",
	})
	redisCache, err := redisProvider.GetCache("filehub")
	if err != nil {
		log.Error("redis connect failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := redisProvider.Close(); err != nil {
			log.Warn("redis close failed", zap.Error(err))
		}
	}()

	for _, dir := range []string{cfg.StoreRoot, cfg.TranscodeWorkDir, cfg.TranscodeOutDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("failed to create data directory", zap.String("dir", dir), zap.Error(err))
			os.Exit(1)
		}
	}

	kv := fastkv.NewRedis(redisCache)
	index := store.NewPostgres(db, zlog)
	blobs := store.NewLocalBlobStore(cfg.StoreRoot)
	fs := store.New(blobs, index, utils.NewUUID, zlog)

	validator := validate.DefaultConfig()
	tokens := token.New(kv, zlog)

	uploads := upload.New(fs, validator, tokens, nil, cfg.SingleShotThreshold, zlog)

	chunkBlobs := chunk.NewLocalBlobStore(cfg.StoreRoot)
	threshold := chunk.ThresholdFunc(func() int64 { return cfg.SingleShotThreshold })
	chunks := chunk.New(kv, chunkBlobs, fs, validator, cfg.ChunkSize, threshold, utils.NewUUID, zlog)

	transcoder, err := transcode.New(cfg.FFmpegBinary, cfg.TranscodeWorkDir, cfg.TranscodeOutDir, cfg.TranscodeCacheLen, zlog)
	if err != nil {
		log.Error("transcoder init failed", zap.Error(err))
		os.Exit(1)
	}
	previewSrv := preview.New(fs, tokens, transcoder, zlog)

	workers := utils.NewWorkerPool(8)
	workers.Start()
	defer workers.Stop()

	metrics.CollectSystemMetrics(15 * time.Second)

	apiSrv := api.New(fs, chunks, uploads, tokens, previewSrv, policy.AllowAll{}, workers, zlog)

	hub := wsupload.New(chunks, uploads, cfg.JWTSecret, zlog)
	// 24h matches the chunk session TTL set by chunk.Service.Initiate.
	cleaner := cleanup.New(kv, chunkBlobs, fs, hub, 24*time.Hour, cfg.UnreferencedAge, zlog)
	hub.SetParker(cleaner)
	go cleaner.Run(ctx, cfg.SessionSweepInterval, cfg.QueueDrainInterval)

	mux := http.NewServeMux()
	mux.Handle("/", apiSrv.Routes(cfg.JWTSecret))
	mux.Handle("/file-upload", hub)

	server := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server exited", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown error", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", zap.Error(err))
		}
	}()

	log.Info("filehub core listening",
		zap.String("addr", server.Addr),
		zap.String("metrics_addr", metricsServer.Addr),
		zap.String("environment", cfg.AppEnv),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped gracefully")
}

func openPostgres(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
