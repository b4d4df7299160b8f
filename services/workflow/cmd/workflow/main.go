package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"battledecks/internal/ratelimit"
	"battledecks/internal/util"
	"battledecks/pkg/ai"
	"battledecks/pkg/storage"
	"battledecks/pkg/workflow"
	"battledecks/services/workflow/internal/app"
	"battledecks/services/workflow/internal/config"
	"battledecks/services/workflow/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		RecordStore: cfg.RecordStore,
		DatabaseURL: cfg.DatabaseURL,

		ObjectStore: cfg.ObjectStore,
		Minio: app.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		S3: storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		},
		StorageDomain: cfg.StorageDomain,

		Inference: cfg.Inference,
		WorkersAI: ai.WorkersAIConfig{
			AccountID:      cfg.CFAccountID,
			APIToken:       cfg.CFAPIToken,
			BaseURL:        cfg.WorkersAIBaseURL,
			GatewayBaseURL: cfg.AIGatewayBaseURL,
		},
		InferenceRatePerSecond: cfg.InferenceRatePerSecond,
		InferenceBurst:         cfg.InferenceBurst,
		Models: workflow.Models{
			Caption: cfg.CaptionModel,
			Image:   cfg.ImageModel,
		},
		Gateway: cfg.AIGateway,

		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		QueueName:       cfg.QueueName,
		QueueGroup:      cfg.QueueGroup,
		QueueMaxRetries: cfg.QueueMaxRetries,
		QueueRetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		QueueClaimIdle:  time.Duration(cfg.QueueClaimIdleSeconds) * time.Second,

		BatchSize:      cfg.BatchSize,
		StepTimeout:    time.Duration(cfg.StepTimeoutSeconds) * time.Second,
		StatusCacheTTL: time.Duration(cfg.StatusCacheTTLSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:               appCore,
		SharedSecret:      cfg.SharedSecret,
		Limiter:           limiter,
		LimitWindow:       time.Minute,
		TrustForwardedFor: cfg.TrustForwardedFor,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCore.StartWorkers(ctx, cfg.QueueConcurrency)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	slog.Info("workflow server listening", "addr", addr, "workers", cfg.QueueConcurrency)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
