// Package main запускает HTTP-сервер приёма платёжных событий.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/storefront-payments/internal/config"
	"github.com/mmeshcher/storefront-payments/internal/dedup"
	"github.com/mmeshcher/storefront-payments/internal/handler"
	"github.com/mmeshcher/storefront-payments/internal/middleware"
	"github.com/mmeshcher/storefront-payments/internal/notify"
	"github.com/mmeshcher/storefront-payments/internal/publisher"
	"github.com/mmeshcher/storefront-payments/internal/repository"
	"github.com/mmeshcher/storefront-payments/internal/service"
	"github.com/mmeshcher/storefront-payments/internal/signature"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	verifier, err := signature.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	if err != nil {
		sugar.Fatalw("signature verifier initialization error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sender notify.Sender
	if cfg.NotifyAPIURL != "" {
		sender = notify.NewHTTPSender(cfg.NotifyAPIURL, cfg.NotifyAPIKey, cfg.NotifyFrom, cfg.NotifyTimeout)
	} else {
		sugar.Warn("NOTIFY_API_URL is not set, order confirmations are disabled")
	}
	notifier := notify.NewNotifier(sender, cfg.NotifyTimeout, logger.Named("notify"))

	opts := []service.Option{service.WithLedgerSweep(cfg.LedgerSweepInterval)}

	if cfg.OrderEventsTopicARN != "" {
		pub, err := publisher.NewSNSPublisherFromEnv(ctx, cfg.OrderEventsTopicARN, cfg.AWSEndpoint)
		if err != nil {
			sugar.Fatalw("order events publisher initialization error", "error", err.Error())
		}
		opts = append(opts, service.WithPublisher(pub))
	}

	if cfg.RedisURL != "" {
		cache, err := dedup.NewRedisCache(ctx, cfg.RedisURL, dedup.DefaultTTL)
		if err != nil {
			sugar.Fatalw("delivery cache initialization error", "error", err.Error())
		}
		defer cache.Close()
		opts = append(opts, service.WithDeliveryCache(cache))
	}

	svc := service.NewService(repo, notifier, logger.Named("service"), opts...)
	defer svc.Close()

	sigMiddleware := middleware.NewSignatureMiddleware(verifier, logger.Named("signature"))
	h := handler.NewHandler(svc, repo, logger, sigMiddleware, cfg.ProcessTimeout)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка покупателей по заказам, не учтённым при приёме события
	g.Go(func() error {
		return svc.RunLedgerSweep(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting payments server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
