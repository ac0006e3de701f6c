// Package main запускает HTTP-сервер сервиса создания отправлений.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/shipgate/internal/config"
	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/handler"
	"github.com/mmeshcher/shipgate/internal/lockstore"
	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/middleware"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/notify"
	"github.com/mmeshcher/shipgate/internal/repository"
	"github.com/mmeshcher/shipgate/internal/service"
)

// shutdownTimeout с запасом покрывает саги, начатые до сигнала остановки.
const shutdownTimeout = service.DrainTimeout + 5*time.Second

func main() {
	// shipgate token <payer-id> печатает bearer-токен плательщика для AUTH_SECRET.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		fmt.Println(middleware.NewAuthMiddleware(os.Getenv("AUTH_SECRET")).Token(os.Args[2]))
		return
	}

	logger, _ := zap.NewProduction()

	if err := run(logger); err != nil {
		logger.Error("application terminated with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// run поднимает зависимости и обслуживает запросы до сигнала остановки.
// Отложенные вызовы выполняются до выхода: svc.Close дожидается начатых саг
// раньше, чем закрывается пул соединений с базой.
func run(logger *zap.Logger) error {
	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("database initialization error: %w", err)
	}
	defer repo.Close()

	var locks service.LockStore = repo
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis initialization error: %w", err)
		}
		locks = lockstore.NewRedisStore(rdb, lockstore.DefaultRetention)
		sugar.Infow("idempotency locks stored in redis", "addr", cfg.RedisAddress)
	}
	var fallback courier.Gateway
	if cfg.CourierAPIAddress != "" {
		fallback = courier.NewClient(cfg.CourierAPIAddress, cfg.CourierAPIKey)
	} else {
		sugar.Warn("COURIER_API_ADDRESS is not set, shipment creation will fail")
	}
	couriers := courier.NewRegistry(fallback)

	var notifier service.Notifier
	if wh := notify.NewWebhookNotifier(cfg.NotifyWebhookURL, logger); wh.Enabled() {
		notifier = wh
	}

	m := metrics.New()

	svc := service.NewService(service.Dependencies{
		Locks:         locks,
		Ledger:        repo,
		Shipments:     repo,
		Compensations: repo,
		Couriers:      couriers,
		Notifier:      notifier,
		Metrics:       m,
	}, service.Options{
		IdempotencyBucket:    cfg.IdempotencyBucket,
		LockTTL:              cfg.LockTTL,
		DefaultPlatformFee:   model.Money(cfg.DefaultPlatformFee),
		DebugErrors:          cfg.DebugErrors,
		CompensationInterval: cfg.CompensationInterval,
		CompensationBatch:    cfg.CompensationBatch,
	}, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, tokens are valid until restart")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, m)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая обработка очереди компенсаций
	g.Go(func() error {
		svc.StartCompensationProcessing(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting shipgate server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			// Начатые саги продолжают работу, их дождётся svc.Close.
			sugar.Errorw("server shutdown error", "error", err)
			_ = server.Close()
			return nil
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
