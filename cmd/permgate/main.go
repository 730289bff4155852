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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/permgate/internal/audit"
	"github.com/xela07ax/permgate/internal/broker"
	"github.com/xela07ax/permgate/internal/cache"
	"github.com/xela07ax/permgate/internal/infra"
	"github.com/xela07ax/permgate/internal/infra/auth"
	"github.com/xela07ax/permgate/internal/notify"
	"github.com/xela07ax/permgate/internal/policy"
	"github.com/xela07ax/permgate/internal/repository/postgres"
	"github.com/xela07ax/permgate/internal/server"
	"github.com/xela07ax/permgate/internal/server/handler"
	"github.com/xela07ax/permgate/internal/server/service"
	"github.com/xela07ax/permgate/internal/token"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин: cancel() по SIGTERM
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Ресурсы: Postgres и Redis
	initCtx, initCancel := context.WithTimeout(appCtx, 10*time.Second)
	defer initCancel()

	store, err := postgres.NewStore(initCtx, cfg.Database)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Ping(initCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(initCtx).Err(); err != nil {
		// Redis — ускоритель, не источник правды: стартуем с предупреждением
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	// 4. Аудит: отдельное соединение + пакетный sink
	auditRepo, err := postgres.NewAuditRepo(cfg.Database.URL)
	if err != nil {
		logger.Fatal("audit storage init failed", zap.Error(err))
	}
	defer auditRepo.Close()

	sink := audit.NewSink(auditRepo, logger, audit.SinkOptions{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		BufferGauge:   metrics.AuditBufferFill,
	})
	sink.Start()

	// 5. Policy Engine поверх кэша политик с Redis-инвалидацией
	policyCache := policy.NewCachedStore(store, rdb, logger)
	go policyCache.StartListener(appCtx)
	engine := policy.NewEngine(policyCache, logger)

	// 6. Token Service
	tokenCache := cache.NewTokenCache(rdb, logger)
	tokenService := token.NewService(store, store, tokenCache, sink, metrics, logger, cfg.Token)

	// 7. Уведомления владельцу: Telegram за обёрткой надежности
	notifier := notify.NewReliabilityWrapper(notify.NewTelegramNotifier(cfg.Telegram, logger))

	// 8. Брокер запросов разрешений
	permBroker := broker.NewBroker(
		engine, tokenService, store, store, notifier,
		rdb, sink, metrics, logger, cfg.Approval.PendingTTL,
	)

	// Фоновая чистка протухших pending-запросов
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				permBroker.ExpireOverdue(appCtx)
			}
		}
	}()

	// 9. Auth: RSA-ключи и валидатор
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("private key load failed", zap.Error(err))
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("public key load failed", zap.Error(err))
	}
	validator := auth.NewBaseValidator(publicKey)

	// 10. Сервисы и хендлеры
	authService := service.NewAuthService(store, privateKey)
	policyService := service.NewPolicyService(store, rdb, cfg.Policy.MaxPatternLength)

	srv := server.NewServer(
		cfg, logger, validator,
		handler.NewAuthHandler(authService),
		handler.NewPermissionHandler(permBroker, tokenService, 60*time.Second),
		handler.NewPolicyHandler(policyService),
		handler.NewApprovalHandler(permBroker, store, logger),
		handler.NewAuditHandler(auditRepo),
	)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 11. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("permgate started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}

	// Останавливаем фон и дожимаем буфер аудита в базу
	cancel()
	sink.Stop()

	logger.Info("permgate stopped")
}
