// cmd/server/app.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/archive"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/cache"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/config"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/events"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/gateway"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/handler"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/metrics"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/service"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/pkg/database"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/pkg/logger"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/pkg/redis"
)

const serviceName = "loan-settlement"

// app holds every long-lived dependency of one process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	db        *database.PostgresDB
	redis     *redis.Client
	viewCache *cache.ViewCache
	notifier  events.Notifier
	callbacks archive.Archive

	ledger     *service.LedgerService
	settlement *service.SettlementOrchestrator
	payments   *service.PaymentService
	penalties  *service.PenaltyEngine
	reconciler *service.ReconciliationService
}

func newApp(ctx context.Context) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(serviceName, cfg.Environment)
	a := &app{cfg: cfg, log: log}

	a.db, err = database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := a.db.Migrate(ctx, models.Schema...); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if cfg.RedisURL != "" {
		client := redis.NewRedisClient(cfg.RedisURL)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process cache only", zap.Error(err))
			client.Close()
		} else {
			a.redis = client
		}
	}
	a.viewCache = cache.NewRedisViewCache(a.redis, cfg.BalanceCacheTTL, log)

	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifier = kafka
	} else {
		log.Info("no kafka brokers configured, settlement events are only logged")
		a.notifier = events.NewLogNotifier(log)
	}

	if cfg.MongoURI != "" {
		mongoArchive, err := archive.NewMongoArchive(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.callbacks = mongoArchive
	} else {
		a.callbacks = archive.NopArchive{}
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	store := repository.NewPostgresStore(a.db.DB)
	gw := gateway.NewClient(gateway.Config{
		MerchantID:  cfg.GatewayMerchantID,
		BaseURL:     cfg.GatewayBaseURL,
		StartPayURL: cfg.GatewayStartPayURL,
		Timeout:     cfg.GatewayTimeout,
	}, log)

	a.ledger = service.NewLedgerService(store, a.viewCache, m, log)
	a.settlement = service.NewSettlementOrchestrator(store, a.ledger, a.viewCache, a.notifier, m, log)
	a.payments = service.NewPaymentService(store, gw, a.settlement, service.PaymentConfig{
		CallbackURL:         cfg.GatewayCallbackURL,
		MinorUnitMultiplier: cfg.MinorUnitMultiplier,
	}, m, log)
	a.penalties = service.NewPenaltyEngine(store, a.viewCache, cfg.DailyPenaltyRate, m, log)
	a.reconciler = service.NewReconciliationService(store, m, log)

	return a, nil
}

func (a *app) router() *gin.Engine {
	return handler.SetupRouter(handler.RouterConfig{
		JWTSecret: a.cfg.JWTSecret,
		Payments:  handler.NewPaymentHandler(a.payments, a.callbacks, a.cfg.PaymentSuccessURL, a.cfg.PaymentFailureURL, a.log),
		Wallets:   handler.NewWalletHandler(a.ledger, a.log),
		Admin:     handler.NewAdminHandler(a.penalties, a.reconciler, a.callbacks, a.viewCache, a.log),
		Metrics:   promhttp.Handler(),
		Ready: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.db.PingContext(ctx)
		},
	}, a.log)
}

func (a *app) Close() {
	if a.viewCache != nil {
		a.viewCache.Close()
	}
	if a.settlement != nil {
		a.settlement.Wait()
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Warn("failed to close notifier", zap.Error(err))
		}
	}
	if a.callbacks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.callbacks.Close(ctx); err != nil {
			a.log.Warn("failed to close callback archive", zap.Error(err))
		}
		cancel()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	a.log.Sync()
}
