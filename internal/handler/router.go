// internal/handler/router.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/pkg/middleware"
)

type RouterConfig struct {
	JWTSecret string
	Payments  *PaymentHandler
	Wallets   *WalletHandler
	Admin     *AdminHandler
	Metrics   http.Handler
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func() error
}

func SetupRouter(cfg RouterConfig, log *zap.Logger) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				log.Warn("readiness check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	v1 := router.Group("/api/v1")

	// The gateway redirects the payer's browser here without our token.
	v1.GET("/payments/callback", cfg.Payments.Callback)

	authed := v1.Group("")
	authed.Use(AuthRequired(cfg.JWTSecret))
	{
		installments := authed.Group("/loans/:loanID/schedules/:scheduleID")
		installments.POST("/payments", cfg.Payments.InitiatePayment)
		installments.POST("/wallet-payments", cfg.Payments.PayFromWallet)

		authed.GET("/payments/:id", cfg.Payments.GetPayment)

		wallets := authed.Group("/wallets/me")
		wallets.GET("", cfg.Wallets.MyWallet)
		wallets.GET("/transactions", cfg.Wallets.MyTransactions)

		admin := authed.Group("/admin")
		admin.Use(AdminRequired())
		admin.POST("/penalties/run", cfg.Admin.RunPenalties)
		admin.POST("/reconcile", cfg.Admin.Reconcile)
		admin.GET("/wallets/shared", cfg.Wallets.SharedWallet)
		admin.GET("/payments/callbacks", cfg.Admin.CallbackHistory)
		admin.GET("/cache/stats", cfg.Admin.CacheStats)
	}

	return router
}
