// internal/handler/admin_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/archive"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/cache"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/service"
)

type AdminHandler struct {
	penalties  *service.PenaltyEngine
	reconciler *service.ReconciliationService
	callbacks  archive.Archive
	viewCache  *cache.ViewCache
	logger     *zap.Logger
}

func NewAdminHandler(
	penalties *service.PenaltyEngine,
	reconciler *service.ReconciliationService,
	callbacks archive.Archive,
	viewCache *cache.ViewCache,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		penalties:  penalties,
		reconciler: reconciler,
		callbacks:  callbacks,
		viewCache:  viewCache,
		logger:     logger,
	}
}

// RunPenalties handles POST /api/v1/admin/penalties/run
func (h *AdminHandler) RunPenalties(c *gin.Context) {
	report, err := h.penalties.Run(c.Request.Context(), time.Now())
	if err != nil {
		h.logger.Error("manual penalty accrual failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accrue penalties"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// Reconcile handles POST /api/v1/admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.ReconcileWallets(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile wallets"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// CallbackHistory handles GET /api/v1/admin/payments/callbacks?authority=
func (h *AdminHandler) CallbackHistory(c *gin.Context) {
	authority := c.Query("authority")
	if authority == "" || len(authority) > maxAuthorityLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authority is required"})
		return
	}

	records, err := h.callbacks.ByAuthority(c.Request.Context(), authority)
	if err != nil {
		h.logger.Error("failed to read callback archive",
			zap.String("gateway_reference", authority),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read callback history"})
		return
	}
	if records == nil {
		records = []*archive.CallbackRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"authority": authority,
		"callbacks": records,
	})
}

// CacheStats handles GET /api/v1/admin/cache/stats
func (h *AdminHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.viewCache.Stats())
}
