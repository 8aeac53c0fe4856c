// internal/handler/wallet_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/service"
)

type WalletHandler struct {
	ledger *service.LedgerService
	logger *zap.Logger
}

func NewWalletHandler(ledger *service.LedgerService, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{
		ledger: ledger,
		logger: logger,
	}
}

// MyWallet handles GET /api/v1/wallets/me
func (h *WalletHandler) MyWallet(c *gin.Context) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
		return
	}

	wallet, err := h.ledger.UserWallet(c.Request.Context(), actor.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	view, err := h.ledger.BalanceView(c.Request.Context(), wallet.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// MyTransactions handles GET /api/v1/wallets/me/transactions
func (h *WalletHandler) MyTransactions(c *gin.Context) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
		return
	}

	wallet, err := h.ledger.UserWallet(c.Request.Context(), actor.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	txns, err := h.ledger.Transactions(c.Request.Context(), wallet.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet_id":    wallet.ID,
		"transactions": txns,
	})
}

// SharedWallet handles GET /api/v1/admin/wallets/shared
func (h *WalletHandler) SharedWallet(c *gin.Context) {
	wallet, err := h.ledger.SharedWallet(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	view, err := h.ledger.BalanceView(c.Request.Context(), wallet.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
