// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/service"
)

// respondError maps service errors to status codes. Unclassified errors are
// logged and answered with a generic message.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var validation *service.ValidationError
	var rejected *service.GatewayRejectedError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": validation.Message, "field": validation.Field})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
	case errors.Is(err, service.ErrLoanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Loan not found"})
	case errors.Is(err, service.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Installment not found"})
	case errors.Is(err, service.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Wallet not found"})
	case errors.Is(err, service.ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": service.InsufficientBalanceMessage})
	case errors.Is(err, service.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "The payment could not be settled, please retry"})
	case errors.As(err, &rejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": rejected.UserMessage()})
	case errors.Is(err, service.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway is unavailable, please try again later"})
	default:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
