// internal/handler/payment_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/archive"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/service"
)

// maxAuthorityLength matches the payment_attempts.gateway_reference column.
const maxAuthorityLength = 64

type PaymentHandler struct {
	service    *service.PaymentService
	archive    archive.Archive
	successURL string
	failureURL string
	logger     *zap.Logger
}

func NewPaymentHandler(service *service.PaymentService, callbacks archive.Archive, successURL, failureURL string, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:    service,
		archive:    callbacks,
		successURL: successURL,
		failureURL: failureURL,
		logger:     logger,
	}
}

// InitiatePayment handles POST /api/v1/loans/:loanID/schedules/:scheduleID/payments
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	actor, req, ok := h.bindInitiate(c)
	if !ok {
		return
	}

	result, err := h.service.Initiate(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, models.InitiateResponse{
		PaymentID:   result.Payment.ID,
		Authority:   result.Authority,
		RedirectURL: result.RedirectURL,
		Amount:      result.Payment.Amount,
		Display:     models.FormatAmount(result.Payment.Amount),
	})
}

// PayFromWallet handles POST /api/v1/loans/:loanID/schedules/:scheduleID/wallet-payments
func (h *PaymentHandler) PayFromWallet(c *gin.Context) {
	actor, req, ok := h.bindInitiate(c)
	if !ok {
		return
	}

	payment, err := h.service.PayFromWallet(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": models.ViewPayment(payment, "")})
}

// Callback handles GET /api/v1/payments/callback?Authority=&Status=
// The gateway sends the payer's browser here. The response is always a
// redirect to a landing page and never carries internal error detail.
func (h *PaymentHandler) Callback(c *gin.Context) {
	authority := c.Query("Authority")
	status := c.Query("Status")

	rec := &archive.CallbackRecord{
		Authority:  authority,
		Status:     status,
		RemoteAddr: c.ClientIP(),
	}
	defer func() {
		if err := h.archive.Record(c.Request.Context(), rec); err != nil {
			h.logger.Warn("failed to archive callback",
				zap.String("gateway_reference", authority),
				zap.Error(err))
		}
	}()

	if authority == "" || len(authority) > maxAuthorityLength {
		rec.Outcome = "rejected"
		h.redirect(c, h.failureURL, nil)
		return
	}

	result, err := h.service.HandleCallback(c.Request.Context(), authority, status)
	if err != nil {
		rec.Outcome = "error"
		rec.Reason = err.Error()
		if !errors.Is(err, service.ErrPaymentNotFound) {
			h.logger.Error("callback handling failed",
				zap.String("gateway_reference", authority),
				zap.String("status", status),
				zap.Error(err))
		}
		h.redirect(c, h.failureURL, nil)
		return
	}

	rec.PaymentID = result.Payment.ID.String()
	params := url.Values{"payment_id": {result.Payment.ID.String()}}

	if result.Success {
		rec.Outcome = "completed"
		if result.Replayed {
			rec.Outcome = "replayed_completed"
		}
		h.redirect(c, h.successURL, params)
		return
	}

	rec.Outcome = "failed"
	if result.Replayed {
		rec.Outcome = "replayed_failed"
	}
	rec.Reason = result.Payment.FailureReason
	params.Set("message", result.Message)
	h.redirect(c, h.failureURL, params)
}

// GetPayment handles GET /api/v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}

	payment, err := h.service.GetPayment(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := gin.H{"payment": models.ViewPayment(payment, service.FailureMessage(payment.FailureReason))}
	if actor.IsAdmin() && payment.FailureReason != "" {
		resp["failure_detail"] = payment.FailureReason
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PaymentHandler) bindInitiate(c *gin.Context) (models.Actor, service.InitiateRequest, bool) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
		return models.Actor{}, service.InitiateRequest{}, false
	}

	loanID, err := uuid.Parse(c.Param("loanID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid loan id"})
		return models.Actor{}, service.InitiateRequest{}, false
	}
	scheduleID, err := uuid.Parse(c.Param("scheduleID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid installment id"})
		return models.Actor{}, service.InitiateRequest{}, false
	}

	// An empty body pays the outstanding remainder.
	var body models.PaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.Actor{}, service.InitiateRequest{}, false
	}

	return actor, service.InitiateRequest{
		LoanID:     loanID,
		ScheduleID: scheduleID,
		Amount:     body.Amount,
	}, true
}

func (h *PaymentHandler) redirect(c *gin.Context, target string, params url.Values) {
	if len(params) > 0 {
		if u, err := url.Parse(target); err == nil {
			q := u.Query()
			for k, v := range params {
				q[k] = v
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}
	c.Redirect(http.StatusFound, target)
}
