// internal/gateway/client.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	CodeSuccess         = 100
	CodeAlreadyVerified = 101

	requestPath = "/pg/v4/payment/request.json"
	verifyPath  = "/pg/v4/payment/verify.json"
)

// ErrUnavailable covers transport failures and timeouts. Callers must treat it
// as a failed call, never as success.
var ErrUnavailable = errors.New("payment gateway unavailable")

// RejectedError is a well-formed refusal from the gateway.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request: code %d: %s", e.Code, e.Message)
}

type Config struct {
	MerchantID  string
	BaseURL     string
	StartPayURL string
	Timeout     time.Duration
}

type PaymentRequest struct {
	AmountMinor int64
	Description string
	CallbackURL string
	Metadata    map[string]string
}

type PaymentResponse struct {
	Authority   string
	RedirectURL string
}

type VerifyStatus int

const (
	VerifyStatusFailed VerifyStatus = iota
	VerifyStatusVerified
	VerifyStatusAlreadyVerified
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyStatusVerified:
		return "verified"
	case VerifyStatusAlreadyVerified:
		return "already_verified"
	default:
		return "failed"
	}
}

type VerifyResult struct {
	Status  VerifyStatus
	Code    int
	RefID   string
	Message string
	Raw     json.RawMessage
}

// Succeeded is true for a fresh verification and for the gateway's own
// "previously verified" signal.
func (r *VerifyResult) Succeeded() bool {
	return r.Status == VerifyStatusVerified || r.Status == VerifyStatusAlreadyVerified
}

// Client talks to the redirect-style payment gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// MinorUnits converts a display amount to the unit the gateway charges in.
func MinorUnits(amount, multiplier int64) int64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	return amount * multiplier
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type requestData struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Authority string `json:"authority"`
}

type verifyData struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	RefID   json.Number `json:"ref_id"`
	CardPan string      `json:"card_pan"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestPayment opens a payment session and returns where to send the payer.
func (c *Client) RequestPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	body := map[string]interface{}{
		"merchant_id":  c.cfg.MerchantID,
		"amount":       req.AmountMinor,
		"description":  req.Description,
		"callback_url": req.CallbackURL,
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	env, _, err := c.post(ctx, requestPath, body)
	if err != nil {
		return nil, err
	}

	var data requestData
	if decodeObject(env.Data, &data) && data.Code == CodeSuccess && data.Authority != "" {
		return &PaymentResponse{
			Authority:   data.Authority,
			RedirectURL: strings.TrimRight(c.cfg.StartPayURL, "/") + "/" + data.Authority,
		}, nil
	}

	return nil, rejection(env, data.Code, data.Message)
}

// VerifyPayment confirms the payer completed the session for the given amount.
// A gateway refusal is reported as a failed result; only transport problems
// return an error.
func (c *Client) VerifyPayment(ctx context.Context, authority string, amountMinor int64) (*VerifyResult, error) {
	body := map[string]interface{}{
		"merchant_id": c.cfg.MerchantID,
		"amount":      amountMinor,
		"authority":   authority,
	}

	env, raw, err := c.post(ctx, verifyPath, body)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Raw: raw}

	var data verifyData
	if decodeObject(env.Data, &data) {
		result.Code = data.Code
		result.Message = data.Message
		result.RefID = data.RefID.String()
		switch data.Code {
		case CodeSuccess:
			result.Status = VerifyStatusVerified
			return result, nil
		case CodeAlreadyVerified:
			result.Status = VerifyStatusAlreadyVerified
			return result, nil
		}
	}

	var rejected *RejectedError
	if errors.As(rejection(env, data.Code, data.Message), &rejected) {
		result.Code = rejected.Code
		result.Message = rejected.Message
	}
	result.Status = VerifyStatusFailed
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*envelope, json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode gateway request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("gateway call failed",
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("gateway returned undecodable response",
			zap.String("path", path),
			zap.Int("http_status", resp.StatusCode))
		return nil, nil, fmt.Errorf("%w: http status %d", ErrUnavailable, resp.StatusCode)
	}

	c.logger.Debug("gateway call",
		zap.String("path", path),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return &env, raw, nil
}

// decodeObject decodes v from raw when raw is a JSON object; the gateway sends
// an empty array in place of whichever of data/errors does not apply.
func decodeObject(raw json.RawMessage, v interface{}) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Unmarshal(trimmed, v) == nil
}

func rejection(env *envelope, code int, message string) error {
	var e errorData
	if decodeObject(env.Errors, &e) && e.Code != 0 {
		return &RejectedError{Code: e.Code, Message: e.Message}
	}
	return &RejectedError{Code: code, Message: message}
}
