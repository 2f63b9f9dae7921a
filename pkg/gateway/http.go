package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a JSON payment processor API.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient creates a client whose requests are bounded by timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chargePayload struct {
	PaymentMethod string `json:"payment_method"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description,omitempty"`
}

type refundPayload struct {
	ChargeID string `json:"charge_id"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason,omitempty"`
}

type operationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error body returned by the processor.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Charge creates a charge. The idempotency key is forwarded so a retried call
// after a timeout cannot debit twice.
func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload := chargePayload{
		PaymentMethod: req.PaymentMethodToken,
		Amount:        req.Amount,
		Currency:      strings.ToLower(req.Currency),
		Description:   req.Description,
	}
	resp, err := c.post(ctx, "charge", "/v1/charges", req.IdempotencyKey, payload)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(resp.Status) {
	case "succeeded", "captured", "paid":
		return &ChargeResult{Reference: resp.ID}, nil
	case "failed", "declined":
		return nil, declined("charge %s status %s", resp.ID, resp.Status)
	default:
		return nil, unavailable(fmt.Errorf("charge %s in non-final status %q", resp.ID, resp.Status))
	}
}

// Refund returns money against a previous charge reference.
func (c *HTTPClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	payload := refundPayload{ChargeID: req.ChargeReference, Amount: req.Amount, Reason: req.Reason}
	resp, err := c.post(ctx, "refund", "/v1/refunds", req.IdempotencyKey, payload)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(resp.Status) {
	case "succeeded", "refunded":
		return &RefundResult{Reference: resp.ID}, nil
	case "failed", "rejected":
		return nil, declined("refund %s status %s", resp.ID, resp.Status)
	default:
		return nil, unavailable(fmt.Errorf("refund %s in non-final status %q", resp.ID, resp.Status))
	}
}

func (c *HTTPClient) post(ctx context.Context, op, path, idempotencyKey string, payload interface{}) (*operationResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=gateway_client op=%s msg=\"request failed\" err=%v", op, err)
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to read %s response: %w", op, err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusConflict {
		log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"retryable response\"", op, resp.StatusCode)
		return nil, unavailable(fmt.Errorf("%s returned status %d", op, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, declined("%s rejected with status %d", op, resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Error.Code, errResp.Error.Message)
		return nil, declined("%s: %s", errResp.Error.Code, errResp.Error.Message)
	}

	var out operationResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, unavailable(fmt.Errorf("failed to decode %s response: %w", op, err))
	}
	return &out, nil
}
