package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/leakytokens/tokend/pkg/observability"
)

// ChargeStatus is the provider's definitive answer to a charge.
type ChargeStatus string

const (
	StatusConfirmed ChargeStatus = "confirmed"
	StatusDeclined  ChargeStatus = "declined"
)

// ChargeRequest asks the provider to bill a tenant.
type ChargeRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	TenantID       string `json:"tenant_id"`
	AmountCents    int64  `json:"amount_cents"`
	Description    string `json:"description,omitempty"`
}

// ChargeResult is the provider's decision on a charge.
type ChargeResult struct {
	Status        ChargeStatus `json:"status"`
	ProviderRef   string       `json:"provider_ref"`
	DeclineReason string       `json:"decline_reason,omitempty"`
}

// RefundRequest reverses a prior charge.
type RefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	TenantID       string `json:"tenant_id"`
	AmountCents    int64  `json:"amount_cents"`
	// ChargeRef is the provider reference of the charge being reversed.
	ChargeRef string `json:"charge_ref,omitempty"`
}

// Client is the payment provider surface the saga depends on. An error
// return means the outcome is unknown and the call may be retried with
// the same idempotency key.
type Client interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// HTTPConfig configures the HTTP provider client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to the provider over HTTPS.
type HTTPClient struct {
	config  HTTPConfig
	client  *http.Client
	metrics *observability.Metrics
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(config HTTPConfig, metrics *observability.Metrics) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &HTTPClient{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		metrics: metrics,
	}
}

// Charge bills the tenant. The idempotency key is forwarded in the
// Idempotency-Key header, the convention payment providers use for safe
// retries.
func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var result ChargeResult
	if err := c.post(ctx, "/v1/charges", req.IdempotencyKey, req, &result); err != nil {
		c.record("charge", "error")
		return nil, err
	}
	c.record("charge", string(result.Status))
	return &result, nil
}

// Refund reverses a charge. Refunds are fire-and-confirm: a 2xx answer
// means the provider accepted the reversal.
func (c *HTTPClient) Refund(ctx context.Context, req RefundRequest) error {
	if err := c.post(ctx, "/v1/refunds", req.IdempotencyKey, req, nil); err != nil {
		c.record("refund", "error")
		return err
	}
	c.record("refund", "confirmed")
	return nil
}

func (c *HTTPClient) record(operation, status string) {
	if c.metrics != nil {
		c.metrics.RecordPayment(operation, status)
	}
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment provider returned non-2xx status: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode payment response: %w", err)
		}
	}
	return nil
}
