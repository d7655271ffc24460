package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client is the boundary to the external payout provider. The idempotency key
// must be identical on every retry for the same order; the provider
// deduplicates on it.
type Client interface {
	IssuePayout(ctx context.Context, idempotencyKey string, amount decimal.Decimal, currency string) (*Result, error)
}

type Result struct {
	ProviderTransactionID string
}

// ProviderError classifies a rejected payout. Transient failures (timeouts,
// rate limits, 5xx) are retried by the worker; permanent ones move the order
// to FAILED.
type ProviderError struct {
	Transient  bool
	StatusCode int
	Reason     string
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("payout provider %s failure (status %d): %s", kind, e.StatusCode, e.Reason)
}

// IsTransient reports whether the worker should retry after err. Errors that
// are not ProviderError (connection resets, request timeouts) are treated as
// transient: the provider may never have seen the request, and the
// idempotency key makes a repeat safe.
func IsTransient(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}
	return true
}

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) Client {
	return &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type payoutRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

type payoutResponse struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (c *httpClient) IssuePayout(ctx context.Context, idempotencyKey string, amount decimal.Decimal, currency string) (*Result, error) {
	body, err := json.Marshal(payoutRequest{
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Currency:       currency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Payout request failed before a response arrived",
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err),
		)
		return nil, &ProviderError{Transient: true, Reason: classifyNetworkError(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Transient: true, Reason: fmt.Sprintf("reading response body: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var payload payoutResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return nil, &ProviderError{Transient: true, StatusCode: resp.StatusCode,
				Reason: fmt.Sprintf("malformed success response: %v", err)}
		}
		c.logger.Info("Payout issued",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("provider_transaction_id", payload.TransactionID),
		)
		return &Result{ProviderTransactionID: payload.TransactionID}, nil
	}

	var payload payoutResponse
	_ = json.Unmarshal(respBody, &payload)
	reason := payload.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	providerErr := &ProviderError{
		Transient:  transientStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Reason:     reason,
	}
	c.logger.Warn("Payout rejected by provider",
		zap.String("idempotency_key", idempotencyKey),
		zap.Int("status", resp.StatusCode),
		zap.String("reason", reason),
		zap.Bool("transient", providerErr.Transient),
	)
	return nil, providerErr
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

func classifyNetworkError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}
