package payout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestHTTPClient_IssuePayout(t *testing.T) {
	t.Parallel()

	t.Run("successful payout returns provider transaction id", func(t *testing.T) {
		var captured map[string]any
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/payouts" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			auth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("decoding request body: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"transaction_id": "prov-123"})
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "secret-key", 5*time.Second, zap.NewNop())
		result, err := client.IssuePayout(context.Background(), "1111-2222-333333", decimal.NewFromFloat(25.00), "USD")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.ProviderTransactionID != "prov-123" {
			t.Fatalf("expected provider transaction id prov-123, got %q", result.ProviderTransactionID)
		}
		if captured["idempotency_key"] != "1111-2222-333333" {
			t.Fatalf("expected idempotency key forwarded, got %v", captured["idempotency_key"])
		}
		if captured["currency"] != "USD" {
			t.Fatalf("expected currency forwarded, got %v", captured["currency"])
		}
		if auth != "Bearer secret-key" {
			t.Fatalf("expected bearer auth header, got %q", auth)
		}
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"reason":"provider overloaded"}`, http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "", 5*time.Second, zap.NewNop())
		_, err := client.IssuePayout(context.Background(), "k", decimal.NewFromFloat(1), "USD")
		assertProviderError(t, err, true, http.StatusServiceUnavailable)
	})

	t.Run("429 is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "", 5*time.Second, zap.NewNop())
		_, err := client.IssuePayout(context.Background(), "k", decimal.NewFromFloat(1), "USD")
		assertProviderError(t, err, true, http.StatusTooManyRequests)
	})

	t.Run("422 is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"reason": "account closed"})
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "", 5*time.Second, zap.NewNop())
		_, err := client.IssuePayout(context.Background(), "k", decimal.NewFromFloat(1), "USD")
		assertProviderError(t, err, false, http.StatusUnprocessableEntity)

		var providerErr *ProviderError
		errors.As(err, &providerErr)
		if providerErr.Reason != "account closed" {
			t.Fatalf("expected reason from response body, got %q", providerErr.Reason)
		}
	})

	t.Run("timeout is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		client := NewHTTPClient(srv.URL, "", 20*time.Millisecond, zap.NewNop())
		_, err := client.IssuePayout(context.Background(), "k", decimal.NewFromFloat(1), "USD")
		if err == nil {
			t.Fatalf("expected timeout error")
		}
		if !IsTransient(err) {
			t.Fatalf("expected timeout to classify transient, got %v", err)
		}
	})

	t.Run("unreachable provider is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		client := NewHTTPClient(srv.URL, "", time.Second, zap.NewNop())
		_, err := client.IssuePayout(context.Background(), "k", decimal.NewFromFloat(1), "USD")
		if err == nil {
			t.Fatalf("expected connection error")
		}
		if !IsTransient(err) {
			t.Fatalf("expected connection failure to classify transient, got %v", err)
		}
	})
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient provider error", &ProviderError{Transient: true, StatusCode: 500}, true},
		{"permanent provider error", &ProviderError{StatusCode: 400}, false},
		{"plain error defaults transient", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func assertProviderError(t *testing.T, err error, transient bool, status int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected provider error")
	}
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %T: %v", err, err)
	}
	if providerErr.Transient != transient {
		t.Fatalf("expected transient=%v, got %v", transient, providerErr.Transient)
	}
	if providerErr.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, providerErr.StatusCode)
	}
}
