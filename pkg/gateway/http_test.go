package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientChargeForwardsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody chargePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(operationResponse{ID: "ch_123", Status: "succeeded"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	res, err := c.Charge(context.Background(), ChargeRequest{
		IdempotencyKey: "key-1", PaymentMethodToken: "pm_1", Amount: 450, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_123", res.Reference)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, int64(450), gotBody.Amount)
	assert.Equal(t, "usd", gotBody.Currency)
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		declined bool
	}{
		{name: "card declined", status: http.StatusPaymentRequired, body: `{"error":{"code":"card_declined","message":"insufficient funds"}}`, declined: true},
		{name: "bad request without body", status: http.StatusBadRequest, body: `oops`, declined: true},
		{name: "server error", status: http.StatusBadGateway, body: ``, declined: false},
		{name: "rate limited", status: http.StatusTooManyRequests, body: ``, declined: false},
		{name: "pending status", status: http.StatusOK, body: `{"id":"ch_1","status":"processing"}`, declined: false},
		{name: "failed status", status: http.StatusOK, body: `{"id":"ch_1","status":"failed"}`, declined: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "k", time.Second).Charge(context.Background(), ChargeRequest{IdempotencyKey: "k", Amount: 1, Currency: "USD"})
			require.Error(t, err)
			assert.Equal(t, tt.declined, IsDeclined(err))
			assert.Equal(t, !tt.declined, errors.Is(err, ErrUnavailable))
		})
	}
}

func TestHTTPClientTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "k", 20*time.Millisecond).Refund(context.Background(), RefundRequest{IdempotencyKey: "r", ChargeReference: "ch_1", Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStubGatewayIsIdempotent(t *testing.T) {
	g := NewStubGateway()
	ctx := context.Background()

	first, err := g.Charge(ctx, ChargeRequest{IdempotencyKey: "a", PaymentMethodToken: "pm", Amount: 500})
	require.NoError(t, err)
	second, err := g.Charge(ctx, ChargeRequest{IdempotencyKey: "a", PaymentMethodToken: "pm", Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 1, g.ChargeCount())

	_, err = g.Refund(ctx, RefundRequest{IdempotencyKey: "r1", ChargeReference: first.Reference, Amount: 600})
	assert.True(t, IsDeclined(err))

	_, err = g.Charge(ctx, ChargeRequest{IdempotencyKey: "b", PaymentMethodToken: StubDeclineToken, Amount: 1})
	assert.True(t, IsDeclined(err))
}
