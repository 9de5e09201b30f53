package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiatePayment_ReturnsReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var got PaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "ext-1", got.MerchantReference)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(5000)))
		assert.Equal(t, "https://lifecycle/callbacks/gateway", got.CallbackURL)

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"transactionId":"GW-42","status":"PENDING"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "https://lifecycle/callbacks/gateway")
	resp, err := c.InitiatePayment(context.Background(), PaymentRequest{
		MerchantReference: "ext-1",
		Amount:            decimal.NewFromInt(5000),
		PhoneNumber:       "+237690000000",
		Operation:         "DEPOSIT",
	})
	require.NoError(t, err)
	assert.Equal(t, "GW-42", resp.TransactionID)
}

func TestInitiatePayment_InsufficientFunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"INSUFFICIENT_FUNDS","message":"balance too low"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "").InitiatePayment(context.Background(), PaymentRequest{MerchantReference: "x", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestInitiatePayment_OtherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "").InitiatePayment(context.Background(), PaymentRequest{MerchantReference: "x", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
}
