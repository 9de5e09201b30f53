/**
 * @description
 * Client for the mobile-money payment gateway. It only opens a payment and returns
 * the gateway's correlation reference; the outcome arrives later through the
 * gateway callback endpoint.
 *
 * @dependencies
 * - github.com/shopspring/decimal: amounts are sent as decimal strings.
 */
package gatewayclient

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

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when the gateway refuses the payment for lack of balance.
var ErrInsufficientFunds = errors.New("gateway reported insufficient funds")

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	HTTPClient  *http.Client
}

// NewClient creates a new gateway client. callbackURL is where the gateway will
// POST the final payment status.
func NewClient(baseURL, apiKey, callbackURL string) *Client {
	return &Client{
		BaseURL:     strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:      apiKey,
		CallbackURL: callbackURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentRequest opens a payment on the gateway.
type PaymentRequest struct {
	MerchantReference string          `json:"merchantReference"`
	Amount            decimal.Decimal `json:"amount"`
	PhoneNumber       string          `json:"phoneNumber"`
	Operation         string          `json:"operation"`
	CallbackURL       string          `json:"callbackUrl,omitempty"`
}

// PaymentResponse is the gateway's acknowledgement.
type PaymentResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("gateway api error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
}

// InitiatePayment asks the gateway to start a payment and returns its reference.
func (c *Client) InitiatePayment(ctx context.Context, payload PaymentRequest) (*PaymentResponse, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is not configured")
	}
	if payload.CallbackURL == "" {
		payload.CallbackURL = c.CallbackURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, errResp)
		if resp.StatusCode == http.StatusPaymentRequired || strings.EqualFold(errResp.Code, "INSUFFICIENT_FUNDS") {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientFunds, errResp.Message)
		}
		return nil, errResp
	}

	var out PaymentResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %w", err)
	}
	if strings.TrimSpace(out.TransactionID) == "" {
		return nil, fmt.Errorf("gateway response carried no transaction id")
	}
	return &out, nil
}
