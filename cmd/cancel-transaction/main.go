/**
 * @description
 * Operator script to cancel a stuck PENDING transaction through the lifecycle
 * service's internal API. It shows the current record and asks for confirmation
 * before cancelling.
 *
 * Usage:
 *   go run ./cmd/cancel-transaction <transaction-id> [reason]
 *
 * @dependencies
 * - Environment variables: LIFECYCLE_SERVICE_URL, INTERNAL_API_KEY
 */

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/transfa/lifecycle-service/internal/domain"
)

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type serviceClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Println("Usage: go run ./cmd/cancel-transaction <transaction-id> [reason]")
		os.Exit(1)
	}

	id, err := uuid.Parse(os.Args[1])
	if err != nil {
		log.Fatalf("invalid transaction id %q: %v", os.Args[1], err)
	}
	reason := "cancelled by operator"
	if len(os.Args) == 3 {
		reason = os.Args[2]
	}

	_ = godotenv.Load()

	baseURL := strings.TrimRight(os.Getenv("LIFECYCLE_SERVICE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default service URL:", baseURL)
	}
	client := &serviceClient{
		baseURL:    baseURL,
		apiKey:     os.Getenv("INTERNAL_API_KEY"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := client.do(ctx, http.MethodGet, "/transactions/"+id.String(), nil)
	if err != nil {
		log.Fatalf("Failed to fetch transaction: %v", err)
	}

	fmt.Printf("Transaction:\n")
	fmt.Printf("  ID: %s\n", tx.ID)
	fmt.Printf("  External ID: %s\n", tx.ExternalID)
	fmt.Printf("  Type: %s\n", tx.Type)
	fmt.Printf("  Amount: %s\n", tx.Amount.StringFixed(2))
	fmt.Printf("  Status: %s\n", tx.Status)
	fmt.Printf("  Expires: %s\n", tx.ExpiredAt.Format(time.RFC3339))

	if tx.Status != domain.TransactionPending {
		fmt.Println("Only PENDING transactions can be cancelled.")
		os.Exit(1)
	}

	fmt.Printf("\nCancel this transaction? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Nothing changed.")
		return
	}

	body, _ := json.Marshal(map[string]string{"reason": reason})
	cancelled, err := client.do(ctx, http.MethodPost, "/transactions/"+id.String()+"/cancel", body)
	if err != nil {
		log.Fatalf("Failed to cancel transaction: %v", err)
	}
	fmt.Printf("Transaction %s is now %s\n", cancelled.ID, cancelled.Status)
}

func (c *serviceClient) do(ctx context.Context, method, path string, body []byte) (*domain.Transaction, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Code != "" {
			return nil, fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode, string(raw))
	}

	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &tx, nil
}
