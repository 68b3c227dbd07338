/**
 * @description
 * This package provides a client for the on-demand gift card issuing API.
 * It encapsulates authenticated HTTP requests, request body construction,
 * and parsing of both success and error responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package giftcardclient

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

// Client is a client for the gift card issuing API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new issuing API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IssueCardRequest is the payload for issuing one card.
type IssueCardRequest struct {
	BrandCode string `json:"brand_code"`
	// Amount is in cents.
	Amount int64 `json:"amount"`
	// Currency defaults to USD when empty.
	Currency string `json:"currency"`
	// Reference is our idempotency key for the issue call.
	Reference string `json:"external_reference"`
	Provider  string `json:"provider,omitempty"`
}

// IssuedCard is the card returned by the issuing API.
type IssuedCard struct {
	ID         string `json:"id"`
	CardCode   string `json:"card_code"`
	CardNumber string `json:"card_number,omitempty"`
	PIN        string `json:"pin,omitempty"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
}

type issueCardResponse struct {
	Data IssuedCard `json:"data"`
}

// ErrorResponse represents a structured error from the issuing API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("gift card api error (status %d): %s %s", e.StatusCode, e.Code, e.Message)
}

// IssueCard synchronously issues a card. Any non-2xx or transport failure is returned as an error.
func (c *Client) IssueCard(ctx context.Context, in IssueCardRequest) (*IssuedCard, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("gift card api base url is empty")
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issue request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/cards", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create issue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", in.Reference)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute issue request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read issue response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=giftcard_client op=issue status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, errResp
		}
		log.Printf("level=warn component=giftcard_client op=issue status=%d code=%q message=%q", resp.StatusCode, errResp.Code, errResp.Message)
		return nil, errResp
	}

	var success issueCardResponse
	if err := json.Unmarshal(bodyBytes, &success); err != nil {
		return nil, fmt.Errorf("failed to decode issue response: %w", err)
	}
	if strings.TrimSpace(success.Data.CardCode) == "" {
		return nil, fmt.Errorf("issue response missing card code")
	}

	return &success.Data, nil
}
