/**
 * @description
 * This package provides a client for the SMS gateway used to deliver redemption codes.
 * It sends form-encoded message requests with basic auth and polls message status
 * for delivery reconciliation.
 */
package smsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the SMS gateway.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	httpClient *http.Client
}

// NewClient creates a new SMS gateway client.
func NewClient(baseURL, accountSID, authToken, fromNumber string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		fromNumber: strings.TrimSpace(fromNumber),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Message is the gateway's view of a sent message.
type Message struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// APIError is returned for non-2xx gateway responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sms gateway returned status %d: %s", e.StatusCode, e.Body)
}

// SendMessage sends one SMS and returns the provider message.
func (c *Client) SendMessage(ctx context.Context, to, body string) (*Message, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("sms gateway base url is empty")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	return c.do(req)
}

// GetMessage fetches the current status of a message.
func (c *Client) GetMessage(ctx context.Context, messageSID string) (*Message, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("sms gateway base url is empty")
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages/%s.json", c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(messageSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Message, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to sms gateway: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sms gateway response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	var msg Message
	if err := json.Unmarshal(bodyBytes, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode sms gateway response: %w", err)
	}
	return &msg, nil
}
