/**
 * @description
 * Operator script that replays an event for one recipient through the reward service's
 * internal evaluate endpoint. Use it when a provider webhook was lost or a condition
 * should be retried after its credit account was topped up.
 *
 * Usage:
 *   go run ./cmd/replay-event <recipient-id> <campaign-id> <event-type> [event-name]
 *
 * Example:
 *   go run ./cmd/replay-event 9b1c...e2 4f0a...77 call_completed
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads REWARD_SERVICE_URL and INTERNAL_API_KEY from .env files.
 * - Environment variables: INTERNAL_API_KEY, REWARD_SERVICE_URL
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

	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const internalAPIKeyHeader = "X-Internal-API-Key"

var replayableEventTypes = map[string]bool{
	domain.EventTypeCallCompleted:      true,
	domain.EventTypeCRMEvent:           true,
	domain.EventTypeTimeDelayedTrigger: true,
}

// apiError mirrors the error body the reward service writes.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func main() {
	if len(os.Args) < 4 || len(os.Args) > 5 {
		fmt.Println("Usage: go run ./cmd/replay-event <recipient-id> <campaign-id> <event-type> [event-name]")
		fmt.Println("Event types: call_completed, crm_event, time_delayed_trigger")
		os.Exit(1)
	}

	req, err := buildRequest(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	_ = godotenv.Load("../.env", ".env")

	apiKey := os.Getenv("INTERNAL_API_KEY")
	baseURL := os.Getenv("REWARD_SERVICE_URL")
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default local URL:", baseURL)
	}

	fmt.Printf("Replay details:\n")
	fmt.Printf("  Recipient: %s\n", req.RecipientID)
	fmt.Printf("  Campaign:  %s\n", req.CampaignID)
	fmt.Printf("  Event:     %s %s\n", req.EventType, req.EventName)

	fmt.Printf("\nThis may debit credit and send an SMS. Continue? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Replay cancelled.")
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := replayEvent(ctx, &http.Client{Timeout: 45 * time.Second}, baseURL, apiKey, req)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	if result.ConditionTriggered {
		fmt.Printf("Condition %d triggered.\n", result.ConditionNumber)
		return
	}
	fmt.Printf("No condition triggered (reason: %s).\n", result.Reason)
}

// buildRequest validates positional arguments into an evaluation request.
func buildRequest(args []string) (app.EvaluateRequest, error) {
	recipientID, err := uuid.Parse(strings.TrimSpace(args[0]))
	if err != nil {
		return app.EvaluateRequest{}, fmt.Errorf("recipient id must be a UUID: %w", err)
	}
	campaignID, err := uuid.Parse(strings.TrimSpace(args[1]))
	if err != nil {
		return app.EvaluateRequest{}, fmt.Errorf("campaign id must be a UUID: %w", err)
	}
	eventType := strings.ToLower(strings.TrimSpace(args[2]))
	if !replayableEventTypes[eventType] {
		return app.EvaluateRequest{}, fmt.Errorf("unsupported event type %q", eventType)
	}

	req := app.EvaluateRequest{
		RecipientID: recipientID,
		CampaignID:  campaignID,
		EventType:   eventType,
		Metadata:    map[string]interface{}{"source": "replay-event"},
	}
	if len(args) == 4 {
		req.EventName = strings.TrimSpace(args[3])
	}
	return req, nil
}

// replayEvent posts the request to /internal/conditions/evaluate.
func replayEvent(ctx context.Context, client *http.Client, baseURL, apiKey string, in app.EvaluateRequest) (*app.EvaluationResult, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/internal/conditions/evaluate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalAPIKeyHeader, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
			return nil, fmt.Errorf("reward service error: %s - %s", apiErr.Code, apiErr.Error)
		}
		return nil, fmt.Errorf("reward service error with status %d: %s", resp.StatusCode, string(body))
	}

	var result app.EvaluationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}
