package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/google/uuid"
)

func TestBuildRequest(t *testing.T) {
	recipient, campaign := uuid.NewString(), uuid.NewString()

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "call completed", args: []string{recipient, campaign, "call_completed"}},
		{name: "crm event with name", args: []string{recipient, campaign, "CRM_EVENT", "deal_closed"}},
		{name: "bad recipient", args: []string{"nope", campaign, "call_completed"}, wantErr: true},
		{name: "bad campaign", args: []string{recipient, "nope", "call_completed"}, wantErr: true},
		{name: "unsupported type", args: []string{recipient, campaign, "call_status"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := buildRequest(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.RecipientID.String() != recipient || req.EventType != strings.ToLower(tt.args[2]) {
				t.Fatalf("unexpected request: %+v", req)
			}
			if len(tt.args) == 4 && req.EventName != tt.args[3] {
				t.Fatalf("expected event name %q, got %q", tt.args[3], req.EventName)
			}
		})
	}
}

func TestReplayEvent(t *testing.T) {
	var gotKey string
	var gotReq app.EvaluateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/conditions/evaluate" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get(internalAPIKeyHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(app.EvaluationResult{ConditionTriggered: true, ConditionNumber: 1, Reason: app.ReasonTriggered})
	}))
	defer server.Close()

	req, _ := buildRequest([]string{uuid.NewString(), uuid.NewString(), "call_completed"})
	result, err := replayEvent(context.Background(), server.Client(), server.URL+"/", "secret", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ConditionTriggered || result.ConditionNumber != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotKey != "secret" || gotReq.RecipientID != req.RecipientID {
		t.Fatalf("request not forwarded: key=%q req=%+v", gotKey, gotReq)
	}
}

func TestReplayEventSurfacesServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"success":false,"error":"insufficient credit","code":"OVERDRAFT"}`))
	}))
	defer server.Close()

	req, _ := buildRequest([]string{uuid.NewString(), uuid.NewString(), "crm_event"})
	_, err := replayEvent(context.Background(), server.Client(), server.URL, "secret", req)
	if err == nil || !strings.Contains(err.Error(), "OVERDRAFT") {
		t.Fatalf("expected OVERDRAFT error, got %v", err)
	}
}
