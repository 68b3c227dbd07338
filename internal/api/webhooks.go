/**
 * @description
 * This file contains the HTTP handler for inbound provider webhooks. It is the entry
 * point for call dispositions and CRM events that can unlock rewards.
 *
 * Key features:
 * - Security: signature checks run in the pipeline; strict mode rejects bad signatures with 401.
 * - Recording: every accepted event is stored before evaluation, matched or not.
 * - Acknowledgement: once the event is recorded the provider gets 200, even if the
 *   reward could not be paid yet. Failed conditions stay retryable on the next event or sweep.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For the provider path parameter.
 * - internal/app: For the event pipeline.
 */
package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// WebhookHandler feeds provider webhooks into the event pipeline.
type WebhookHandler struct {
	pipeline *app.Pipeline
}

func NewWebhookHandler(pipeline *app.Pipeline) *WebhookHandler {
	return &WebhookHandler{pipeline: pipeline}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	requestID := middleware.GetReqID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeDomainError(w, domain.NewValidationError("request body too large or unreadable"))
		return
	}

	in := app.InboundEvent{
		Provider:    provider,
		Body:        body,
		Headers:     r.Header,
		ContentType: r.Header.Get("Content-Type"),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("campaign_id")); raw != "" {
		campaignID, err := uuid.Parse(raw)
		if err != nil {
			writeDomainError(w, domain.NewValidationError("campaign_id must be a UUID"))
			return
		}
		in.CampaignID = &campaignID
	}

	result, err := h.pipeline.ProcessEvent(r.Context(), in)
	if err != nil && result == nil {
		if errors.Is(err, app.ErrInvalidSignature) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature", Code: app.ErrInvalidSignature.Code})
			return
		}
		writeDomainError(w, err)
		return
	}
	if err != nil {
		log.Printf("level=warn component=webhooks msg=\"event recorded but not rewarded\" request_id=%s provider=%s event_id=%s kind=%s err=%v",
			requestID, provider, result.EventID, domain.KindOf(err), err)
	}

	log.Printf("level=info component=webhooks msg=\"webhook processed\" request_id=%s provider=%s event_id=%s matched=%t triggered=%t duration_ms=%d",
		requestID, provider, result.EventID, result.Matched, result.ConditionTriggered, time.Since(startTime).Milliseconds())
	writeJSON(w, http.StatusOK, result)
}
