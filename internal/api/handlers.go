/**
 * @description
 * HTTP handlers for the redemption page, the internal fulfillment routes and the admin
 * review routes. Handlers decode requests, call the app layer and map typed domain
 * errors to status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain: For service logic, models and error kinds.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

// Handlers holds the app services behind the non-webhook routes.
type Handlers struct {
	evaluator     *app.Evaluator
	fulfillment   *app.Fulfillment
	redemptions   *app.RedemptionManager
	limiter       app.RateLimiter
	validateLimit int
}

func NewHandlers(evaluator *app.Evaluator, fulfillment *app.Fulfillment, redemptions *app.RedemptionManager, limiter app.RateLimiter, validateLimitPerMinute int) *Handlers {
	return &Handlers{
		evaluator:     evaluator,
		fulfillment:   fulfillment,
		redemptions:   redemptions,
		limiter:       limiter,
		validateLimit: validateLimitPerMinute,
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// ValidateCodeHandler is the public code lookup. Attempts are limited per client IP, which
// slows code guessing, and per code, which stops one code being hammered from many hosts.
func (h *Handlers) ValidateCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req app.ValidateCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.IP = clientIP(r)
	req.UserAgent = r.UserAgent()

	if !h.allowValidate(w, r, "validate_code_ip", req.IP) || !h.allowValidate(w, r, "validate_code", req.Code) {
		return
	}

	result, err := h.redemptions.ValidateCode(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// allowValidate writes a 429 and returns false once the subject is over the limit.
func (h *Handlers) allowValidate(w http.ResponseWriter, r *http.Request, scope string, subject ...string) bool {
	if h.limiter == nil || h.validateLimit <= 0 {
		return true
	}
	decision, err := h.limiter.Allow(r.Context(), scope, subject, h.validateLimit, time.Minute)
	if err != nil {
		// The limiter is best effort; an unreachable Redis does not block redemptions.
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if decision.Allowed {
		return true
	}
	log.Printf("level=warn component=api msg=\"validate-code rate limited\" scope=%s attempts=%d", scope, decision.Attempts)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many attempts. Please try again later.", Code: "RATE_LIMITED"})
	return false
}

// RedeemHandler marks a viewed redemption as redeemed.
func (h *Handlers) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := uuid.Parse(strings.TrimSpace(req.Token))
	if err != nil {
		writeDomainError(w, domain.NewValidationError("token must be a UUID"))
		return
	}

	redemption, err := h.redemptions.MarkRedeemed(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redemption)
}

// EvaluateConditionsHandler applies an event to a recipient on behalf of an internal caller.
func (h *Handlers) EvaluateConditionsHandler(w http.ResponseWriter, r *http.Request) {
	var req app.EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.evaluator.EvaluateConditions(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ProvisionGiftCardHandler pays for and provisions one card.
func (h *Handlers) ProvisionGiftCardHandler(w http.ResponseWriter, r *http.Request) {
	var req app.ProvisionGiftCardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.fulfillment.ProvisionGiftCard(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApproveRedemptionHandler provisions a pending manual redemption.
func (h *Handlers) ApproveRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := redemptionIDParam(w, r)
	if !ok {
		return
	}
	reviewer, _ := AdminSubject(r.Context())

	result, err := h.redemptions.Approve(r.Context(), id, reviewer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectRedemptionHandler closes a pending manual redemption.
func (h *Handlers) RejectRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := redemptionIDParam(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	reviewer, _ := AdminSubject(r.Context())

	redemption, err := h.redemptions.Reject(r.Context(), id, reviewer, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redemption)
}

func redemptionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, domain.NewValidationError("redemption id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDomainError(w, domain.NewValidationError("invalid request body"))
		return false
	}
	return true
}

// statusForKind maps domain error kinds to HTTP status codes.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound, domain.KindForbidden:
		return http.StatusNotFound
	case domain.KindOverdraft:
		return http.StatusPaymentRequired
	case domain.KindProvisioningExhausted:
		return http.StatusServiceUnavailable
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes a typed error. Forbidden is reported as an unknown code so
// the public page cannot enumerate other tenants' codes.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)

	resp := errorResponse{Error: "internal error", Code: string(domain.KindInternal)}
	var de *domain.Error
	if errors.As(err, &de) && kind != domain.KindInternal {
		resp.Error = de.Message
		resp.Code = de.StableCode()
	}
	if kind == domain.KindForbidden {
		resp.Error = app.ErrCodeNotFound.Message
		resp.Code = app.ErrCodeNotFound.StableCode()
	}
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" status=%d kind=%s err=%v", status, kind, err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
