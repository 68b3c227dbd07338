package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/normalizer"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidSignature is returned only when strict signature checking is enabled.
var ErrInvalidSignature = &domain.Error{Kind: domain.KindValidation, Code: "INVALID_SIGNATURE", Message: "invalid webhook signature"}

// SecretLookup returns the signing secret for a provider.
type SecretLookup func(provider string) string

// InboundEvent is one raw webhook or queue delivery.
type InboundEvent struct {
	Provider    string
	Body        []byte
	Headers     http.Header
	ContentType string
	// CampaignID overrides the campaign carried in the payload.
	CampaignID *uuid.UUID
	// Trusted skips signature checks for deliveries from internal queues.
	Trusted bool
}

// ProcessResult is the webhook response body.
type ProcessResult struct {
	EventID            uuid.UUID         `json:"event_id"`
	Matched            bool              `json:"matched"`
	ConditionTriggered bool              `json:"condition_triggered"`
	Processed          bool              `json:"processed"`
	Evaluation         *EvaluationResult `json:"evaluation,omitempty"`
}

// Pipeline runs normalize, match, record, evaluate and stamp for one inbound event.
type Pipeline struct {
	repo             store.Repository
	registry         *normalizer.Registry
	matcher          *Matcher
	evaluator        *Evaluator
	secrets          SecretLookup
	strictSignatures bool
}

func NewPipeline(repo store.Repository, registry *normalizer.Registry, matcher *Matcher, evaluator *Evaluator, secrets SecretLookup, strictSignatures bool) *Pipeline {
	if secrets == nil {
		secrets = func(string) string { return "" }
	}
	return &Pipeline{
		repo:             repo,
		registry:         registry,
		matcher:          matcher,
		evaluator:        evaluator,
		secrets:          secrets,
		strictSignatures: strictSignatures,
	}
}

// ProcessEvent returns a result whenever the event row was written. An evaluation error
// is returned alongside that result so callers can map it.
func (p *Pipeline) ProcessEvent(ctx context.Context, in InboundEvent) (result *ProcessResult, err error) {
	ctx, span := tracer.Start(ctx, "Pipeline.ProcessEvent")
	span.SetAttributes(attribute.String("webhook.provider", in.Provider))
	defer func() { endSpan(span, err) }()

	provider := p.registry.Lookup(in.Provider)

	signatureValid := true
	if !in.Trusted {
		signatureValid = provider.VerifySignature(in.Body, in.Headers, p.secrets(provider.Name()))
		if !signatureValid {
			log.Printf("level=warn component=pipeline msg=\"webhook signature invalid\" provider=%s strict=%t", provider.Name(), p.strictSignatures)
			if p.strictSignatures {
				return nil, ErrInvalidSignature
			}
		}
	}

	event, err := provider.ParseEvent(in.Body, in.ContentType)
	if err != nil {
		return nil, err
	}
	if in.CampaignID != nil {
		event.CampaignID = in.CampaignID
	}
	if event.CampaignID == nil {
		return nil, domain.NewValidationError("campaign_id is required")
	}

	record := &domain.RewardEvent{
		CampaignID:     event.CampaignID,
		Provider:       provider.Name(),
		EventType:      event.EventType,
		EventName:      event.EventName,
		RawPayload:     event.RawData,
		SignatureValid: signatureValid,
	}

	recipient, matchErr := p.matcher.Match(ctx, event.Identity, *event.CampaignID)
	if matchErr != nil && !errors.Is(matchErr, store.ErrRecipientNotFound) {
		return nil, fmt.Errorf("match recipient: %w", matchErr)
	}
	if recipient != nil {
		record.RecipientID = &recipient.ID
		record.Matched = true
	}

	if err := p.repo.CreateRewardEvent(ctx, record); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	result = &ProcessResult{EventID: record.ID, Matched: record.Matched}

	if recipient == nil {
		log.Printf("level=info component=pipeline msg=\"event unmatched\" event_id=%s provider=%s campaign_id=%s", record.ID, provider.Name(), event.CampaignID)
		p.stamp(ctx, result, false)
		return result, nil
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	evaluation, evalErr := p.evaluator.EvaluateConditions(ctx, EvaluateRequest{
		RecipientID: recipient.ID,
		CampaignID:  *event.CampaignID,
		EventType:   event.EventType,
		EventName:   event.EventName,
		Metadata:    metadata,
	})
	result.Evaluation = evaluation
	triggered := evaluation != nil && evaluation.ConditionTriggered
	p.stamp(ctx, result, triggered)

	if evalErr != nil {
		log.Printf("level=warn component=pipeline msg=\"evaluation failed\" event_id=%s recipient_id=%s err=%v", record.ID, recipient.ID, evalErr)
		return result, evalErr
	}
	return result, nil
}

func (p *Pipeline) stamp(ctx context.Context, result *ProcessResult, triggered bool) {
	result.ConditionTriggered = triggered
	if err := p.repo.MarkRewardEventProcessed(ctx, result.EventID, triggered); err != nil {
		log.Printf("level=error component=pipeline msg=\"failed to stamp event processed\" event_id=%s err=%v", result.EventID, err)
		return
	}
	result.Processed = true
}
