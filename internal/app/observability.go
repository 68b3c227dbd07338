package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Phillboard/mobul-sub001/internal/app")

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// raiseAlert persists an operational alert. Failures are logged and swallowed.
func raiseAlert(ctx context.Context, repo store.Repository, severity, category, message string, fields map[string]interface{}) {
	payload, err := json.Marshal(fields)
	if err != nil {
		payload = []byte(`{}`)
	}
	alert := &domain.OperationalAlert{
		Severity: severity,
		Category: category,
		Message:  message,
		Context:  payload,
	}
	if err := repo.InsertOperationalAlert(ctx, alert); err != nil {
		log.Printf("level=error component=alerts msg=\"failed to persist alert\" category=%s alert_message=%q err=%v", category, message, err)
		return
	}
	log.Printf("level=warn component=alerts msg=\"operational alert raised\" severity=%s category=%s alert_message=%q", severity, category, message)
}

// notify publishes to downstream notifiers. Failures are logged and swallowed.
func notify(ctx context.Context, publisher rabbitmq.Publisher, routingKey string, event rabbitmq.RewardEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishRewardEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=notifier msg=\"failed to publish reward event\" routing_key=%s recipient_id=%s err=%v", routingKey, event.RecipientID, err)
	}
}
