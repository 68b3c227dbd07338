package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/normalizer"
	"github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
)

// CallDispositionConsumer feeds call dispositions from the call-center queue into the
// telephony pipeline.
type CallDispositionConsumer struct {
	pipeline *Pipeline
	timeout  time.Duration
}

func NewCallDispositionConsumer(pipeline *Pipeline) *CallDispositionConsumer {
	return &CallDispositionConsumer{pipeline: pipeline, timeout: 30 * time.Second}
}

// HandleMessage retries only infrastructure failures. Business outcomes (overdraft, exhausted
// sources, unknown campaign) are acknowledged; a failed fulfillment is picked up again by the
// scheduler's stalled-condition retry. Malformed payloads are dead-lettered.
func (c *CallDispositionConsumer) HandleMessage(ctx context.Context, body []byte) rabbitmq.Outcome {
	if !json.Valid(body) {
		log.Printf("level=warn component=call_disposition_consumer msg=\"malformed payload\" bytes=%d", len(body))
		return rabbitmq.DeadLetter
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.pipeline.ProcessEvent(ctx, InboundEvent{
		Provider:    normalizer.ProviderTelephony,
		Body:        body,
		ContentType: "application/json",
		Trusted:     true,
	})
	if err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindInternal {
			log.Printf("level=error component=call_disposition_consumer msg=\"processing error; retrying\" err=%v", err)
			return rabbitmq.Retry
		}
		log.Printf("level=warn component=call_disposition_consumer msg=\"event not rewarded\" kind=%s err=%v", kind, err)
		return rabbitmq.Ack
	}

	log.Printf("level=info component=call_disposition_consumer msg=\"call disposition processed\" event_id=%s matched=%t triggered=%t", result.EventID, result.Matched, result.ConditionTriggered)
	return rabbitmq.Ack
}
