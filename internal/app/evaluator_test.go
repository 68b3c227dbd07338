package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
)

func callCompleted(f *fixture, disposition string) EvaluateRequest {
	return EvaluateRequest{
		RecipientID: f.recipient.ID,
		CampaignID:  f.campaignID,
		EventType:   domain.EventTypeCallCompleted,
		Metadata:    map[string]interface{}{"disposition": disposition},
	}
}

func TestEvaluateConditionsCallThenTimeDelayedSweep(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	f.addCondition(2, domain.TriggerTimeDelayed, "", 24)
	svc := newServices(f)
	ctx := context.Background()

	first, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "Interested"))
	if err != nil {
		t.Fatalf("expected condition 1 to fire, got %v", err)
	}
	if !first.ConditionTriggered || first.ConditionNumber != 1 {
		t.Fatalf("expected condition 1 triggered, got %+v", first)
	}
	if first.Fulfillment.Source != domain.SourceInventory {
		t.Fatalf("expected inventory source, got %s", first.Fulfillment.Source)
	}
	if got := f.repo.poolAvailable(f.poolID); got != 2 {
		t.Fatalf("expected 2 cards left, got %d", got)
	}
	if got := f.repo.balance(f.accountID); got != 7500 {
		t.Fatalf("expected balance 7500, got %d", got)
	}
	if first.Delivery == nil || first.Delivery.Status != domain.DeliverySent {
		t.Fatalf("expected sent delivery, got %+v", first.Delivery)
	}

	// The sweep before the delay has elapsed does nothing.
	early, err := svc.evaluator.EvaluateConditions(ctx, EvaluateRequest{
		RecipientID: f.recipient.ID, CampaignID: f.campaignID, EventType: domain.EventTypeTimeDelayedTrigger,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if early.ConditionTriggered || early.Reason != ReasonNoMatchingCondition {
		t.Fatalf("expected no match before delay, got %+v", early)
	}

	svc.evaluator.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	second, err := svc.evaluator.EvaluateConditions(ctx, EvaluateRequest{
		RecipientID: f.recipient.ID, CampaignID: f.campaignID, EventType: domain.EventTypeTimeDelayedTrigger,
	})
	if err != nil {
		t.Fatalf("expected condition 2 to fire, got %v", err)
	}
	if !second.ConditionTriggered || second.ConditionNumber != 2 {
		t.Fatalf("expected condition 2 triggered, got %+v", second)
	}

	if got := f.repo.redemptionCount(); got != 2 {
		t.Fatalf("expected 2 redemptions, got %d", got)
	}
	if got := f.repo.balance(f.accountID); got != 5000 {
		t.Fatalf("expected balance 5000, got %d", got)
	}
	if got := f.repo.poolAvailable(f.poolID); got != 1 {
		t.Fatalf("expected 1 card left, got %d", got)
	}
	if got := svc.publisher.count(rabbitmq.RoutingRewardProvisioned); got != 2 {
		t.Fatalf("expected 2 provisioned notifications, got %d", got)
	}
	if len(svc.sms.sent) != 2 {
		t.Fatalf("expected 2 sms sends, got %d", len(svc.sms.sent))
	}
}

func TestEvaluateConditionsExhaustedSourcesLeaveConditionRetryable(t *testing.T) {
	f := newFixture(10000, 0)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	f.addAPIPool()
	svc := newServices(f)
	svc.issuer.err = errors.New("provider unavailable")

	result, err := svc.evaluator.EvaluateConditions(context.Background(), callCompleted(f, "interested"))
	if !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("expected provisioning exhausted, got %v", err)
	}
	if result == nil || result.ConditionTriggered || result.Reason != ReasonProvisioningFailed {
		t.Fatalf("expected provisioning_failed result, got %+v", result)
	}
	if svc.issuer.calls != 1 {
		t.Fatalf("expected one API attempt, got %d", svc.issuer.calls)
	}
	if got := f.repo.alertsIn(domain.AlertCategoryProvisioning); got != 1 {
		t.Fatalf("expected 1 provisioning alert, got %d", got)
	}

	status := f.repo.status(f.recipient.ID, f.campaignID, 1)
	if status == nil || !status.IsMet || status.TriggeredAt != nil {
		t.Fatalf("expected is_met with null triggered_at, got %+v", status)
	}
	if status.ProvisioningStartedAt != nil || status.LastError == nil {
		t.Fatalf("expected released lease with last error, got %+v", status)
	}
	if got := f.repo.balance(f.accountID); got != 10000 {
		t.Fatalf("expected refunded balance 10000, got %d", got)
	}
	if got := svc.publisher.count(rabbitmq.RoutingRewardProvisioningFailed); got != 1 {
		t.Fatalf("expected provisioning failed notification, got %d", got)
	}
}

func TestEvaluateConditionsRetryAfterFailureTriggersOnce(t *testing.T) {
	f := newFixture(10000, 0)
	f.addCondition(1, domain.TriggerCallCompleted, "", 0)
	f.addAPIPool()
	svc := newServices(f)
	svc.issuer.err = errors.New("timeout")
	ctx := context.Background()

	if _, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "sale")); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	svc.issuer.err = nil
	result, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "sale"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !result.ConditionTriggered || result.Fulfillment.Source != domain.SourceAPI {
		t.Fatalf("expected API-sourced trigger, got %+v", result)
	}
	firstStamp := f.repo.status(f.recipient.ID, f.campaignID, 1).TriggeredAt
	if firstStamp == nil {
		t.Fatal("expected triggered_at to be set")
	}

	again, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "sale"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ConditionTriggered {
		t.Fatalf("expected no second trigger, got %+v", again)
	}

	status := f.repo.status(f.recipient.ID, f.campaignID, 1)
	if !status.TriggeredAt.Equal(*firstStamp) {
		t.Fatalf("triggered_at changed from %v to %v", firstStamp, status.TriggeredAt)
	}
	if status.Attempts != 2 {
		t.Fatalf("expected 2 attempts on a single status row, got %d", status.Attempts)
	}
	if got := f.repo.redemptionCount(); got != 1 {
		t.Fatalf("expected 1 redemption, got %d", got)
	}
	if got := f.repo.balance(f.accountID); got != 7500 {
		t.Fatalf("expected balance 7500, got %d", got)
	}
}

func TestEvaluateConditionsConcurrentDuplicateEventsProvisionOnce(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	svc := newServices(f)

	const workers = 8
	var wg sync.WaitGroup
	triggered := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.evaluator.EvaluateConditions(context.Background(), callCompleted(f, "interested"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			triggered <- result.ConditionTriggered
		}()
	}
	wg.Wait()
	close(triggered)

	count := 0
	for ok := range triggered {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one trigger, got %d", count)
	}
	if got := f.repo.redemptionCount(); got != 1 {
		t.Fatalf("expected 1 redemption, got %d", got)
	}
	if got := f.repo.poolAvailable(f.poolID); got != 2 {
		t.Fatalf("expected 2 cards left, got %d", got)
	}
}

func TestEvaluateConditionsRequiresOptInForCallEvents(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCallCompleted, "", 0)
	f.recipient.SMSOptInStatus = domain.OptInPending
	svc := newServices(f)

	result, err := svc.evaluator.EvaluateConditions(context.Background(), callCompleted(f, "interested"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != ReasonOptInRequired {
		t.Fatalf("expected opt_in_required, got %+v", result)
	}
	if f.repo.status(f.recipient.ID, f.campaignID, 1) != nil {
		t.Fatal("expected no status row while opt-in is pending")
	}
	if got := f.repo.alertsIn(domain.AlertCategoryOptIn); got != 1 {
		t.Fatalf("expected opt-in alert, got %d", got)
	}
}

func TestEvaluateConditionsHonorsPrerequisiteOrder(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	f.addCondition(2, domain.TriggerCRMEvent, "deal_closed", 0)
	svc := newServices(f)
	ctx := context.Background()

	crm := EvaluateRequest{RecipientID: f.recipient.ID, CampaignID: f.campaignID, EventType: domain.EventTypeCRMEvent, EventName: "deal_closed"}
	result, err := svc.evaluator.EvaluateConditions(ctx, crm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConditionTriggered {
		t.Fatalf("condition 2 fired before condition 1: %+v", result)
	}
	if f.repo.status(f.recipient.ID, f.campaignID, 2) != nil {
		t.Fatal("condition 2 status created before condition 1 was met")
	}

	// The store refuses an out-of-order unlock even when called directly.
	if _, err := f.repo.MarkConditionMet(ctx, f.recipient.ID, f.campaignID, 2); err == nil {
		t.Fatal("expected prerequisite error")
	}

	if _, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "interested")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err = svc.evaluator.EvaluateConditions(ctx, crm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ConditionTriggered || result.ConditionNumber != 2 {
		t.Fatalf("expected condition 2 triggered after condition 1, got %+v", result)
	}
}

func TestEvaluateConditionsRepairsMissingTriggerStamp(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCRMEvent, "", 0)
	svc := newServices(f)
	ctx := context.Background()

	if _, err := f.repo.MarkConditionMet(ctx, f.recipient.ID, f.campaignID, 1); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	number := 1
	if err := f.repo.CreateProvisionedRedemption(ctx, &domain.GiftCardRedemption{
		CampaignID: f.campaignID, RecipientID: f.recipient.ID, ConditionNumber: &number, RedemptionCode: "MAIL-1234",
	}); err != nil {
		t.Fatalf("seed redemption: %v", err)
	}

	result, err := svc.evaluator.EvaluateConditions(ctx, EvaluateRequest{
		RecipientID: f.recipient.ID, CampaignID: f.campaignID, EventType: domain.EventTypeCRMEvent, EventName: "form_submitted",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ConditionTriggered {
		t.Fatalf("expected repaired trigger, got %+v", result)
	}
	if got := f.repo.balance(f.accountID); got != 10000 {
		t.Fatalf("expected no debit during repair, got balance %d", got)
	}
	if f.repo.status(f.recipient.ID, f.campaignID, 1).TriggeredAt == nil {
		t.Fatal("expected triggered_at to be stamped")
	}
	if len(svc.sms.sent) != 1 || result.Delivery == nil || result.Delivery.Status != domain.DeliverySent {
		t.Fatalf("expected the code to be sent during repair, sms=%d delivery=%+v", len(svc.sms.sent), result.Delivery)
	}

	validated, err := svc.redemptions.ValidateCode(ctx, ValidateCodeRequest{Code: "MAIL-1234", CampaignID: f.campaignID})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validated.Valid || validated.Status != domain.RedemptionViewed {
		t.Fatalf("expected repaired reward to be viewable, got %+v", validated)
	}
}

func TestEvaluateConditionsRepairDoesNotResendDeliveredCode(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCRMEvent, "", 0)
	svc := newServices(f)
	ctx := context.Background()

	if _, err := f.repo.MarkConditionMet(ctx, f.recipient.ID, f.campaignID, 1); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	number := 1
	red := &domain.GiftCardRedemption{CampaignID: f.campaignID, RecipientID: f.recipient.ID, ConditionNumber: &number, RedemptionCode: "MAIL-1234"}
	if err := f.repo.CreateProvisionedRedemption(ctx, red); err != nil {
		t.Fatalf("seed redemption: %v", err)
	}
	if err := f.repo.CreateDelivery(ctx, &domain.Delivery{
		CampaignID: f.campaignID, RecipientID: f.recipient.ID, RedemptionID: &red.ID,
		Channel: domain.DeliveryChannelSMS, Destination: "5550102030", Status: domain.DeliveryDelivered,
	}); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	result, err := svc.evaluator.EvaluateConditions(ctx, EvaluateRequest{
		RecipientID: f.recipient.ID, CampaignID: f.campaignID, EventType: domain.EventTypeCRMEvent, EventName: "form_submitted",
	})
	if err != nil || !result.ConditionTriggered {
		t.Fatalf("expected repaired trigger, got %+v %v", result, err)
	}
	if len(svc.sms.sent) != 0 || result.Delivery != nil {
		t.Fatalf("expected no second send, sms=%d delivery=%+v", len(svc.sms.sent), result.Delivery)
	}
}

func TestRetryConditionAfterExhaustedSources(t *testing.T) {
	f := newFixture(10000, 0)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	f.addAPIPool()
	svc := newServices(f)
	svc.issuer.err = errors.New("provider unavailable")
	ctx := context.Background()

	if _, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "interested")); !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("expected provisioning exhausted, got %v", err)
	}

	stalled, err := f.repo.FindStalledConditions(ctx, time.Now(), 5*time.Minute, 10, 100)
	if err != nil {
		t.Fatalf("find stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ConditionNumber != 1 || stalled[0].Attempts != 1 || stalled[0].LastError == nil {
		t.Fatalf("expected the failed call condition to be stalled, got %+v", stalled)
	}

	svc.issuer.err = nil
	result, err := svc.evaluator.RetryCondition(ctx, f.recipient.ID, f.campaignID, 1)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !result.ConditionTriggered || result.Fulfillment.Source != domain.SourceAPI {
		t.Fatalf("expected retry to trigger from the api pool, got %+v", result)
	}
	if len(svc.sms.sent) != 1 {
		t.Fatalf("expected one sms after retry, got %d", len(svc.sms.sent))
	}
	if got := f.repo.balance(f.accountID); got != 7500 {
		t.Fatalf("expected a single debit, got balance %d", got)
	}

	if stalled, _ := f.repo.FindStalledConditions(ctx, time.Now(), 5*time.Minute, 10, 100); len(stalled) != 0 {
		t.Fatalf("expected nothing stalled after retry, got %+v", stalled)
	}
	again, err := svc.evaluator.RetryCondition(ctx, f.recipient.ID, f.campaignID, 1)
	if err != nil || again.ConditionTriggered {
		t.Fatalf("expected retry of a triggered condition to do nothing, got %+v %v", again, err)
	}
	if got := f.repo.balance(f.accountID); got != 7500 {
		t.Fatalf("expected no second debit, got balance %d", got)
	}
}

func TestRetryConditionSkipsConditionsNotYetMet(t *testing.T) {
	f := newFixture(10000, 3)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	svc := newServices(f)

	result, err := svc.evaluator.RetryCondition(context.Background(), f.recipient.ID, f.campaignID, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConditionTriggered || result.Reason != ReasonNoMatchingCondition {
		t.Fatalf("expected no trigger for an unmet condition, got %+v", result)
	}
	if f.repo.debitCalls != 0 {
		t.Fatalf("expected no debit, got %d", f.repo.debitCalls)
	}
}

func TestFailedTimeDelayedConditionMovesToStalledRetry(t *testing.T) {
	f := newFixture(10000, 1)
	f.addCondition(1, domain.TriggerCallCompleted, "interested", 0)
	f.addCondition(2, domain.TriggerTimeDelayed, "", 24)
	f.addAPIPool()
	svc := newServices(f)
	svc.issuer.err = errors.New("provider unavailable")
	ctx := context.Background()

	if _, err := svc.evaluator.EvaluateConditions(ctx, callCompleted(f, "interested")); err != nil {
		t.Fatalf("condition 1: %v", err)
	}

	later := time.Now().Add(25 * time.Hour)
	svc.evaluator.now = func() time.Time { return later }
	due, err := f.repo.FindDueTimeDelayedConditions(ctx, later, 100)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected condition 2 due, got %+v %v", due, err)
	}
	if _, err := svc.evaluator.EvaluateConditions(ctx, EvaluateRequest{
		RecipientID: f.recipient.ID, CampaignID: f.campaignID, EventType: domain.EventTypeTimeDelayedTrigger,
	}); !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("expected condition 2 to fail, got %v", err)
	}

	// A met row leaves the due sweep so it cannot crowd out rows that are still waiting.
	if due, _ := f.repo.FindDueTimeDelayedConditions(ctx, later, 100); len(due) != 0 {
		t.Fatalf("expected failed row to leave the due sweep, got %+v", due)
	}
	stalled, _ := f.repo.FindStalledConditions(ctx, later, 5*time.Minute, 10, 100)
	if len(stalled) != 1 || stalled[0].ConditionNumber != 2 {
		t.Fatalf("expected condition 2 stalled, got %+v", stalled)
	}

	svc.issuer.err = nil
	result, err := svc.evaluator.RetryCondition(ctx, f.recipient.ID, f.campaignID, 2)
	if err != nil || !result.ConditionTriggered || result.ConditionNumber != 2 {
		t.Fatalf("expected condition 2 triggered on retry, got %+v %v", result, err)
	}
}
