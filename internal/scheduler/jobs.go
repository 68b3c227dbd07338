/**
 * @description
 * Scheduled job implementations for the reward scheduler. The condition jobs feed the
 * evaluator; delivery reconciliation settles SMS statuses.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/app"
	"github.com/Phillboard/mobul-sub001/internal/config"
	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
)

// Repository defines database operations needed by the jobs.
type Repository interface {
	FindDueTimeDelayedConditions(ctx context.Context, now time.Time, limit int) ([]domain.DueCondition, error)
	FindStalledConditions(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts, limit int) ([]domain.StalledCondition, error)
}

// ConditionEvaluator applies synthetic time-delay events and retries stalled conditions.
// *app.Evaluator satisfies it.
type ConditionEvaluator interface {
	EvaluateConditions(ctx context.Context, req app.EvaluateRequest) (*app.EvaluationResult, error)
	RetryCondition(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (*app.EvaluationResult, error)
}

// DeliveryReconciler settles sent SMS deliveries. *app.Dispatcher satisfies it.
type DeliveryReconciler interface {
	ReconcileDeliveries(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       Repository
	evaluator  ConditionEvaluator
	reconciler DeliveryReconciler
	logger     *slog.Logger
	config     config.Config
	now        func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo Repository, evaluator ConditionEvaluator, reconciler DeliveryReconciler, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:       repo,
		evaluator:  evaluator,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

func (j *Jobs) batchSize() int {
	if j.config.SweepBatchSize > 0 {
		return j.config.SweepBatchSize
	}
	return 100
}

// SweepTimeDelayedConditions fires every time-delayed condition whose delay has elapsed.
// Each due row is evaluated independently; one failure does not stop the batch.
func (j *Jobs) SweepTimeDelayedConditions() {
	j.logger.Info("starting time-delayed condition sweep")
	ctx := context.Background()

	due, err := j.repo.FindDueTimeDelayedConditions(ctx, j.now(), j.batchSize())
	if err != nil {
		j.logger.Error("failed to find due time-delayed conditions", "error", err)
		return
	}
	if len(due) == 0 {
		j.logger.Info("no time-delayed conditions due")
		return
	}

	j.logger.Info("found due time-delayed conditions", "count", len(due))

	triggered, failed := 0, 0
	for _, d := range due {
		result, err := j.evaluator.EvaluateConditions(ctx, app.EvaluateRequest{
			RecipientID: d.RecipientID,
			CampaignID:  d.CampaignID,
			EventType:   domain.EventTypeTimeDelayedTrigger,
			Metadata:    map[string]interface{}{"condition_number": d.ConditionNumber},
		})
		if err != nil {
			failed++
			j.logger.Error("time-delayed evaluation failed",
				"recipient_id", d.RecipientID, "campaign_id", d.CampaignID, "condition_number", d.ConditionNumber,
				"kind", domain.KindOf(err), "error", err)
			continue
		}
		if result.ConditionTriggered {
			triggered++
			continue
		}
		j.logger.Info("time-delayed condition not triggered",
			"recipient_id", d.RecipientID, "condition_number", d.ConditionNumber, "reason", result.Reason)
	}

	j.logger.Info("time-delayed condition sweep finished", "due", len(due), "triggered", triggered, "failed", failed)
}

// RetryStalledConditions re-attempts fulfillment for conditions that were met but never
// triggered, such as a call-completed condition that hit an empty pool. Rows that reached
// MAX_PROVISIONING_ATTEMPTS are left for an operator.
func (j *Jobs) RetryStalledConditions() {
	j.logger.Info("starting stalled condition retry")
	ctx := context.Background()

	staleAfter := j.config.ProvisioningLease()
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	stalled, err := j.repo.FindStalledConditions(ctx, j.now(), staleAfter, j.config.MaxProvisioningAttempts, j.batchSize())
	if err != nil {
		j.logger.Error("failed to find stalled conditions", "error", err)
		return
	}
	if len(stalled) == 0 {
		j.logger.Info("no stalled conditions")
		return
	}

	triggered, failed := 0, 0
	for _, s := range stalled {
		result, err := j.evaluator.RetryCondition(ctx, s.RecipientID, s.CampaignID, s.ConditionNumber)
		if err != nil {
			failed++
			j.logger.Warn("stalled condition retry failed",
				"recipient_id", s.RecipientID, "campaign_id", s.CampaignID, "condition_number", s.ConditionNumber,
				"attempts", s.Attempts+1, "kind", domain.KindOf(err), "error", err)
			continue
		}
		if result.ConditionTriggered {
			triggered++
		}
	}

	j.logger.Info("stalled condition retry finished", "stalled", len(stalled), "triggered", triggered, "failed", failed)
}

// ReconcileDeliveries settles sent deliveries whose final status should be known by now.
func (j *Jobs) ReconcileDeliveries() {
	if j.reconciler == nil {
		return
	}
	j.logger.Info("starting delivery reconciliation job")

	minutes := j.config.DeliveryReconcileAfterMinutes
	if minutes <= 0 {
		minutes = 15
	}
	settled, err := j.reconciler.ReconcileDeliveries(context.Background(), time.Duration(minutes)*time.Minute, j.batchSize())
	if err != nil {
		j.logger.Error("failed to reconcile deliveries", "error", err)
		return
	}

	j.logger.Info("delivery reconciliation job finished", "settled", settled)
}
