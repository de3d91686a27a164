package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// Summary reports one worker pass.
type Summary struct {
	Total        int
	Succeeded    int
	Retried      int
	DeadLettered int
	Released     int
}

// Worker drains the delivery queue: poll, claim, send, record outcome.
// Multiple workers may run concurrently against one store; the claim
// transition serializes them per delivery.
type Worker struct {
	store  store.WebhookStore
	sender *Sender
	cfg    config.WebhookConfig
	now    func() time.Time
}

// NewWorker builds a worker from config.
func NewWorker(s store.WebhookStore, sender *Sender, cfg config.WebhookConfig) *Worker {
	return &Worker{
		store:  s,
		sender: sender,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the poll loop until the context ends. A stale-claim sweep runs
// first so deliveries orphaned by a crashed worker re-enter the queue.
func (w *Worker) Start(ctx context.Context) {
	log.Info().Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_limit", w.cfg.BatchLimit).Msg("webhook worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		summary, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("webhook worker pass failed")
		} else if summary.Total > 0 {
			log.Info().Int("total", summary.Total).Int("succeeded", summary.Succeeded).
				Int("retried", summary.Retried).Int("dead_lettered", summary.DeadLettered).
				Msg("webhook worker pass complete")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("webhook worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single pass and reports what happened.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	released, err := w.store.ReleaseStaleDeliveries(ctx, w.now().Add(-w.cfg.StaleClaimAge))
	if err != nil {
		return summary, err
	}
	summary.Released = released
	if released > 0 {
		log.Warn().Int("released", released).Msg("stale webhook claims released")
	}

	batch, err := w.store.ListPendingDeliveries(ctx, store.PendingDeliveryOptions{
		Before: w.now(),
		Limit:  w.cfg.BatchLimit,
	})
	if err != nil {
		return summary, err
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	if w.cfg.Concurrency > 0 {
		group.SetLimit(w.cfg.Concurrency)
	}
	for i := range batch {
		delivery := batch[i]
		group.Go(func() error {
			outcome, err := w.processOne(gctx, delivery.ID)
			if err != nil {
				log.Error().Err(err).Str("delivery_id", delivery.ID).
					Msg("webhook delivery processing failed")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case models.DeliverySucceeded:
				summary.Total++
				summary.Succeeded++
			case models.DeliveryPending:
				summary.Total++
				summary.Retried++
			case models.DeliveryDeadLettered:
				summary.Total++
				summary.DeadLettered++
			}
			return nil
		})
	}
	_ = group.Wait()
	return summary, ctx.Err()
}

// processOne claims and attempts one delivery. The empty status means the
// claim was lost to another worker and nothing was done.
func (w *Worker) processOne(ctx context.Context, deliveryID string) (models.DeliveryStatus, error) {
	claimed, err := w.store.ClaimDelivery(ctx, deliveryID, w.now())
	if err != nil {
		return "", err
	}
	if claimed == nil {
		return "", nil
	}

	sub, err := w.store.GetSubscription(ctx, claimed.SubscriptionID)
	if err != nil {
		return "", err
	}
	if sub == nil || !sub.Active {
		// The subscription vanished or was disabled under the queue.
		claimed.Status = models.DeliveryDeadLettered
		claimed.ErrorMessage = "Webhook subscription not found."
		if sub != nil {
			claimed.ErrorMessage = "Webhook subscription is inactive."
		}
		if _, err := w.store.UpdateDelivery(ctx, claimed); err != nil {
			return "", err
		}
		return models.DeliveryDeadLettered, nil
	}

	sendCtx := ctx
	if w.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout)
		defer cancel()
	}
	response, sendErr := w.sender.Send(sendCtx, sub, claimed)
	claimed.Response = response

	if sendErr == nil {
		claimed.Status = models.DeliverySucceeded
		claimed.ErrorMessage = ""
		if _, err := w.store.UpdateDelivery(ctx, claimed); err != nil {
			return "", err
		}
		return models.DeliverySucceeded, nil
	}

	claimed.ErrorMessage = sendErr.Error()
	if response != nil {
		claimed.ErrorMessage = fmt.Sprintf("HTTP %d", response.Status)
	}
	policy := sub.RetryPolicy.Normalized()
	if policy.MayRetry(claimed.AttemptCount) {
		next := w.now().Add(policy.BackoffFor(claimed.AttemptCount))
		claimed.Status = models.DeliveryPending
		claimed.NextAttemptAt = &next
		if _, err := w.store.UpdateDelivery(ctx, claimed); err != nil {
			return "", err
		}
		return models.DeliveryPending, nil
	}

	claimed.Status = models.DeliveryDeadLettered
	claimed.NextAttemptAt = nil
	if _, err := w.store.UpdateDelivery(ctx, claimed); err != nil {
		return "", err
	}
	log.Warn().Str("delivery_id", claimed.ID).Str("subscription_id", sub.ID).
		Int("attempts", claimed.AttemptCount).Msg("webhook delivery dead-lettered")
	return models.DeliveryDeadLettered, nil
}
