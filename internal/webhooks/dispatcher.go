package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// Dispatcher fans one domain event out into pending deliveries, one per
// matching active subscription.
type Dispatcher struct {
	store store.WebhookStore
	now   func() time.Time
}

// NewDispatcher wires a dispatcher to its store.
func NewDispatcher(s store.WebhookStore) *Dispatcher {
	return &Dispatcher{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Dispatch creates pending deliveries for the event. The event id and
// occurred_at are filled in if missing. Returns the created deliveries;
// zero matching subscriptions is a normal outcome, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.Event) ([]models.WebhookDelivery, error) {
	if event == nil || event.Type == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}

	subs, err := d.store.ListActiveSubscriptions(ctx, event.Type, event.OrgID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"id":          event.ID,
		"type":        event.Type,
		"occurred_at": event.OccurredAt.Format(time.RFC3339),
		"data":        event.Data,
	}
	if event.OrgID != "" {
		payload["org_id"] = event.OrgID
	}

	out := make([]models.WebhookDelivery, 0, len(subs))
	for _, sub := range subs {
		created, err := d.store.CreateDelivery(ctx, &models.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			Status:         models.DeliveryPending,
			Payload:        payload,
		})
		if err != nil {
			return out, err
		}
		out = append(out, *created)
	}

	log.Debug().Str("event_type", event.Type).Str("event_id", event.ID).
		Int("deliveries", len(out)).Msg("event dispatched")
	return out, nil
}
