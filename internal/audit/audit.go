// Package audit records append-only audit events. Writes are best-effort
// from the caller's perspective: an audit failure is logged, never allowed
// to fail the operation being audited.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// Well-known categories.
const (
	CategoryAuth    = "auth"
	CategoryKeys    = "keys"
	CategoryWebhook = "webhook"
	CategoryAdmin   = "admin"
)

// Emitter appends audit events, filling in id and occurred_at.
type Emitter struct {
	store store.AuditStore
	now   func() time.Time
}

// NewEmitter wires an emitter to its store.
func NewEmitter(s store.AuditStore) *Emitter {
	return &Emitter{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Emit persists one event. Missing id and occurred_at are filled in.
func (e *Emitter) Emit(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	if err := e.store.AppendAuditEvent(ctx, &event); err != nil {
		log.Error().Err(err).
			Str("category", event.Category).
			Str("action", event.Action).
			Msg("audit append failed")
	}
}

// List returns audit events matching the filter.
func (e *Emitter) List(ctx context.Context, filter store.AuditFilter) ([]models.AuditEvent, error) {
	return e.store.ListAuditEvents(ctx, filter)
}
