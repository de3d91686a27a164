// Package store provides the storage contracts and implementations for the
// Catalyst gateway. The in-memory store backs tests and zero-config local
// runs; the PostgreSQL store backs production deployments.
//
// Missing records are values, not failures: single-record reads return
// (nil, nil) on a miss. Mutations against missing rows return a
// cerrors.CodeNotFound error. Errors carry stable codes from pkg/cerrors.
package store

import (
	"context"
	"time"

	"github.com/catalyst-iam/catalyst/pkg/models"
)

// Store is the primary storage interface. Handler and service code depends
// on this interface (or one of its slices), making it easy to swap between
// in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	KeyStore
	SessionStore
	ProfileStore
	GroupStore
	MembershipStore
	EntitlementStore
	AuditStore
	WebhookStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Key store ───────────────────────────────────────────────

// IssueKeyInput is the insert shape for a new API key. The secret never
// reaches the store; callers hash it first.
type IssueKeyInput struct {
	ID          string
	Hash        string
	Owner       models.KeyOwner
	Name        string
	Description string
	CreatedBy   string
	ExpiresAt   *time.Time
	Scopes      []string
	Labels      models.Labels
	Metadata    map[string]any
}

// ListKeysOptions widens ListKeysByOwner beyond active keys.
type ListKeysOptions struct {
	IncludeRevoked bool
	IncludeExpired bool
}

// RevokeKeyInput carries revocation bookkeeping.
type RevokeKeyInput struct {
	RevokedBy string
	Reason    string
	RevokedAt *time.Time // nil = now
}

// KeyStore manages issued API keys.
//
// Invariants: id and hash are each globally unique; the stored status column
// is only ever "active" or "revoked" (expiry is derived at read time);
// usage_count is monotonic; revocation is terminal.
type KeyStore interface {
	// IssueKey inserts with status=active and deduplicated scopes. Fails with
	// duplicate_id or duplicate_hash on uniqueness violations. The returned
	// record carries the derived status.
	IssueKey(ctx context.Context, input IssueKeyInput) (*models.Key, error)

	// GetKeyByID returns the key or (nil, nil). Status is recomputed from
	// (stored status, expires_at, revoked_at, now) at read time.
	GetKeyByID(ctx context.Context, id string) (*models.Key, error)

	// GetKeyByHash is GetKeyByID keyed by the secret hash.
	GetKeyByHash(ctx context.Context, hash string) (*models.Key, error)

	// ListKeysByOwner returns keys in created_at DESC order, filtering
	// revoked and expired keys unless asked to include them.
	ListKeysByOwner(ctx context.Context, owner models.KeyOwner, opts ListKeysOptions) ([]models.Key, error)

	// RecordKeyUsage atomically applies usage_count += 1 and stamps
	// last_used_at and updated_at. Fails not_found if the key is missing.
	RecordKeyUsage(ctx context.Context, id string, usedAt *time.Time) error

	// RevokeKey stamps the revocation. A second call re-stamps without error.
	RevokeKey(ctx context.Context, id string, input RevokeKeyInput) (*models.Key, error)
}

// ── Session store ───────────────────────────────────────────

// TouchSessionInput updates activity bookkeeping on an existing session.
// Metadata replaces the stored map wholesale; callers merge beforehand.
type TouchSessionInput struct {
	LastSeenAt time.Time
	Metadata   map[string]any
}

// SessionStore caches IdP sessions for activity tracking.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// CreateSession fails with a conflict error if the id already exists.
	CreateSession(ctx context.Context, session *models.Session) error

	// TouchSession fails not_found if the session is missing.
	TouchSession(ctx context.Context, id string, input TouchSessionInput) error

	DeleteSession(ctx context.Context, id string) error
}

// ── Profile stores ──────────────────────────────────────────

// ProfileStore manages user and org profiles.
type ProfileStore interface {
	UpsertUserProfile(ctx context.Context, profile *models.UserProfile) (*models.UserProfile, error)
	GetUserProfile(ctx context.Context, id string) (*models.UserProfile, error)
	GetUserProfileByAuthentikID(ctx context.Context, authentikID string) (*models.UserProfile, error)

	UpsertOrgProfile(ctx context.Context, org *models.OrgProfile) (*models.OrgProfile, error)
	GetOrgProfile(ctx context.Context, id string) (*models.OrgProfile, error)
	GetOrgProfileBySlug(ctx context.Context, slug string) (*models.OrgProfile, error)
}

// ── Group store ─────────────────────────────────────────────

type GroupStore interface {
	UpsertGroup(ctx context.Context, group *models.Group) (*models.Group, error)
	GetGroup(ctx context.Context, id string) (*models.Group, error)

	// GetGroupsByIDs returns the groups that exist, in the order of ids;
	// missing ids are skipped, not errors.
	GetGroupsByIDs(ctx context.Context, ids []string) ([]models.Group, error)

	ListGroupsByOrg(ctx context.Context, orgID string) ([]models.Group, error)
}

// ── Membership store ────────────────────────────────────────

type MembershipStore interface {
	CreateMembership(ctx context.Context, membership *models.Membership) (*models.Membership, error)
	GetMembership(ctx context.Context, id string) (*models.Membership, error)

	// FindMembershipForUserAndOrg returns the earliest membership by
	// created_at for the pair, or (nil, nil).
	FindMembershipForUserAndOrg(ctx context.Context, userID, orgID string) (*models.Membership, error)

	// ListMembershipsForUser returns memberships in created_at ASC order.
	ListMembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error)
}

// ── Entitlement store ───────────────────────────────────────

type EntitlementStore interface {
	GrantEntitlement(ctx context.Context, ent *models.Entitlement) (*models.Entitlement, error)

	// ListEntitlementsForSubject returns entitlements ordered by
	// (created_at ASC, id ASC).
	ListEntitlementsForSubject(ctx context.Context, kind models.SubjectKind, subjectID string) ([]models.Entitlement, error)
}

// ── Audit store ─────────────────────────────────────────────

// AuditFilter narrows audit listings. Zero value lists everything in the
// default (occurred_at ASC, id ASC) order.
type AuditFilter struct {
	Category string
	Action   string
	Limit    int
}

type AuditStore interface {
	// AppendAuditEvent persists one event. Append-only; no updates exist.
	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error

	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, error)
}

// ── Webhook store ───────────────────────────────────────────

// PendingDeliveryOptions windows the worker's poll.
type PendingDeliveryOptions struct {
	// Before includes rows whose next_attempt_at is null or <= Before
	// (inclusive). Zero means now.
	Before time.Time
	// Limit caps the batch. Zero means the store default (50).
	Limit int
}

// WebhookStore manages subscriptions and the delivery work queue.
type WebhookStore interface {
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error)

	// ListActiveSubscriptions returns active subscriptions matching the event
	// type; org-scoped subscriptions only match their own org.
	ListActiveSubscriptions(ctx context.Context, eventType, orgID string) ([]models.WebhookSubscription, error)

	CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) (*models.WebhookDelivery, error)
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)

	// ListPendingDeliveries returns rows with status in (pending, delivering)
	// and (next_attempt_at IS NULL OR next_attempt_at <= before), ordered by
	// next_attempt_at ASC NULLS FIRST, created_at ASC.
	ListPendingDeliveries(ctx context.Context, opts PendingDeliveryOptions) ([]models.WebhookDelivery, error)

	// ClaimDelivery transitions pending→delivering atomically: increments
	// attempt_count, stamps last_attempt_at=now, clears next_attempt_at and
	// error_message. Returns (nil, nil) when the claim is lost (row no longer
	// pending) — this is the multi-worker critical section.
	ClaimDelivery(ctx context.Context, id string, now time.Time) (*models.WebhookDelivery, error)

	// UpdateDelivery replaces the mutable attempt-outcome fields.
	UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) (*models.WebhookDelivery, error)

	// ReleaseStaleDeliveries sweeps rows stuck in delivering since before
	// olderThan back to pending, returning how many were released.
	ReleaseStaleDeliveries(ctx context.Context, olderThan time.Time) (int, error)
}
