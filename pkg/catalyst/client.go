// Package catalyst is the embedding-facing facade over the gateway's
// domain operations: key lifecycle, profile upserts, webhook subscriptions,
// entitlements, effective identities and event emission.
//
// The HTTP admin API is a thin layer over this client; embedders can also
// use it directly in-process.
package catalyst

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/catalyst-iam/catalyst/internal/audit"
	"github.com/catalyst-iam/catalyst/internal/identity"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/internal/webhooks"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// secretPrefix marks Catalyst-issued key secrets so they are recognizable
// in logs and secret scanners.
const secretPrefix = "ck_"

// Client bundles the domain operations over one store.
type Client struct {
	store      store.Store
	composer   *identity.Composer
	dispatcher *webhooks.Dispatcher
	audit      *audit.Emitter
	now        func() time.Time
}

// NewClient builds a facade over the given store.
func NewClient(s store.Store) *Client {
	return &Client{
		store:      s,
		composer:   identity.NewComposer(s),
		dispatcher: webhooks.NewDispatcher(s),
		audit:      audit.NewEmitter(s),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ── API keys ────────────────────────────────────────────────

// IssueKeyRequest is the input for IssueKey. The secret is generated; the
// caller never supplies one.
type IssueKeyRequest struct {
	Owner       models.KeyOwner
	Name        string
	Description string
	CreatedBy   string
	ExpiresAt   *time.Time
	Scopes      []string
	Labels      models.Labels
	Metadata    map[string]any
}

// IssuedKey carries the stored record plus the plaintext secret. The secret
// is shown exactly once; only its hash persists.
type IssuedKey struct {
	Key    *models.Key
	Secret string
}

// IssueKey generates a secret, hashes it, and stores the key.
func (c *Client) IssueKey(ctx context.Context, req IssueKeyRequest) (*IssuedKey, error) {
	if req.Owner.Kind == "" || req.Owner.ID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "key owner kind and id are required")
	}
	switch req.Owner.Kind {
	case models.OwnerUser, models.OwnerOrg, models.OwnerService:
	default:
		return nil, cerrors.Newf(cerrors.CodeValidation, "unknown key owner kind %q", req.Owner.Kind)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(c.now()) {
		return nil, cerrors.New(cerrors.CodeValidation, "key expiry must be in the future")
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	key, err := c.store.IssueKey(ctx, store.IssueKeyInput{
		ID:          uuid.NewString(),
		Hash:        models.HashKeySecret(secret),
		Owner:       req.Owner,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		ExpiresAt:   req.ExpiresAt,
		Scopes:      req.Scopes,
		Labels:      req.Labels,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	c.audit.Emit(ctx, models.AuditEvent{
		Category: audit.CategoryKeys,
		Action:   "key_issued",
		Actor:    req.CreatedBy,
		Subject:  req.Owner.ID,
		Resource: key.ID,
	})
	return &IssuedKey{Key: key, Secret: secret}, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", cerrors.Infra(cerrors.CodeUpstream, "secret generation failed", false).WithCause(err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// RevokeKey revokes a key. Revocation is terminal; repeated calls re-stamp.
func (c *Client) RevokeKey(ctx context.Context, keyID, revokedBy, reason string) (*models.Key, error) {
	if keyID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "key id is required")
	}
	key, err := c.store.RevokeKey(ctx, keyID, store.RevokeKeyInput{
		RevokedBy: revokedBy,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	c.audit.Emit(ctx, models.AuditEvent{
		Category: audit.CategoryKeys,
		Action:   "key_revoked",
		Actor:    revokedBy,
		Subject:  key.Owner.ID,
		Resource: key.ID,
		Metadata: map[string]any{"reason": reason},
	})
	return key, nil
}

// ListKeys lists an owner's keys, newest first.
func (c *Client) ListKeys(ctx context.Context, owner models.KeyOwner, opts store.ListKeysOptions) ([]models.Key, error) {
	if owner.Kind == "" || owner.ID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "key owner kind and id are required")
	}
	return c.store.ListKeysByOwner(ctx, owner, opts)
}

// VerifyKeySecret resolves a plaintext secret to its key if, and only if,
// the key is currently active. It does not record usage.
func (c *Client) VerifyKeySecret(ctx context.Context, secret string) (*models.Key, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "secret is required")
	}
	key, err := c.store.GetKeyByHash(ctx, models.HashKeySecret(secret))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, cerrors.NotFound("key", "by-secret")
	}
	if !key.ActiveAt(c.now()) {
		return nil, cerrors.Newf(cerrors.CodeConflict, "key %s is %s", key.ID, key.EffectiveStatus(c.now()))
	}
	return key, nil
}

// ── Profiles ────────────────────────────────────────────────

// UpsertUserProfile validates and stores a user profile, the first-sign-in
// sync path. A missing id is generated.
func (c *Client) UpsertUserProfile(ctx context.Context, profile *models.UserProfile) (*models.UserProfile, error) {
	if profile == nil || profile.AuthentikID == "" || profile.Email == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "authentik id and email are required")
	}
	if profile.ID == "" {
		// Keep upserts idempotent: reuse the id bound to this external subject.
		existing, err := c.store.GetUserProfileByAuthentikID(ctx, profile.AuthentikID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			profile.ID = existing.ID
		} else {
			profile.ID = uuid.NewString()
		}
	}
	return c.store.UpsertUserProfile(ctx, profile)
}

// UpsertOrgProfile validates and stores an org profile.
func (c *Client) UpsertOrgProfile(ctx context.Context, org *models.OrgProfile) (*models.OrgProfile, error) {
	if org == nil || org.Slug == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "org slug is required")
	}
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	return c.store.UpsertOrgProfile(ctx, org)
}

// ── Webhook subscriptions ───────────────────────────────────

// CreateWebhookSubscription validates and stores a subscription: at least
// one event type (deduplicated), an https target, and a signing secret.
func (c *Client) CreateWebhookSubscription(ctx context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	if sub == nil {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription is required")
	}
	eventTypes := models.DedupeStrings(sub.EventTypes)
	if len(eventTypes) == 0 {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription requires at least one event type")
	}
	target, err := url.Parse(sub.TargetURL)
	if err != nil || target.Scheme != "https" || target.Host == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription target must be an https url")
	}
	if sub.Secret == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription signing secret is required")
	}
	sub.EventTypes = eventTypes
	sub.RetryPolicy = sub.RetryPolicy.Normalized()
	sub.Active = true
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	return c.store.CreateSubscription(ctx, sub)
}

// ── Identity and entitlements ───────────────────────────────

// EffectiveIdentity composes the identity for a user in an optional org or
// membership context.
func (c *Client) EffectiveIdentity(ctx context.Context, userID string, opts contracts.IdentityOptions) (*models.EffectiveIdentity, error) {
	if userID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "user id is required")
	}
	return c.composer.Build(ctx, userID, opts)
}

// GrantEntitlement grants a capability to a subject.
func (c *Client) GrantEntitlement(ctx context.Context, ent *models.Entitlement) (*models.Entitlement, error) {
	if ent == nil || ent.SubjectID == "" || ent.Entitlement == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "entitlement subject and name are required")
	}
	switch ent.SubjectKind {
	case models.SubjectUser, models.SubjectOrg, models.SubjectMembership:
	default:
		return nil, cerrors.Newf(cerrors.CodeValidation, "unknown subject kind %q", ent.SubjectKind)
	}
	if ent.ID == "" {
		ent.ID = uuid.NewString()
	}
	granted, err := c.store.GrantEntitlement(ctx, ent)
	if err != nil {
		return nil, err
	}
	c.audit.Emit(ctx, models.AuditEvent{
		Category: audit.CategoryAdmin,
		Action:   "entitlement_granted",
		Subject:  granted.SubjectID,
		Resource: granted.ID,
		Metadata: map[string]any{"entitlement": granted.Entitlement},
	})
	return granted, nil
}

// ── Events ──────────────────────────────────────────────────

// EmitEvent fans an event out to webhook subscribers and records it in the
// audit trail. The deliveries are queued; the worker sends them.
func (c *Client) EmitEvent(ctx context.Context, event *models.Event) ([]models.WebhookDelivery, error) {
	deliveries, err := c.dispatcher.Dispatch(ctx, event)
	if err != nil {
		return nil, err
	}
	c.audit.Emit(ctx, models.AuditEvent{
		Category: audit.CategoryWebhook,
		Action:   "event_emitted",
		Resource: event.ID,
		Metadata: map[string]any{
			"type":       event.Type,
			"org_id":     event.OrgID,
			"deliveries": len(deliveries),
		},
	})
	return deliveries, nil
}

// AuditTrail lists recorded audit events.
func (c *Client) AuditTrail(ctx context.Context, filter store.AuditFilter) ([]models.AuditEvent, error) {
	return c.audit.List(ctx, filter)
}
