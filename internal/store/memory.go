// Package store — in-memory Store implementation.
// Used for tests and zero-config local runs. All records are deep-copied at
// the store boundary so callers never share memory with the store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

const defaultPendingLimit = 50

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu sync.RWMutex

	keys        map[string]*models.Key        // key: id
	keysByHash  map[string]string             // key: hash → id
	sessions    map[string]*models.Session    // key: id
	users       map[string]*models.UserProfile // key: id
	usersByAuth map[string]string             // key: authentik_id → id
	orgs        map[string]*models.OrgProfile // key: id
	orgsBySlug  map[string]string             // key: slug → id
	groups      map[string]*models.Group      // key: id
	memberships map[string]*models.Membership // key: id
	entitlements []*models.Entitlement        // append-only
	auditEvents  []*models.AuditEvent         // append-only
	subscriptions map[string]*models.WebhookSubscription // key: id
	deliveries    map[string]*models.WebhookDelivery     // key: id

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:          make(map[string]*models.Key),
		keysByHash:    make(map[string]string),
		sessions:      make(map[string]*models.Session),
		users:         make(map[string]*models.UserProfile),
		usersByAuth:   make(map[string]string),
		orgs:          make(map[string]*models.OrgProfile),
		orgsBySlug:    make(map[string]string),
		groups:        make(map[string]*models.Group),
		memberships:   make(map[string]*models.Membership),
		entitlements:  make([]*models.Entitlement, 0),
		auditEvents:   make([]*models.AuditEvent, 0),
		subscriptions: make(map[string]*models.WebhookSubscription),
		deliveries:    make(map[string]*models.WebhookDelivery),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Tests only.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// ── Keys ────────────────────────────────────────────────────

func (m *MemoryStore) IssueKey(_ context.Context, input IssueKeyInput) (*models.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if input.ID == "" || input.Hash == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "key id and hash are required")
	}
	if _, exists := m.keys[input.ID]; exists {
		return nil, cerrors.Newf(cerrors.CodeDuplicateID, "key id already exists: %s", input.ID)
	}
	if _, exists := m.keysByHash[input.Hash]; exists {
		return nil, cerrors.New(cerrors.CodeDuplicateHash, "key hash already exists")
	}

	now := m.now()
	key := &models.Key{
		ID:          input.ID,
		Hash:        input.Hash,
		Owner:       input.Owner,
		Name:        input.Name,
		Description: input.Description,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   cloneTime(input.ExpiresAt),
		UsageCount:  0,
		Status:      models.KeyActive,
		Scopes:      models.DedupeStrings(input.Scopes),
		Labels:      input.Labels.Clone(),
		Metadata:    cloneMap(input.Metadata),
	}
	if key.Labels == nil {
		key.Labels = models.Labels{}
	}

	m.keys[key.ID] = key
	m.keysByHash[key.Hash] = key.ID
	return m.materializeKey(key), nil
}

func (m *MemoryStore) GetKeyByID(_ context.Context, id string) (*models.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	return m.materializeKey(key), nil
}

func (m *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*models.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keysByHash[hash]
	if !ok {
		return nil, nil
	}
	return m.materializeKey(m.keys[id]), nil
}

func (m *MemoryStore) ListKeysByOwner(_ context.Context, owner models.KeyOwner, opts ListKeysOptions) ([]models.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]models.Key, 0)
	for _, key := range m.keys {
		if key.Owner != owner {
			continue
		}
		status := key.EffectiveStatus(now)
		if status == models.KeyRevoked && !opts.IncludeRevoked {
			continue
		}
		if status == models.KeyExpired && !opts.IncludeExpired {
			continue
		}
		out = append(out, *m.materializeKey(key))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) RecordKeyUsage(_ context.Context, id string, usedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return cerrors.NotFound("key", id)
	}
	at := m.now()
	if usedAt != nil {
		at = usedAt.UTC()
	}
	key.UsageCount++
	key.LastUsedAt = &at
	key.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RevokeKey(_ context.Context, id string, input RevokeKeyInput) (*models.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return nil, cerrors.NotFound("key", id)
	}
	at := m.now()
	if input.RevokedAt != nil {
		at = input.RevokedAt.UTC()
	}
	key.Status = models.KeyRevoked
	key.RevokedAt = &at
	key.RevokedBy = input.RevokedBy
	key.RevocationReason = input.Reason
	key.UpdatedAt = at
	return m.materializeKey(key), nil
}

// materializeKey clones the record and stamps the derived status.
// Callers hold at least a read lock.
func (m *MemoryStore) materializeKey(key *models.Key) *models.Key {
	out := key.Clone()
	out.Status = key.EffectiveStatus(m.now())
	return out
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return cerrors.Newf(cerrors.CodeConflict, "session already exists: %s", session.ID)
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string, input TouchSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return cerrors.NotFound("session", id)
	}
	sess.LastSeenAt = input.LastSeenAt.UTC()
	if input.Metadata != nil {
		sess.Metadata = cloneMap(input.Metadata)
	}
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return cerrors.NotFound("session", id)
	}
	delete(m.sessions, id)
	return nil
}

// ── Profiles ────────────────────────────────────────────────

func (m *MemoryStore) UpsertUserProfile(_ context.Context, profile *models.UserProfile) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if profile.ID == "" || profile.AuthentikID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "user id and authentik id are required")
	}
	now := m.now()
	stored := cloneUser(profile)
	if existing, ok := m.users[profile.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Labels == nil {
		stored.Labels = models.Labels{}
	}
	m.users[stored.ID] = stored
	m.usersByAuth[stored.AuthentikID] = stored.ID
	return cloneUser(stored), nil
}

func (m *MemoryStore) GetUserProfile(_ context.Context, id string) (*models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return cloneUser(user), nil
}

func (m *MemoryStore) GetUserProfileByAuthentikID(_ context.Context, authentikID string) (*models.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByAuth[authentikID]
	if !ok {
		return nil, nil
	}
	return cloneUser(m.users[id]), nil
}

func (m *MemoryStore) UpsertOrgProfile(_ context.Context, org *models.OrgProfile) (*models.OrgProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if org.ID == "" || org.Slug == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "org id and slug are required")
	}
	if existingID, ok := m.orgsBySlug[org.Slug]; ok && existingID != org.ID {
		return nil, cerrors.Newf(cerrors.CodeConflict, "org slug already taken: %s", org.Slug)
	}
	now := m.now()
	stored := cloneOrg(org)
	if existing, ok := m.orgs[org.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		// Re-slugging an org retires the old slug index entry.
		if existing.Slug != stored.Slug {
			delete(m.orgsBySlug, existing.Slug)
		}
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = models.OrgActive
	}
	if stored.Labels == nil {
		stored.Labels = models.Labels{}
	}
	m.orgs[stored.ID] = stored
	m.orgsBySlug[stored.Slug] = stored.ID
	return cloneOrg(stored), nil
}

func (m *MemoryStore) GetOrgProfile(_ context.Context, id string) (*models.OrgProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, nil
	}
	return cloneOrg(org), nil
}

func (m *MemoryStore) GetOrgProfileBySlug(_ context.Context, slug string) (*models.OrgProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.orgsBySlug[slug]
	if !ok {
		return nil, nil
	}
	return cloneOrg(m.orgs[id]), nil
}

// ── Groups ──────────────────────────────────────────────────

func (m *MemoryStore) UpsertGroup(_ context.Context, group *models.Group) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if group.ID == "" || group.OrgID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "group id and org id are required")
	}
	stored := cloneGroup(group)
	if stored.Labels == nil {
		stored.Labels = models.Labels{}
	}
	m.groups[stored.ID] = stored
	return cloneGroup(stored), nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id string) (*models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[id]
	if !ok {
		return nil, nil
	}
	return cloneGroup(group), nil
}

func (m *MemoryStore) GetGroupsByIDs(_ context.Context, ids []string) ([]models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Group, 0, len(ids))
	for _, id := range ids {
		if group, ok := m.groups[id]; ok {
			out = append(out, *cloneGroup(group))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListGroupsByOrg(_ context.Context, orgID string) ([]models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Group, 0)
	for _, group := range m.groups {
		if group.OrgID == orgID {
			out = append(out, *cloneGroup(group))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Memberships ─────────────────────────────────────────────

func (m *MemoryStore) CreateMembership(_ context.Context, membership *models.Membership) (*models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if membership.ID == "" || membership.UserID == "" || membership.OrgID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "membership id, user id and org id are required")
	}
	if _, exists := m.memberships[membership.ID]; exists {
		return nil, cerrors.Newf(cerrors.CodeDuplicateID, "membership id already exists: %s", membership.ID)
	}
	now := m.now()
	stored := cloneMembership(membership)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.memberships[stored.ID] = stored
	return cloneMembership(stored), nil
}

func (m *MemoryStore) GetMembership(_ context.Context, id string) (*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	membership, ok := m.memberships[id]
	if !ok {
		return nil, nil
	}
	return cloneMembership(membership), nil
}

func (m *MemoryStore) FindMembershipForUserAndOrg(_ context.Context, userID, orgID string) (*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var earliest *models.Membership
	for _, membership := range m.memberships {
		if membership.UserID != userID || membership.OrgID != orgID {
			continue
		}
		if earliest == nil || membership.CreatedAt.Before(earliest.CreatedAt) {
			earliest = membership
		}
	}
	if earliest == nil {
		return nil, nil
	}
	return cloneMembership(earliest), nil
}

func (m *MemoryStore) ListMembershipsForUser(_ context.Context, userID string) ([]models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Membership, 0)
	for _, membership := range m.memberships {
		if membership.UserID == userID {
			out = append(out, *cloneMembership(membership))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ── Entitlements ────────────────────────────────────────────

func (m *MemoryStore) GrantEntitlement(_ context.Context, ent *models.Entitlement) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ent.ID == "" || ent.SubjectID == "" || ent.Entitlement == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "entitlement id, subject and name are required")
	}
	for _, existing := range m.entitlements {
		if existing.ID == ent.ID {
			return nil, cerrors.Newf(cerrors.CodeDuplicateID, "entitlement id already exists: %s", ent.ID)
		}
	}
	stored := cloneEntitlement(ent)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.entitlements = append(m.entitlements, stored)
	return cloneEntitlement(stored), nil
}

func (m *MemoryStore) ListEntitlementsForSubject(_ context.Context, kind models.SubjectKind, subjectID string) ([]models.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Entitlement, 0)
	for _, ent := range m.entitlements {
		if ent.SubjectKind == kind && ent.SubjectID == subjectID {
			out = append(out, *cloneEntitlement(ent))
		}
	}
	models.SortEntitlements(out)
	return out, nil
}

// ── Audit ───────────────────────────────────────────────────

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneAuditEvent(event)
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = m.now()
	}
	m.auditEvents = append(m.auditEvents, stored)
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, filter AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEvent, 0)
	for _, event := range m.auditEvents {
		if filter.Category != "" && event.Category != filter.Category {
			continue
		}
		if filter.Action != "" && event.Action != filter.Action {
			continue
		}
		out = append(out, *cloneAuditEvent(event))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ── Webhook subscriptions ───────────────────────────────────

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription id is required")
	}
	if len(sub.EventTypes) == 0 {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription requires at least one event type")
	}
	if _, exists := m.subscriptions[sub.ID]; exists {
		return nil, cerrors.Newf(cerrors.CodeDuplicateID, "subscription id already exists: %s", sub.ID)
	}
	now := m.now()
	stored := cloneSubscription(sub)
	stored.EventTypes = models.DedupeStrings(stored.EventTypes)
	stored.RetryPolicy = stored.RetryPolicy.Normalized()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.subscriptions[stored.ID] = stored
	return cloneSubscription(stored), nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, nil
	}
	return cloneSubscription(sub), nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, sub *models.WebhookSubscription) (*models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subscriptions[sub.ID]
	if !ok {
		return nil, cerrors.NotFound("webhook subscription", sub.ID)
	}
	if len(sub.EventTypes) == 0 {
		return nil, cerrors.New(cerrors.CodeValidation, "subscription requires at least one event type")
	}
	stored := cloneSubscription(sub)
	stored.EventTypes = models.DedupeStrings(stored.EventTypes)
	stored.RetryPolicy = stored.RetryPolicy.Normalized()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = m.now()
	m.subscriptions[stored.ID] = stored
	return cloneSubscription(stored), nil
}

func (m *MemoryStore) ListActiveSubscriptions(_ context.Context, eventType, orgID string) ([]models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WebhookSubscription, 0)
	for _, sub := range m.subscriptions {
		if !sub.Active || !sub.Matches(eventType) {
			continue
		}
		if sub.OrgID != "" && sub.OrgID != orgID {
			continue
		}
		out = append(out, *cloneSubscription(sub))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── Webhook deliveries ──────────────────────────────────────

func (m *MemoryStore) CreateDelivery(_ context.Context, delivery *models.WebhookDelivery) (*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delivery.ID == "" || delivery.SubscriptionID == "" {
		return nil, cerrors.New(cerrors.CodeValidation, "delivery id and subscription id are required")
	}
	if _, exists := m.deliveries[delivery.ID]; exists {
		return nil, cerrors.Newf(cerrors.CodeDuplicateID, "delivery id already exists: %s", delivery.ID)
	}
	now := m.now()
	stored := cloneDelivery(delivery)
	if stored.Status == "" {
		stored.Status = models.DeliveryPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.deliveries[stored.ID] = stored
	return cloneDelivery(stored), nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*models.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivery, ok := m.deliveries[id]
	if !ok {
		return nil, nil
	}
	return cloneDelivery(delivery), nil
}

func (m *MemoryStore) ListPendingDeliveries(_ context.Context, opts PendingDeliveryOptions) ([]models.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	before := opts.Before
	if before.IsZero() {
		before = m.now()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPendingLimit
	}

	out := make([]models.WebhookDelivery, 0)
	for _, delivery := range m.deliveries {
		if delivery.Status != models.DeliveryPending && delivery.Status != models.DeliveryDelivering {
			continue
		}
		// next_attempt_at = before is inside the window (inclusive).
		if delivery.NextAttemptAt != nil && delivery.NextAttemptAt.After(before) {
			continue
		}
		out = append(out, *cloneDelivery(delivery))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.NextAttemptAt == nil && b.NextAttemptAt != nil:
			return true
		case a.NextAttemptAt != nil && b.NextAttemptAt == nil:
			return false
		case a.NextAttemptAt != nil && b.NextAttemptAt != nil && !a.NextAttemptAt.Equal(*b.NextAttemptAt):
			return a.NextAttemptAt.Before(*b.NextAttemptAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimDelivery(_ context.Context, id string, now time.Time) (*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delivery, ok := m.deliveries[id]
	if !ok {
		return nil, cerrors.NotFound("webhook delivery", id)
	}
	if delivery.Status != models.DeliveryPending {
		// Lost the claim race (or a stale delivering row): not ours.
		return nil, nil
	}
	at := now.UTC()
	delivery.Status = models.DeliveryDelivering
	delivery.AttemptCount++
	delivery.LastAttemptAt = &at
	delivery.NextAttemptAt = nil
	delivery.ErrorMessage = ""
	delivery.UpdatedAt = at
	return cloneDelivery(delivery), nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, delivery *models.WebhookDelivery) (*models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.deliveries[delivery.ID]
	if !ok {
		return nil, cerrors.NotFound("webhook delivery", delivery.ID)
	}
	if delivery.AttemptCount < existing.AttemptCount {
		return nil, cerrors.New(cerrors.CodeConflict, "attempt count may not decrease")
	}
	stored := cloneDelivery(delivery)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = m.now()
	m.deliveries[stored.ID] = stored
	return cloneDelivery(stored), nil
}

func (m *MemoryStore) ReleaseStaleDeliveries(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, delivery := range m.deliveries {
		if delivery.Status != models.DeliveryDelivering {
			continue
		}
		if delivery.LastAttemptAt != nil && delivery.LastAttemptAt.After(olderThan) {
			continue
		}
		delivery.Status = models.DeliveryPending
		delivery.NextAttemptAt = nil
		delivery.UpdatedAt = m.now()
		released++
	}
	return released, nil
}

// ── Clone helpers ───────────────────────────────────────────

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	out.FactorsVerified = append([]string(nil), s.FactorsVerified...)
	out.Metadata = cloneMap(s.Metadata)
	return &out
}

func cloneUser(u *models.UserProfile) *models.UserProfile {
	out := *u
	out.Labels = u.Labels.Clone()
	out.Metadata = cloneMap(u.Metadata)
	return &out
}

func cloneOrg(o *models.OrgProfile) *models.OrgProfile {
	out := *o
	out.Profile = cloneMap(o.Profile)
	out.Labels = o.Labels.Clone()
	out.Settings = cloneMap(o.Settings)
	return &out
}

func cloneGroup(g *models.Group) *models.Group {
	out := *g
	out.Labels = g.Labels.Clone()
	return &out
}

func cloneMembership(mb *models.Membership) *models.Membership {
	out := *mb
	out.GroupIDs = append([]string(nil), mb.GroupIDs...)
	out.LabelsDelta = mb.LabelsDelta.Clone()
	return &out
}

func cloneEntitlement(e *models.Entitlement) *models.Entitlement {
	out := *e
	out.Metadata = cloneMap(e.Metadata)
	return &out
}

func cloneAuditEvent(a *models.AuditEvent) *models.AuditEvent {
	out := *a
	out.Metadata = cloneMap(a.Metadata)
	return &out
}

func cloneSubscription(s *models.WebhookSubscription) *models.WebhookSubscription {
	out := *s
	out.EventTypes = append([]string(nil), s.EventTypes...)
	out.Headers = cloneStringMap(s.Headers)
	out.RetryPolicy.BackoffSeconds = append([]int(nil), s.RetryPolicy.BackoffSeconds...)
	out.Metadata = cloneMap(s.Metadata)
	return &out
}

func cloneDelivery(d *models.WebhookDelivery) *models.WebhookDelivery {
	out := *d
	out.LastAttemptAt = cloneTime(d.LastAttemptAt)
	out.NextAttemptAt = cloneTime(d.NextAttemptAt)
	out.Payload = cloneMap(d.Payload)
	if d.Response != nil {
		resp := *d.Response
		resp.Headers = cloneStringMap(d.Response.Headers)
		out.Response = &resp
	}
	return &out
}
