// Package models defines the durable records and derived shapes used by the
// Catalyst identity gateway. All timestamps are UTC and marshal as RFC 3339.
// Identifiers are opaque strings; nothing assumes they sort.
package models

import (
	"sort"
	"time"
)

// Labels is a string-keyed map of scalar values (string, bool, number).
// Scalar-ness is enforced at validation boundaries, not by the type.
type Labels map[string]any

// Clone returns a shallow copy (values are scalars by contract).
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// MergeLabels overlays each layer left to right; later layers win on key
// collision. Nil layers are skipped. The precedence chain for effective
// identities is user → org → membership → groups.
func MergeLabels(layers ...Labels) Labels {
	out := Labels{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// DedupeStrings removes duplicates preserving first-seen order.
func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ── User profile ─────────────────────────────────────────────

// UserProfile is the locally-cached view of an IdP user. Upserted on first
// sign-in and on explicit refresh; authentik_id is the external subject.
type UserProfile struct {
	ID           string         `json:"id"`
	AuthentikID  string         `json:"authentik_id"`
	Email        string         `json:"email"`
	PrimaryOrgID string         `json:"primary_org_id,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	AvatarURL    string         `json:"avatar_url,omitempty"`
	Labels       Labels         `json:"labels"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ── Organization ─────────────────────────────────────────────

// OrgStatus is the lifecycle state of an organization.
type OrgStatus string

const (
	OrgActive    OrgStatus = "active"
	OrgSuspended OrgStatus = "suspended"
	OrgInvited   OrgStatus = "invited"
	OrgArchived  OrgStatus = "archived"
)

// OrgProfile is an organization. Unique by id and by slug.
type OrgProfile struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	Status      OrgStatus      `json:"status"`
	OwnerUserID string         `json:"owner_user_id"`
	Profile     map[string]any `json:"profile"` // carries at least "name"
	Labels      Labels         `json:"labels"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ── Groups ───────────────────────────────────────────────────

// Group is an org-scoped group. ParentGroupID forms a forest within the org;
// cycles are tolerated at read time (traversals prune visited ids), never
// validated at write time.
type Group struct {
	ID            string `json:"id"`
	OrgID         string `json:"org_id"`
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ParentGroupID string `json:"parent_group_id,omitempty"`
	Labels        Labels `json:"labels"`
}

// ── Membership ───────────────────────────────────────────────

// Membership links a user to an org with a role and group memberships.
// At most one membership per (user, org) is the semantic intent; lookups
// resolve ties by earliest created_at.
type Membership struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	OrgID       string    `json:"org_id"`
	Role        string    `json:"role"`
	GroupIDs    []string  `json:"group_ids"`
	LabelsDelta Labels    `json:"labels_delta"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ── Entitlements ─────────────────────────────────────────────

// SubjectKind names what an entitlement is attached to.
type SubjectKind string

const (
	SubjectUser       SubjectKind = "user"
	SubjectOrg        SubjectKind = "org"
	SubjectMembership SubjectKind = "membership"
)

// Entitlement grants a named capability to a subject.
// Listing order is (created_at ASC, id ASC).
type Entitlement struct {
	ID          string         `json:"id"`
	SubjectKind SubjectKind    `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Entitlement string         `json:"entitlement"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SortEntitlements orders by (created_at ASC, id ASC), the listing contract.
func SortEntitlements(list []Entitlement) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// ── Sessions ─────────────────────────────────────────────────

// Session is a local activity-tracking cache of an IdP session. The IdP is
// the authority on session existence.
type Session struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	CreatedAt       time.Time      `json:"created_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	FactorsVerified []string       `json:"factors_verified"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ── Effective identity ───────────────────────────────────────

// EffectiveIdentity is the denormalized, join-complete view of a caller
// within an org context. Derived, never persisted.
type EffectiveIdentity struct {
	UserID       string   `json:"user_id"`
	OrgID        string   `json:"org_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Groups       []string `json:"groups"`
	Labels       Labels   `json:"labels"`
	Roles        []string `json:"roles"`
	Entitlements []string `json:"entitlements"`
	Scopes       []string `json:"scopes"`
}

// ── Domain events ────────────────────────────────────────────

// Event is the envelope fanned out to webhook subscriptions and recorded
// in the audit trail.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	OrgID      string         `json:"org_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent is one append-only audit record.
// Default listing order is (occurred_at ASC, id ASC).
type AuditEvent struct {
	ID            string         `json:"id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Category      string         `json:"category"`
	Action        string         `json:"action"`
	Actor         string         `json:"actor,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Resource      string         `json:"resource,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// DecisionCacheEntry is the cached allow response for one decision token.
type DecisionCacheEntry struct {
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Clone returns a deep copy.
func (e *DecisionCacheEntry) Clone() *DecisionCacheEntry {
	if e == nil {
		return nil
	}
	out := &DecisionCacheEntry{ExpiresAt: e.ExpiresAt}
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
