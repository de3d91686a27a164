package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ── API keys ─────────────────────────────────────────────────

// HashKeySecret is the canonical API-key secret hash: SHA-256, hex-encoded.
// Issuance and lookup must agree on this or no key ever matches.
func HashKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// OwnerKind names who an API key belongs to.
type OwnerKind string

const (
	OwnerUser    OwnerKind = "user"
	OwnerOrg     OwnerKind = "org"
	OwnerService OwnerKind = "service"
)

// KeyOwner identifies the owner of an API key.
type KeyOwner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// KeyStatus is the lifecycle state of an API key.
//
// The stored column is a cached materialization: it is written as "active"
// on insert and "revoked" on revoke, never as "expired". Expiration is
// purely time-derived; readers recompute the effective status.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyExpired KeyStatus = "expired"
	KeyRevoked KeyStatus = "revoked"
)

// Key is an issued API key. The secret itself is never stored; only its
// SHA-256 hash. Hash and id are each globally unique.
type Key struct {
	ID               string         `json:"id"`
	Hash             string         `json:"hash"`
	Owner            KeyOwner       `json:"owner"`
	Name             string         `json:"name,omitempty"`
	Description      string         `json:"description,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time     `json:"last_used_at,omitempty"`
	UsageCount       int64          `json:"usage_count"`
	Status           KeyStatus      `json:"status"`
	Scopes           []string       `json:"scopes"`
	Labels           Labels         `json:"labels"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy        string         `json:"revoked_by,omitempty"`
	RevocationReason string         `json:"revocation_reason,omitempty"`
}

// EffectiveStatus derives the status a reader must observe at the given
// instant: revoked if revoked_at is set; else expired if expires_at has
// passed (inclusive boundary); else active.
func (k *Key) EffectiveStatus(now time.Time) KeyStatus {
	if k.RevokedAt != nil {
		return KeyRevoked
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return KeyExpired
	}
	return KeyActive
}

// ActiveAt reports whether the key is usable at the given instant.
func (k *Key) ActiveAt(now time.Time) bool {
	return k.EffectiveStatus(now) == KeyActive
}

// Clone returns a deep-enough copy for handing across store boundaries.
func (k *Key) Clone() *Key {
	out := *k
	out.Scopes = append([]string(nil), k.Scopes...)
	out.Labels = k.Labels.Clone()
	if k.Metadata != nil {
		md := make(map[string]any, len(k.Metadata))
		for key, v := range k.Metadata {
			md[key] = v
		}
		out.Metadata = md
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}
