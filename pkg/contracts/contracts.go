// Package contracts defines the port interfaces between the Catalyst core
// and its external collaborators: the identity provider, the policy engine,
// the decision cache, and the token service.
//
// These live in pkg/ so that embedding callers can supply their own
// implementations; the in-tree implementations are in internal/.
package contracts

import (
	"context"
	"time"

	"github.com/catalyst-iam/catalyst/pkg/models"
)

// ── Identity provider port ──────────────────────────────────

// TokenIntrospection is the translated result of an RFC 7662-style
// introspection call.
type TokenIntrospection struct {
	Active    bool           `json:"active"`
	Subject   string         `json:"subject,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// TokenResponse is a translated OAuth token-endpoint response.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// IdPSession is a session as reported by the IdP's admin API.
type IdPSession struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Factors   []string       `json:"factors,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IdPUser is a user profile as reported by the IdP's admin API.
type IdPUser struct {
	ID     string         `json:"id"`
	Email  string         `json:"email"`
	Name   string         `json:"name,omitempty"`
	Avatar string         `json:"avatar,omitempty"`
	Raw    map[string]any `json:"raw,omitempty"`
}

// IdentityOptions scopes an effective-identity build.
type IdentityOptions struct {
	OrgID         string
	MembershipID  string
	IncludeGroups *bool // nil means true
}

// WantGroups resolves the IncludeGroups tri-state.
func (o IdentityOptions) WantGroups() bool {
	return o.IncludeGroups == nil || *o.IncludeGroups
}

// IdentityProvider is the IdP port consumed by the forward-auth pipeline.
type IdentityProvider interface {
	// ValidateAccessToken introspects an access token.
	ValidateAccessToken(ctx context.Context, token string) (*TokenIntrospection, error)

	// BuildEffectiveIdentity joins profile, org, membership, groups and
	// entitlements into a single identity record for the given user.
	BuildEffectiveIdentity(ctx context.Context, userID string, opts IdentityOptions) (*models.EffectiveIdentity, error)

	// ListActiveSessions returns the IdP's view of the user's sessions.
	ListActiveSessions(ctx context.Context, userID string) ([]IdPSession, error)
}

// ── Policy port ─────────────────────────────────────────────

// PolicyInput is the evaluation request handed to the policy engine.
type PolicyInput struct {
	Identity    *models.EffectiveIdentity `json:"identity"`
	Action      string                    `json:"action"`
	Resource    string                    `json:"resource,omitempty"`
	Environment map[string]any            `json:"environment,omitempty"`
}

// PolicyDecision is the engine's answer. DecisionJWT, when present, is an
// opaque token identifying the allow decision; the core never inspects it.
type PolicyDecision struct {
	Allow       bool           `json:"allow"`
	Reason      string         `json:"reason,omitempty"`
	DecisionJWT string         `json:"decision_jwt,omitempty"`
	Obligations map[string]any `json:"obligations,omitempty"`
}

// PolicyEngine evaluates (identity, action, resource, environment) into a
// decision. Implementations must treat the input as read-only.
type PolicyEngine interface {
	Evaluate(ctx context.Context, input *PolicyInput) (*PolicyDecision, error)
}

// ── Decision cache port ─────────────────────────────────────

// CacheSetOptions carries the TTL (required) and advisory tags.
type CacheSetOptions struct {
	TTL  time.Duration
	Tags []string
}

// DecisionCache is a TTL-bounded KV keyed by decision-token strings.
// Get returns (nil, nil) on a miss; expired entries are misses.
type DecisionCache interface {
	Name() string
	Get(ctx context.Context, key string) (*models.DecisionCacheEntry, error)
	Set(ctx context.Context, key string, entry *models.DecisionCacheEntry, opts CacheSetOptions) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ── Token service port ──────────────────────────────────────

// TokenService signs opaque artifacts on behalf of the core. Catalyst never
// signs JWTs itself; decision-token minting lives behind the policy engine
// or this port.
type TokenService interface {
	Sign(ctx context.Context, claims map[string]any, ttl time.Duration) (string, error)
}
