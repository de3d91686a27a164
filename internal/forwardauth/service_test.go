package forwardauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-iam/catalyst/internal/audit"
	"github.com/catalyst-iam/catalyst/internal/cache"
	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/internal/identity"
	"github.com/catalyst-iam/catalyst/internal/policy"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// fakeIdP scripts introspection and session listing; identity composition
// runs against the real composer and store.
type fakeIdP struct {
	composer       *identity.Composer
	introspections map[string]*contracts.TokenIntrospection
	sessions       []contracts.IdPSession
	introspectErr  error
	introspected   int
}

func (f *fakeIdP) ValidateAccessToken(_ context.Context, token string) (*contracts.TokenIntrospection, error) {
	f.introspected++
	if f.introspectErr != nil {
		return nil, f.introspectErr
	}
	if result, ok := f.introspections[token]; ok {
		return result, nil
	}
	return &contracts.TokenIntrospection{Active: false}, nil
}

func (f *fakeIdP) BuildEffectiveIdentity(ctx context.Context, userID string, opts contracts.IdentityOptions) (*models.EffectiveIdentity, error) {
	return f.composer.Build(ctx, userID, opts)
}

func (f *fakeIdP) ListActiveSessions(_ context.Context, _ string) ([]contracts.IdPSession, error) {
	return f.sessions, nil
}

type fixture struct {
	service *Service
	store   *store.MemoryStore
	cache   *cache.MemoryCache
	idp     *fakeIdP
	audit   *audit.Emitter
}

func forwardAuthConfig() config.ForwardAuthConfig {
	return config.ForwardAuthConfig{
		DecisionTTL:     55 * time.Second,
		CachePrefix:     "forward-auth:decision",
		EnvHeaderPrefix: "x-forward-auth-env-",
		OrgHeader:       "x-catalyst-org",
	}
}

func newFixture(t *testing.T, rules []policy.Rule) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	c := cache.NewMemoryCache(64)
	idp := &fakeIdP{
		composer:       identity.NewComposer(s),
		introspections: map[string]*contracts.TokenIntrospection{},
	}
	engine, err := policy.NewEngine(rules)
	require.NoError(t, err)
	emitter := audit.NewEmitter(s)

	service := NewService(idp, engine, forwardAuthConfig(), Options{
		Cache:    c,
		Keys:     s,
		Sessions: s,
		Audit:    emitter,
	})
	return &fixture{service: service, store: s, cache: c, idp: idp, audit: emitter}
}

func seedUser(t *testing.T, s *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertUserProfile(ctx, &models.UserProfile{
		ID: "user-1", AuthentikID: "ak-1", Email: "u@example.com",
		PrimaryOrgID: "org-9",
		Labels:       models.Labels{"tier": "gold"},
	})
	require.NoError(t, err)
	_, err = s.UpsertOrgProfile(ctx, &models.OrgProfile{
		ID: "org-9", Slug: "org-nine", Status: models.OrgActive,
		Profile: map[string]any{"name": "Org Nine"},
	})
	require.NoError(t, err)
	_, err = s.CreateMembership(ctx, &models.Membership{
		ID: "m-1", UserID: "user-1", OrgID: "org-9", Role: "member",
	})
	require.NoError(t, err)
}

func TestCachedDecisionShortCircuit(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	ctx := context.Background()

	entry := &models.DecisionCacheEntry{Headers: map[string]string{
		"x-user-sub":     "user-1",
		"x-org-id":       "org-9",
		"x-decision-jwt": "decision.jwt",
	}}
	require.NoError(t, f.cache.Set(ctx, "forward-auth:decision:decision.jwt", entry,
		contracts.CacheSetOptions{TTL: 30 * time.Second}))

	resp := f.service.Handle(ctx, &Request{
		Method:  "GET",
		Path:    "/space",
		Headers: map[string]string{"x-decision-jwt": "decision.jwt"},
	})

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "user-1", resp.Headers["x-user-sub"])
	assert.Equal(t, "org-9", resp.Headers["x-org-id"])
	assert.Equal(t, "decision.jwt", resp.Headers["x-decision-jwt"])
	// The IdP is never consulted on a hit.
	assert.Equal(t, 0, f.idp.introspected)
	// A cache hit is a replay, not a new decision.
	events, err := f.audit.List(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInactiveToken(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	f.idp.introspections["dead"] = &contracts.TokenIntrospection{Active: false}

	resp := f.service.Handle(context.Background(), &Request{
		Method:  "GET",
		Path:    "/r",
		Headers: map[string]string{"authorization": "Bearer dead"},
	})
	assert.Equal(t, 401, resp.Status)
	assert.Equal(t, ErrInactiveToken, resp.Headers[HeaderError])
}

func TestMissingCredentials(t *testing.T) {
	f := newFixture(t, policy.AllowAll())

	for name, headers := range map[string]map[string]string{
		"no headers":          {},
		"whitespace api key":  {"x-api-key": "   "},
		"unknown scheme":      {"authorization": "Digest abc"},
		"bare bearer":         {"authorization": "Bearer"},
		"decision cache miss": {"authorization": "Decision some.jwt"},
	} {
		resp := f.service.Handle(context.Background(), &Request{
			Method: "GET", Path: "/r", Headers: headers,
		})
		assert.Equal(t, 401, resp.Status, name)
		assert.Equal(t, ErrMissingCredentials, resp.Headers[HeaderError], name)
	}
}

func TestAPIKeyHappyPath(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	ctx := context.Background()

	_, err := f.store.UpsertUserProfile(ctx, &models.UserProfile{
		ID: "user-55", AuthentikID: "ak-55", Email: "k@example.com",
		Labels: models.Labels{"tier": "silver"},
	})
	require.NoError(t, err)

	_, err = f.store.IssueKey(ctx, store.IssueKeyInput{
		ID:     "key-1",
		Hash:   models.HashKeySecret("key-secret"),
		Owner:  models.KeyOwner{Kind: models.OwnerUser, ID: "user-55"},
		Scopes: []string{"base", "read"},
		Labels: models.Labels{"tier": "gold"},
	})
	require.NoError(t, err)

	resp := f.service.Handle(ctx, &Request{
		Method:  "GET",
		Path:    "/r",
		Headers: map[string]string{"x-api-key": "key-secret"},
	})

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "user-55", resp.Headers["x-user-sub"])
	// Key labels win over identity labels.
	assert.Contains(t, resp.Headers["x-user-labels"], `"tier":"gold"`)
	assert.Contains(t, resp.Headers["x-user-scopes"], "base")
	assert.Contains(t, resp.Headers["x-user-scopes"], "read")

	key, err := f.store.GetKeyByID(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.UsageCount)
	assert.NotNil(t, key.LastUsedAt)
}

func TestOrgKeySynthesizesIdentity(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	ctx := context.Background()

	_, err := f.store.IssueKey(ctx, store.IssueKeyInput{
		ID:     "key-org",
		Hash:   models.HashKeySecret("org-secret"),
		Owner:  models.KeyOwner{Kind: models.OwnerOrg, ID: "org-7"},
		Scopes: []string{"ingest", "ingest"},
		Labels: models.Labels{"service": "pipeline"},
	})
	require.NoError(t, err)

	resp := f.service.Handle(ctx, &Request{
		Method:  "POST",
		Path:    "/ingest",
		Headers: map[string]string{"authorization": "Key org-secret"},
	})

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "key:key-org", resp.Headers["x-user-sub"])
	assert.Equal(t, "org-7", resp.Headers["x-org-id"])
	assert.Equal(t, "ingest", resp.Headers["x-user-scopes"])
	assert.Empty(t, resp.Headers["x-user-roles"])
}

func TestExpiredKeyIsInactive(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, err := f.store.IssueKey(ctx, store.IssueKeyInput{
		ID:        "key-old",
		Hash:      models.HashKeySecret("old-secret"),
		Owner:     models.KeyOwner{Kind: models.OwnerService, ID: "svc-1"},
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	resp := f.service.Handle(ctx, &Request{
		Method:  "GET",
		Path:    "/r",
		Headers: map[string]string{"x-api-key": "old-secret"},
	})
	assert.Equal(t, 403, resp.Status)
	assert.Equal(t, ErrAPIKeyInactive, resp.Headers[HeaderError])
}

func TestUnknownKeyIs401(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	resp := f.service.Handle(context.Background(), &Request{
		Method:  "GET",
		Path:    "/r",
		Headers: map[string]string{"x-api-key": "nope"},
	})
	assert.Equal(t, 401, resp.Status)
	assert.Equal(t, ErrInvalidAPIKey, resp.Headers[HeaderError])
}

func TestPolicyDeny(t *testing.T) {
	f := newFixture(t, []policy.Rule{
		{Name: "deny", Condition: "true", Effect: policy.EffectDeny, Reason: "nope"},
	})
	seedUser(t, f.store)
	f.idp.introspections["ok"] = &contracts.TokenIntrospection{
		Active: true, Subject: "user-1", Claims: map[string]any{},
	}

	resp := f.service.Handle(context.Background(), &Request{
		Method:  "POST",
		Path:    "/secure",
		Headers: map[string]string{"authorization": "Bearer ok"},
	})
	assert.Equal(t, 403, resp.Status)
	assert.Equal(t, "nope", resp.Headers[HeaderError])
}

func TestAllowCachesAndReplays(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	seedUser(t, f.store)
	f.idp.introspections["ok"] = &contracts.TokenIntrospection{
		Active: true, Subject: "user-1", Claims: map[string]any{},
	}
	ctx := context.Background()

	first := f.service.Handle(ctx, &Request{
		Method:  "GET",
		Path:    "/space",
		Headers: map[string]string{"authorization": "Bearer ok"},
	})
	require.Equal(t, 200, first.Status)
	token := first.Headers[HeaderDecisionJWT]
	require.NotEmpty(t, token)
	assert.Equal(t, "user-1", first.Headers["x-user-sub"])
	assert.Equal(t, "org-9", first.Headers["x-org-id"])

	// Exactly one decision_cached audit event on the happy path.
	events, err := f.audit.List(ctx, store.AuditFilter{Category: "forward_auth"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "decision_cached", events[0].Action)
	assert.Equal(t, token, events[0].Resource)

	// Replay without credentials: identical headers modulo the overlay.
	replay := f.service.Handle(ctx, &Request{
		Method:  "GET",
		Path:    "/space",
		Headers: map[string]string{"x-decision-jwt": token},
	})
	require.Equal(t, 200, replay.Status)
	assert.Equal(t, first.Headers, replay.Headers)
	assert.Equal(t, 1, f.idp.introspected)
}

func TestIdPFailureIs502(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	f.idp.introspectErr = cerrors.Upstream("idp down", nil)

	resp := f.service.Handle(context.Background(), &Request{
		Method:  "GET",
		Path:    "/r",
		Headers: map[string]string{"authorization": "Bearer any"},
	})
	assert.Equal(t, 502, resp.Status)
	assert.Equal(t, ErrTokenValidation, resp.Headers[HeaderError])
	assert.NotEmpty(t, resp.Headers[HeaderErrorMessage])
}

func TestSessionTouchOnBearerAllow(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	seedUser(t, f.store)
	created := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	f.idp.introspections["ok"] = &contracts.TokenIntrospection{
		Active: true, Subject: "user-1",
		Claims: map[string]any{"sid": "sess-1"},
	}
	f.idp.sessions = []contracts.IdPSession{{
		ID:        "sess-1",
		CreatedAt: created,
		Factors:   []string{"password", "totp"},
	}}
	ctx := context.Background()

	resp := f.service.Handle(ctx, &Request{
		Method: "GET",
		Path:   "/space",
		Headers: map[string]string{
			"authorization":   "Bearer ok",
			"x-forwarded-for": "203.0.113.7, 10.0.0.1",
			"user-agent":      "curl/8.0",
		},
	})
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "sess-1", resp.Headers["x-session-id"])

	session, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, created, session.CreatedAt)
	assert.Equal(t, []string{"password", "totp"}, session.FactorsVerified)

	fa, ok := session.Metadata["forwardAuth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7", fa["ip"])
	assert.Equal(t, "curl/8.0", fa["userAgent"])
}

func TestEnvironmentHeadersReachPolicy(t *testing.T) {
	f := newFixture(t, []policy.Rule{{
		Name:      "env-gate",
		Condition: `environment["region"] == "eu"`,
		Effect:    policy.EffectAllow,
	}})
	seedUser(t, f.store)
	f.idp.introspections["ok"] = &contracts.TokenIntrospection{
		Active: true, Subject: "user-1", Claims: map[string]any{},
	}
	ctx := context.Background()

	allowed := f.service.Handle(ctx, &Request{
		Method: "GET", Path: "/r",
		Headers: map[string]string{
			"authorization":            "Bearer ok",
			"x-forward-auth-env-region": "eu",
		},
	})
	assert.Equal(t, 200, allowed.Status)

	denied := f.service.Handle(ctx, &Request{
		Method:  "GET",
		Path:    "/r",
		Headers: map[string]string{"authorization": "Bearer ok"},
	})
	assert.Equal(t, 403, denied.Status)
}

func TestOrgHeaderSelectsMembership(t *testing.T) {
	f := newFixture(t, policy.AllowAll())
	seedUser(t, f.store)
	ctx := context.Background()

	_, err := f.store.UpsertOrgProfile(ctx, &models.OrgProfile{
		ID: "org-2", Slug: "second", Status: models.OrgActive,
		Profile: map[string]any{"name": "Second"},
	})
	require.NoError(t, err)
	_, err = f.store.CreateMembership(ctx, &models.Membership{
		ID: "m-2", UserID: "user-1", OrgID: "org-2", Role: "owner",
	})
	require.NoError(t, err)

	f.idp.introspections["ok"] = &contracts.TokenIntrospection{
		Active: true, Subject: "user-1", Claims: map[string]any{},
	}

	resp := f.service.Handle(ctx, &Request{
		Method: "GET", Path: "/r",
		Headers: map[string]string{
			"authorization":  "Bearer ok",
			"x-catalyst-org": "org-2",
		},
	})
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "org-2", resp.Headers["x-org-id"])
	assert.Equal(t, "owner", resp.Headers["x-user-roles"])
}
