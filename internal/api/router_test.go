package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-iam/catalyst/internal/api/handlers"
	"github.com/catalyst-iam/catalyst/internal/audit"
	"github.com/catalyst-iam/catalyst/internal/cache"
	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/internal/forwardauth"
	"github.com/catalyst-iam/catalyst/internal/policy"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/catalyst"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// stubIdP satisfies the identity-provider port for routes that never reach
// the IdP (service-key forward auth, admin API).
type stubIdP struct{}

func (stubIdP) ValidateAccessToken(ctx context.Context, token string) (*contracts.TokenIntrospection, error) {
	return &contracts.TokenIntrospection{Active: false}, nil
}

func (stubIdP) BuildEffectiveIdentity(ctx context.Context, userID string, opts contracts.IdentityOptions) (*models.EffectiveIdentity, error) {
	return &models.EffectiveIdentity{
		UserID:       userID,
		Groups:       []string{},
		Labels:       models.Labels{},
		Roles:        []string{},
		Entitlements: []string{},
		Scopes:       []string{},
	}, nil
}

func (stubIdP) ListActiveSessions(ctx context.Context, userID string) ([]contracts.IdPSession, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (http.Handler, *catalyst.Client) {
	t.Helper()
	cfg := config.Load()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	engine, err := policy.NewEngine(policy.AllowAll())
	require.NoError(t, err)

	authSvc := forwardauth.NewService(stubIdP{}, engine, cfg.ForwardAuth, forwardauth.Options{
		Cache:    cache.NewMemoryCache(128),
		Keys:     s,
		Sessions: s,
		Audit:    audit.NewEmitter(s),
	})
	client := catalyst.NewClient(s)
	h := handlers.New(authSvc, client, s, cache.NewMemoryCache(128), cfg.Version)
	return NewRouter(cfg, h), client
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		OK     bool `json:"ok"`
		Caches []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"caches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	require.Len(t, body.Caches, 2)
	assert.True(t, body.Caches[0].Healthy)
	assert.True(t, body.Caches[1].Healthy)
}

func TestForwardAuthWithoutCredentials(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_credentials", rec.Header().Get("x-forward-auth-error"))
	assert.Empty(t, rec.Header().Get("x-forward-auth-error-message"))
	// Denials carry no body; proxies only read status and headers.
	assert.Empty(t, rec.Body.String())
}

func TestForwardAuthWithServiceKey(t *testing.T) {
	router, client := newTestRouter(t)

	issued, err := client.IssueKey(context.Background(), catalyst.IssueKeyRequest{
		Owner:  models.KeyOwner{Kind: models.OwnerService, ID: "svc-ci"},
		Scopes: []string{"deploy"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.Header.Set("x-api-key", issued.Secret)
	req.Header.Set("x-forwarded-method", "POST")
	req.Header.Set("x-forwarded-uri", "/deployments")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key:"+issued.Key.ID, rec.Header().Get("x-user-sub"))
	assert.Equal(t, "deploy", rec.Header().Get("x-user-scopes"))
	assert.NotEmpty(t, rec.Header().Get("x-decision-jwt"))
	assert.Empty(t, rec.Body.String())
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	// Issue
	body := `{"owner":{"kind":"user","id":"u-1"},"name":"ci","scopes":["read","read"]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/keys", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var issued struct {
		Key    models.Key `json:"key"`
		Secret string     `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.True(t, strings.HasPrefix(issued.Secret, "ck_"))
	assert.Equal(t, []string{"read"}, issued.Key.Scopes)

	// Verify
	verifyBody, _ := json.Marshal(map[string]string{"secret": issued.Secret})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/keys/verify", bytes.NewReader(verifyBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	// List
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/keys?owner_kind=user&owner_id=u-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []models.Key
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	require.Len(t, keys, 1)

	// Revoke
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/keys/"+issued.Key.ID,
		strings.NewReader(`{"revoked_by":"admin","reason":"rotation"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	// The secret no longer verifies.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/keys/verify", bytes.NewReader(verifyBody)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIssueKeyValidationOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/keys", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/keys", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityNotFoundOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/identity/u-missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertUserAndIdentityOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/users",
		strings.NewReader(`{"authentik_id":"ak-1","email":"a@example.com","labels":{"tier":"free"}}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var user models.UserProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	require.NotEmpty(t, user.ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/identity/"+user.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var identity models.EffectiveIdentity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &identity))
	assert.Equal(t, user.ID, identity.UserID)
	assert.Equal(t, "free", identity.Labels["tier"])
}

func TestAuditListingOverHTTP(t *testing.T) {
	router, client := newTestRouter(t)

	_, err := client.IssueKey(context.Background(), catalyst.IssueKeyRequest{
		Owner: models.KeyOwner{Kind: models.OwnerService, ID: "svc-1"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit?category=keys", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.AuditEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "key_issued", events[0].Action)
}
