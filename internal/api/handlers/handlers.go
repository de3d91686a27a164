// Package handlers implements the HTTP handlers for the Catalyst gateway:
// the forward-auth endpoint consumed by reverse proxies, the health probe,
// and the admin API over the pkg/catalyst facade.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/internal/forwardauth"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/catalyst"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Auth    *forwardauth.Service
	Client  *catalyst.Client
	Store   store.Store
	Cache   contracts.DecisionCache
	Version string
}

// New creates a Handlers instance with all dependencies.
func New(auth *forwardauth.Service, client *catalyst.Client, s store.Store, cache contracts.DecisionCache, version string) *Handlers {
	return &Handlers{
		Auth:    auth,
		Client:  client,
		Store:   s,
		Cache:   cache,
		Version: version,
	}
}

// ── Forward auth ─────────────────────────────────────────────

// ForwardAuth is the proxy-facing decision endpoint. The original request
// arrives via the x-forwarded-* convention; the response is rendered as
// status plus headers with an empty body, which is what reverse proxies
// consume.
func (h *Handlers) ForwardAuth(w http.ResponseWriter, r *http.Request) {
	req := &forwardauth.Request{
		Method:   r.Header.Get("x-forwarded-method"),
		Path:     r.Header.Get("x-forwarded-uri"),
		Headers:  flattenRequestHeaders(r.Header),
		Action:   r.URL.Query().Get("action"),
		Resource: r.URL.Query().Get("resource"),
	}
	if req.Method == "" {
		req.Method = r.Method
	}
	if req.Path == "" {
		req.Path = r.URL.Path
	}

	resp := h.Auth.Handle(r.Context(), req)
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
}

// flattenRequestHeaders keeps the first value per header. The pipeline
// lowercases names itself.
func flattenRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// ── Health ───────────────────────────────────────────────────

type dependencyHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Health pings the store and the decision cache. Any unhealthy dependency
// degrades the probe to 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks := []dependencyHealth{}
	healthy := true

	if h.Store != nil {
		check := dependencyHealth{Name: "store", Healthy: true}
		if err := h.Store.Ping(r.Context()); err != nil {
			check.Healthy = false
			check.Error = err.Error()
			healthy = false
		}
		checks = append(checks, check)
	}
	if h.Cache != nil {
		check := dependencyHealth{Name: h.Cache.Name(), Healthy: true}
		if err := h.Cache.Ping(r.Context()); err != nil {
			check.Healthy = false
			check.Error = err.Error()
			healthy = false
		}
		checks = append(checks, check)
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"ok":     healthy,
		"caches": checks,
	})
}

// ── API keys ─────────────────────────────────────────────────

type issueKeyRequest struct {
	Owner       models.KeyOwner `json:"owner"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
	Labels      models.Labels   `json:"labels,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

func (h *Handlers) IssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	issued, err := h.Client.IssueKey(r.Context(), catalyst.IssueKeyRequest{
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
		respondCodedError(w, err)
		return
	}
	log.Info().Str("key_id", issued.Key.ID).Str("owner", issued.Key.Owner.ID).Msg("API key issued")
	respondJSON(w, http.StatusCreated, map[string]any{
		"key":    issued.Key,
		"secret": issued.Secret,
	})
}

func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := models.KeyOwner{
		Kind: models.OwnerKind(q.Get("owner_kind")),
		ID:   q.Get("owner_id"),
	}
	opts := store.ListKeysOptions{
		IncludeRevoked: q.Get("include_revoked") == "true",
		IncludeExpired: q.Get("include_expired") == "true",
	}
	keys, err := h.Client.ListKeys(r.Context(), owner, opts)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	if keys == nil {
		keys = []models.Key{}
	}
	respondJSON(w, http.StatusOK, keys)
}

type revokeKeyRequest struct {
	RevokedBy string `json:"revoked_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	var req revokeKeyRequest
	if r.Body != nil {
		// The body is optional; decode errors on an empty body are fine.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	key, err := h.Client.RevokeKey(r.Context(), keyID, req.RevokedBy, req.Reason)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	log.Info().Str("key_id", key.ID).Str("revoked_by", req.RevokedBy).Msg("API key revoked")
	respondJSON(w, http.StatusOK, key)
}

type verifyKeyRequest struct {
	Secret string `json:"secret"`
}

func (h *Handlers) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := h.Client.VerifyKeySecret(r.Context(), req.Secret)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, key)
}

// ── Profiles ─────────────────────────────────────────────────

func (h *Handlers) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var profile models.UserProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stored, err := h.Client.UpsertUserProfile(r.Context(), &profile)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (h *Handlers) UpsertOrg(w http.ResponseWriter, r *http.Request) {
	var org models.OrgProfile
	if err := json.NewDecoder(r.Body).Decode(&org); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stored, err := h.Client.UpsertOrgProfile(r.Context(), &org)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

// ── Identity & entitlements ─────────────────────────────────

func (h *Handlers) GetIdentity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()
	opts := contracts.IdentityOptions{
		OrgID:        q.Get("org"),
		MembershipID: q.Get("membership"),
	}
	if v := q.Get("include_groups"); v != "" {
		include := v == "true"
		opts.IncludeGroups = &include
	}
	identity, err := h.Client.EffectiveIdentity(r.Context(), userID, opts)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

func (h *Handlers) GrantEntitlement(w http.ResponseWriter, r *http.Request) {
	var ent models.Entitlement
	if err := json.NewDecoder(r.Body).Decode(&ent); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	granted, err := h.Client.GrantEntitlement(r.Context(), &ent)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, granted)
}

// ── Webhooks & events ───────────────────────────────────────

func (h *Handlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub models.WebhookSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stored, err := h.Client.CreateWebhookSubscription(r.Context(), &sub)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	log.Info().Str("subscription_id", stored.ID).Str("target", stored.TargetURL).Msg("Webhook subscription created")
	respondJSON(w, http.StatusCreated, stored)
}

func (h *Handlers) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.Type == "" {
		respondError(w, http.StatusBadRequest, "event type is required")
		return
	}
	deliveries, err := h.Client.EmitEvent(r.Context(), &event)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []models.WebhookDelivery{}
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"event":      event,
		"deliveries": deliveries,
	})
}

// ── Audit ────────────────────────────────────────────────────

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Category: q.Get("category"),
		Action:   q.Get("action"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	events, err := h.Client.AuditTrail(r.Context(), filter)
	if err != nil {
		respondCodedError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCodedError maps stable error codes onto HTTP statuses.
func respondCodedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cerrors.Code(err) {
	case cerrors.CodeValidation:
		status = http.StatusBadRequest
	case cerrors.CodeNotFound:
		status = http.StatusNotFound
	case cerrors.CodeConflict, cerrors.CodeDuplicateID, cerrors.CodeDuplicateHash:
		status = http.StatusConflict
	case cerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case cerrors.CodeUpstream:
		status = http.StatusBadGateway
	}
	respondError(w, status, err.Error())
}
