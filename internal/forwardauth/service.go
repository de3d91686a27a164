// Package forwardauth implements the reverse-proxy authorization pipeline:
// credential extraction, identity resolution, policy evaluation, decision
// caching and the best-effort bookkeeping around an allow.
package forwardauth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/internal/audit"
	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

const auditCategory = "forward_auth"

// Service orchestrates one forward-auth decision. Cache, key store, session
// store and audit emitter are all optional; the pipeline degrades gracefully
// when they are absent.
type Service struct {
	idp    contracts.IdentityProvider
	policy contracts.PolicyEngine
	cache  contracts.DecisionCache
	keys   store.KeyStore
	sess   store.SessionStore
	audit  *audit.Emitter
	cfg    config.ForwardAuthConfig
	now    func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Cache    contracts.DecisionCache
	Keys     store.KeyStore
	Sessions store.SessionStore
	Audit    *audit.Emitter
}

// NewService builds the pipeline.
func NewService(idp contracts.IdentityProvider, policy contracts.PolicyEngine, cfg config.ForwardAuthConfig, opts Options) *Service {
	if cfg.DecisionTTL < time.Second {
		cfg.DecisionTTL = time.Second
	}
	return &Service{
		idp:    idp,
		policy: policy,
		cache:  opts.Cache,
		keys:   opts.Keys,
		sess:   opts.Sessions,
		audit:  opts.Audit,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs the pipeline. It always returns a response; errors are folded
// into 4xx/5xx statuses per the failure semantics.
func (s *Service) Handle(ctx context.Context, req *Request) *Response {
	req.Normalize()

	// Decision-token short-circuit.
	if token := req.Headers[HeaderDecisionJWT]; token != "" && s.cache != nil {
		if resp := s.cachedDecision(ctx, token); resp != nil {
			return resp
		}
	}

	cred := extractCredential(req.Headers)
	if cred.kind == credentialNone {
		return errorResponse(401, ErrMissingCredentials, "")
	}

	orgID := req.OrgID
	if orgID == "" {
		orgID = req.Headers[s.cfg.OrgHeader]
	}

	var (
		identity *models.EffectiveIdentity
		errResp  *Response
	)
	switch cred.kind {
	case credentialAccessToken:
		identity, errResp = s.resolveAccessToken(ctx, cred.value, orgID)
	case credentialAPIKey:
		identity, errResp = s.resolveAPIKey(ctx, cred.value, orgID)
	}
	if errResp != nil {
		return errResp
	}

	// Session touch is best-effort and never blocks the outcome.
	s.touchSession(ctx, identity, req)

	action := req.Action
	if action == "" {
		action = strings.ToUpper(req.Method) + " " + req.Path
	}
	environment := s.buildEnvironment(req)

	decision, err := s.evaluatePolicy(ctx, &contracts.PolicyInput{
		Identity:    identity,
		Action:      action,
		Resource:    req.Resource,
		Environment: environment,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("policy evaluation failed")
		return errorResponse(502, ErrPolicy, err.Error())
	}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = ErrPolicyDenied
		}
		resp := errorResponse(403, reason, "")
		if len(decision.Obligations) > 0 {
			resp.Headers[HeaderObligations] = marshalJSON(decision.Obligations)
		}
		return resp
	}

	resp := s.allowResponse(identity, decision)
	s.storeDecision(ctx, identity, decision, resp.Headers)
	return resp
}

// cachedDecision returns the replayed allow response or nil on miss. Cache
// failures are logged and treated as misses.
func (s *Service) cachedDecision(ctx context.Context, token string) *Response {
	entry, err := s.cache.Get(ctx, s.cacheKey(token))
	if err != nil {
		log.Warn().Err(err).Msg("decision cache lookup failed")
		return nil
	}
	if entry == nil {
		return nil
	}
	headers := make(map[string]string, len(entry.Headers)+1)
	for k, v := range entry.Headers {
		headers[k] = v
	}
	headers[HeaderDecisionJWT] = token
	return &Response{Status: 200, Headers: headers}
}

func (s *Service) cacheKey(token string) string {
	return s.cfg.CachePrefix + ":" + token
}

// ── Identity resolution ─────────────────────────────────────

func (s *Service) resolveAccessToken(ctx context.Context, token, orgID string) (*models.EffectiveIdentity, *Response) {
	introspection, err := s.idp.ValidateAccessToken(ctx, token)
	if err != nil {
		log.Error().Err(err).Msg("token introspection failed")
		return nil, errorResponse(502, ErrTokenValidation, err.Error())
	}
	if !introspection.Active || introspection.Subject == "" {
		return nil, errorResponse(401, ErrInactiveToken, "")
	}

	identity, err := s.idp.BuildEffectiveIdentity(ctx, introspection.Subject,
		contracts.IdentityOptions{OrgID: orgID})
	if err != nil {
		log.Error().Err(err).Str("subject", introspection.Subject).Msg("identity resolution failed")
		return nil, errorResponse(502, ErrIdentityResolution, err.Error())
	}

	if sid, ok := introspection.Claims["sid"].(string); ok {
		identity.SessionID = sid
	}
	if scope, ok := introspection.Claims["scope"].(string); ok && scope != "" {
		identity.Scopes = models.DedupeStrings(strings.Fields(scope))
	}
	return identity, nil
}

func (s *Service) resolveAPIKey(ctx context.Context, secret, orgID string) (*models.EffectiveIdentity, *Response) {
	if s.keys == nil {
		return nil, errorResponse(500, ErrAPIKeyNotSupported, "")
	}

	lookupCtx := ctx
	if s.cfg.KeyLookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, s.cfg.KeyLookupTimeout)
		defer cancel()
	}
	key, err := s.keys.GetKeyByHash(lookupCtx, models.HashKeySecret(secret))
	if err != nil {
		log.Error().Err(err).Msg("api key lookup failed")
		return nil, errorResponse(502, ErrAPIKeyLookupFailed, err.Error())
	}
	if key == nil {
		return nil, errorResponse(401, ErrInvalidAPIKey, "")
	}
	now := s.now()
	if !key.ActiveAt(now) {
		return nil, errorResponse(403, ErrAPIKeyInactive, "")
	}

	var identity *models.EffectiveIdentity
	if key.Owner.Kind == models.OwnerUser {
		identity, err = s.idp.BuildEffectiveIdentity(ctx, key.Owner.ID,
			contracts.IdentityOptions{OrgID: orgID})
		if err != nil {
			log.Error().Err(err).Str("owner_id", key.Owner.ID).Msg("identity resolution failed")
			return nil, errorResponse(502, ErrIdentityResolution, err.Error())
		}
		identity.Labels = models.MergeLabels(identity.Labels, key.Labels)
		identity.Scopes = models.DedupeStrings(append(identity.Scopes, key.Scopes...))
	} else {
		keyOrg := orgID
		if key.Owner.Kind == models.OwnerOrg {
			keyOrg = key.Owner.ID
		}
		identity = &models.EffectiveIdentity{
			UserID:       "key:" + key.ID,
			OrgID:        keyOrg,
			Groups:       []string{},
			Labels:       key.Labels.Clone(),
			Roles:        []string{},
			Entitlements: []string{},
			Scopes:       models.DedupeStrings(key.Scopes),
		}
		if identity.Labels == nil {
			identity.Labels = models.Labels{}
		}
	}

	if err := s.keys.RecordKeyUsage(ctx, key.ID, &now); err != nil {
		log.Warn().Err(err).Str("key_id", key.ID).Msg("key usage record failed")
	}
	return identity, nil
}

// ── Session touch ───────────────────────────────────────────

func (s *Service) touchSession(ctx context.Context, identity *models.EffectiveIdentity, req *Request) {
	if s.sess == nil || identity.SessionID == "" || identity.UserID == "" {
		return
	}
	envelope := forwardMetadata(req.Headers)
	now := s.now()

	existing, err := s.sess.GetSession(ctx, identity.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", identity.SessionID).Msg("session read failed")
		return
	}
	if existing != nil {
		err = s.sess.TouchSession(ctx, identity.SessionID, store.TouchSessionInput{
			LastSeenAt: now,
			Metadata:   deepMerge(existing.Metadata, envelope),
		})
		if err != nil {
			log.Warn().Err(err).Str("session_id", identity.SessionID).Msg("session touch failed")
		}
		return
	}

	session := &models.Session{
		ID:              identity.SessionID,
		UserID:          identity.UserID,
		CreatedAt:       now,
		LastSeenAt:      now,
		FactorsVerified: []string{},
		Metadata:        envelope,
	}
	// Seed creation detail from the IdP's view when available.
	if idpSessions, err := s.idp.ListActiveSessions(ctx, identity.UserID); err == nil {
		for _, is := range idpSessions {
			if is.ID != identity.SessionID {
				continue
			}
			if !is.CreatedAt.IsZero() {
				session.CreatedAt = is.CreatedAt
			}
			if len(is.Factors) > 0 {
				session.FactorsVerified = is.Factors
			}
			session.Metadata = deepMerge(is.Metadata, envelope)
			break
		}
	}

	if err := s.sess.CreateSession(ctx, session); err != nil {
		// Lost a create race; fall back to a touch.
		if touchErr := s.sess.TouchSession(ctx, session.ID, store.TouchSessionInput{
			LastSeenAt: now,
			Metadata:   session.Metadata,
		}); touchErr != nil {
			log.Warn().Err(touchErr).Str("session_id", session.ID).Msg("session create fallback failed")
		}
	}
}

// forwardMetadata builds the session metadata envelope from forwarding
// headers, including only fields that exist.
func forwardMetadata(headers map[string]string) map[string]any {
	fa := map[string]any{}
	ip := ""
	if xff := headers["x-forwarded-for"]; xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				ip = trimmed
				break
			}
		}
		fa["forwardedFor"] = xff
	}
	if ip == "" {
		ip = headers["x-real-ip"]
	}
	if ip != "" {
		fa["ip"] = ip
	}
	if ua := headers["user-agent"]; ua != "" {
		fa["userAgent"] = ua
	}
	if host := headers["x-forwarded-host"]; host != "" {
		fa["host"] = host
	}
	if proto := headers["x-forwarded-proto"]; proto != "" {
		fa["protocol"] = proto
	}
	if port := headers["x-forwarded-port"]; port != "" {
		fa["port"] = port
	}
	if len(fa) == 0 {
		return map[string]any{}
	}
	return map[string]any{"forwardAuth": fa}
}

// deepMerge overlays b onto a, recursing into nested maps. Neither input is
// mutated.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ── Policy and response composition ─────────────────────────

// buildEnvironment collects prefixed request headers plus request context,
// then overlays the request's explicit environment.
func (s *Service) buildEnvironment(req *Request) map[string]any {
	env := map[string]any{}
	prefix := s.cfg.EnvHeaderPrefix
	for k, v := range req.Headers {
		if prefix != "" && strings.HasPrefix(k, prefix) {
			env[strings.TrimPrefix(k, prefix)] = v
		}
	}
	if fa, ok := forwardMetadata(req.Headers)["forwardAuth"].(map[string]any); ok {
		for k, v := range fa {
			env[k] = v
		}
	}
	for k, v := range req.Environment {
		env[k] = v
	}
	return env
}

func (s *Service) evaluatePolicy(ctx context.Context, input *contracts.PolicyInput) (*contracts.PolicyDecision, error) {
	if s.cfg.PolicyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PolicyTimeout)
		defer cancel()
	}
	return s.policy.Evaluate(ctx, input)
}

func (s *Service) allowResponse(identity *models.EffectiveIdentity, decision *contracts.PolicyDecision) *Response {
	headers := map[string]string{
		HeaderUserSub:          identity.UserID,
		HeaderUserGroups:       strings.Join(identity.Groups, ","),
		HeaderUserRoles:        strings.Join(identity.Roles, ","),
		HeaderUserEntitlements: strings.Join(identity.Entitlements, ","),
		HeaderUserScopes:       strings.Join(models.DedupeStrings(identity.Scopes), ","),
		HeaderUserLabels:       marshalJSON(identity.Labels),
	}
	if identity.OrgID != "" {
		headers[HeaderOrgID] = identity.OrgID
	}
	if identity.SessionID != "" {
		headers[HeaderSessionID] = identity.SessionID
	}
	if decision.DecisionJWT != "" {
		headers[HeaderDecisionJWT] = decision.DecisionJWT
	}
	if decision.Reason != "" {
		headers[HeaderReason] = decision.Reason
	}
	if len(decision.Obligations) > 0 {
		headers[HeaderObligations] = marshalJSON(decision.Obligations)
	}
	return &Response{Status: 200, Headers: headers}
}

// storeDecision writes the decision-cache entry and the decision_cached
// audit event. Both are best-effort.
func (s *Service) storeDecision(ctx context.Context, identity *models.EffectiveIdentity, decision *contracts.PolicyDecision, headers map[string]string) {
	if decision.DecisionJWT == "" {
		return
	}
	if s.cache != nil {
		entry := &models.DecisionCacheEntry{
			Headers:   headers,
			ExpiresAt: s.now().Add(s.cfg.DecisionTTL),
		}
		err := s.cache.Set(ctx, s.cacheKey(decision.DecisionJWT), entry,
			contracts.CacheSetOptions{TTL: s.cfg.DecisionTTL})
		if err != nil {
			log.Warn().Err(err).Msg("decision cache write failed")
		}
	}
	if s.audit != nil {
		s.audit.Emit(ctx, models.AuditEvent{
			Category: auditCategory,
			Action:   "decision_cached",
			Actor:    identity.UserID,
			Resource: decision.DecisionJWT,
			Metadata: map[string]any{
				"user_id": identity.UserID,
				"org_id":  identity.OrgID,
				"reason":  decision.Reason,
			},
		})
	}
}

func errorResponse(status int, code, message string) *Response {
	headers := map[string]string{HeaderError: code}
	if status >= 500 && message != "" {
		headers[HeaderErrorMessage] = message
	}
	return &Response{Status: status, Headers: headers}
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
