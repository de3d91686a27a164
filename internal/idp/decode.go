package idp

import (
	"strconv"
	"time"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
	"github.com/catalyst-iam/catalyst/pkg/models"
)

// The IdP's payload shapes drift across versions, so decoding is duck-typed
// against explicit candidate key lists rather than fixed structs. First
// candidate present wins.

var (
	userIDKeys    = []string{"uuid", "pk", "id"}
	userEmailKeys = []string{"email", "username", "primary_email"}
	userNameKeys  = []string{"name", "display_name", "username"}
	avatarKeys    = []string{"avatar", "avatar_url"}

	sessionIDKeys      = []string{"uuid", "pk", "identifier", "id"}
	sessionFactorKeys  = []string{"factors", "authenticated_methods"}
	sessionCreatedKeys = []string{"created", "created_at"}
	sessionExpiresKeys = []string{"expires", "expires_at"}
)

// firstString returns the first candidate key whose value renders as a
// non-empty string. Numeric ids are stringified.
func firstString(payload map[string]any, keys []string) string {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		}
	}
	return ""
}

func firstStrings(payload map[string]any, keys []string) []string {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case []string:
			return t
		case []any:
			out := make([]string, 0, len(t))
			for _, item := range t {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

func firstTime(payload map[string]any, keys []string) *time.Time {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return &parsed
			}
		case float64:
			parsed := time.Unix(int64(t), 0).UTC()
			return &parsed
		}
	}
	return nil
}

// decodeUser extracts a user from an admin-API payload. A payload without a
// recognizable id and email is rejected as an incomplete profile.
func decodeUser(payload map[string]any) (*contracts.IdPUser, error) {
	user := &contracts.IdPUser{
		ID:     firstString(payload, userIDKeys),
		Email:  firstString(payload, userEmailKeys),
		Name:   firstString(payload, userNameKeys),
		Avatar: firstString(payload, avatarKeys),
		Raw:    payload,
	}
	if user.ID == "" || user.Email == "" {
		return nil, cerrors.New(cerrors.CodeProfileIncomplete,
			"identity provider user payload is missing id or email")
	}
	return user, nil
}

// decodeSession extracts a session from an admin-API payload. Sessions
// without an id are skipped by callers, not errors.
func decodeSession(payload map[string]any) *contracts.IdPSession {
	id := firstString(payload, sessionIDKeys)
	if id == "" {
		return nil
	}
	session := &contracts.IdPSession{
		ID:      id,
		Factors: firstStrings(payload, sessionFactorKeys),
	}
	if created := firstTime(payload, sessionCreatedKeys); created != nil {
		session.CreatedAt = created.UTC()
	}
	if expires := firstTime(payload, sessionExpiresKeys); expires != nil {
		u := expires.UTC()
		session.ExpiresAt = &u
	}
	session.Metadata = sessionMetadata(payload)
	return session
}

// sessionMetadata lifts the client-context fields out of the session
// payload. The IdP's snake_case user_agent becomes userAgent internally.
func sessionMetadata(payload map[string]any) map[string]any {
	metadata := map[string]any{}
	if ip := firstString(payload, []string{"ip"}); ip != "" {
		metadata["ip"] = ip
	}
	if ua := firstString(payload, []string{"user_agent"}); ua != "" {
		metadata["userAgent"] = ua
	}
	if device := firstString(payload, []string{"device"}); device != "" {
		metadata["device"] = device
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// decodeTokenResponse translates the OAuth token endpoint payload. A
// response without both tokens and a resolvable expiry is incomplete.
func decodeTokenResponse(payload map[string]any, now time.Time) (*contracts.TokenResponse, error) {
	access, _ := payload["access_token"].(string)
	refresh, _ := payload["refresh_token"].(string)
	if access == "" || refresh == "" {
		return nil, cerrors.New(cerrors.CodeTokenResponseIncomplete,
			"token response is missing access_token or refresh_token")
	}
	resp := &contracts.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if idToken, ok := payload["id_token"].(string); ok {
		resp.IDToken = idToken
	}
	if scope, ok := payload["scope"].(string); ok {
		resp.Scope = scope
	}
	// Expiry comes from expires_at (RFC 3339) when the IdP sends an
	// absolute time, otherwise from expires_in seconds.
	switch {
	case payload["expires_at"] != nil:
		expiresAt, ok := payload["expires_at"].(string)
		parsed, err := time.Parse(time.RFC3339, expiresAt)
		if !ok || err != nil {
			return nil, cerrors.New(cerrors.CodeTokenResponseIncomplete,
				"token response expires_at is not an RFC 3339 timestamp")
		}
		resp.ExpiresAt = parsed.UTC()
	default:
		v, ok := payload["expires_in"].(float64)
		if !ok || v <= 0 {
			return nil, cerrors.New(cerrors.CodeTokenResponseIncomplete,
				"token response is missing expires_at and expires_in")
		}
		resp.ExpiresAt = now.Add(time.Duration(v) * time.Second).UTC()
	}
	return resp, nil
}

// decodeIntrospection translates an RFC 7662 response. Anything that is not
// explicitly active is inactive. Claims carry everything the IdP sent except
// active and exp, which are promoted to typed fields.
func decodeIntrospection(payload map[string]any) *contracts.TokenIntrospection {
	claims := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "active" || k == "exp" {
			continue
		}
		claims[k] = v
	}
	out := &contracts.TokenIntrospection{Claims: claims}
	active, _ := payload["active"].(bool)
	out.Active = active
	if !active {
		return out
	}
	out.Subject = firstString(payload, []string{"sub", "subject"})
	if exp, ok := payload["exp"].(float64); ok {
		t := time.Unix(int64(exp), 0).UTC()
		out.ExpiresAt = &t
	} else if t := firstTime(payload, []string{"expires_at"}); t != nil {
		u := t.UTC()
		out.ExpiresAt = &u
	}
	return out
}

// decodeGroups flattens the admin API's group payload shapes into a flat
// name list. Accepts a bare array, a {"results": [...]} envelope, or a
// scalar. Each group node contributes both its name and slug, and nested
// "group" objects (membership rows wrapping the group) are walked too.
func decodeGroups(value any) []string {
	var names []string
	var walk func(node any)
	walk = func(node any) {
		switch t := node.(type) {
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			if results, ok := t["results"]; ok {
				walk(results)
				return
			}
			if name := firstString(t, []string{"name"}); name != "" {
				names = append(names, name)
			}
			if slug := firstString(t, []string{"slug"}); slug != "" {
				names = append(names, slug)
			}
			if nested, ok := t["group"]; ok {
				walk(nested)
			}
		case string:
			if t != "" {
				names = append(names, t)
			}
		case float64:
			names = append(names, strconv.FormatFloat(t, 'f', -1, 64))
		}
	}
	walk(value)
	return models.DedupeStrings(names)
}
