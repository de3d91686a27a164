package forwardauth

import "strings"

// Request is the normalized input to the forward-auth pipeline. Header names
// are lowercased by Normalize before any lookup.
type Request struct {
	Method      string
	Path        string
	Headers     map[string]string
	OrgID       string
	Action      string
	Resource    string
	Environment map[string]any
}

// Normalize lowercases header names. Later values win on case collision.
func (r *Request) Normalize() {
	if r.Headers == nil {
		r.Headers = map[string]string{}
		return
	}
	normalized := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		normalized[strings.ToLower(k)] = v
	}
	r.Headers = normalized
}

// Response is the pipeline output, rendered by the HTTP handler as the
// proxy-facing status and headers. Bodies are never used.
type Response struct {
	Status  int
	Headers map[string]string
}

// Error codes surfaced in the x-forward-auth-error header.
const (
	ErrMissingCredentials = "missing_credentials"
	ErrTokenValidation    = "token_validation_error"
	ErrInactiveToken      = "inactive_token"
	ErrIdentityResolution = "identity_resolution_error"
	ErrAPIKeyNotSupported = "api_key_not_supported"
	ErrAPIKeyLookupFailed = "api_key_lookup_failed"
	ErrInvalidAPIKey      = "invalid_api_key"
	ErrAPIKeyInactive     = "api_key_inactive"
	ErrPolicy             = "policy_error"
	ErrPolicyDenied       = "policy_denied"
)

// Identity header names attached on allow.
const (
	HeaderUserSub          = "x-user-sub"
	HeaderOrgID            = "x-org-id"
	HeaderSessionID        = "x-session-id"
	HeaderUserGroups       = "x-user-groups"
	HeaderUserRoles        = "x-user-roles"
	HeaderUserEntitlements = "x-user-entitlements"
	HeaderUserScopes       = "x-user-scopes"
	HeaderUserLabels       = "x-user-labels"
	HeaderDecisionJWT      = "x-decision-jwt"
	HeaderReason           = "x-forward-auth-reason"
	HeaderObligations      = "x-policy-obligations"
	HeaderError            = "x-forward-auth-error"
	HeaderErrorMessage     = "x-forward-auth-error-message"
	HeaderAPIKey           = "x-api-key"
	HeaderAuthorization    = "authorization"
)

// credentialKind tags what was extracted from the request.
type credentialKind int

const (
	credentialNone credentialKind = iota
	credentialAccessToken
	credentialAPIKey
)

// credential is the extracted secret, if any.
type credential struct {
	kind  credentialKind
	value string
}

// extractCredential applies the precedence rules: x-api-key first, then the
// authorization scheme. The decision scheme is cache-only, so by the time
// extraction runs it means no credential.
func extractCredential(headers map[string]string) credential {
	if key := strings.TrimSpace(headers[HeaderAPIKey]); key != "" {
		return credential{kind: credentialAPIKey, value: key}
	}
	fields := strings.Fields(headers[HeaderAuthorization])
	if len(fields) < 2 {
		return credential{kind: credentialNone}
	}
	value := strings.Join(fields[1:], " ")
	switch strings.ToLower(fields[0]) {
	case "bearer":
		return credential{kind: credentialAccessToken, value: value}
	case "key":
		return credential{kind: credentialAPIKey, value: value}
	default:
		// "decision" and unknown schemes carry no credential.
		return credential{kind: credentialNone}
	}
}
