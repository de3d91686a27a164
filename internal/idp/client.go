// Package idp is the HTTP adapter for an Authentik-style identity provider.
// It covers the OAuth token endpoint, RFC 7662 introspection, and the admin
// API reads (users, sessions, groups) the gateway needs.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
)

const adminMaxRetries = 3

// Client talks to the identity provider over HTTP.
type Client struct {
	baseURL           string
	tokenPath         string
	introspectionPath string
	clientID          string
	clientSecret      string
	adminToken        string

	introspectClient *http.Client
	adminClient      *http.Client
	now              func() time.Time
}

// NewClient builds a client from config. Introspection and admin calls get
// separate timeouts since introspection sits on the hot auth path.
func NewClient(cfg config.IdPConfig) *Client {
	return &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		tokenPath:         cfg.TokenPath,
		introspectionPath: cfg.IntrospectionPath,
		clientID:          cfg.ClientID,
		clientSecret:      cfg.ClientSecret,
		adminToken:        cfg.AdminToken,
		introspectClient:  &http.Client{Timeout: cfg.IntrospectTimeout},
		adminClient:       &http.Client{Timeout: cfg.AdminTimeout},
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// ── OAuth endpoints ─────────────────────────────────────────

// ExchangeCode redeems an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*contracts.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.tokenRequest(ctx, form)
}

// RefreshToken rotates a refresh token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*contracts.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*contracts.TokenResponse, error) {
	payload, err := c.postForm(ctx, c.baseURL+c.tokenPath, form)
	if err != nil {
		return nil, err
	}
	return decodeTokenResponse(payload, c.now())
}

// ValidateAccessToken introspects a token. An inactive token is not an
// error; the caller reads Active.
func (c *Client) ValidateAccessToken(ctx context.Context, token string) (*contracts.TokenIntrospection, error) {
	form := url.Values{
		"token":         {token},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	payload, err := c.postForm(ctx, c.baseURL+c.introspectionPath, form)
	if err != nil {
		return nil, err
	}
	return decodeIntrospection(payload), nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, cerrors.Upstream("build idp request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.introspectClient.Do(req)
	if err != nil {
		return nil, cerrors.Upstream("identity provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, cerrors.Upstream("read idp response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, idpStatusError(resp.StatusCode, body)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, cerrors.Upstream("decode idp response", err)
	}
	return payload, nil
}

// ── Admin API ───────────────────────────────────────────────

// GetUser fetches a user by IdP id via the admin API.
func (c *Client) GetUser(ctx context.Context, userID string) (*contracts.IdPUser, error) {
	payload, err := c.adminGetObject(ctx, "/api/v3/core/users/"+url.PathEscape(userID)+"/")
	if err != nil {
		return nil, err
	}
	return decodeUser(payload)
}

// ListActiveSessions returns the IdP's sessions for a user. Entries without
// a recognizable id are skipped.
func (c *Client) ListActiveSessions(ctx context.Context, userID string) ([]contracts.IdPSession, error) {
	results, err := c.adminGetList(ctx,
		"/api/v3/core/authenticated_sessions/?user="+url.QueryEscape(userID))
	if err != nil {
		return nil, err
	}
	out := make([]contracts.IdPSession, 0, len(results))
	for _, item := range results {
		if session := decodeSession(item); session != nil {
			out = append(out, *session)
		}
	}
	return out, nil
}

// ListUserGroups returns group names for a user from the admin API. The
// payload shape varies by IdP version, so decoding is left to decodeGroups.
func (c *Client) ListUserGroups(ctx context.Context, userID string) ([]string, error) {
	body, err := c.adminGet(ctx,
		"/api/v3/core/groups/?members_by_pk="+url.QueryEscape(userID))
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, cerrors.Upstream("decode idp admin response", err)
	}
	return decodeGroups(payload), nil
}

func (c *Client) adminGetObject(ctx context.Context, path string) (map[string]any, error) {
	body, err := c.adminGet(ctx, path)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, cerrors.Upstream("decode idp admin response", err)
	}
	return payload, nil
}

// adminGetList handles both a bare JSON array and Authentik's paginated
// {"results": [...]} envelope.
func (c *Client) adminGetList(ctx context.Context, path string) ([]map[string]any, error) {
	body, err := c.adminGet(ctx, path)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Results != nil {
		return envelope.Results, nil
	}
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, cerrors.Upstream("decode idp admin response", err)
	}
	return list, nil
}

// adminGet performs a GET with retries. Only retryable failures (transport
// errors, 429, 5xx) are retried; 4xx responses fail immediately.
func (c *Client) adminGet(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(cerrors.Upstream("build idp admin request", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.adminClient.Do(req)
		if err != nil {
			return cerrors.Upstream("identity provider unreachable", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return cerrors.Upstream("read idp admin response", err)
		}
		if resp.StatusCode >= 400 {
			statusErr := idpStatusError(resp.StatusCode, raw)
			if cerrors.IsRetryable(statusErr) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		body = raw
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), adminMaxRetries), ctx)
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Str("path", path).
			Msg("idp admin request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// idpStatusError codes an HTTP failure. 429 and 5xx are retryable.
func idpStatusError(status int, body []byte) error {
	msg := fmt.Sprintf("identity provider returned %d", status)
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := cerrors.New(cerrors.CodeUpstream, msg).
		WithDetails(map[string]any{"status": status, "body": snippet})
	if status == http.StatusTooManyRequests || status >= 500 {
		err.Retryable = true
	}
	return err
}
