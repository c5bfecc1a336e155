// Package idp is a thin, typed client for the external OpenID Connect
// identity provider: token refresh, offline-token elevation, introspection,
// userinfo, and token/session revocation. Adapted from dex's OIDC connector
// (connector/oidc/oidc.go): the same provider-discovery-then-oauth2.Config
// shape, generalized from "log a user in" to "act as a confidential client
// on a caller's behalf" against a Keycloak-compatible realm.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bilalesi/auth-vault/internal/obslog"
	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

// Config holds the options needed to reach the external realm.
type Config struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
	Realm        string `json:"realm"`
}

const requestTimeout = 10 * time.Second

// Client is the token vault's confidential-client wrapper around the
// realm's OpenID Connect endpoints. All outbound calls carry requestTimeout
// as a hard deadline.
type Client struct {
	issuer       string
	clientID     string
	clientSecret string
	realm        string

	httpClient *http.Client
	logger     obslog.Logger

	tokenEndpoint         string
	introspectEndpoint    string
	userinfoEndpoint      string
	revokeEndpoint        string
	adminSessionURLPrefix string

	adminMu     sync.Mutex
	adminToken  string
	adminExpiry time.Time
}

// Open discovers the realm's endpoints and returns a ready-to-use Client.
func (c *Config) Open(ctx context.Context, logger obslog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	discoveryCtx := oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(discoveryCtx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("idp: discover provider: %w", err)
	}

	var extra struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
		RevocationEndpoint    string `json:"revocation_endpoint"`
		UserinfoEndpoint      string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("idp: decode discovery document: %w", err)
	}
	if extra.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("idp: discovery document missing introspection_endpoint")
	}
	if extra.RevocationEndpoint == "" {
		return nil, fmt.Errorf("idp: discovery document missing revocation_endpoint")
	}

	return &Client{
		issuer:                c.Issuer,
		clientID:              c.ClientID,
		clientSecret:          c.ClientSecret,
		realm:                 c.Realm,
		httpClient:            httpClient,
		logger:                logger,
		tokenEndpoint:         provider.Endpoint().TokenURL,
		introspectEndpoint:    extra.IntrospectionEndpoint,
		userinfoEndpoint:      extra.UserinfoEndpoint,
		revokeEndpoint:        extra.RevocationEndpoint,
		adminSessionURLPrefix: adminSessionURLPrefix(c.Issuer, c.Realm),
	}, nil
}

// adminSessionURLPrefix derives the Keycloak admin session-management base
// URL from the realm issuer, e.g. https://host/realms/foo becomes
// https://host/admin/realms/foo/sessions/.
func adminSessionURLPrefix(issuer, realm string) string {
	u, err := url.Parse(issuer)
	if err != nil {
		return ""
	}
	u.Path = fmt.Sprintf("/admin/realms/%s/sessions/", realm)
	return u.String()
}

// TokenResponse is the typed shape of a token-endpoint grant response.
// Fields the realm omits are left at their zero value; callers must not
// assume presence beyond AccessToken/ExpiresIn.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	SessionState     string `json:"session_state"`
	TokenType        string `json:"token_type"`
}

// IntrospectionResponse is the typed shape of a token-introspection response.
type IntrospectionResponse struct {
	Active bool   `json:"active"`
	Sub    string `json:"sub"`
	Sid    string `json:"sid"`
	Exp    int64  `json:"exp"`
}

// UserInfo is the typed shape of a userinfo response.
type UserInfo struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeKeycloakError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeKeycloakError, "request failed", err)
	}
	return resp, nil
}

// keycloakError turns a non-2xx response body into a keycloak_error, folding
// in the realm's error/error_description when present.
func keycloakError(resp *http.Response, body []byte) *vaulterr.Error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	msg := fmt.Sprintf("idp returned %d", resp.StatusCode)
	if er.Error != "" {
		msg = fmt.Sprintf("%s: %s", er.Error, er.ErrorDescription)
	}
	return vaulterr.New(vaulterr.CodeKeycloakError, msg).WithDetails(map[string]interface{}{
		"status": resp.StatusCode,
		"error":  er.Error,
	})
}

func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return vaulterr.Wrap(vaulterr.CodeKeycloakError, "read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return keycloakError(resp, buf.Bytes())
	}

	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		return vaulterr.Wrap(vaulterr.CodeKeycloakError, "decode response", err)
	}
	return nil
}

// RefreshAccessToken exchanges a refresh token for a fresh access token,
// following the refresh_token grant. The realm may mint a new refresh token
// in the response; callers MUST check RefreshToken before discarding it.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	resp, err := c.postForm(ctx, c.tokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	var tr TokenResponse
	if err := decodeJSON(resp, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// RequestOfflineToken behaves like RefreshAccessToken but asks explicitly
// for offline_access scope elevation. This only succeeds where the realm
// grants scope elevation without a fresh consent screen; the consent state
// machine is the path that works everywhere.
func (c *Client) RequestOfflineToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"openid profile email offline_access"},
	}
	resp, err := c.postForm(ctx, c.tokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	var tr TokenResponse
	if err := decodeJSON(resp, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// ExchangeAuthorizationCode exchanges a consent-flow authorization code for
// tokens, used by the consent state machine's callback handler.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	resp, err := c.postForm(ctx, c.tokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	var tr TokenResponse
	if err := decodeJSON(resp, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// AuthCodeURL builds the realm's authorization endpoint URL for the
// offline-access consent flow.
func (c *Client) AuthCodeURL(redirectURI, state string, forceConsent bool) string {
	cfg := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: strings.Replace(c.tokenEndpoint, "/token", "/auth", 1)},
		RedirectURL:  redirectURI,
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	}
	opts := []oauth2.AuthCodeOption{}
	if forceConsent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// Introspect checks whether accessToken is currently active at the realm.
// An inactive token is reported as token_not_active rather than a zero
// value, so callers cannot mistake "inactive" for "active with empty sub".
func (c *Client) Introspect(ctx context.Context, accessToken string) (*IntrospectionResponse, error) {
	form := url.Values{
		"token":         {accessToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	resp, err := c.postForm(ctx, c.introspectEndpoint, form)
	if err != nil {
		return nil, err
	}

	var ir IntrospectionResponse
	if err := decodeJSON(resp, &ir); err != nil {
		return nil, err
	}
	if !ir.Active {
		return nil, vaulterr.New(vaulterr.CodeTokenNotActive, "token is not active")
	}
	return &ir, nil
}

// Userinfo fetches identity claims for the bearer of accessToken.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoEndpoint, nil)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeKeycloakError, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeKeycloakError, "request failed", err)
	}

	var ui UserInfo
	if err := decodeJSON(resp, &ui); err != nil {
		return nil, err
	}
	return &ui, nil
}

// Revoke calls the realm's standard token-revocation endpoint. A failure is
// logged and also returned; whether it is fatal is left to the caller (the
// revocation coordinator treats it as best-effort).
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{
		"token":         {token},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	resp, err := c.postForm(ctx, c.revokeEndpoint, form)
	if err != nil {
		c.logger.Warnf("idp: revoke failed: %v", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		kerr := keycloakError(resp, buf.Bytes())
		c.logger.Warnf("idp: revoke returned error: %v", kerr)
		return kerr
	}
	return nil
}

// adminAccessToken returns a cached client-credentials admin token, minting
// a fresh one only when the cached one is at or past expiry. Guarded by a
// mutex since several requests may race to revoke a session concurrently.
func (c *Client) adminAccessToken(ctx context.Context) (string, error) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	if c.adminToken != "" && time.Now().Before(c.adminExpiry) {
		return c.adminToken, nil
	}

	cfg := clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.tokenEndpoint,
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.CodeKeycloakError, "fetch admin token", err)
	}

	c.adminToken = tok.AccessToken
	// Refresh a little early so a borderline-expired cached token is never
	// handed to a caller that is about to make an admin call with it.
	c.adminExpiry = tok.Expiry.Add(-5 * time.Second)
	return c.adminToken, nil
}

// RevokeSession tears down every token tied to sessionID via the realm's
// admin API. Like revoke, this is best-effort from the caller's point of
// view: the vault entry is already gone by the time this runs.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	adminToken, err := c.adminAccessToken(ctx)
	if err != nil {
		c.logger.Warnf("idp: revokeSession: obtain admin token: %v", err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.adminSessionURLPrefix+sessionID, nil)
	if err != nil {
		return vaulterr.Wrap(vaulterr.CodeKeycloakError, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warnf("idp: revokeSession failed: %v", err)
		return vaulterr.Wrap(vaulterr.CodeKeycloakError, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		kerr := keycloakError(resp, buf.Bytes())
		c.logger.Warnf("idp: revokeSession returned error: %v", kerr)
		return kerr
	}
	return nil
}
