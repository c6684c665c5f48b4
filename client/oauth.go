package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Config describes the single provider this client talks to.
type Config struct {
	ProviderName string
	ClientID     string
	ClientSecret string
	// Audience checked against the ID token aud claim; defaults to ClientID.
	Audience string
	// TokenAuthMethod forces the token endpoint client authentication style.
	// Empty or "auto" applies the discovery based policy.
	TokenAuthMethod string
	// BasicAuthDenylist names providers that must never receive HTTP Basic
	// client credentials.
	BasicAuthDenylist []string

	UserinfoFields string
	AppSecretProof bool

	Timeout    time.Duration
	HTTPClient HTTPClientFactory
}

// AuthRequest carries the per-login authorization parameters.
type AuthRequest struct {
	RedirectURI         string
	State               string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenResponse is the token endpoint payload as returned by the provider.
type TokenResponse map[string]any

// String returns the string field name, or "".
func (t TokenResponse) String(name string) string {
	s, _ := t[name].(string)
	return s
}

// Client drives the authorization code flow against one provider.
type Client struct {
	cfg      Config
	resolver *Resolver
	verifier *Verifier
}

// NewClient wires a client to its metadata resolver and token verifier.
func NewClient(cfg Config, resolver *Resolver, verifier *Verifier) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrConfiguration)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: metadata resolver is required", ErrConfiguration)
	}
	if resolver.cfg.DiscoveryURL == "" && (resolver.cfg.AuthorizeURL == "" || resolver.cfg.TokenURL == "") {
		return nil, fmt.Errorf("%w: authorize_url and token_url are required without oidc_discovery_url", ErrConfiguration)
	}
	if verifier == nil {
		verifier = NewVerifier(VerifierConfig{Timeout: cfg.Timeout, HTTPClient: cfg.HTTPClient})
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.ClientID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.HTTPClient = cfg.HTTPClient.orDefault()
	return &Client{cfg: cfg, resolver: resolver, verifier: verifier}, nil
}

// Verifier exposes the verifier used for ID tokens.
func (c *Client) Verifier() *Verifier { return c.verifier }

// Metadata resolves the provider metadata.
func (c *Client) Metadata(ctx context.Context) (*ProviderMetadata, error) {
	return c.resolver.Resolve(ctx)
}

// AuthorizationURL builds the provider redirect for req. Query parameters
// already present on the authorization endpoint are preserved.
func (c *Client) AuthorizationURL(ctx context.Context, req AuthRequest) (string, error) {
	meta, err := c.resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}

	cfg := oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: req.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: meta.AuthorizationEndpoint, TokenURL: meta.TokenEndpoint},
	}

	// scope is always sent, empty or not; oauth2 omits it when Scopes is empty.
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("scope", strings.Join(strings.Fields(req.Scope), " ")),
	}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = CodeChallengeMethodS256
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	return cfg.AuthCodeURL(req.State, opts...), nil
}

// useBasicAuth applies the client authentication policy for the token endpoint.
func (c *Client) useBasicAuth(meta *ProviderMetadata) bool {
	if c.cfg.ClientSecret == "" {
		return false
	}
	switch c.cfg.TokenAuthMethod {
	case AuthMethodBasic:
		return true
	case AuthMethodPost:
		return false
	}
	provider := strings.TrimSpace(c.cfg.ProviderName)
	for _, name := range c.cfg.BasicAuthDenylist {
		if strings.EqualFold(strings.TrimSpace(name), provider) {
			return false
		}
	}
	if !meta.Discovered {
		return false
	}
	basic := meta.authMethodIndex(AuthMethodBasic)
	if basic < 0 {
		return false
	}
	post := meta.authMethodIndex(AuthMethodPost)
	return post < 0 || basic < post
}

// ExchangeCode trades an authorization code for tokens. The response body is
// returned as-is; a body that is not a JSON object is wrapped as {"raw": text}.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (TokenResponse, error) {
	meta, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", c.cfg.ClientID)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	basic := c.useBasicAuth(meta)
	if !basic && c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint: %v", ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basic {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := do(ctx, c.cfg.HTTPClient, c.cfg.Timeout, req)
	if err != nil {
		return nil, err
	}

	body, isJSON := resp.JSON()
	if resp.StatusCode >= http.StatusBadRequest {
		exErr := &TokenExchangeError{StatusCode: resp.StatusCode, Body: body, Raw: string(resp.Body)}
		if isJSON {
			exErr.Code, _ = body["error"].(string)
			exErr.Description, _ = body["error_description"].(string)
		}
		return nil, exErr
	}
	if !isJSON {
		return TokenResponse{"raw": string(resp.Body)}, nil
	}
	return TokenResponse(body), nil
}

// ParseIDToken verifies the id_token in resp and, when nonce is set,
// requires the token's nonce claim to equal it.
func (c *Client) ParseIDToken(ctx context.Context, resp TokenResponse, nonce string) (Claims, error) {
	raw := resp.String("id_token")
	if raw == "" {
		return nil, fmt.Errorf("%w: id_token missing", ErrInvalidToken)
	}

	meta, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if meta.JWKSURI == "" {
		return nil, ErrJWKSUnavailable
	}

	claims, err := c.verifier.VerifyIDToken(ctx, raw, meta.JWKSURI, c.cfg.Audience, meta.Issuer)
	if err != nil {
		return nil, err
	}
	if nonce != "" && claims.String("nonce") != nonce {
		return nil, ErrNonceMismatch
	}
	return claims, nil
}

// UserinfoEndpoint returns the resolved userinfo endpoint, or "".
func (c *Client) UserinfoEndpoint(ctx context.Context) (string, error) {
	meta, err := c.resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return meta.UserinfoEndpoint, nil
}

// JWKSURI returns the resolved JWKS URI, or "".
func (c *Client) JWKSURI(ctx context.Context) (string, error) {
	meta, err := c.resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return meta.JWKSURI, nil
}

// Issuer returns the discovered issuer, or "" for static configuration.
func (c *Client) Issuer(ctx context.Context) (string, error) {
	meta, err := c.resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return meta.Issuer, nil
}

// ProfileStatus tags the outcome of a userinfo lookup.
type ProfileStatus string

const (
	ProfileNotConfigured ProfileStatus = "not_configured"
	ProfileUnavailable   ProfileStatus = "unavailable"
	ProfileFetched       ProfileStatus = "fetched"
)

// ProfileResult is the outcome of the best-effort userinfo fetch. Err is set
// only when Status is ProfileUnavailable.
type ProfileResult struct {
	Status  ProfileStatus
	Profile map[string]any
	Err     error
}

// FetchProfile retrieves the user profile with accessToken. It never fails;
// callers inspect Status instead.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) ProfileResult {
	endpoint, err := c.UserinfoEndpoint(ctx)
	if err != nil {
		return ProfileResult{Status: ProfileUnavailable, Err: err}
	}
	if endpoint == "" {
		return ProfileResult{Status: ProfileNotConfigured}
	}

	params := map[string]string{"access_token": accessToken}
	if c.cfg.UserinfoFields != "" {
		params["fields"] = c.cfg.UserinfoFields
	}
	if c.cfg.AppSecretProof && c.cfg.ClientSecret != "" {
		params["appsecret_proof"] = ComputeAppSecretProof(accessToken, c.cfg.ClientSecret)
	}

	status, body, err := Get(ctx, c.cfg.HTTPClient, c.cfg.Timeout, endpoint, params)
	if err != nil {
		return ProfileResult{Status: ProfileUnavailable, Err: err}
	}
	if status >= http.StatusMultipleChoices {
		return ProfileResult{Status: ProfileUnavailable, Err: fmt.Errorf("userinfo: HTTP %d", status)}
	}
	profile, ok := response{Body: body}.JSON()
	if !ok {
		return ProfileResult{Status: ProfileUnavailable, Err: errors.New("userinfo: response is not a JSON object")}
	}
	return ProfileResult{Status: ProfileFetched, Profile: profile}
}
