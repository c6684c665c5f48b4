// Package providertest runs an in-process OAuth 2.0 / OIDC provider for tests.
// It serves discovery, JWKS, authorize, token and userinfo endpoints plus the
// Threads-style long-lived token endpoints, and records what it receives.
package providertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Paths served by the fake provider.
const (
	DiscoveryPath    = "/.well-known/openid-configuration"
	JWKSPath         = "/.well-known/jwks.json"
	AuthorizePath    = "/authorize"
	TokenPath        = "/token"
	UserinfoPath     = "/userinfo"
	AccessTokenPath  = "/access_token"
	RefreshTokenPath = "/refresh_access_token"
)

// Options shape the fake provider.
type Options struct {
	ClientID string
	// AuthMethods is advertised as token_endpoint_auth_methods_supported.
	AuthMethods []string
	// NoIDToken omits id_token from successful token responses.
	NoIDToken bool
}

// TokenRequest is one call received by the token endpoint.
type TokenRequest struct {
	Form      url.Values
	BasicUser string
	BasicPass string
	HasBasic  bool
}

// Reply is a canned status and JSON (or raw text) body.
type Reply struct {
	Status int
	Body   any
	Raw    string
}

// Provider is a fake provider backed by an httptest server.
type Provider struct {
	Server *httptest.Server
	Keys   *KeyManager
	opts   Options

	discoveryHits atomic.Int64
	jwksHits      atomic.Int64

	mu             sync.Mutex
	nextCode       int
	nonces         map[string]string
	tokenReqs      []TokenRequest
	userinfoReqs   []url.Values
	longTokenReqs  []*http.Request
	discovery      *Reply
	token          *Reply
	userinfo       *Reply
	longToken      *Reply
	idTokenClaims  jwt.MapClaims
	discoveryDelay time.Duration
	jwksFailures   int
}

// New starts a fake provider and registers its shutdown with t.
func New(t testing.TB, opts Options) *Provider {
	t.Helper()
	keys, err := NewKeyManager()
	if err != nil {
		t.Fatalf("providertest: keys: %v", err)
	}
	if opts.ClientID == "" {
		opts.ClientID = "test-client"
	}
	if opts.AuthMethods == nil {
		opts.AuthMethods = []string{"client_secret_basic", "client_secret_post"}
	}
	p := &Provider{Keys: keys, opts: opts, nonces: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc(DiscoveryPath, p.handleDiscovery)
	mux.HandleFunc(JWKSPath, p.handleJWKS)
	mux.HandleFunc(AuthorizePath, p.handleAuthorize)
	mux.HandleFunc(TokenPath, p.handleToken)
	mux.HandleFunc(UserinfoPath, p.handleUserinfo)
	mux.HandleFunc(AccessTokenPath, p.handleLongToken)
	mux.HandleFunc(RefreshTokenPath, p.handleLongToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the provider base URL and issuer.
func (p *Provider) URL() string { return p.Server.URL }

// DiscoveryURL returns the discovery document location.
func (p *Provider) DiscoveryURL() string { return p.Server.URL + DiscoveryPath }

// ClientID returns the audience the provider issues ID tokens for.
func (p *Provider) ClientID() string { return p.opts.ClientID }

// DiscoveryDocument is the metadata the provider advertises.
func (p *Provider) DiscoveryDocument() map[string]any {
	issuer := p.Server.URL
	return map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + AuthorizePath,
		"token_endpoint":                        issuer + TokenPath,
		"userinfo_endpoint":                     issuer + UserinfoPath,
		"jwks_uri":                              issuer + JWKSPath,
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": p.opts.AuthMethods,
	}
}

// SetDiscoveryReply replaces the discovery response.
func (p *Provider) SetDiscoveryReply(r Reply) { p.set(&p.discovery, r) }

// SetDiscoveryDelay slows discovery responses down.
func (p *Provider) SetDiscoveryDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryDelay = d
}

// FailJWKS makes the next n JWKS requests answer 500.
func (p *Provider) FailJWKS(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksFailures = n
}

// SetTokenReply replaces the token endpoint response.
func (p *Provider) SetTokenReply(r Reply) { p.set(&p.token, r) }

// SetUserinfoReply replaces the userinfo response.
func (p *Provider) SetUserinfoReply(r Reply) { p.set(&p.userinfo, r) }

// SetLongTokenReply replaces both long-lived token endpoint responses.
func (p *Provider) SetLongTokenReply(r Reply) { p.set(&p.longToken, r) }

// SetIDTokenClaims overrides claims of subsequently issued ID tokens.
func (p *Provider) SetIDTokenClaims(claims jwt.MapClaims) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idTokenClaims = claims
}

func (p *Provider) set(slot **Reply, r Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*slot = &r
}

// DiscoveryHits counts discovery document fetches.
func (p *Provider) DiscoveryHits() int64 { return p.discoveryHits.Load() }

// JWKSHits counts JWKS fetches.
func (p *Provider) JWKSHits() int64 { return p.jwksHits.Load() }

// TokenRequests returns every token endpoint call received so far.
func (p *Provider) TokenRequests() []TokenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TokenRequest(nil), p.tokenReqs...)
}

// UserinfoRequests returns the query of every userinfo call.
func (p *Provider) UserinfoRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.userinfoReqs...)
}

// LongTokenRequests returns every long-lived token call.
func (p *Provider) LongTokenRequests() []*http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Request(nil), p.longTokenReqs...)
}

// IDToken signs an ID token for the configured client with extra claims merged in.
func (p *Provider) IDToken(extra jwt.MapClaims) (string, error) {
	return p.Keys.Sign(p.claims("", extra))
}

func (p *Provider) claims(nonce string, extra jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.Server.URL,
		"sub":   "user-1",
		"aud":   p.opts.ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": "user@example.com",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.discoveryHits.Add(1)
	p.mu.Lock()
	reply, delay := p.discovery, p.discoveryDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if reply != nil {
		writeReply(w, *reply)
		return
	}
	writeJSON(w, http.StatusOK, p.DiscoveryDocument())
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksHits.Add(1)
	p.mu.Lock()
	fail := p.jwksFailures > 0
	if fail {
		p.jwksFailures--
	}
	p.mu.Unlock()
	if fail {
		writeReply(w, Reply{Status: http.StatusInternalServerError, Raw: "jwks unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, p.Keys.PublicJWKS())
}

// handleAuthorize approves every request and redirects back with a code.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != p.opts.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.nextCode++
	code := "code-" + strconv.Itoa(p.nextCode)
	p.nonces[code] = q.Get("nonce")
	p.mu.Unlock()

	values := redirect.Query()
	values.Set("code", code)
	values.Set("state", q.Get("state"))
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}
	req := TokenRequest{Form: r.PostForm}
	if user, pass, ok := r.BasicAuth(); ok {
		req.HasBasic = true
		req.BasicUser, _ = url.QueryUnescape(user)
		req.BasicPass, _ = url.QueryUnescape(pass)
	}

	p.mu.Lock()
	p.tokenReqs = append(p.tokenReqs, req)
	reply := p.token
	code := r.PostForm.Get("code")
	nonce := p.nonces[code]
	delete(p.nonces, code)
	extra := p.idTokenClaims
	n := len(p.tokenReqs)
	p.mu.Unlock()

	if reply != nil {
		writeReply(w, *reply)
		return
	}

	resp := map[string]any{
		"access_token": "access-" + strconv.Itoa(n),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !p.opts.NoIDToken {
		idToken, err := p.Keys.Sign(p.claims(nonce, extra))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "server_error"})
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.userinfoReqs = append(p.userinfoReqs, r.URL.Query())
	reply := p.userinfo
	p.mu.Unlock()

	if reply != nil {
		writeReply(w, *reply)
		return
	}
	if r.URL.Query().Get("access_token") == "" && !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": "user-1", "name": "Test User", "username": "tester"})
}

func (p *Provider) handleLongToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.longTokenReqs = append(p.longTokenReqs, r.Clone(r.Context()))
	reply := p.longToken
	n := len(p.longTokenReqs)
	p.mu.Unlock()

	if reply != nil {
		writeReply(w, *reply)
		return
	}
	if r.URL.Query().Get("access_token") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "Missing access token"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "long-" + strconv.Itoa(n),
		"token_type":   "bearer",
		"expires_in":   5184000,
	})
}

func writeReply(w http.ResponseWriter, r Reply) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if r.Body == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(r.Raw))
		return
	}
	writeJSON(w, status, r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
