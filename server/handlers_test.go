package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"oauthtester/client"
	"oauthtester/providertest"
)

type flowSetup struct {
	t        *testing.T
	app      *App
	store    *MemoryStore
	provider *providertest.Provider
	srv      *httptest.Server
	http     *http.Client
}

func oidcConfig(p *providertest.Provider) func(*Config) {
	return func(cfg *Config) {
		cfg.OAuth.ProviderName = "generic"
		cfg.OAuth.OIDCDiscoveryURL = p.DiscoveryURL()
		cfg.OAuth.Scopes = "openid email"
	}
}

func threadsConfig(p *providertest.Provider) func(*Config) {
	return func(cfg *Config) {
		cfg.OAuth.ProviderName = "threads"
		cfg.OAuth.AuthorizeURL = p.URL() + providertest.AuthorizePath
		cfg.OAuth.TokenURL = p.URL() + providertest.TokenPath
		cfg.OAuth.UserinfoEndpoint = p.URL() + providertest.UserinfoPath
		cfg.OAuth.UserinfoFields = "id,username"
		cfg.OAuth.ComputeAppSecretProof = true
		cfg.OAuth.ThreadsGraphBaseURL = p.URL()
	}
}

func newFlowSetup(t *testing.T, p *providertest.Provider, modify ...func(*Config)) *flowSetup {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	cfg.OAuth.BaseURL = srv.URL
	cfg.OAuth.ClientID = p.ClientID()
	cfg.OAuth.ClientSecret = "client-secret"
	for _, fn := range modify {
		fn(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	store := NewMemoryStore()
	app, err := NewApp(cfg, store, logger)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	handler = app.Routes()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	httpClient := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &flowSetup{t: t, app: app, store: store, provider: p, srv: srv, http: httpClient}
}

func (s *flowSetup) do(method, rawURL string) *http.Response {
	s.t.Helper()
	if strings.HasPrefix(rawURL, "/") {
		rawURL = s.srv.URL + rawURL
	}
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func (s *flowSetup) expectRedirect(resp *http.Response, prefix string) string {
	s.t.Helper()
	if resp.StatusCode != http.StatusFound {
		s.t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, prefix) {
		s.t.Fatalf("expected redirect to %s, got %s", prefix, loc)
	}
	return loc
}

// session returns the record the browser's cookie currently points at.
func (s *flowSetup) session() map[string]any {
	s.t.Helper()
	req := httptest.NewRequest(http.MethodGet, s.srv.URL+"/", nil)
	u, _ := url.Parse(s.srv.URL)
	for _, c := range s.http.Jar.Cookies(u) {
		req.AddCookie(c)
	}
	return s.app.Sessions.Load(req).Values()
}

// signIn walks login, provider approval and callback.
func (s *flowSetup) signIn() {
	s.t.Helper()
	authURL := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), s.provider.URL())
	callback := s.expectRedirect(s.do(http.MethodGet, authURL), s.srv.URL)
	s.expectRedirect(s.do(http.MethodGet, callback), "/")
}

func authError(t *testing.T, values map[string]any) map[string]any {
	t.Helper()
	e, ok := values[keyAuthError].(map[string]any)
	if !ok {
		t.Fatalf("expected auth_error in session, got %v", values)
	}
	return e
}

func TestLoginRedirectsToProvider(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))

	loc := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL()+providertest.AuthorizePath)
	u, _ := url.Parse(loc)
	q := u.Query()

	values := s.session()
	if q.Get("response_type") != "code" || q.Get("client_id") != p.ClientID() {
		t.Fatalf("unexpected authorize query %v", q)
	}
	if q.Get("redirect_uri") != s.srv.URL+"/auth/callback" || q.Get("scope") != "openid email" {
		t.Fatalf("unexpected redirect_uri/scope %v", q)
	}
	if q.Get("state") == "" || q.Get("state") != values[keyState] {
		t.Fatalf("state %q not persisted, session %v", q.Get("state"), values)
	}
	if q.Get("nonce") == "" || q.Get("nonce") != values[keyNonce] {
		t.Fatalf("nonce %q not persisted, session %v", q.Get("nonce"), values)
	}
	if q.Has("code_challenge") || values[keyVerifier] != nil {
		t.Fatalf("PKCE parameters sent while disabled")
	}

	// A second login rotates the state.
	loc2 := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	u2, _ := url.Parse(loc2)
	if u2.Query().Get("state") == q.Get("state") {
		t.Fatalf("state reused across logins")
	}
}

func TestLoginWithPKCE(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p), func(cfg *Config) { cfg.OAuth.UsePKCE = true })

	loc := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	u, _ := url.Parse(loc)
	verifier, _ := s.session()[keyVerifier].(string)
	if verifier == "" {
		t.Fatalf("code_verifier not stored")
	}
	if u.Query().Get("code_challenge") != client.CodeChallengeS256(verifier) || u.Query().Get("code_challenge_method") != "S256" {
		t.Fatalf("unexpected challenge in %s", loc)
	}

	callback := s.expectRedirect(s.do(http.MethodGet, loc), s.srv.URL)
	s.expectRedirect(s.do(http.MethodGet, callback), "/")
	if got := p.TokenRequests()[0].Form.Get("code_verifier"); got != verifier {
		t.Fatalf("code_verifier = %q, want %q", got, verifier)
	}
}

func TestCallbackOIDCFlow(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))

	s.signIn()

	values := s.session()
	for _, k := range transientKeys {
		if _, ok := values[k]; ok {
			t.Fatalf("transient key %s survived the callback", k)
		}
	}
	if values[keyIDToken] == nil || values[keyAccessToken] == nil {
		t.Fatalf("tokens not persisted: %v", values)
	}
	claims, ok := values[keyClaims].(map[string]any)
	if !ok || claims["email"] != "user@example.com" || claims["aud"] != p.ClientID() {
		t.Fatalf("unexpected claims %v", values[keyClaims])
	}
	if _, ok := values[keyProfile]; ok {
		t.Fatalf("profile fetched although claims were available")
	}
	if len(p.UserinfoRequests()) != 0 {
		t.Fatalf("userinfo called although claims were available")
	}

	reqs := p.TokenRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected one token request, got %d", len(reqs))
	}
	if !reqs[0].HasBasic || reqs[0].Form.Get("grant_type") != "authorization_code" {
		t.Fatalf("unexpected token request %+v", reqs[0])
	}
}

func TestCallbackMinimalDiscoveryDocument(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetDiscoveryReply(providertest.Reply{Body: map[string]any{
		"authorization_endpoint": p.URL() + providertest.AuthorizePath,
		"token_endpoint":         p.URL() + providertest.TokenPath,
		"issuer":                 p.URL(),
	}})
	s := newFlowSetup(t, p, oidcConfig(p))

	loc := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL()+providertest.AuthorizePath)
	u, _ := url.Parse(loc)
	state := u.Query().Get("state")
	if u.Query().Get("response_type") != "code" || u.Query().Get("client_id") != p.ClientID() || state == "" {
		t.Fatalf("unexpected authorize url %s", loc)
	}

	s.expectRedirect(s.do(http.MethodGet, "/auth/callback?state="+url.QueryEscape(state)+"&code=abc123"), "/")

	reqs := p.TokenRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected one token request, got %d", len(reqs))
	}
	if reqs[0].Form.Get("grant_type") != "authorization_code" || reqs[0].Form.Get("code") != "abc123" {
		t.Fatalf("unexpected token form %v", reqs[0].Form)
	}
	values := s.session()
	if values[keyAccessToken] == nil {
		t.Fatalf("access token not persisted: %v", values)
	}
	if _, ok := values[keyClaims]; ok {
		t.Fatalf("claims stored without key material")
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	before := s.session()

	for _, q := range []string{"?code=abc", "?state=forged&code=abc", "?state=&code=abc"} {
		resp := s.do(http.MethodGet, "/auth/callback"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}

	after := s.session()
	for _, k := range []string{keyState, keyNonce} {
		if after[k] != before[k] {
			t.Fatalf("%s changed on rejected callback: %v -> %v", k, before[k], after[k])
		}
	}
	if len(p.TokenRequests()) != 0 {
		t.Fatalf("token endpoint called on forged callback")
	}
}

func TestCallbackWithoutLoginSession(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))

	resp := s.do(http.MethodGet, "/auth/callback?state=anything&code=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without session state, got %d", resp.StatusCode)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	state, _ := s.session()[keyState].(string)

	resp := s.do(http.MethodGet, "/auth/callback?state="+url.QueryEscape(state))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCallbackProviderError(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())

	s.expectRedirect(s.do(http.MethodGet, "/auth/callback?error=access_denied&error_reason=user_denied&error_description=Nope"), "/")

	e := authError(t, s.session())
	want := map[string]any{"error": "access_denied", "error_reason": "user_denied", "error_description": "Nope"}
	if len(e) != len(want) {
		t.Fatalf("unexpected auth_error fields %v", e)
	}
	for k, v := range want {
		if e[k] != v {
			t.Fatalf("auth_error[%s] = %v, want %v", k, e[k], v)
		}
	}
}

func TestCallbackProviderErrorRequiresStateToEndLogin(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	authURL := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	state, _ := s.session()[keyState].(string)

	for _, q := range []string{"?error=access_denied", "?error=access_denied&state=forged"} {
		s.expectRedirect(s.do(http.MethodGet, "/auth/callback"+q), "/")
		values := s.session()
		if e := authError(t, values); e["error"] != "access_denied" {
			t.Fatalf("%s: unexpected auth_error %v", q, e)
		}
		if values[keyState] != state || values[keyNonce] == nil {
			t.Fatalf("%s: unbound error response cleared the pending login: %v", q, values)
		}
	}

	// The genuine login still completes.
	callback := s.expectRedirect(s.do(http.MethodGet, authURL), s.srv.URL)
	s.expectRedirect(s.do(http.MethodGet, callback), "/")
	values := s.session()
	if values[keyClaims] == nil {
		t.Fatalf("pending login did not complete: %v", values)
	}
	if _, ok := values[keyAuthError]; ok {
		t.Fatalf("auth_error survived a successful sign-in: %v", values[keyAuthError])
	}

	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	state, _ = s.session()[keyState].(string)
	s.expectRedirect(s.do(http.MethodGet, "/auth/callback?error=access_denied&state="+url.QueryEscape(state)), "/")
	values = s.session()
	for _, k := range transientKeys {
		if _, ok := values[k]; ok {
			t.Fatalf("transient key %s survived a bound error response", k)
		}
	}
}

func TestIDTokenErrorPayload(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{client.ErrNonceMismatch, "id_token_verification_failed"},
		{fmt.Errorf("%w: kid %q", client.ErrKeyNotFound, "k1"), "id_token_verification_failed"},
		{fmt.Errorf("%w: HTTP 500", client.ErrJWKSFetch), "id_token_verification_failed"},
		{fmt.Errorf("%w: connection refused", client.ErrDiscovery), "provider_unavailable"},
		{context.DeadlineExceeded, "provider_unavailable"},
	}
	for _, tt := range tests {
		got := idTokenErrorPayload(tt.err)
		if got["error"] != tt.want || got["error_description"] != tt.err.Error() {
			t.Fatalf("idTokenErrorPayload(%v) = %v, want error %q", tt.err, got, tt.want)
		}
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetTokenReply(providertest.Reply{Status: http.StatusBadRequest, Body: map[string]any{
		"error": "invalid_grant", "error_description": "Code was already redeemed",
	}})
	s := newFlowSetup(t, p, oidcConfig(p))

	s.signIn()

	values := s.session()
	e := authError(t, values)
	if e["error"] != "invalid_grant" || e["error_description"] != "Code was already redeemed" {
		t.Fatalf("unexpected auth_error %v", e)
	}
	if status, _ := e["status_code"].(float64); status != http.StatusBadRequest {
		t.Fatalf("status_code = %v", e["status_code"])
	}
	for _, k := range append(transientKeys, keyAccessToken) {
		if _, ok := values[k]; ok {
			t.Fatalf("%s present after failed exchange", k)
		}
	}
}

func TestCallbackRejectsNonceMismatch(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetIDTokenClaims(jwt.MapClaims{"nonce": "replayed"})
	s := newFlowSetup(t, p, oidcConfig(p))

	s.signIn()

	values := s.session()
	if e := authError(t, values); e["error"] != "id_token_verification_failed" {
		t.Fatalf("unexpected auth_error %v", e)
	}
	for _, k := range []string{keyIDToken, keyAccessToken, keyClaims} {
		if _, ok := values[k]; ok {
			t.Fatalf("%s persisted despite nonce mismatch", k)
		}
	}
	if hits := p.JWKSHits(); hits != 1 {
		t.Fatalf("nonce mismatch must not be retried, got %d JWKS fetches", hits)
	}
}

func TestCallbackRetriesVerificationAfterJWKSFailure(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.FailJWKS(1)
	s := newFlowSetup(t, p, oidcConfig(p))

	s.signIn()

	values := s.session()
	if _, ok := values[keyAuthError]; ok {
		t.Fatalf("transient JWKS failure surfaced as auth_error: %v", values[keyAuthError])
	}
	claims, ok := values[keyClaims].(map[string]any)
	if !ok || claims["email"] != "user@example.com" {
		t.Fatalf("claims not stored after retry: %v", values[keyClaims])
	}
	if hits := p.JWKSHits(); hits != 2 {
		t.Fatalf("expected one retry against the JWKS, got %d fetches", hits)
	}
}

func TestCallbackJWKSDownFailsVerification(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.FailJWKS(2)
	s := newFlowSetup(t, p, oidcConfig(p))

	s.signIn()

	values := s.session()
	if e := authError(t, values); e["error"] != "id_token_verification_failed" {
		t.Fatalf("unexpected auth_error %v", e)
	}
	if _, ok := values[keyClaims]; ok {
		t.Fatalf("claims stored without a verified token")
	}
}

func TestCallbackRejectsWrongAudience(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetIDTokenClaims(jwt.MapClaims{"aud": "someone-else"})
	s := newFlowSetup(t, p, oidcConfig(p))

	s.signIn()

	values := s.session()
	if e := authError(t, values); e["error"] != "id_token_verification_failed" {
		t.Fatalf("unexpected auth_error %v", e)
	}
	if _, ok := values[keyClaims]; ok {
		t.Fatalf("claims persisted despite audience mismatch")
	}
}

func TestCallbackThreadsFlow(t *testing.T) {
	p := providertest.New(t, providertest.Options{NoIDToken: true})
	s := newFlowSetup(t, p, threadsConfig(p))

	loc := s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())
	if u, _ := url.Parse(loc); u.Query().Has("nonce") {
		t.Fatalf("nonce sent to a non-OIDC provider: %s", loc)
	}
	callback := s.expectRedirect(s.do(http.MethodGet, loc), s.srv.URL)
	s.expectRedirect(s.do(http.MethodGet, callback), "/")

	token := p.TokenRequests()[0]
	if token.HasBasic || token.Form.Get("client_secret") != "client-secret" {
		t.Fatalf("threads must receive the secret in the body: %+v", token)
	}

	values := s.session()
	profile, ok := values[keyProfile].(map[string]any)
	if !ok || profile["username"] != "tester" {
		t.Fatalf("profile not stored: %v", values)
	}
	q := p.UserinfoRequests()[0]
	if q.Get("fields") != "id,username" || q.Get("appsecret_proof") == "" {
		t.Fatalf("unexpected userinfo query %v", q)
	}

	if values[keyLongAccessToken] == nil || values[keyLongTokenType] != "bearer" {
		t.Fatalf("long-lived token not stored: %v", values)
	}
	if exp, _ := values[keyLongExpiresIn].(float64); exp != 5184000 {
		t.Fatalf("long_expires_in = %v", values[keyLongExpiresIn])
	}
	if _, ok := values[keyAuthError]; ok {
		t.Fatalf("unexpected auth_error %v", values[keyAuthError])
	}
}

func TestCallbackPaddedThreadsNameUsesPostAuth(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p), func(cfg *Config) {
		cfg.OAuth.ProviderName = " threads "
		cfg.OAuth.ThreadsGraphBaseURL = p.URL()
	})

	s.signIn()

	token := p.TokenRequests()[0]
	if token.HasBasic || token.Form.Get("client_secret") != "client-secret" {
		t.Fatalf("padded threads name fell back to basic auth: %+v", token)
	}
	if len(p.LongTokenRequests()) == 0 {
		t.Fatalf("padded threads name lost long-token support")
	}
}

func TestCallbackAutoExchangeFailureIsNonFatal(t *testing.T) {
	p := providertest.New(t, providertest.Options{NoIDToken: true})
	p.SetLongTokenReply(providertest.Reply{Status: http.StatusBadRequest, Body: map[string]any{
		"error": map[string]any{"message": "Bad token"},
	}})
	s := newFlowSetup(t, p, threadsConfig(p))

	s.signIn()

	values := s.session()
	if values[keyAccessToken] == nil {
		t.Fatalf("short-lived token lost after failed exchange")
	}
	e := authError(t, values)
	if e["error"] != "long_token_exchange_failed" || !strings.Contains(e["error_description"].(string), "Bad token") {
		t.Fatalf("unexpected auth_error %v", e)
	}
	if status, _ := e["status_code"].(float64); status != http.StatusBadRequest {
		t.Fatalf("status_code = %v", e["status_code"])
	}
}

func TestLongTokenEndpoints(t *testing.T) {
	p := providertest.New(t, providertest.Options{NoIDToken: true})
	s := newFlowSetup(t, p, threadsConfig(p), func(cfg *Config) { cfg.OAuth.AutoExchangeLongLived = false })

	if resp := s.do(http.MethodPost, "/auth/long-token/exchange"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("exchange without token: expected 400, got %d", resp.StatusCode)
	}
	if resp := s.do(http.MethodPost, "/auth/long-token/refresh"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("refresh without token: expected 400, got %d", resp.StatusCode)
	}

	s.signIn()
	if _, ok := s.session()[keyLongAccessToken]; ok {
		t.Fatalf("auto exchange ran while disabled")
	}

	s.expectRedirect(s.do(http.MethodPost, "/auth/long-token/exchange"), "/")
	first, _ := s.session()[keyLongAccessToken].(string)
	if first == "" {
		t.Fatalf("exchange did not store a long-lived token")
	}

	p.SetLongTokenReply(providertest.Reply{Status: http.StatusUnauthorized, Body: map[string]any{"error": map[string]any{"message": "expired"}}})
	s.expectRedirect(s.do(http.MethodPost, "/auth/long-token/refresh"), "/")
	if e := authError(t, s.session()); e["error"] != "long_token_refresh_failed" {
		t.Fatalf("unexpected auth_error %v", e)
	}

	p.SetLongTokenReply(providertest.Reply{Body: map[string]any{"access_token": "refreshed", "expires_in": 60}})
	s.expectRedirect(s.do(http.MethodPost, "/auth/long-token/refresh"), "/")
	values := s.session()
	if values[keyLongAccessToken] != "refreshed" {
		t.Fatalf("refresh not stored: %v", values)
	}
	if _, ok := values[keyAuthError]; ok {
		t.Fatalf("auth_error not cleared after successful refresh")
	}
	last := p.LongTokenRequests()
	if q := last[len(last)-1].URL.Query(); q.Get("access_token") != first {
		t.Fatalf("refresh used %q, want %q", q.Get("access_token"), first)
	}
}

func TestLongTokenEndpointsRequireCapableProvider(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	s.signIn()

	for _, path := range []string{"/auth/long-token/exchange", "/auth/long-token/refresh"} {
		if resp := s.do(http.MethodPost, path); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
	if n := len(p.LongTokenRequests()); n != 0 {
		t.Fatalf("long token endpoints reached %d times", n)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	s.signIn()

	if s.store.Len() == 0 {
		t.Fatalf("expected a stored session")
	}
	s.expectRedirect(s.do(http.MethodPost, "/auth/logout"), "/")
	if values := s.session(); len(values) != 0 {
		t.Fatalf("session not cleared: %v", values)
	}
	if s.store.Len() != 0 {
		t.Fatalf("session record left in store")
	}

	// Idempotent on an empty session.
	s.expectRedirect(s.do(http.MethodGet, "/auth/logout"), "/")
}

func TestLogoutClearsUnrelatedKeys(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))
	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL())

	req := httptest.NewRequest(http.MethodGet, s.srv.URL+"/", nil)
	u, _ := url.Parse(s.srv.URL)
	for _, c := range s.http.Jar.Cookies(u) {
		req.AddCookie(c)
	}
	sess := s.app.Sessions.Load(req)
	sess.Set("theme", "dark")
	if err := s.store.Save(req.Context(), sess.ID, sess.Values(), DefaultSessionTTL); err != nil {
		t.Fatalf("save: %v", err)
	}

	s.expectRedirect(s.do(http.MethodGet, "/auth/logout"), "/")
	if values := s.session(); len(values) != 0 {
		t.Fatalf("session not cleared: %v", values)
	}
}

func TestLoginDiscoveryFailure(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetDiscoveryReply(providertest.Reply{Status: http.StatusBadGateway, Raw: "down"})
	s := newFlowSetup(t, p, oidcConfig(p))

	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), "/")
	if e := authError(t, s.session()); e["error"] != "provider_unavailable" {
		t.Fatalf("unexpected auth_error %v", e)
	}
}

func TestLoginRecoversAfterDiscoveryOutage(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetDiscoveryReply(providertest.Reply{Status: http.StatusBadGateway, Raw: "down"})
	s := newFlowSetup(t, p, oidcConfig(p))

	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), "/")
	failed := p.DiscoveryHits()

	p.SetDiscoveryReply(providertest.Reply{Body: p.DiscoveryDocument()})
	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL()+providertest.AuthorizePath)
	if hits := p.DiscoveryHits(); hits != failed+1 {
		t.Fatalf("expected one refetch after the outage, got %d fetches (was %d)", hits, failed)
	}

	s.expectRedirect(s.do(http.MethodGet, "/auth/login"), p.URL()+providertest.AuthorizePath)
	if hits := p.DiscoveryHits(); hits != failed+1 {
		t.Fatalf("recovered metadata not kept, %d fetches", hits)
	}
}

func TestLoginMisconfiguredProvider(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	p.SetDiscoveryReply(providertest.Reply{Body: map[string]any{"issuer": p.URL()}})
	s := newFlowSetup(t, p, oidcConfig(p))

	if resp := s.do(http.MethodGet, "/auth/login"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestHealthIndexAndMetrics(t *testing.T) {
	p := providertest.New(t, providertest.Options{})
	s := newFlowSetup(t, p, oidcConfig(p))

	resp, err := s.http.Get(s.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()
	if health["status"] != "healthy" || health["service"] != "oauth-tester" {
		t.Fatalf("unexpected health %v", health)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}

	s.signIn()
	resp, err = s.http.Get(s.srv.URL + "/")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "user@example.com") || !strings.Contains(string(body), "/auth/logout") {
		t.Fatalf("index does not show the signed-in session")
	}

	resp, err = s.http.Get(s.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`oauth_tester_oauth_flow_events_total{outcome="signed_in",step="callback"} 1`,
		`oauth_tester_http_requests_total{method="GET",route="/auth/login",status="302"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}
