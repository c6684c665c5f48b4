package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"oauthtester/client"
	"oauthtester/threads"
)

// Session keys. The first three only live between login and callback.
const (
	keyState    = "oauth_state"
	keyNonce    = "oauth_nonce"
	keyVerifier = "code_verifier"

	keyIDToken         = "id_token"
	keyAccessToken     = "access_token"
	keyClaims          = "claims"
	keyProfile         = "profile"
	keyLongAccessToken = "long_access_token"
	keyLongTokenType   = "long_token_type"
	keyLongExpiresIn   = "long_expires_in"
	keyAuthError       = "auth_error"
)

var transientKeys = []string{keyState, keyNonce, keyVerifier}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Sessions   *SessionManager
	OAuth      *client.Client
	LongTokens *threads.Service
	Metrics    *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, store Store, logger *slog.Logger) (*App, error) {
	resolver := client.NewResolver(cfg.ResolverConfig())
	verifier := client.NewVerifier(client.VerifierConfig{Timeout: cfg.OAuth.HTTPTimeout})
	oauth, err := client.NewClient(cfg.ClientConfig(), resolver, verifier)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Sessions: NewSessionManager(cfg, store, logger),
		OAuth:    oauth,
		LongTokens: threads.NewService(threads.Config{
			BaseURL:      cfg.OAuth.ThreadsGraphBaseURL,
			ClientSecret: cfg.OAuth.ClientSecret,
			Timeout:      cfg.OAuth.HTTPTimeout,
		}),
		Metrics: NewMetrics(),
	}, nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := a.Sessions.Load(r)

	req := client.AuthRequest{
		RedirectURI: a.Config.RedirectURI(),
		State:       client.GenerateState(),
		Scope:       a.Config.OAuth.Scopes,
	}
	if a.Config.IsOIDC() {
		req.Nonce = client.GenerateNonce()
	}
	var verifier string
	if a.Config.OAuth.UsePKCE {
		verifier = client.GenerateCodeVerifier()
		req.CodeChallenge = client.CodeChallengeS256(verifier)
		req.CodeChallengeMethod = client.CodeChallengeMethodS256
	}

	authURL, err := a.OAuth.AuthorizationURL(ctx, req)
	if err != nil {
		a.Logger.Error("login.authorization_url_failed", "error", err, "request_id", RequestIDFromContext(ctx))
		a.Metrics.flowEvent("login", "metadata_error")
		if errors.Is(err, client.ErrConfiguration) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "OAuth provider is misconfigured"})
			return
		}
		sess.Set(keyAuthError, map[string]any{
			"error":             "provider_unavailable",
			"error_description": err.Error(),
		})
		a.finish(w, r, sess)
		return
	}

	sess.Delete(transientKeys...)
	sess.Set(keyState, req.State)
	if req.Nonce != "" {
		sess.Set(keyNonce, req.Nonce)
	}
	if verifier != "" {
		sess.Set(keyVerifier, verifier)
	}
	if err := a.Sessions.Save(ctx, w, sess); err != nil {
		a.sessionFailure(w, r, err)
		return
	}

	a.Metrics.flowEvent("login", "redirected")
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	sess := a.Sessions.Load(r)
	logger := a.Logger.With("request_id", RequestIDFromContext(ctx))

	state := q.Get("state")
	expected := sess.GetString(keyState)
	stateOK := state != "" && expected != "" && subtle.ConstantTimeCompare([]byte(state), []byte(expected)) == 1

	if q.Has("error") {
		logger.Info("callback.provider_error", "error", q.Get("error"), "state_matched", stateOK)
		a.Metrics.flowEvent("callback", "provider_error")
		// Only a response bound to the pending login may end it.
		if stateOK {
			sess.Delete(transientKeys...)
		}
		sess.Set(keyAuthError, map[string]any{
			"error":             queryValue(q, "error"),
			"error_reason":      queryValue(q, "error_reason"),
			"error_description": queryValue(q, "error_description"),
		})
		a.finish(w, r, sess)
		return
	}

	if !stateOK {
		logger.Warn("callback.state_invalid", "state_present", state != "", "session_state_present", expected != "")
		a.Metrics.flowEvent("callback", "state_invalid")
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid state (check cookie SameSite/HTTPS)"})
		return
	}
	code := q.Get("code")
	if code == "" {
		a.Metrics.flowEvent("callback", "code_missing")
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Missing authorization code"})
		return
	}

	nonce := sess.GetString(keyNonce)
	var verifier string
	if a.Config.OAuth.UsePKCE {
		verifier = sess.GetString(keyVerifier)
	}
	sess.Delete(transientKeys...)

	tokens, err := a.OAuth.ExchangeCode(ctx, code, a.Config.RedirectURI(), verifier)
	if err != nil {
		logger.Warn("callback.exchange_failed", "error", err)
		a.Metrics.flowEvent("callback", "exchange_failed")
		sess.Set(keyAuthError, exchangeErrorPayload(err))
		a.finish(w, r, sess)
		return
	}

	idToken := tokens.String("id_token")
	accessToken := tokens.String("access_token")

	var claims client.Claims
	if a.Config.IsOIDC() && idToken != "" {
		claims, err = a.verifyIDToken(ctx, tokens, nonce)
		if err != nil {
			logger.Warn("callback.id_token_rejected", "error", err)
			a.Metrics.flowEvent("callback", "id_token_rejected")
			sess.Set(keyAuthError, idTokenErrorPayload(err))
			a.finish(w, r, sess)
			return
		}
	}

	var profile map[string]any
	if len(claims) == 0 && accessToken != "" {
		res := a.OAuth.FetchProfile(ctx, accessToken)
		switch res.Status {
		case client.ProfileFetched:
			profile = res.Profile
		case client.ProfileUnavailable:
			logger.Info("callback.profile_unavailable", "error", res.Err)
		}
	}

	sess.Delete(keyAuthError)
	if idToken != "" {
		sess.Set(keyIDToken, idToken)
	}
	if accessToken != "" {
		sess.Set(keyAccessToken, accessToken)
	}
	if claims != nil {
		sess.Set(keyClaims, map[string]any(claims))
	}
	if len(profile) > 0 {
		sess.Set(keyProfile, profile)
	}

	if a.Config.LongTokenCapable() && a.Config.OAuth.AutoExchangeLongLived && accessToken != "" {
		tok, err := a.LongTokens.ExchangeLongLived(ctx, accessToken)
		if err != nil {
			logger.Warn("callback.long_token_exchange_failed", "error", err)
			a.Metrics.flowEvent("long_token_auto_exchange", "failed")
			sess.Set(keyAuthError, longTokenErrorPayload("long_token_exchange_failed", err))
		} else {
			a.Metrics.flowEvent("long_token_auto_exchange", "ok")
			storeLongToken(sess, tok)
		}
	}

	logger.Info("callback.signed_in", "oidc", claims != nil, "profile", profile != nil)
	a.Metrics.flowEvent("callback", "signed_in")
	a.finish(w, r, sess)
}

// verifyIDToken runs the client's ID token check and, if that fails for any
// reason other than a nonce mismatch, retries once directly against the
// resolved JWKS. A provider with no JWKS configured yields no claims.
func (a *App) verifyIDToken(ctx context.Context, tokens client.TokenResponse, nonce string) (client.Claims, error) {
	claims, err := a.OAuth.ParseIDToken(ctx, tokens, nonce)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, client.ErrNonceMismatch) {
		return nil, err
	}

	jwksURI, jerr := a.OAuth.JWKSURI(ctx)
	if jerr != nil {
		return nil, err
	}
	if jwksURI == "" {
		a.Logger.Info("callback.id_token_unverified", "reason", "no jwks uri")
		return nil, nil
	}
	issuer, _ := a.OAuth.Issuer(ctx)

	claims, err = a.OAuth.Verifier().VerifyIDToken(ctx, tokens.String("id_token"), jwksURI, a.Config.OAuth.ClientID, issuer)
	if err != nil {
		return nil, err
	}
	if nonce != "" && claims.String("nonce") != nonce {
		return nil, client.ErrNonceMismatch
	}
	return claims, nil
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(r)
	sess.Clear()
	a.Metrics.flowEvent("logout", "ok")
	a.finish(w, r, sess)
}

func (a *App) handleLongTokenExchange(w http.ResponseWriter, r *http.Request) {
	a.longTokenAction(w, r, "exchange", keyAccessToken, a.LongTokens.ExchangeLongLived)
}

func (a *App) handleLongTokenRefresh(w http.ResponseWriter, r *http.Request) {
	a.longTokenAction(w, r, "refresh", keyLongAccessToken, a.LongTokens.RefreshLongLived)
}

func (a *App) longTokenAction(w http.ResponseWriter, r *http.Request, op, sourceKey string,
	call func(context.Context, string) (*threads.LongLivedToken, error)) {
	ctx := r.Context()
	if !a.Config.LongTokenCapable() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": fmt.Sprintf("Long-lived %s only supported for Threads", op),
		})
		return
	}

	sess := a.Sessions.Load(r)
	source := sess.GetString(sourceKey)
	if source == "" {
		detail := "No short-lived access token in session"
		if sourceKey == keyLongAccessToken {
			detail = "No long-lived token in session"
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": detail})
		return
	}

	tok, err := call(ctx, source)
	if errors.Is(err, threads.ErrValidation) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	if err != nil {
		a.Logger.Warn("long_token."+op+"_failed", "error", err, "request_id", RequestIDFromContext(ctx))
		a.Metrics.flowEvent("long_token_"+op, "failed")
		sess.Set(keyAuthError, longTokenErrorPayload("long_token_"+op+"_failed", err))
	} else {
		a.Metrics.flowEvent("long_token_"+op, "ok")
		storeLongToken(sess, tok)
		sess.Delete(keyAuthError)
	}
	a.finish(w, r, sess)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "oauth-tester"})
}

// finish persists the session and sends the browser home.
func (a *App) finish(w http.ResponseWriter, r *http.Request, sess *Session) {
	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.sessionFailure(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) sessionFailure(w http.ResponseWriter, r *http.Request, err error) {
	a.Logger.Error("session.save_failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Session storage unavailable"})
}

func storeLongToken(sess *Session, tok *threads.LongLivedToken) {
	sess.Set(keyLongAccessToken, tok.AccessToken)
	sess.Set(keyLongTokenType, tok.TokenType)
	sess.Set(keyLongExpiresIn, tok.ExpiresIn)
}

// exchangeErrorPayload renders a failed code exchange for the index page.
func exchangeErrorPayload(err error) map[string]any {
	var exErr *client.TokenExchangeError
	if !errors.As(err, &exErr) {
		return map[string]any{
			"error":             "oauth_error",
			"error_description": err.Error(),
			"status_code":       nil,
		}
	}

	payload := map[string]any{
		"error":             exErr.Code,
		"error_description": exErr.Description,
		"status_code":       exErr.StatusCode,
	}
	if exErr.Code == "" {
		payload["error"] = "oauth_error"
	}
	if exErr.Description == "" {
		payload["error_description"] = exErr.Error()
	}
	switch {
	case len(exErr.Body) > 0:
		payload["details"] = exErr.Body
	case exErr.Raw != "":
		payload["details"] = exErr.Raw
	}
	return payload
}

// idTokenErrorPayload separates a token that failed verification from a
// provider that could not be reached while verifying it.
func idTokenErrorPayload(err error) map[string]any {
	code := "provider_unavailable"
	if client.IsVerificationError(err) {
		code = "id_token_verification_failed"
	}
	return map[string]any{
		"error":             code,
		"error_description": err.Error(),
	}
}

func longTokenErrorPayload(code string, err error) map[string]any {
	payload := map[string]any{
		"error":             code,
		"error_description": err.Error(),
		"status_code":       nil,
	}
	var exErr *threads.ExchangeError
	if errors.As(err, &exErr) {
		payload["status_code"] = exErr.StatusCode
		payload["details"] = exErr.Details
	}
	return payload
}

// queryValue returns nil for absent parameters so they render as null.
func queryValue(q url.Values, key string) any {
	if !q.Has(key) {
		return nil
	}
	return q.Get(key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
