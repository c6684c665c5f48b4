package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is a verified ID token payload.
type Claims map[string]any

// String returns the string claim name, or "".
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// asymmetricAlgs are accepted when a key does not pin its own algorithm.
var asymmetricAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// VerifierConfig configures ID token verification.
type VerifierConfig struct {
	Timeout    time.Duration
	Leeway     time.Duration
	HTTPClient HTTPClientFactory
	Now        func() time.Time
}

// Verifier checks compact JWS ID tokens against a provider's JWKS.
// Key material is fetched on every call.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.HTTPClient = cfg.HTTPClient.orDefault()
	return &Verifier{cfg: cfg}
}

// VerifyIDToken verifies the signature and standard claims of token and
// returns its claim set. issuer is only enforced when non-empty.
func (v *Verifier) VerifyIDToken(ctx context.Context, token, jwksURL, audience, issuer string) (Claims, error) {
	header, err := parseHeader(token)
	if err != nil {
		return nil, err
	}
	kid, _ := header["kid"].(string)

	set, err := v.fetchJWKS(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	key := selectKey(set, kid)
	if key == nil {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	algs := asymmetricAlgs
	if key.Algorithm != "" {
		algs = []string{key.Algorithm}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithIssuedAt(),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.Key, nil
	}); err != nil {
		return nil, classifyJWTError(err)
	}

	if issuer != "" {
		if iss, _ := claims["iss"].(string); iss != issuer {
			return nil, fmt.Errorf("%w: got %q", ErrInvalidIssuer, iss)
		}
	}
	if !audienceMatches(claims["aud"], audience) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudience, claims["aud"])
	}

	return Claims(claims), nil
}

func parseHeader(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[0], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: header encoding: %v", ErrMalformedToken, err)
	}
	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil || header == nil {
		return nil, fmt.Errorf("%w: header is not a JSON object", ErrMalformedToken)
	}
	return header, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context, jwksURL string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := do(ctx, v.cfg.HTTPClient, v.cfg.Timeout, req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %w", ErrJWKSFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: HTTP %d", ErrJWKSFetch, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(resp.Body, &set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: decode: %v", ErrJWKSFetch, err)
	}
	return set, nil
}

// selectKey prefers an exact kid match and otherwise falls back to the
// first key in the set.
func selectKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if kid != "" {
		for _, k := range set.Keys {
			if k.KeyID == kid {
				key := k
				return &key
			}
		}
	}
	if len(set.Keys) == 0 {
		return nil
	}
	key := set.Keys[0]
	return &key
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrTokenNotYetValid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// audienceMatches accepts a list containing audience or a scalar equal to it.
func audienceMatches(aud any, audience string) bool {
	switch v := aud.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == audience {
				return true
			}
		}
	}
	return false
}
