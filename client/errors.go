package client

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration    = errors.New("provider configuration error")
	ErrDiscovery        = errors.New("provider discovery failed")
	ErrNetwork          = errors.New("network error")
	ErrMalformedToken   = errors.New("malformed token")
	ErrJWKSFetch        = errors.New("jwks fetch failed")
	ErrKeyNotFound      = errors.New("signing key not found")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrInvalidToken     = errors.New("invalid token response")
	ErrJWKSUnavailable  = errors.New("jwks uri not configured")
	ErrNonceMismatch    = errors.New("nonce mismatch")
)

// TokenExchangeError reports a token endpoint that rejected the authorization code.
type TokenExchangeError struct {
	StatusCode  int
	Code        string
	Description string
	Body        map[string]any
	Raw         string
}

func (e *TokenExchangeError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token exchange failed (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
	}
	if e.Code != "" {
		return fmt.Sprintf("token exchange failed (status %d): %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("token exchange failed (status %d)", e.StatusCode)
}

// IsVerificationError reports whether err came from ID token verification.
func IsVerificationError(err error) bool {
	for _, target := range []error{
		ErrMalformedToken, ErrJWKSFetch, ErrKeyNotFound, ErrSignatureInvalid,
		ErrTokenExpired, ErrTokenNotYetValid, ErrInvalidIssuer, ErrInvalidAudience,
		ErrNonceMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
