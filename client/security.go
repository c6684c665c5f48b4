package client

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// CodeChallengeMethodS256 is the only PKCE method this client sends.
const CodeChallengeMethodS256 = "S256"

const randomBytes = 32

// randomString returns 32 random bytes as unpadded base64url (43 chars).
// A failing system RNG is unrecoverable.
func randomString() string {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// GenerateState returns an anti-CSRF state value.
func GenerateState() string { return randomString() }

// GenerateNonce returns an OIDC nonce.
func GenerateNonce() string { return randomString() }

// GenerateCodeVerifier returns a PKCE code verifier. The 43 character
// output sits inside the 43-128 range RFC 7636 allows.
func GenerateCodeVerifier() string { return randomString() }

// CodeChallengeS256 derives the S256 PKCE challenge for verifier.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ComputeAppSecretProof returns hex(HMAC-SHA256(secret, token)), the signed
// request proof Graph-style APIs expect alongside an access token.
func ComputeAppSecretProof(token, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
