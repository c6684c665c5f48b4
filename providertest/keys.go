package providertest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// KeyManager holds the RSA keys a fake provider signs ID tokens with.
type KeyManager struct {
	mu       sync.RWMutex
	current  keyPair
	previous []keyPair
}

// NewKeyManager generates a fresh signing key.
func NewKeyManager() (*KeyManager, error) {
	m := &KeyManager{}
	if err := m.Rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Rotate generates a new current key and keeps the old one published.
func (m *KeyManager) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: randomKID(), Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.private != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
	}
	m.current = keyPair{private: key, jwk: jwk}
	return nil
}

// KID returns the current key id.
func (m *KeyManager) KID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.jwk.KeyID
}

// Sign signs claims with RS256 under the current kid.
func (m *KeyManager) Sign(claims jwt.MapClaims) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return signWith(m.current.private, m.current.jwk.KeyID, claims)
}

// SignWithoutKID signs claims with the current key and no kid header.
func (m *KeyManager) SignWithoutKID(claims jwt.MapClaims) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return signWith(m.current.private, "", claims)
}

// SignForeign signs claims with a throwaway key that is never published,
// labelled with the current kid.
func (m *KeyManager) SignForeign(claims jwt.MapClaims) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	return signWith(key, m.KID(), claims)
}

func signWith(key *rsa.PrivateKey, kid string, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString(key)
}

// PublicJWKS returns the published key set, current key first.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
