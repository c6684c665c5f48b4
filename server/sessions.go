package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is one browser's key/value record.
type Session struct {
	ID     string
	values map[string]any
	isNew  bool
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "".
func (s *Session) GetString(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Set stores v under key.
func (s *Session) Set(key string, v any) {
	s.values[key] = v
}

// Delete removes key.
func (s *Session) Delete(keys ...string) {
	for _, k := range keys {
		delete(s.values, k)
	}
}

// Clear removes every key.
func (s *Session) Clear() {
	s.values = map[string]any{}
}

// Len reports the number of keys.
func (s *Session) Len() int { return len(s.values) }

// Values returns a shallow copy of the record.
func (s *Session) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// SessionManager handles cookie-backed sessions. The cookie holds an HS256
// signed token whose jti is the id of the record in the store.
type SessionManager struct {
	store      Store
	logger     *slog.Logger
	secret     []byte
	cookieName string
	ttl        time.Duration
	secure     bool
	sameSite   http.SameSite
	now        func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	sameSite, _ := parseSameSite(cfg.Sessions.SameSite)
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store:      store,
		logger:     logger,
		secret:     []byte(cfg.Sessions.Secret),
		cookieName: cfg.Sessions.CookieName,
		ttl:        ttl,
		secure:     !cfg.Server.DevMode || sameSite == http.SameSiteNoneMode,
		sameSite:   sameSite,
		now:        time.Now,
	}
}

// Load returns the request's session, or a fresh empty one when the cookie
// is absent, forged, expired or points at a record that no longer exists.
func (sm *SessionManager) Load(r *http.Request) *Session {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return sm.fresh()
	}
	id, err := sm.parseCookie(cookie.Value)
	if err != nil {
		sm.logger.Debug("session.cookie_rejected", "error", err)
		return sm.fresh()
	}
	values, ok, err := sm.store.Load(r.Context(), id)
	if err != nil {
		sm.logger.Warn("session.load_failed", "error", err)
		return sm.fresh()
	}
	if !ok {
		return sm.fresh()
	}
	return &Session{ID: id, values: values}
}

// Save persists sess and refreshes its cookie. An empty session is removed
// from the store and its cookie expired.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if len(sess.values) == 0 {
		if sess.isNew {
			return nil
		}
		sm.expireCookie(w)
		return sm.store.Delete(ctx, sess.ID)
	}

	if err := sm.store.Save(ctx, sess.ID, sess.values, sm.ttl); err != nil {
		return err
	}
	value, err := sm.signCookie(sess.ID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	sess.isNew = false
	return nil
}

func (sm *SessionManager) fresh() *Session {
	return &Session{ID: newSessionID(), values: map[string]any{}, isNew: true}
}

func (sm *SessionManager) signCookie(id string) (string, error) {
	now := sm.now()
	claims := jwt.RegisteredClaims{
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
}

func (sm *SessionManager) parseCookie(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return sm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(sm.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("session cookie without id")
	}
	return claims.ID, nil
}

func (sm *SessionManager) expireCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

func newSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
