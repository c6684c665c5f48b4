// Package threads implements the Threads Graph API long-lived token protocol:
// swapping a short-lived user token for a long-lived one and refreshing it.
package threads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oauthtester/client"
)

// DefaultBaseURL is the Threads Graph API host.
const DefaultBaseURL = "https://graph.threads.net"

var (
	// ErrValidation reports a call rejected before any network traffic.
	ErrValidation = errors.New("threads: invalid request")
	// ErrResponseFormat reports a success response without a usable token.
	ErrResponseFormat = errors.New("threads: unexpected response format")
)

// ExchangeError is returned when the Graph API answers with a non-success status.
type ExchangeError struct {
	Op         string
	StatusCode int
	Details    map[string]any
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("token %s failed (status %d)", e.Op, e.StatusCode)
	if m := e.Message(); m != "" {
		msg += ": " + m
	}
	return msg
}

// Message extracts the provider's error message, if any.
func (e *ExchangeError) Message() string {
	switch v := e.Details["error"].(type) {
	case map[string]any:
		s, _ := v["message"].(string)
		return s
	case string:
		return v
	}
	if s, ok := e.Details["text"].(string); ok {
		return s
	}
	return ""
}

// LongLivedToken is a long-lived Threads user token.
type LongLivedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Config configures a Service.
type Config struct {
	BaseURL      string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   client.HTTPClientFactory
}

// Service talks to the Threads token endpoints.
type Service struct {
	baseURL      string
	clientSecret string
	timeout      time.Duration
	httpClient   client.HTTPClientFactory
}

// NewService creates a Service; empty fields take package defaults.
func NewService(cfg Config) *Service {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = client.NewHTTPClient
	}
	return &Service{baseURL: base, clientSecret: cfg.ClientSecret, timeout: timeout, httpClient: hc}
}

// ExchangeLongLived swaps a short-lived access token for a long-lived one.
func (s *Service) ExchangeLongLived(ctx context.Context, shortLived string) (*LongLivedToken, error) {
	if strings.TrimSpace(shortLived) == "" {
		return nil, fmt.Errorf("%w: missing short-lived access token", ErrValidation)
	}
	if s.clientSecret == "" {
		return nil, fmt.Errorf("%w: missing client secret for exchange", ErrValidation)
	}
	return s.call(ctx, "exchange", "/access_token", map[string]string{
		"grant_type":    "th_exchange_token",
		"client_secret": s.clientSecret,
		"access_token":  shortLived,
	})
}

// RefreshLongLived extends a long-lived token that has not yet expired.
func (s *Service) RefreshLongLived(ctx context.Context, longLived string) (*LongLivedToken, error) {
	if strings.TrimSpace(longLived) == "" {
		return nil, fmt.Errorf("%w: missing long-lived access token", ErrValidation)
	}
	return s.call(ctx, "refresh", "/refresh_access_token", map[string]string{
		"grant_type":   "th_refresh_token",
		"access_token": longLived,
	})
}

func (s *Service) call(ctx context.Context, op, path string, params map[string]string) (*LongLivedToken, error) {
	status, body, err := client.Get(ctx, s.httpClient, s.timeout, s.baseURL+path, params)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", op, err)
	}
	if status >= http.StatusMultipleChoices {
		return nil, &ExchangeError{Op: op, StatusCode: status, Details: safeJSON(body)}
	}
	return parseToken(body)
}

// safeJSON decodes body as an object, falling back to {"text": body}.
func safeJSON(body []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil || out == nil {
		return map[string]any{"text": string(body)}
	}
	return out
}

func parseToken(body []byte) (*LongLivedToken, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrResponseFormat)
	}

	token := strings.TrimSpace(stringify(raw["access_token"]))
	if token == "" {
		return nil, fmt.Errorf("%w: access_token missing", ErrResponseFormat)
	}

	tokenType := "bearer"
	if v, ok := raw["token_type"]; ok && v != nil {
		tokenType = stringify(v)
	}

	var expires int64
	if v, ok := raw["expires_in"]; ok && v != nil {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_in: %v", ErrResponseFormat, err)
		}
		expires = n
	}
	if expires < 0 {
		return nil, fmt.Errorf("%w: negative expires_in", ErrResponseFormat)
	}

	return &LongLivedToken{AccessToken: token, TokenType: tokenType, ExpiresIn: expires}, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
