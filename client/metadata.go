package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Token endpoint client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
)

// ProviderMetadata is the resolved endpoint set of the configured provider.
// It is never mutated after resolution.
type ProviderMetadata struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	JWKSURI               string
	Issuer                string
	AuthMethods           []string
	Discovered            bool
}

// SupportsAuthMethod reports whether the provider advertises method.
func (m *ProviderMetadata) SupportsAuthMethod(method string) bool {
	return m.authMethodIndex(method) >= 0
}

func (m *ProviderMetadata) authMethodIndex(method string) int {
	for i, v := range m.AuthMethods {
		if v == method {
			return i
		}
	}
	return -1
}

// discoveryDocument extends the go-oidc provider document with the
// advertised token endpoint auth methods.
type discoveryDocument struct {
	oidc.ProviderConfig
	TokenEndpointAuthMethods []string `json:"token_endpoint_auth_methods_supported"`
}

// ResolverConfig lists discovery and static endpoint settings. Static
// userinfo and JWKS values override discovered ones.
type ResolverConfig struct {
	DiscoveryURL     string
	AuthorizeURL     string
	TokenURL         string
	UserinfoEndpoint string
	JWKSURL          string
	Timeout          time.Duration
	HTTPClient       HTTPClientFactory
}

// Resolver lazily resolves ProviderMetadata. Concurrent callers share one
// in-flight resolution and its outcome. Successes and configuration errors
// are kept until Invalidate; transient discovery or network failures are
// not, so the next call fetches again.
type Resolver struct {
	cfg ResolverConfig

	mu       sync.Mutex
	meta     *ProviderMetadata
	err      error
	inflight *flight
}

type flight struct {
	done chan struct{}
	meta *ProviderMetadata
	err  error
}

// NewResolver creates a resolver for cfg.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.HTTPClient = cfg.HTTPClient.orDefault()
	return &Resolver{cfg: cfg}
}

// Resolve returns the kept metadata, resolving it when needed. The fetch is
// detached from ctx so an abandoned first request cannot fail it for the
// callers waiting on the same flight; ctx only bounds how long this caller waits.
func (r *Resolver) Resolve(ctx context.Context) (*ProviderMetadata, error) {
	r.mu.Lock()
	if r.meta != nil || r.err != nil {
		meta, err := r.meta, r.err
		r.mu.Unlock()
		return meta, err
	}
	f := r.inflight
	if f == nil {
		f = &flight{done: make(chan struct{})}
		r.inflight = f
		go r.run(context.WithoutCancel(ctx), f)
	}
	r.mu.Unlock()

	select {
	case <-f.done:
		return f.meta, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ctx.Err())
	}
}

func (r *Resolver) run(ctx context.Context, f *flight) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	f.meta, f.err = r.resolve(ctx)

	r.mu.Lock()
	if r.inflight == f {
		r.inflight = nil
		switch {
		case f.err == nil:
			r.meta = f.meta
		case errors.Is(f.err, ErrConfiguration):
			r.err = f.err
		}
	}
	r.mu.Unlock()
	close(f.done)
}

// Invalidate drops the kept outcome so the next Resolve refetches.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta = nil
	r.err = nil
	r.inflight = nil
}

func (r *Resolver) resolve(ctx context.Context) (*ProviderMetadata, error) {
	if r.cfg.DiscoveryURL != "" {
		return r.discover(ctx)
	}

	if r.cfg.AuthorizeURL == "" || r.cfg.TokenURL == "" {
		return nil, fmt.Errorf("%w: authorize_url and token_url are required without oidc_discovery_url", ErrConfiguration)
	}
	return &ProviderMetadata{
		AuthorizationEndpoint: r.cfg.AuthorizeURL,
		TokenEndpoint:         r.cfg.TokenURL,
		UserinfoEndpoint:      r.cfg.UserinfoEndpoint,
		JWKSURI:               r.cfg.JWKSURL,
		AuthMethods:           []string{AuthMethodPost},
	}, nil
}

func (r *Resolver) discover(ctx context.Context) (*ProviderMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.DiscoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := do(ctx, r.cfg.HTTPClient, r.cfg.Timeout, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrDiscovery, r.cfg.DiscoveryURL, resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrDiscovery, r.cfg.DiscoveryURL, err)
	}
	if doc.AuthURL == "" || doc.TokenURL == "" {
		return nil, fmt.Errorf("%w: discovery document lacks authorization_endpoint or token_endpoint", ErrConfiguration)
	}

	meta := &ProviderMetadata{
		AuthorizationEndpoint: doc.AuthURL,
		TokenEndpoint:         doc.TokenURL,
		UserinfoEndpoint:      firstNonEmpty(r.cfg.UserinfoEndpoint, doc.UserInfoURL),
		JWKSURI:               firstNonEmpty(r.cfg.JWKSURL, doc.JWKSURL),
		Issuer:                doc.IssuerURL,
		AuthMethods:           doc.TokenEndpointAuthMethods,
		Discovered:            true,
	}
	return meta, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
