package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"oauthtester/client"
	"oauthtester/threads"
)

// Defaults for settings that are rarely changed.
const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultRedirectPath = "/auth/callback"
	DefaultProvider     = "threads"
	DefaultCookieName   = "oauth_tester_session"
	DefaultDevSecret    = "dev-secret-change-me"

	envPrefix = "OAUTH_TESTER_"
)

// longTokenProviders can exchange short-lived tokens for long-lived ones and
// reject HTTP Basic client authentication at their token endpoint.
var longTokenProviders = []string{"threads"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AppConfig holds display metadata.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	ListenAddr string     `yaml:"listen_addr"`
	DevMode    bool       `yaml:"dev_mode"`
	TLS        TLSConfig  `yaml:"tls"`
	CORS       CORSConfig `yaml:"cors"`
}

// TLSConfig selects static certificate files or autocert for Domains.
type TLSConfig struct {
	CertFile   string   `yaml:"cert_file"`
	KeyFile    string   `yaml:"key_file"`
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig is the cross-origin policy. "*" allows any origin.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
	AllowMethods []string `yaml:"allow_methods"`
	AllowHeaders []string `yaml:"allow_headers"`
}

// OAuthConfig describes the single upstream provider and this client's registration.
type OAuthConfig struct {
	BaseURL      string `yaml:"base_url"`
	RedirectPath string `yaml:"redirect_path"`

	ProviderName     string `yaml:"provider_name"`
	Scopes           string `yaml:"scopes"`
	OIDCDiscoveryURL string `yaml:"oidc_discovery_url"`

	AuthorizeURL     string `yaml:"authorize_url"`
	TokenURL         string `yaml:"token_url"`
	JWKSURL          string `yaml:"jwks_url"`
	UserinfoEndpoint string `yaml:"userinfo_endpoint"`
	UserinfoFields   string `yaml:"userinfo_fields"`

	ClientID                string `yaml:"client_id"`
	ClientSecret            string `yaml:"client_secret"`
	UsePKCE                 bool   `yaml:"use_pkce"`
	ComputeAppSecretProof   bool   `yaml:"compute_appsecret_proof"`
	TokenEndpointAuthMethod string `yaml:"token_endpoint_auth_method"`

	AutoExchangeLongLived bool          `yaml:"auto_exchange_long_lived"`
	ThreadsGraphBaseURL   string        `yaml:"threads_graph_base_url"`
	HTTPTimeout           time.Duration `yaml:"http_timeout"`
}

// SessionsConfig controls the session cookie and its backing store.
type SessionsConfig struct {
	Secret     string        `yaml:"secret"`
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	SameSite   string        `yaml:"same_site"`
	Backend    string        `yaml:"backend"`
	RedisURL   string        `yaml:"redis_url"`
}

// LoggingConfig selects the log format and level.
type LoggingConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("config.unknown_keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("config.parse_failed", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.OAuth.ProviderName = strings.TrimSpace(cfg.OAuth.ProviderName)

	if err := cfg.Validate(); err != nil {
		slog.Error("config.invalid", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		App: AppConfig{Name: "OAuth Tester", Version: "0.1.0"},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8000",
			DevMode:    true,
			TLS:        TLSConfig{CacheDir: ".autocert", HSTSMaxAge: 63072000},
			CORS: CORSConfig{
				AllowOrigins: []string{"*"},
				AllowMethods: []string{http.MethodGet},
				AllowHeaders: []string{"*"},
			},
		},
		OAuth: OAuthConfig{
			BaseURL:                 "https://localhost:8000",
			RedirectPath:            DefaultRedirectPath,
			ProviderName:            DefaultProvider,
			Scopes:                  "threads_basic",
			TokenEndpointAuthMethod: "auto",
			AutoExchangeLongLived:   true,
			ThreadsGraphBaseURL:     threads.DefaultBaseURL,
			HTTPTimeout:             client.DefaultTimeout,
		},
		Sessions: SessionsConfig{
			Secret:     DefaultDevSecret,
			CookieName: DefaultCookieName,
			TTL:        DefaultSessionTTL,
			SameSite:   "lax",
			Backend:    "memory",
		},
		Logging: LoggingConfig{JSON: true, Level: "info"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	o := &cfg.OAuth
	overrides := map[string]func(string){
		"APP_NAME":                 func(v string) { cfg.App.Name = v },
		"SERVER_LISTEN_ADDR":       func(v string) { cfg.Server.ListenAddr = v },
		"SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SERVER_TLS_CERT_FILE":     func(v string) { cfg.Server.TLS.CertFile = v },
		"SERVER_TLS_KEY_FILE":      func(v string) { cfg.Server.TLS.KeyFile = v },
		"SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"CORS_ALLOW_ORIGINS":       func(v string) { cfg.Server.CORS.AllowOrigins = splitAndTrim(v) },
		"CORS_ALLOW_METHODS":       func(v string) { cfg.Server.CORS.AllowMethods = splitAndTrim(v) },
		"CORS_ALLOW_HEADERS":       func(v string) { cfg.Server.CORS.AllowHeaders = splitAndTrim(v) },
		"OAUTH_BASE_URL":           func(v string) { o.BaseURL = v },
		"OAUTH_REDIRECT_PATH":      func(v string) { o.RedirectPath = v },
		"OAUTH_PROVIDER_NAME":      func(v string) { o.ProviderName = v },
		"OAUTH_SCOPES":             func(v string) { o.Scopes = v },
		"OAUTH_OIDC_DISCOVERY_URL": func(v string) { o.OIDCDiscoveryURL = v },
		"OAUTH_AUTHORIZE_URL":      func(v string) { o.AuthorizeURL = v },
		"OAUTH_TOKEN_URL":          func(v string) { o.TokenURL = v },
		"OAUTH_JWKS_URL":           func(v string) { o.JWKSURL = v },
		"OAUTH_USERINFO_ENDPOINT":  func(v string) { o.UserinfoEndpoint = v },
		"OAUTH_USERINFO_FIELDS":    func(v string) { o.UserinfoFields = v },
		"OAUTH_CLIENT_ID":          func(v string) { o.ClientID = v },
		"OAUTH_CLIENT_SECRET":      func(v string) { o.ClientSecret = v },
		"OAUTH_USE_PKCE":           func(v string) { o.UsePKCE = parseBool(v, o.UsePKCE) },
		"OAUTH_APPSECRET_PROOF":    func(v string) { o.ComputeAppSecretProof = parseBool(v, o.ComputeAppSecretProof) },
		"OAUTH_TOKEN_AUTH_METHOD":  func(v string) { o.TokenEndpointAuthMethod = v },
		"OAUTH_AUTO_EXCHANGE":      func(v string) { o.AutoExchangeLongLived = parseBool(v, o.AutoExchangeLongLived) },
		"OAUTH_THREADS_GRAPH_BASE": func(v string) { o.ThreadsGraphBaseURL = v },
		"OAUTH_HTTP_TIMEOUT":       func(v string) { o.HTTPTimeout = parseDuration(v, o.HTTPTimeout) },
		"SESSIONS_SECRET":          func(v string) { cfg.Sessions.Secret = v },
		"SESSIONS_COOKIE_NAME":     func(v string) { cfg.Sessions.CookieName = v },
		"SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"SESSIONS_SAME_SITE":       func(v string) { cfg.Sessions.SameSite = v },
		"SESSIONS_BACKEND":         func(v string) { cfg.Sessions.Backend = v },
		"SESSIONS_REDIS_URL":       func(v string) { cfg.Sessions.RedisURL = v },
		"LOGGING_JSON":             func(v string) { cfg.Logging.JSON = parseBool(v, cfg.Logging.JSON) },
		"LOGGING_LEVEL":            func(v string) { cfg.Logging.Level = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(field, format string, args ...any) {
		err := fmt.Errorf("%s: "+format, append([]any{field}, args...)...)
		slog.Error("config.invalid_value", "field", field, "error", err)
		result = multierror.Append(result, err)
	}

	if !isHTTPURL(c.OAuth.BaseURL) {
		add("oauth.base_url", "must be an absolute http(s) URL, got %q", c.OAuth.BaseURL)
	}
	if !strings.HasPrefix(c.OAuth.RedirectPath, "/") {
		add("oauth.redirect_path", "must start with /, got %q", c.OAuth.RedirectPath)
	}
	if strings.TrimSpace(c.OAuth.ProviderName) == "" {
		add("oauth.provider_name", "is required")
	}
	if c.OAuth.ClientID == "" {
		add("oauth.client_id", "is required")
	}
	if c.OAuth.OIDCDiscoveryURL == "" && (c.OAuth.AuthorizeURL == "" || c.OAuth.TokenURL == "") {
		add("oauth.authorize_url", "authorize_url and token_url are required without oidc_discovery_url")
	}
	for field, v := range map[string]string{
		"oauth.oidc_discovery_url":     c.OAuth.OIDCDiscoveryURL,
		"oauth.authorize_url":          c.OAuth.AuthorizeURL,
		"oauth.token_url":              c.OAuth.TokenURL,
		"oauth.jwks_url":               c.OAuth.JWKSURL,
		"oauth.userinfo_endpoint":      c.OAuth.UserinfoEndpoint,
		"oauth.threads_graph_base_url": c.OAuth.ThreadsGraphBaseURL,
	} {
		if v != "" && !isHTTPURL(v) {
			add(field, "must be an absolute http(s) URL, got %q", v)
		}
	}
	switch c.OAuth.TokenEndpointAuthMethod {
	case "", "auto", client.AuthMethodBasic, client.AuthMethodPost:
	default:
		add("oauth.token_endpoint_auth_method", "must be auto, %s or %s, got %q",
			client.AuthMethodBasic, client.AuthMethodPost, c.OAuth.TokenEndpointAuthMethod)
	}
	if c.OAuth.HTTPTimeout < 0 {
		add("oauth.http_timeout", "must not be negative")
	}
	if c.IsOIDC() && !strings.Contains(" "+c.OAuth.Scopes+" ", " "+oidc.ScopeOpenID+" ") {
		slog.Warn("config.openid_scope_missing", "scopes", c.OAuth.Scopes)
	}

	if c.Sessions.Secret == "" {
		add("sessions.secret", "is required")
	} else if c.Sessions.Secret == DefaultDevSecret && !c.Server.DevMode {
		add("sessions.secret", "the development secret must not be used outside dev_mode")
	}
	if c.Sessions.CookieName == "" {
		add("sessions.cookie_name", "is required")
	}
	if c.Sessions.TTL <= 0 {
		add("sessions.ttl", "must be positive")
	}
	if _, ok := parseSameSite(c.Sessions.SameSite); !ok {
		add("sessions.same_site", "must be lax, strict or none, got %q", c.Sessions.SameSite)
	}
	switch c.Sessions.Backend {
	case "", "memory":
	case "redis":
		if c.Sessions.RedisURL == "" {
			add("sessions.redis_url", "is required for the redis backend")
		}
	default:
		add("sessions.backend", "must be memory or redis, got %q", c.Sessions.Backend)
	}

	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		add("server.tls", "cert_file and key_file must be set together")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}

	return result.ErrorOrNil()
}

// RedirectURI is the callback URL registered with the provider.
func (c Config) RedirectURI() string {
	return strings.TrimRight(c.OAuth.BaseURL, "/") + c.OAuth.RedirectPath
}

// IsOIDC reports whether ID tokens are expected from the provider.
func (c Config) IsOIDC() bool {
	return c.OAuth.OIDCDiscoveryURL != "" || c.OAuth.JWKSURL != ""
}

// LongTokenCapable reports whether the provider supports the long-lived token protocol.
func (c Config) LongTokenCapable() bool {
	for _, name := range longTokenProviders {
		if strings.EqualFold(strings.TrimSpace(c.OAuth.ProviderName), name) {
			return true
		}
	}
	return false
}

// ClientConfig maps the oauth section onto the OAuth client settings.
func (c Config) ClientConfig() client.Config {
	method := c.OAuth.TokenEndpointAuthMethod
	if method == "auto" {
		method = ""
	}
	return client.Config{
		ProviderName:      strings.TrimSpace(c.OAuth.ProviderName),
		ClientID:          c.OAuth.ClientID,
		ClientSecret:      c.OAuth.ClientSecret,
		TokenAuthMethod:   method,
		BasicAuthDenylist: longTokenProviders,
		UserinfoFields:    c.OAuth.UserinfoFields,
		AppSecretProof:    c.OAuth.ComputeAppSecretProof,
		Timeout:           c.OAuth.HTTPTimeout,
	}
}

// ResolverConfig maps the oauth section onto the metadata resolver settings.
func (c Config) ResolverConfig() client.ResolverConfig {
	return client.ResolverConfig{
		DiscoveryURL:     c.OAuth.OIDCDiscoveryURL,
		AuthorizeURL:     c.OAuth.AuthorizeURL,
		TokenURL:         c.OAuth.TokenURL,
		UserinfoEndpoint: c.OAuth.UserinfoEndpoint,
		JWKSURL:          c.OAuth.JWKSURL,
		Timeout:          c.OAuth.HTTPTimeout,
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parseSameSite(v string) (http.SameSite, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "lax":
		return http.SameSiteLaxMode, true
	case "strict":
		return http.SameSiteStrictMode, true
	case "none":
		return http.SameSiteNoneMode, true
	default:
		return http.SameSiteDefaultMode, false
	}
}
