package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oauthtester/client"
	"oauthtester/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("OAUTH_TESTER_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "", "Logging level (debug, info, warn, error); overrides logging.level")
	flag.StringVar(logLevel, "l", "", "Alias for -log-level")
	flag.Parse()

	bootLevel, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: bootLevel}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err = newLogger(cfg.Logging, *logLevel, os.Stdout)
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	slog.SetDefault(logger)

	if args := flag.Args(); len(args) > 0 {
		if args[0] != "connect" {
			log.Fatalf("unknown command %q", args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", cfg.OAuth.ProviderName, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", cfg.OAuth.ProviderName)
		return
	}

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	checkProvider(checkCtx, cfg, logger)
	cancelCheck()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := server.NewStore(ctx, cfg.Sessions)
	if err != nil {
		log.Fatalf("init session store: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	application, err := server.NewApp(cfg, store, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	handler := application.Routes()

	var shutdownFns []func(context.Context) error
	tlsCfg := cfg.Server.TLS

	switch {
	case tlsCfg.CertFile != "":
		srv := newHTTPServer(cfg.Server.ListenAddr, handler)
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "tls-files", "addr", cfg.Server.ListenAddr, "redirect_uri", cfg.RedirectURI())
		go func() {
			if err := srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()

	case len(tlsCfg.Domains) > 0 && !cfg.Server.DevMode:
		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCfg.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(tlsCfg.Domains...),
			Email:      tlsCfg.Email,
		}

		httpRedirect := &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := newHTTPServer(cfg.Server.ListenAddr, handler)
		httpsSrv.TLSConfig = &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "acme", "addr", cfg.Server.ListenAddr, "domains", tlsCfg.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()

	default:
		srv := newHTTPServer(cfg.Server.ListenAddr, handler)
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", cfg.Server.ListenAddr, "redirect_uri", cfg.RedirectURI())
		if strings.HasPrefix(cfg.OAuth.BaseURL, "https://") {
			logger.Warn("base_url is https but no TLS is configured; put a TLS proxy in front or set server.tls")
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	logger.Info("server stopped")
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// newLogger builds the process logger. A non-empty flagLevel wins over the config.
func newLogger(cfg server.LoggingConfig, flagLevel string, out io.Writer) (*slog.Logger, error) {
	raw := cfg.Level
	if flagLevel != "" {
		raw = flagLevel
	}
	level, err := parseLogLevel(raw)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

// runConnect builds the authorization URL the login endpoint would use and
// follows it until the provider's login page answers.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	resolver := client.NewResolver(cfg.ResolverConfig())
	oauth, err := client.NewClient(cfg.ClientConfig(), resolver, nil)
	if err != nil {
		return err
	}

	meta, err := oauth.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("resolve provider metadata: %w", err)
	}
	logger.Info("connect.metadata",
		"authorization_endpoint", meta.AuthorizationEndpoint,
		"token_endpoint", meta.TokenEndpoint,
		"userinfo_endpoint", meta.UserinfoEndpoint,
		"auth_methods", meta.AuthMethods,
		"discovered", meta.Discovered)

	req := client.AuthRequest{
		RedirectURI: cfg.RedirectURI(),
		State:       client.GenerateState(),
		Scope:       cfg.OAuth.Scopes,
	}
	if cfg.IsOIDC() {
		req.Nonce = client.GenerateNonce()
	}
	if cfg.OAuth.UsePKCE {
		req.CodeChallenge = client.CodeChallengeS256(client.GenerateCodeVerifier())
	}
	authURL, err := oauth.AuthorizationURL(ctx, req)
	if err != nil {
		return fmt.Errorf("build authorization url: %w", err)
	}
	logger.Info("connect.start", "provider", cfg.OAuth.ProviderName, "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	hc := httpClient
	if hc == nil {
		hc = client.NewHTTPClient(30 * time.Second)
	}
	originalRedirect := hc.CheckRedirect
	hc.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", r.URL.Redacted())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(r, via)
		}
		return nil
	}
	defer func() { hc.CheckRedirect = originalRedirect }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.Redacted())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.Redacted())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

// checkProvider resolves metadata once with a throwaway resolver so a failure
// here is not memoized by the one serving requests.
func checkProvider(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	meta, err := client.NewResolver(cfg.ResolverConfig()).Resolve(ctx)
	if err != nil {
		logger.Warn("provider metadata may not be reachable",
			"provider", cfg.OAuth.ProviderName,
			"discovery_url", cfg.OAuth.OIDCDiscoveryURL,
			"error", err,
			"note", "server will continue but sign-in may fail")
		return err
	}
	logger.Info("provider metadata resolved",
		"provider", cfg.OAuth.ProviderName,
		"authorization_endpoint", meta.AuthorizationEndpoint,
		"token_endpoint", meta.TokenEndpoint,
		"discovered", meta.Discovered)
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("config file not found, using defaults and environment", "path", path)
			return server.LoadConfig("")
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("validating provider endpoints...")
	_ = checkProvider(ctx, cfg, logger)
	logger.Info("configuration validation complete")
	return nil
}

// runSetup asks for the provider registration and writes a config file.
func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	cfg.Server.DevMode = askYesNo(reader, out, "Run in development mode?", true)
	cfg.OAuth.BaseURL = strings.TrimSuffix(ask(reader, out, "Public base URL of this tester", cfg.OAuth.BaseURL), "/")
	cfg.OAuth.ProviderName = ask(reader, out, "Provider name", cfg.OAuth.ProviderName)

	if askYesNo(reader, out, "Does the provider publish OIDC discovery?", false) {
		cfg.OAuth.OIDCDiscoveryURL = askRequired(reader, out, "Discovery URL (.well-known/openid-configuration)")
		cfg.OAuth.Scopes = ask(reader, out, "Scopes", "openid profile email")
	} else {
		cfg.OAuth.AuthorizeURL = ask(reader, out, "Authorization endpoint", "https://threads.net/oauth/authorize")
		cfg.OAuth.TokenURL = ask(reader, out, "Token endpoint", "https://graph.threads.net/oauth/access_token")
		cfg.OAuth.UserinfoEndpoint = ask(reader, out, "Userinfo endpoint (optional)", "https://graph.threads.net/v1.0/me")
		cfg.OAuth.UserinfoFields = ask(reader, out, "Userinfo fields (optional)", "id,username,name")
		cfg.OAuth.Scopes = ask(reader, out, "Scopes", cfg.OAuth.Scopes)
	}

	cfg.OAuth.ClientID = askRequired(reader, out, "Client ID")
	cfg.OAuth.ClientSecret = askRequired(reader, out, "Client secret")
	cfg.OAuth.UsePKCE = askYesNo(reader, out, "Use PKCE?", false)

	if !cfg.Server.DevMode {
		cfg.Sessions.Secret = askRequired(reader, out, "Session signing secret")
		cfg.Server.TLS.Domains = normalizeList(ask(reader, out, "Domains for automatic TLS (comma separated, optional)", ""), nil)
		if len(cfg.Server.TLS.Domains) > 0 {
			cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
			cfg.Server.ListenAddr = ":443"
		}
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
