package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/go-authgate/people-cli/oauth"
	"github.com/go-authgate/people-cli/people"
)

// Defaults for the mixi Graph API.
const (
	defaultAuthorizeURL = "https://mixi.jp/connect_authorize.pl"
	defaultTokenURL     = "https://secure.mixi-platform.com/2/token"
	defaultRedirectURL  = "http://127.0.0.1:8585/callback"
	defaultScopes       = "r_profile"
	defaultTokenFile    = ".people-tokens.json"
)

// Token store backends selectable with TOKEN_STORE.
const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"
)

// Config is the resolved CLI configuration.
type Config struct {
	AuthorizeURL  string
	TokenURL      string
	APIURL        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	TokenStore    string
	TokenFile     string
	RedisAddr     string
	RedisKey      string
	RefreshPolicy oauth.RefreshTokenPolicy
	HTTPTimeout   time.Duration
	LogLevel      slog.Level

	// Warnings are non-fatal problems found while loading.
	Warnings []string
}

// OAuth returns the client registration for the oauth package.
func (c *Config) OAuth() oauth.Config {
	return oauth.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthorizeURL,
			TokenURL: c.TokenURL,
		},
		RefreshPolicy: c.RefreshPolicy,
	}
}

// loadConfig parses global flags from args and resolves every setting with
// priority flag > env > default. It returns the remaining arguments.
func loadConfig(args []string, output io.Writer) (*Config, []string, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	fs := flag.NewFlagSet("people-cli", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		flagAuthorizeURL = fs.String("authorize-url", "", "authorization page URL (or AUTHORIZE_URL env)")
		flagTokenURL     = fs.String("token-url", "", "token endpoint URL (or TOKEN_URL env)")
		flagAPIURL       = fs.String("api-url", "", "People API root URL (or API_URL env)")
		flagClientID     = fs.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
		flagClientSecret = fs.String("client-secret", "", "OAuth client secret (or CLIENT_SECRET env)")
		flagRedirectURL  = fs.String("redirect-url", "", "redirect URI registered for the client (or REDIRECT_URL env)")
		flagScopes       = fs.String("scopes", "", "space separated scopes (or SCOPES env)")
		flagTokenStore   = fs.String("token-store", "", "token store: file, redis or memory (or TOKEN_STORE env)")
		flagTokenFile    = fs.String("token-file", "", "token file for the file store (or TOKEN_FILE env)")
		flagRedisAddr    = fs.String("redis-addr", "", "Redis address for the redis store (or REDIS_ADDR env)")
		flagRedisKey     = fs.String("redis-key", "", "Redis key for the redis store (or REDIS_KEY env)")
		flagRotation     = fs.String("refresh-token-rotation", "", "required or optional (or REFRESH_TOKEN_ROTATION env)")
		flagHTTPTimeout  = fs.String("http-timeout", "", "per request timeout, e.g. 30s (or HTTP_TIMEOUT env)")
		flagLogLevel     = fs.String("log-level", "", "debug, info, warn or error (or LOG_LEVEL env)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := &Config{
		AuthorizeURL: getConfig(*flagAuthorizeURL, "AUTHORIZE_URL", defaultAuthorizeURL),
		TokenURL:     getConfig(*flagTokenURL, "TOKEN_URL", defaultTokenURL),
		APIURL:       getConfig(*flagAPIURL, "API_URL", people.DefaultBaseURL),
		ClientID:     getConfig(*flagClientID, "CLIENT_ID", ""),
		ClientSecret: getConfig(*flagClientSecret, "CLIENT_SECRET", ""),
		RedirectURL:  getConfig(*flagRedirectURL, "REDIRECT_URL", defaultRedirectURL),
		Scopes:       strings.Fields(getConfig(*flagScopes, "SCOPES", defaultScopes)),
		TokenStore:   strings.ToLower(getConfig(*flagTokenStore, "TOKEN_STORE", storeFile)),
		TokenFile:    getConfig(*flagTokenFile, "TOKEN_FILE", defaultTokenFile),
		RedisAddr:    getConfig(*flagRedisAddr, "REDIS_ADDR", "localhost:6379"),
		RedisKey:     getConfig(*flagRedisKey, "REDIS_KEY", oauth.DefaultRedisKey),
	}

	for _, u := range []struct{ name, value string }{
		{"AUTHORIZE_URL", cfg.AuthorizeURL},
		{"TOKEN_URL", cfg.TokenURL},
		{"API_URL", cfg.APIURL},
		{"REDIRECT_URL", cfg.RedirectURL},
	} {
		if err := validateServerURL(u.value); err != nil {
			return nil, nil, fmt.Errorf("invalid %s: %w", u.name, err)
		}
	}

	// Warn if using HTTP instead of HTTPS
	for _, raw := range []string{cfg.AuthorizeURL, cfg.TokenURL, cfg.APIURL} {
		if strings.HasPrefix(strings.ToLower(raw), "http://") {
			cfg.Warnings = append(cfg.Warnings,
				"Using HTTP instead of HTTPS for "+raw+". Tokens will be transmitted in plaintext!")
		}
	}

	if cfg.ClientID == "" {
		return nil, nil, errors.New(
			"CLIENT_ID not set, provide it via -client-id, the CLIENT_ID environment variable or a .env file",
		)
	}

	// Validate CLIENT_ID format (should be UUID)
	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("CLIENT_ID doesn't appear to be a valid UUID: %s", cfg.ClientID))
	}

	switch cfg.TokenStore {
	case storeFile, storeRedis, storeMemory:
	default:
		return nil, nil, fmt.Errorf("TOKEN_STORE must be file, redis or memory, got: %s", cfg.TokenStore)
	}

	policy, err := oauth.ParseRefreshTokenPolicy(getConfig(*flagRotation, "REFRESH_TOKEN_ROTATION", ""))
	if err != nil {
		return nil, nil, err
	}
	cfg.RefreshPolicy = policy

	timeout, err := time.ParseDuration(getConfig(*flagHTTPTimeout, "HTTP_TIMEOUT", oauth.DefaultHTTPTimeout.String()))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return nil, nil, fmt.Errorf("HTTP_TIMEOUT must be positive, got: %s", timeout)
	}
	cfg.HTTPTimeout = timeout

	if err := cfg.LogLevel.UnmarshalText([]byte(getConfig(*flagLogLevel, "LOG_LEVEL", "warn"))); err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, fs.Args(), nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
