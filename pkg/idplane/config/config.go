// Package config loads idplane settings from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DBDriver string
	DBDSN    string

	KeycloakBaseURL      string
	KeycloakRealm        string
	KeycloakClientID     string
	KeycloakClientSecret string

	APISIXAdminURL string
	APISIXAdminKey string

	// VerifyTokens enables signature verification of bearer tokens against
	// the realm's published keys instead of trusting the edge gateway.
	VerifyTokens bool

	StepTimeout        time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int
	DefaultFrontendURL string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables always win.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver: getEnv("DB_DRIVER", "sqlite"),
		DBDSN:    getEnv("DB_DSN", "idplane.db"),

		KeycloakBaseURL:      strings.TrimRight(getEnv("KEYCLOAK_BASE_URL", "http://localhost:8180"), "/"),
		KeycloakRealm:        getEnv("KEYCLOAK_REALM", "doer"),
		KeycloakClientID:     getEnv("KEYCLOAK_CLIENT_ID", "doer-auth-svc"),
		KeycloakClientSecret: os.Getenv("KEYCLOAK_CLIENT_SECRET"),

		APISIXAdminURL: strings.TrimRight(getEnv("APISIX_ADMIN_URL", "http://localhost:9180"), "/"),
		APISIXAdminKey: os.Getenv("APISIX_ADMIN_KEY"),

		DefaultFrontendURL: getEnv("DEFAULT_FRONTEND_URL", "http://localhost:3000"),
	}

	var err error
	if cfg.VerifyTokens, err = strconv.ParseBool(getEnv("AUTH_VERIFY_TOKENS", "false")); err != nil {
		return nil, errors.New("AUTH_VERIFY_TOKENS must be a boolean")
	}
	if cfg.StepTimeout, err = time.ParseDuration(getEnv("STEP_TIMEOUT", "5s")); err != nil {
		return nil, errors.New("STEP_TIMEOUT must be a duration")
	}
	if cfg.RateLimitRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "5"), 64); err != nil {
		return nil, errors.New("RATE_LIMIT_RPS must be a number")
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "10")); err != nil {
		return nil, errors.New("RATE_LIMIT_BURST must be an integer")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if c.StepTimeout <= 0 {
		return errors.New("STEP_TIMEOUT must be positive")
	}
	if c.IsDevelopment() {
		return nil
	}
	if c.KeycloakClientSecret == "" {
		return errors.New("KEYCLOAK_CLIENT_SECRET is required")
	}
	if c.APISIXAdminKey == "" {
		return errors.New("APISIX_ADMIN_KEY is required")
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DiscoveryURL is the realm's OpenID configuration document.
func (c *Config) DiscoveryURL() string {
	return c.IssuerURL() + "/.well-known/openid-configuration"
}

// IssuerURL is the realm issuer.
func (c *Config) IssuerURL() string {
	return c.KeycloakBaseURL + "/realms/" + c.KeycloakRealm
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
