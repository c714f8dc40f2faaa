package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

const (
	defaultAddr       = ":8080"
	defaultIssuer     = "authgate"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	defaultLoginRatePerMin    = 5
	defaultRegisterRatePerMin = 10
)

// Config holds process-wide settings loaded once at startup. It is read-only
// after Load returns; components receive the values they need explicitly.
type Config struct {
	Addr        string
	Environment string
	PostgresDSN string

	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	CookieDomain string
	CookieSecure bool

	LoginRatePerMin    int
	RegisterRatePerMin int
}

// Load reads configuration from AUTHGATE_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		Addr:               getenv("AUTHGATE_ADDR", defaultAddr),
		Environment:        strings.ToLower(getenv("AUTHGATE_ENV", EnvDevelopment)),
		PostgresDSN:        os.Getenv("AUTHGATE_PG_DSN"),
		JWTSecret:          os.Getenv("AUTHGATE_JWT_SECRET"),
		Issuer:             getenv("AUTHGATE_JWT_ISSUER", defaultIssuer),
		AccessTTL:          defaultAccessTTL,
		RefreshTTL:         defaultRefreshTTL,
		CookieDomain:       os.Getenv("AUTHGATE_COOKIE_DOMAIN"),
		LoginRatePerMin:    defaultLoginRatePerMin,
		RegisterRatePerMin: defaultRegisterRatePerMin,
	}

	if v := os.Getenv("AUTHGATE_ACCESS_TTL_MIN"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return Config{}, fmt.Errorf("config: invalid AUTHGATE_ACCESS_TTL_MIN %q", v)
		}
		cfg.AccessTTL = time.Duration(minutes) * time.Minute
	}
	if v := os.Getenv("AUTHGATE_REFRESH_TTL_MIN"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return Config{}, fmt.Errorf("config: invalid AUTHGATE_REFRESH_TTL_MIN %q", v)
		}
		cfg.RefreshTTL = time.Duration(minutes) * time.Minute
	}
	if v := os.Getenv("AUTHGATE_LOGIN_RATE_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: invalid AUTHGATE_LOGIN_RATE_PER_MIN %q", v)
		}
		cfg.LoginRatePerMin = n
	}
	if v := os.Getenv("AUTHGATE_REGISTER_RATE_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: invalid AUTHGATE_REGISTER_RATE_PER_MIN %q", v)
		}
		cfg.RegisterRatePerMin = n
	}

	switch v := strings.ToLower(os.Getenv("AUTHGATE_COOKIE_SECURE")); v {
	case "":
		// Secure by default everywhere except local development.
		cfg.CookieSecure = !cfg.IsDevelopment()
	case "true", "1", "yes":
		cfg.CookieSecure = true
	case "false", "0", "no":
		cfg.CookieSecure = false
	default:
		return Config{}, fmt.Errorf("config: invalid AUTHGATE_COOKIE_SECURE %q", v)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unsupported AUTHGATE_ENV %q", c.Environment)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: AUTHGATE_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 && !c.IsDevelopment() {
		return errors.New("config: AUTHGATE_JWT_SECRET must be at least 32 bytes outside development")
	}
	// Permissive cookie settings are a development-only convenience.
	if !c.IsDevelopment() {
		if !c.CookieSecure {
			return errors.New("config: AUTHGATE_COOKIE_SECURE must be true outside development")
		}
		if strings.TrimSpace(c.CookieDomain) == "" {
			return errors.New("config: AUTHGATE_COOKIE_DOMAIN is required outside development")
		}
	}
	return nil
}

// IsDevelopment reports whether the process runs with development defaults.
func (c Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// RateLimitEnabled reports whether login/register throttling applies.
// Matches the deployment policy: enforced in production and staging only.
func (c Config) RateLimitEnabled() bool {
	return c.Environment == EnvProduction || c.Environment == EnvStaging
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
