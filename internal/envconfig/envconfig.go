// Package envconfig loads service settings from the environment and an optional .env file.
package envconfig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mealplanner/authcore"
)

// Settings contains runtime configuration values.
type Settings struct {
	Environment string
	HTTPAddr    string
	ServiceName string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// PostgresDSN selects the Postgres family store when set. Redis still backs the throttle.
	PostgresDSN string

	OTLPEndpoint string
	OTLPInsecure bool

	AuditBucket    string
	AuditPrefix    string
	AuditRegion    string
	AuditEndpoint  string
	AuditAccessKey string
	AuditSecretKey string

	Auth authcore.Config
}

// Production reports whether APP_ENV is production.
func (s Settings) Production() bool {
	return strings.EqualFold(s.Environment, "production")
}

// Load reads .env when present, then the environment.
func Load() (Settings, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the process environment only.
func FromEnv() (Settings, error) {
	s := Settings{
		Environment:    getEnv("APP_ENV", "development"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		ServiceName:    getEnv("SERVICE_NAME", "authcore"),
		RedisAddr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0),
		PostgresDSN:    os.Getenv("DATABASE_URL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		AuditBucket:    os.Getenv("AUDIT_S3_BUCKET"),
		AuditPrefix:    getEnv("AUDIT_S3_PREFIX", "authcore/audit"),
		AuditRegion:    getEnv("AUDIT_S3_REGION", "us-east-1"),
		AuditEndpoint:  os.Getenv("AUDIT_S3_ENDPOINT"),
		AuditAccessKey: os.Getenv("AUDIT_S3_ACCESS_KEY"),
		AuditSecretKey: os.Getenv("AUDIT_S3_SECRET_KEY"),
	}

	auth, err := loadAuth(s.Production())
	if err != nil {
		return Settings{}, err
	}
	s.Auth = auth
	return s, nil
}

func loadAuth(production bool) (authcore.Config, error) {
	cfg := authcore.DefaultConfig()
	if production {
		cfg = authcore.HighSecurityConfig()
	}

	cfg.JWT.AccessTTL = getDuration("AUTH_ACCESS_TTL", cfg.JWT.AccessTTL)
	cfg.JWT.Leeway = getDuration("AUTH_LEEWAY", cfg.JWT.Leeway)
	cfg.JWT.Issuer = getEnv("AUTH_ISSUER", cfg.JWT.Issuer)
	cfg.JWT.Audience = getEnv("AUTH_AUDIENCE", cfg.JWT.Audience)
	cfg.JWT.KeyID = getEnv("AUTH_KEY_ID", cfg.JWT.KeyID)
	cfg.JWT.SigningMethod = getEnv("AUTH_SIGNING_METHOD", cfg.JWT.SigningMethod)

	cfg.Refresh.RefreshTTL = getDuration("AUTH_REFRESH_TTL", cfg.Refresh.RefreshTTL)
	cfg.Refresh.GraceWindow = getDuration("AUTH_GRACE_WINDOW", cfg.Refresh.GraceWindow)
	cfg.Refresh.LockTTL = getDuration("AUTH_LOCK_TTL", cfg.Refresh.LockTTL)
	cfg.Refresh.FamilyRetention = getDuration("AUTH_FAMILY_RETENTION", cfg.Refresh.FamilyRetention)
	cfg.Refresh.RedisPrefix = getEnv("AUTH_REDIS_PREFIX", cfg.Refresh.RedisPrefix)

	cfg.Audit.Enabled = getBool("AUTH_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.BufferSize = getInt("AUTH_AUDIT_BUFFER", cfg.Audit.BufferSize)

	cfg.Security.ProductionMode = getBool("AUTH_PRODUCTION_MODE", cfg.Security.ProductionMode)
	cfg.Security.StrictVerify = getBool("AUTH_STRICT_VERIFY", cfg.Security.StrictVerify)
	cfg.Security.RefreshThrottle = getBool("AUTH_REFRESH_THROTTLE", cfg.Security.RefreshThrottle)
	cfg.Security.MaxRefreshAttempts = getInt("AUTH_MAX_REFRESH_ATTEMPTS", cfg.Security.MaxRefreshAttempts)
	cfg.Security.RefreshThrottleWindow = getDuration("AUTH_REFRESH_THROTTLE_WINDOW", cfg.Security.RefreshThrottleWindow)

	keys := []struct {
		env string
		dst *[]byte
	}{
		{"AUTH_PRIVATE_KEY", &cfg.JWT.PrivateKey},
		{"AUTH_PUBLIC_KEY", &cfg.JWT.PublicKey},
		{"AUTH_SEAL_KEY", &cfg.Refresh.SealKey},
	}
	loaded := make(map[string]bool, len(keys))
	for _, k := range keys {
		raw, ok := os.LookupEnv(k.env)
		if !ok || strings.TrimSpace(raw) == "" {
			if production && k.env != "AUTH_PUBLIC_KEY" {
				return authcore.Config{}, fmt.Errorf("%s is required in production", k.env)
			}
			continue
		}
		key, err := decodeKey(raw)
		if err != nil {
			return authcore.Config{}, fmt.Errorf("%s: %w", k.env, err)
		}
		*k.dst = key
		loaded[k.env] = true
	}

	switch {
	case cfg.JWT.SigningMethod == "hs256":
		cfg.JWT.PublicKey = nil
	case loaded["AUTH_PRIVATE_KEY"] && !loaded["AUTH_PUBLIC_KEY"]:
		if len(cfg.JWT.PrivateKey) != ed25519.PrivateKeySize {
			return authcore.Config{}, fmt.Errorf("AUTH_PUBLIC_KEY is required with a PEM private key")
		}
		cfg.JWT.PublicKey = ed25519.PrivateKey(cfg.JWT.PrivateKey).Public().(ed25519.PublicKey)
	}

	if err := cfg.Validate(); err != nil {
		return authcore.Config{}, fmt.Errorf("auth config: %w", err)
	}
	return cfg, nil
}

// decodeKey accepts PEM text or standard base64.
func decodeKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "-----BEGIN") {
		return []byte(v), nil
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("must be PEM or base64: %w", err)
	}
	return key, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
