package authcore

import (
	"errors"
	"time"

	"github.com/mealplanner/authcore/family"
	"github.com/mealplanner/authcore/refresh"
)

// Config holds every engine setting. It is copied on Build and treated as immutable afterwards.
type Config struct {
	JWT      JWTConfig
	Refresh  RefreshConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
	Security SecurityConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access credential signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	// VerifyKeys maps kid to public key (ed25519) or secret (hs256) for key rollover.
	VerifyKeys map[string][]byte
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig configures token families.
type RefreshConfig struct {
	RefreshTTL time.Duration
	// GraceWindow is how long a just-superseded secret is still answered with the current pair.
	GraceWindow time.Duration
	// LockTTL bounds how long one rotation may hold a family inside this process.
	LockTTL time.Duration
	// FamilyRetention is the Redis key TTL, refreshed on every write. Zero keeps keys forever.
	FamilyRetention time.Duration
	// SealKey is the 32-byte key protecting the stored current secret.
	SealKey     []byte
	RedisPrefix string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process metrics.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds hardening toggles.
type SecurityConfig struct {
	ProductionMode        bool
	RefreshThrottle       bool
	MaxRefreshAttempts    int
	RefreshThrottleWindow time.Duration
	// StrictVerify makes Verify read the family and reject credentials of a revoked family.
	StrictVerify bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			RefreshTTL:      30 * 24 * time.Hour,
			GraceWindow:     15 * time.Second,
			LockTTL:         8 * time.Second,
			FamilyRetention: 30 * 24 * time.Hour,
			RedisPrefix:     "atf",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Security: SecurityConfig{
			ProductionMode:        false,
			RefreshThrottle:       true,
			MaxRefreshAttempts:    30,
			RefreshThrottleWindow: time.Minute,
			StrictVerify:          false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Refresh.SealKey = cloneBytes(cfg.Refresh.SealKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration for errors that would make the engine unsafe or unusable.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
		return errors.New("ed25519 requires PublicKey or VerifyKeys")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("hs256 requires PrivateKey")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Refresh
	if c.Refresh.RefreshTTL <= 0 {
		return errors.New("Refresh RefreshTTL must be > 0")
	}
	if c.Refresh.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Refresh RefreshTTL must be longer than JWT AccessTTL")
	}
	if c.Refresh.GraceWindow < 0 {
		return errors.New("Refresh GraceWindow must be >= 0")
	}
	if c.Refresh.GraceWindow >= c.Refresh.RefreshTTL {
		return errors.New("Refresh GraceWindow must be shorter than RefreshTTL")
	}
	if c.Refresh.LockTTL <= 0 {
		return errors.New("Refresh LockTTL must be > 0")
	}
	if c.Refresh.FamilyRetention < 0 {
		return errors.New("Refresh FamilyRetention must be >= 0")
	}
	if c.Refresh.FamilyRetention > 0 && c.Refresh.FamilyRetention < c.Refresh.RefreshTTL {
		return errors.New("Refresh FamilyRetention must cover RefreshTTL")
	}
	if len(c.Refresh.SealKey) != 32 {
		return errors.New("Refresh SealKey must be 32 bytes")
	}
	if c.Refresh.RedisPrefix == "" {
		return errors.New("Refresh RedisPrefix must not be empty")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Security
	if c.Security.RefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("MaxRefreshAttempts must be > 0 when refresh throttle is enabled")
		}
		if c.Security.RefreshThrottleWindow <= 0 {
			return errors.New("RefreshThrottleWindow must be > 0 when refresh throttle is enabled")
		}
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > 15*time.Minute {
			return errors.New("ProductionMode requires JWT AccessTTL <= 15m")
		}
		if c.Refresh.RefreshTTL > 90*24*time.Hour {
			return errors.New("ProductionMode requires Refresh RefreshTTL <= 90d")
		}
		if c.Refresh.GraceWindow > time.Minute {
			return errors.New("ProductionMode requires Refresh GraceWindow <= 60s")
		}
		if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
			return errors.New("ProductionMode requires hs256 key length >= 256 bits")
		}
	}

	return nil
}

// StoreConfig returns the family store settings derived from c, for building a store such as
// pgstore outside the Builder.
func (c Config) StoreConfig() (family.Config, error) {
	sealer, err := refresh.NewSealer(c.Refresh.SealKey)
	if err != nil {
		return family.Config{}, err
	}
	return family.Config{
		RefreshTTL:  c.Refresh.RefreshTTL,
		GraceWindow: c.Refresh.GraceWindow,
		Retention:   c.Refresh.FamilyRetention,
		Sealer:      sealer,
	}, nil
}
