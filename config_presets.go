package authcore

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"
)

// DefaultConfig returns the baseline configuration with freshly generated Ed25519 signing keys
// and seal key. Generated keys do not survive a restart; production deployments load their own.
func DefaultConfig() Config {
	cfg := defaultConfig()
	withGeneratedKeys(&cfg)
	return cfg
}

// HighSecurityConfig tightens the baseline: short access credentials, a narrow grace window,
// strict verification and audit on.
func HighSecurityConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.AccessTTL = 5 * time.Minute
	cfg.JWT.Leeway = 10 * time.Second
	cfg.Refresh.RefreshTTL = 7 * 24 * time.Hour
	cfg.Refresh.FamilyRetention = 7 * 24 * time.Hour
	cfg.Refresh.GraceWindow = 5 * time.Second
	cfg.Refresh.LockTTL = 4 * time.Second
	cfg.Audit.Enabled = true
	cfg.Security.ProductionMode = true
	cfg.Security.StrictVerify = true
	cfg.Security.MaxRefreshAttempts = 10
	return cfg
}

// HighThroughputConfig keeps verification stateless and relaxes the refresh throttle.
func HighThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.Security.ProductionMode = true
	cfg.Security.StrictVerify = false
	cfg.Security.MaxRefreshAttempts = 120
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 8192
	return cfg
}

func withGeneratedKeys(cfg *Config) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err == nil {
		cfg.JWT.PrivateKey = priv
		cfg.JWT.PublicKey = pub
	}
	seal := make([]byte, 32)
	if _, err := rand.Read(seal); err == nil {
		cfg.Refresh.SealKey = seal
	}
}
