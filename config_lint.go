package authcore

import (
	"errors"
	"strings"
	"time"
)

// LintSeverity ranks advisory configuration findings.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is one advisory finding. Lint findings never block Build.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintWarnings is the result of [Config.Lint].
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// BySeverity returns warnings at or above min.
func (ws LintWarnings) BySeverity(min LintSeverity) LintWarnings {
	var out LintWarnings
	for _, w := range ws {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError folds warnings at or above min into one error, or returns nil.
func (ws LintWarnings) AsError(min LintSeverity) error {
	hits := ws.BySeverity(min)
	if len(hits) == 0 {
		return nil
	}
	parts := make([]string, 0, len(hits))
	for _, w := range hits {
		parts = append(parts, w.Code+": "+w.Message)
	}
	return errors.New("config lint: " + strings.Join(parts, "; "))
}

// Lint reports settings that are valid but risky.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if c.Refresh.GraceWindow > time.Minute {
		add("grace_window_long", LintWarn, "grace window above 60s widens the replay window for stolen secrets")
	}
	if c.Refresh.GraceWindow == 0 {
		add("grace_window_zero", LintHigh, "with no grace window every concurrent refresh race revokes the family")
	}
	if c.JWT.AccessTTL > 15*time.Minute {
		add("access_ttl_long", LintWarn, "access credentials are not revocable before expiry")
	}
	if c.Refresh.GraceWindow > 0 && c.Refresh.LockTTL > c.Refresh.GraceWindow {
		add("lock_ttl_exceeds_grace", LintWarn, "a caller queued behind a slow rotation may arrive after the grace window closed")
	}
	if c.JWT.SigningMethod == "hs256" {
		sev := LintInfo
		if c.Security.ProductionMode {
			sev = LintHigh
		}
		add("hs256_in_production", sev, "hs256 shares the signing secret with every verifier")
	}
	if c.JWT.Leeway > time.Minute {
		add("leeway_large", LintWarn, "leeway above 60s extends expired access credentials")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "reuse detection will only be visible in logs and metrics")
	}
	if !c.Security.RefreshThrottle {
		add("refresh_throttle_disabled", LintInfo, "refresh attempts per family are unbounded")
	}

	return ws
}
