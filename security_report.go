package authcore

import "time"

// SecurityReport summarizes the effective security posture of an engine.
type SecurityReport struct {
	ProductionMode        bool
	SigningAlgorithm      string
	KeyRolloverActive     bool
	StrictVerify          bool
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	GraceWindow           time.Duration
	LockTTL               time.Duration
	FamilyRetention       time.Duration
	RefreshThrottleActive bool
	AuditActive           bool
	LintWarnings          []string
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	return SecurityReport{
		ProductionMode:        e.config.Security.ProductionMode,
		SigningAlgorithm:      e.config.JWT.SigningMethod,
		KeyRolloverActive:     len(e.config.JWT.VerifyKeys) > 0,
		StrictVerify:          e.config.Security.StrictVerify,
		AccessTTL:             e.config.JWT.AccessTTL,
		RefreshTTL:            e.config.Refresh.RefreshTTL,
		GraceWindow:           e.config.Refresh.GraceWindow,
		LockTTL:               e.config.Refresh.LockTTL,
		FamilyRetention:       e.config.Refresh.FamilyRetention,
		RefreshThrottleActive: e.limiter != nil,
		AuditActive:           e.audit != nil,
		LintWarnings:          e.config.Lint().Codes(),
	}
}
