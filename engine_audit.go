package authcore

import (
	"context"
	"time"

	"github.com/mealplanner/authcore/internal/audit"
)

// Audit actions, re-exported for sink implementations that filter on them.
const (
	AuditSessionCreated       = audit.ActionSessionCreated
	AuditRefreshRotated       = audit.ActionRefreshRotated
	AuditRefreshGraceReserved = audit.ActionRefreshGraceReserved
	AuditRefreshRejected      = audit.ActionRefreshRejected
	AuditReuseDetected        = audit.ActionReuseDetected
	AuditSessionRevoked       = audit.ActionSessionRevoked
	AuditSubjectRevoked       = audit.ActionSubjectRevoked
)

// Details attached to rejected refresh input.
const (
	auditDetailMalformedSecret = "malformed_secret"
	auditDetailDecodeFailed    = "decode_failed"
)

// emitAudit stamps event with the time, the client IP from ctx and the wire code of err.
func (e *Engine) emitAudit(ctx context.Context, event AuditEvent, err error) {
	if e == nil || e.audit == nil {
		return
	}
	event.Time = time.Now().UTC()
	event.ClientIP = clientIPFromContext(ctx)
	if err != nil {
		event.Code = Code(err)
	}
	e.audit.Emit(ctx, event)
}
