// Package authcore issues and rotates credentials for a multi-role web application: short-lived
// signed access credentials and long-lived opaque refresh secrets grouped into token families.
//
// Engine methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Refresh semantics
//
// Every refresh consumes the presented secret and issues a new one. Concurrent refreshes of the
// same family presenting the same secret share one rotation. A secret superseded less than
// Refresh.GraceWindow ago is answered with the current pair instead of rotating again, which
// absorbs benign request races. Any other stale or unknown secret revokes the whole family and
// returns [ErrReuseDetected]; a revoked family never yields credentials again.
//
// Store outages, lock timeouts and throttling surface as [KindTransient] and never revoke.
//
// # Architecture boundaries
//
// authcore is the public surface: [Engine], [Builder], [Config] and the error taxonomy.
// Coordination (flows, the per-family flight arena, throttling, audit dispatch) lives under
// internal/. Persistence lives in family/ and family/pgstore; signing in jwt/; secrets and the
// opaque token format in refresh/.
//
// # Errors
//
// Use [KindOf], [Code] and [HTTPStatus] instead of matching error strings.
package authcore
