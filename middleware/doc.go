// Package middleware adapts the engine to net/http and gRPC servers.
//
// # Handlers
//
//   - [Guard]: verifies the bearer access credential and stores the claims in the request context.
//   - [RefreshHandler]: exchanges a refresh secret or combined refresh token for a new pair.
//   - [LogoutHandler]: revokes the caller's family, or all of the subject's families.
//   - [UnaryServerInterceptor]: the gRPC flavor of Guard.
//   - [RequestLogger]: zap access log.
//
// Errors are written as {"code": "...", "message": "..."} with the status from
// [authcore.HTTPStatus]. The package makes no authentication decisions of its own.
package middleware
