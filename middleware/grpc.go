package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/mealplanner/authcore"
)

// UnaryServerInterceptor verifies the "authorization: Bearer <token>" metadata on every call
// except the listed full method names. The status message carries the wire code.
func UnaryServerInterceptor(v Verifier, public ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]struct{}, len(public))
	for _, m := range public {
		skip[m] = struct{}{}
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if _, ok := skip[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		var raw string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				raw = values[0]
			}
		}
		token, ok := bearerToken(raw)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, authcore.CodeInvalidToken)
		}

		claims, err := v.Verify(ctx, token)
		if err != nil {
			return nil, StatusError(err)
		}

		return handler(WithClaims(ctx, claims), req)
	}
}

// StatusError converts an engine error to a gRPC status.
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	switch authcore.KindOf(err) {
	case authcore.KindTransient:
		if authcore.Code(err) == authcore.CodeRateLimited {
			return status.Error(codes.ResourceExhausted, authcore.CodeRateLimited)
		}
		return status.Error(codes.Unavailable, authcore.Code(err))
	case authcore.KindInvalid:
		if authcore.Code(err) == authcore.CodeInvalidRequest {
			return status.Error(codes.InvalidArgument, authcore.CodeInvalidRequest)
		}
		return status.Error(codes.Unauthenticated, authcore.Code(err))
	default:
		return status.Error(codes.Unauthenticated, authcore.Code(err))
	}
}
