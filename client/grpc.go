package client

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationHeader = "authorization"

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(authorizationHeader, "Bearer "+token)
	return metadata.NewOutgoingContext(ctx, md)
}

// UnaryClientInterceptor authenticates calls with session. codes.Unauthenticated asking for a
// refresh triggers one shared refresh and a single retry. codes.Unavailable is retried with
// backoff.
func UnaryClientInterceptor(session *Session, backoff Backoff) grpc.UnaryClientInterceptor {
	return unaryClientInterceptor(session, backoff, sleepContext)
}

func unaryClientInterceptor(session *Session, backoff Backoff, sleep sleepFunc) grpc.UnaryClientInterceptor {
	invoke := func(ctx context.Context, token, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		policy := backoff.policy()
		for {
			err := invoker(withAccessToken(ctx, token), method, req, reply, cc, opts...)
			if status.Code(err) != codes.Unavailable || ctx.Err() != nil {
				return err
			}
			delay, stop := policy.Next()
			if stop {
				return err
			}
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		creds, gen, err := session.Credentials()
		if err != nil {
			return err
		}

		err = invoke(ctx, creds.AccessToken, method, req, reply, cc, invoker, opts...)
		st, ok := status.FromError(err)
		if err == nil || !ok || st.Code() != codes.Unauthenticated {
			return err
		}

		if !refreshableCode(st.Message()) {
			se := &ServerError{StatusCode: http.StatusUnauthorized, Code: st.Message()}
			if endsSession(se) {
				session.End(se)
				_, _, endErr := session.Credentials()
				return endErr
			}
			return err
		}

		creds, _, err = session.Refresh(ctx, gen)
		if err != nil {
			return err
		}
		return invoke(ctx, creds.AccessToken, method, req, reply, cc, invoker, opts...)
	}
}
