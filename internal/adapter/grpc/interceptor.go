package grpc

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HeaderUserID names the metadata key carrying the calling user
const HeaderUserID = "x-user-id"

type callerKey struct{}

// WithCaller returns a context carrying the authenticated user id
func WithCaller(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// CallerFromContext returns the user id stored by AuthInterceptor
func CallerFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(callerKey{}).(string)
	return userID, ok && userID != ""
}

func requireCaller(ctx context.Context) (string, error) {
	userID, ok := CallerFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing "+HeaderUserID+" header")
	}
	return userID, nil
}

// AuthInterceptor returns a gRPC unary server interceptor that validates
// the authorization token from request metadata.
// If the token is missing or invalid, it returns status.Unauthenticated.
// If valid, it calls the handler with the caller named by x-user-id
// attached to the context.
func AuthInterceptor(validToken string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}

		token := strings.TrimPrefix(authHeaders[0], "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(validToken)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		if users := md.Get(HeaderUserID); len(users) > 0 {
			ctx = WithCaller(ctx, strings.TrimSpace(users[0]))
		}

		return handler(ctx, req)
	}
}

// RateLimitInterceptor limits each caller to limit requests per second with
// the given burst. Limiters are kept for the most recently seen callers only.
func RateLimitInterceptor(limit rate.Limit, burst int) (grpc.UnaryServerInterceptor, error) {
	limiters, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		caller, _ := CallerFromContext(ctx)

		limiter, ok := limiters.Get(caller)
		if !ok {
			limiter = rate.NewLimiter(limit, burst)
			if prev, found, _ := limiters.PeekOrAdd(caller, limiter); found {
				limiter = prev
			}
		}
		if !limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}, nil
}

// LoggingInterceptor logs every call with its outcome and duration
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		caller, _ := CallerFromContext(ctx)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("caller", caller),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Info("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc completed", fields...)
		}
		return resp, err
	}
}
