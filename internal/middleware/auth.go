package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// Principal is the authenticated caller of a request.
type Principal struct {
	TenantID string
	APIKeyID string
	CanWrite bool
}

// TokenValidator validates a bearer token and resolves its principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// admit reports whether ip may attempt authentication at all. An empty ip
// (no peer information) is never throttled.
func (c authConfig) admit(ip string) bool {
	return c.rateLimiter == nil || ip == "" || c.rateLimiter.Allow(ip)
}

// unavailable logs and reports whether err means the token could not be
// checked at all. Such requests do not count against the client's budget.
func unavailable(ctx context.Context, err error) bool {
	if !errors.Is(err, ErrAuthUnavailable) {
		return false
	}
	LoggerFromContext(ctx).ErrorContext(ctx, "authentication unavailable", slog.String("error", err.Error()))
	return true
}

// reject records a failed attempt from ip and reports whether the client has
// now run out of failure budget.
func (c authConfig) reject(ctx context.Context, ip string, err error) (throttled bool) {
	LoggerFromContext(ctx).WarnContext(ctx, "authentication failed",
		slog.String("client_ip", ip),
		slog.String("reason", err.Error()),
	)
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return false
	}
	return !c.rateLimiter.RecordFailureAndAllow(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
// Failures answer 401, or 429 once the client IP is throttled.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if !cfg.admit(ip) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			principal, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if unavailable(r.Context(), err) {
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
					return
				}
				if cfg.reject(r.Context(), ip, err) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(authenticated(r.Context(), principal)))
		})
	}
}

// RequireWriteAccess rejects requests whose principal lacks write access with
// 403. It must run after [HTTPBearerAuthMiddleware].
func RequireWriteAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok || !principal.CanWrite {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryBearerAuthInterceptor is the gRPC counterpart of
// [HTTPBearerAuthMiddleware], answering Unauthenticated or ResourceExhausted.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	throttled := status.Error(codes.ResourceExhausted, "too many failed auth attempts")

	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ip := extractGRPCPeerIP(ctx)
		if !cfg.admit(ip) {
			return nil, throttled
		}

		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if unavailable(ctx, err) {
				return nil, status.Error(codes.Unavailable, "authentication unavailable")
			}
			if cfg.reject(ctx, ip, err) {
				return nil, throttled
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(authenticated(ctx, principal), req)
	}
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// NewContextWithPrincipal returns a new context carrying principal.
func NewContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func authenticated(ctx context.Context, principal Principal) context.Context {
	return withPrincipalLogger(NewContextWithPrincipal(ctx, principal), principal)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (Principal, error) {
	if validator == nil {
		return Principal{}, errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return Principal{}, errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return Principal{}, err
	}

	return validatePrincipal(ctx, validator, token)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (Principal, error) {
	if validator == nil {
		return Principal{}, errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Principal{}, errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return Principal{}, errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		principal, err := validatePrincipal(ctx, validator, token)
		if err == nil {
			return principal, nil
		}
		if errors.Is(err, ErrAuthUnavailable) {
			return Principal{}, err
		}
	}

	return Principal{}, errInvalidAuthorizationHeader
}

func validatePrincipal(ctx context.Context, validator TokenValidator, token string) (Principal, error) {
	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if strings.TrimSpace(principal.TenantID) == "" {
		return Principal{}, errInvalidAuthorizationHeader
	}
	return principal, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
