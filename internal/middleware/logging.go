package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries a caller-supplied request ID. It is echoed on HTTP
// responses and read from gRPC metadata in lower case.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

type logContextKey string

const (
	requestIDKey logContextKey = "request_id"
	loggerKey    logContextKey = "logger"
)

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID returns candidate when it is a usable caller-supplied ID and a
// fresh UUID otherwise.
func requestID(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || len(candidate) > maxRequestIDLength {
		return uuid.NewString()
	}
	for _, r := range candidate {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return uuid.NewString()
		}
	}
	return candidate
}

func grpcRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return requestID("")
	}
	values := md.Get(strings.ToLower(RequestIDHeader))
	if len(values) == 0 {
		return requestID("")
	}
	return requestID(values[0])
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// withRequestScope stores the request ID and a logger tagged with it on ctx.
func withRequestScope(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger) {
	reqLogger := logger.With(slog.String("request_id", reqID))
	ctx = context.WithValue(ctx, requestIDKey, reqID)
	return context.WithValue(ctx, loggerKey, reqLogger), reqLogger
}

// withPrincipalLogger tags the request logger with the authenticated tenant
// and key, so handler logs and evaluation logs carry them.
func withPrincipalLogger(ctx context.Context, p Principal) context.Context {
	logger := LoggerFromContext(ctx).With(
		slog.String("tenant_id", p.TenantID),
		slog.String("api_key_id", p.APIKeyID),
	)
	return context.WithValue(ctx, loggerKey, logger)
}

// httpLevel maps a response status to the completion log level. Server
// errors are errors; client errors are warnings.
func httpLevel(code int) slog.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return slog.LevelError
	case code >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func grpcLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// HTTPRequestLogging returns middleware that assigns each HTTP request an ID
// and logs its outcome. The start line is logged at debug.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			w.Header().Set(RequestIDHeader, reqID)
			ctx, reqLogger := withRequestScope(r.Context(), logger, reqID)

			reqLogger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			reqLogger.LogAttrs(ctx, httpLevel(wrapped.statusCode), "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Float64("duration_ms", durationMS(time.Since(start))),
			)
		})
	}
}

// UnaryRequestLoggingInterceptor is the gRPC counterpart of
// [HTTPRequestLogging]. The request ID is read from x-request-id metadata.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, reqLogger := withRequestScope(ctx, logger, grpcRequestID(ctx))
		reqLogger.DebugContext(ctx, "request started", slog.String("method", info.FullMethod))

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		reqLogger.LogAttrs(ctx, grpcLevel(code), "request completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", code.String()),
			slog.Float64("duration_ms", durationMS(time.Since(start))),
		)

		return resp, err
	}
}
