package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/rollout/internal/repository"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("principal without tenant is rejected", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		want := Principal{TenantID: "acme", APIKeyID: "key-1", CanWrite: true}
		validator := &testTokenValidator{expectedToken: "good", principal: want}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := PrincipalFromContext(r.Context())
			if !ok || got != want {
				t.Errorf("PrincipalFromContext = %+v, %v; want %+v, true", got, ok, want)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if validator.gotToken != "good" {
			t.Fatalf("expected token %q, got %q", "good", validator.gotToken)
		}
	})
}

func TestHTTPBearerAuthMiddlewareRateLimitsFailures(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 2)
	failures := 0
	validator := &testTokenValidator{expectedToken: "good", principal: Principal{TenantID: "acme"}}
	handler := HTTPBearerAuthMiddleware(validator, WithRateLimiter(rl), WithOnAuthFailure(func() { failures++ }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := send("bad"); got != http.StatusUnauthorized {
		t.Fatalf("first failure status = %d, want %d", got, http.StatusUnauthorized)
	}
	if got := send("bad"); got != http.StatusUnauthorized {
		t.Fatalf("second failure status = %d, want %d", got, http.StatusUnauthorized)
	}

	validator.called = false
	if got := send("good"); got != http.StatusTooManyRequests {
		t.Fatalf("status after budget exhausted = %d, want %d", got, http.StatusTooManyRequests)
	}
	if validator.called {
		t.Fatal("validator called for throttled IP")
	}
	if failures != 2 {
		t.Fatalf("failure callback count = %d, want 2", failures)
	}
}

func TestRequireWriteAccess(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{name: "no principal", principal: nil, want: http.StatusForbidden},
		{name: "read-only key", principal: &Principal{TenantID: "acme"}, want: http.StatusForbidden},
		{name: "write key", principal: &Principal{TenantID: "acme", CanWrite: true}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireWriteAccess(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/flags", nil)
			if tt.principal != nil {
				req = req.WithContext(NewContextWithPrincipal(req.Context(), *tt.principal))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := UnaryBearerAuthInterceptor(validator)

		_, err := interceptor(context.Background(), struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected code %s, got %s", codes.Unauthenticated, status.Code(err))
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected code %s, got %s", codes.Unauthenticated, status.Code(err))
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		want := Principal{TenantID: "acme", APIKeyID: "key-1"}
		validator := &testTokenValidator{expectedToken: "good", principal: want}
		interceptor := UnaryBearerAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))

		res, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
			got, ok := PrincipalFromContext(ctx)
			if !ok || got != want {
				return nil, status.Errorf(codes.Internal, "PrincipalFromContext = %+v, %v", got, ok)
			}
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if res != "ok" {
			t.Fatalf("expected response %q, got %#v", "ok", res)
		}
	})

	t.Run("throttled peer", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, 1)
		rl.RecordFailureAndAllow("198.51.100.4")

		validator := &testTokenValidator{expectedToken: "good", principal: Principal{TenantID: "acme"}}
		interceptor := UnaryBearerAuthInterceptor(validator, WithRateLimiter(rl))
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))
		ctx = peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.4"), Port: 4000}})

		_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})

		if status.Code(err) != codes.ResourceExhausted {
			t.Fatalf("expected code %s, got %s", codes.ResourceExhausted, status.Code(err))
		}
	})
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := repository.HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	lookup := fakeAPIKeyLookup{
		"key-1": {ID: "key-1", TenantID: "acme", KeyHash: hash, CanWrite: true},
	}
	validator := NewAPIKeyValidator(lookup)

	principal, err := validator.ValidateToken(context.Background(), "key-1.s3cret")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if want := (Principal{TenantID: "acme", APIKeyID: "key-1", CanWrite: true}); principal != want {
		t.Fatalf("ValidateToken() = %+v, want %+v", principal, want)
	}

	for _, token := range []string{"key-1.wrong", "key-2.s3cret", "no-dot", ".s3cret", "key-1."} {
		if _, err := validator.ValidateToken(context.Background(), token); err == nil {
			t.Fatalf("ValidateToken(%q) error = nil, want error", token)
		}
	}

	var nilValidator *APIKeyValidator
	if _, err := nilValidator.ValidateToken(context.Background(), "key-1.s3cret"); err == nil {
		t.Fatal("nil validator should fail")
	}
}

type fakeAPIKeyLookup map[string]repository.APIKey

func (f fakeAPIKeyLookup) ValidateAPIKey(_ context.Context, id string) (repository.APIKey, error) {
	key, ok := f[id]
	if !ok {
		return repository.APIKey{}, pgx.ErrNoRows
	}
	return key, nil
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	principal     Principal
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (Principal, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return Principal{}, v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return Principal{}, errors.New("invalid token")
	}
	return v.principal, nil
}

func TestAuthFailureIsLoggedWithoutToken(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	validator := &testTokenValidator{expectedToken: "key-1.right"}
	handler := HTTPRequestLogging(logger)(HTTPBearerAuthMiddleware(validator)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	))

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("Authorization", "Bearer key-1.wrong-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	out := buf.String()
	for _, want := range []string{`msg="authentication failed"`, "client_ip=203.0.113.7", "reason=", "request_id="} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "wrong-secret") {
		t.Fatalf("log output leaks the bearer token:\n%s", out)
	}
}

type downAPIKeyLookup struct{}

func (downAPIKeyLookup) ValidateAPIKey(context.Context, string) (repository.APIKey, error) {
	return repository.APIKey{}, errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}

func TestAPIKeyValidatorSeparatesOutageFromBadKey(t *testing.T) {
	_, err := NewAPIKeyValidator(downAPIKeyLookup{}).ValidateToken(context.Background(), "key-1.s3cret")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ValidateToken() with store down error = %v, want ErrAuthUnavailable", err)
	}

	_, err = NewAPIKeyValidator(fakeAPIKeyLookup{}).ValidateToken(context.Background(), "key-1.s3cret")
	if err == nil || errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ValidateToken() unknown key error = %v, want an auth failure", err)
	}
}

func TestKeyStoreOutageDoesNotSpendFailureBudget(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 1)
	failures := 0
	opts := []AuthOption{WithRateLimiter(rl), WithOnAuthFailure(func() { failures++ })}
	validator := NewAPIKeyValidator(downAPIKeyLookup{})

	handler := HTTPBearerAuthMiddleware(validator, opts...)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler called during outage")
	}))
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("Authorization", "Bearer key-1.s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("HTTP status during outage = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	}

	interceptor := UnaryBearerAuthInterceptor(validator, opts...)
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 5555}})
	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer key-1.s3cret"))
	_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
		t.Fatal("handler called during outage")
		return nil, nil
	})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("gRPC code during outage = %v, want %v", status.Code(err), codes.Unavailable)
	}

	if failures != 0 || rl.Tracked() != 0 {
		t.Fatalf("outage counted as auth failure: failures = %d, tracked IPs = %d", failures, rl.Tracked())
	}
}
