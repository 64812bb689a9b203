// Package main is the entry point for the rollout server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository and service (eagerly loading the flag snapshot).
//  4. Wire up API key authentication, logging and metrics.
//  5. Serve HTTP and gRPC concurrently until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/matt-riley/rollout/internal/config"
	"github.com/matt-riley/rollout/internal/logging"
	"github.com/matt-riley/rollout/internal/metrics"
	"github.com/matt-riley/rollout/internal/middleware"
	"github.com/matt-riley/rollout/internal/repository"
	"github.com/matt-riley/rollout/internal/server"
	"github.com/matt-riley/rollout/internal/service"
	"github.com/matt-riley/rollout/internal/tracing"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	tracerShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := runMigrations(ctx, pool, log); err != nil {
			return err
		}
	}

	repo := repository.NewPostgresRepository(pool, repository.WithNotifyChannel(cfg.NotifyChannel))

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithMaxBatchSize(cfg.MaxBatchSize),
		service.WithAuditor(repo),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()
	m.RegisterAuthLimiter(rateLimiter.Tracked)

	tokenValidator := middleware.NewAPIKeyValidator(repo)
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithMetrics(m),
		server.WithAuditLog(repo),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, tokenValidator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "rollout-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
			middleware.UnaryBearerAuthInterceptor(tokenValidator, authOpts...),
		),
	)
	server.RegisterEvaluationServiceServer(grpcServer, server.NewGRPCServer(svc))

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}

	log.Info("server started",
		"http_addr", httpListener.Addr().String(),
		"grpc_addr", grpcListener.Addr().String(),
		"flags", svc.Snapshot().Flags,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		return shutdown(httpServer, grpcServer, cfg.ShutdownTimeout)
	})

	return g.Wait()
}

// shutdown drains both servers, forcing the gRPC server closed once timeout
// elapses.
func shutdown(httpServer *http.Server, grpcServer *grpc.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var httpErr error
	if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		httpErr = fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	return httpErr
}

// newHTTPHandler puts every /v1/ route behind bearer auth and exposes only
// the health and metrics endpoints publicly.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
