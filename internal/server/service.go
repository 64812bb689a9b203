package server

import (
	"context"
	"net/http"
	"time"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/repository"
	"github.com/matt-riley/rollout/internal/service"
)

// Service is the flag administration and evaluation surface served by the
// HTTP and gRPC transports.
type Service interface {
	CreateFlag(ctx context.Context, flag service.Flag) (service.Flag, error)
	UpdateFlag(ctx context.Context, flag service.Flag) (service.Flag, error)
	GetFlag(ctx context.Context, name string) (service.Flag, error)
	ListFlags(ctx context.Context) ([]service.Flag, error)
	DeleteFlag(ctx context.Context, name string) error
	Evaluate(ctx context.Context, name string, evalContext core.EvaluationContext) (core.EvaluationResult, error)
	EvaluateBatch(ctx context.Context, names []string, evalContext core.EvaluationContext) (map[string]core.EvaluationResult, error)
	Snapshot() service.SnapshotInfo
}

// AuditLogReader lists a tenant's recorded audit entries, newest first.
type AuditLogReader interface {
	ListAuditLog(ctx context.Context, tenantID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

// Metrics exposes the Prometheus handler and records HTTP request outcomes.
type Metrics interface {
	Handler() http.Handler
	ObserveHTTPRequest(method, route string, status int, elapsed time.Duration)
}

var (
	_ Service        = (*service.Service)(nil)
	_ AuditLogReader = (*repository.PostgresRepository)(nil)
)
