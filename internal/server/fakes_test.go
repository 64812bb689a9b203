package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/middleware"
	"github.com/matt-riley/rollout/internal/repository"
	"github.com/matt-riley/rollout/internal/service"
)

type fakeService struct {
	createFlagFunc    func(ctx context.Context, flag service.Flag) (service.Flag, error)
	updateFlagFunc    func(ctx context.Context, flag service.Flag) (service.Flag, error)
	getFlagFunc       func(ctx context.Context, name string) (service.Flag, error)
	listFlagsFunc     func(ctx context.Context) ([]service.Flag, error)
	deleteFlagFunc    func(ctx context.Context, name string) error
	evaluateFunc      func(ctx context.Context, name string, evalContext core.EvaluationContext) (core.EvaluationResult, error)
	evaluateBatchFunc func(ctx context.Context, names []string, evalContext core.EvaluationContext) (map[string]core.EvaluationResult, error)
	snapshot          service.SnapshotInfo
}

func (f *fakeService) CreateFlag(ctx context.Context, flag service.Flag) (service.Flag, error) {
	if f.createFlagFunc != nil {
		return f.createFlagFunc(ctx, flag)
	}
	return service.Flag{}, errors.New("CreateFlag not implemented")
}

func (f *fakeService) UpdateFlag(ctx context.Context, flag service.Flag) (service.Flag, error) {
	if f.updateFlagFunc != nil {
		return f.updateFlagFunc(ctx, flag)
	}
	return service.Flag{}, errors.New("UpdateFlag not implemented")
}

func (f *fakeService) GetFlag(ctx context.Context, name string) (service.Flag, error) {
	if f.getFlagFunc != nil {
		return f.getFlagFunc(ctx, name)
	}
	return service.Flag{}, errors.New("GetFlag not implemented")
}

func (f *fakeService) ListFlags(ctx context.Context) ([]service.Flag, error) {
	if f.listFlagsFunc != nil {
		return f.listFlagsFunc(ctx)
	}
	return nil, errors.New("ListFlags not implemented")
}

func (f *fakeService) DeleteFlag(ctx context.Context, name string) error {
	if f.deleteFlagFunc != nil {
		return f.deleteFlagFunc(ctx, name)
	}
	return errors.New("DeleteFlag not implemented")
}

func (f *fakeService) Evaluate(ctx context.Context, name string, evalContext core.EvaluationContext) (core.EvaluationResult, error) {
	if f.evaluateFunc != nil {
		return f.evaluateFunc(ctx, name, evalContext)
	}
	return core.EvaluationResult{}, errors.New("Evaluate not implemented")
}

func (f *fakeService) EvaluateBatch(ctx context.Context, names []string, evalContext core.EvaluationContext) (map[string]core.EvaluationResult, error) {
	if f.evaluateBatchFunc != nil {
		return f.evaluateBatchFunc(ctx, names, evalContext)
	}
	return nil, errors.New("EvaluateBatch not implemented")
}

func (f *fakeService) Snapshot() service.SnapshotInfo {
	return f.snapshot
}

type fakeAuditLog struct {
	listFunc func(ctx context.Context, tenantID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

func (f *fakeAuditLog) ListAuditLog(ctx context.Context, tenantID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	return f.listFunc(ctx, tenantID, limit, offset)
}

type observedRequest struct {
	method string
	route  string
	status int
}

type fakeMetrics struct {
	mu       sync.Mutex
	observed []observedRequest
}

func (m *fakeMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("rollout_up 1\n"))
	})
}

func (m *fakeMetrics) ObserveHTTPRequest(method, route string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, observedRequest{method: method, route: route, status: status})
}

func (m *fakeMetrics) requests() []observedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]observedRequest(nil), m.observed...)
}

var (
	writer = middleware.Principal{TenantID: "acme", APIKeyID: "key-w", CanWrite: true}
	reader = middleware.Principal{TenantID: "acme", APIKeyID: "key-r"}
)

func withPrincipal(req *http.Request, principal middleware.Principal) *http.Request {
	return req.WithContext(middleware.NewContextWithPrincipal(req.Context(), principal))
}

func intPtr(v int) *int { return &v }
