package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/middleware"
	"github.com/matt-riley/rollout/internal/service"
)

// evaluateRequest is shared by the HTTP and gRPC evaluation endpoints. Exactly
// one of Flag or Flags is set.
type evaluateRequest struct {
	Flag    string                 `json:"flag,omitempty"`
	Flags   []string               `json:"flags,omitempty"`
	Context core.EvaluationContext `json:"context"`
}

type evaluateResponse struct {
	Results map[string]core.EvaluationResult `json:"results"`
}

// requestError is a caller mistake reported as 400 / InvalidArgument.
type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &requestError{message: fmt.Sprintf(format, args...)}
}

// prepareEvaluation checks the request shape and applies the authenticated
// tenant. A body tenant_id that differs from the caller's tenant is rejected;
// an empty one is filled in.
func prepareEvaluation(ctx context.Context, request evaluateRequest) ([]string, core.EvaluationContext, error) {
	evalContext := request.Context

	var names []string
	switch {
	case strings.TrimSpace(request.Flag) != "" && len(request.Flags) > 0:
		return nil, evalContext, badRequest("use either flag or flags")
	case strings.TrimSpace(request.Flag) != "":
		names = []string{request.Flag}
	case len(request.Flags) > 0:
		for idx, name := range request.Flags {
			if strings.TrimSpace(name) == "" {
				return nil, evalContext, badRequest("flags[%d] is required", idx)
			}
		}
		names = request.Flags
	default:
		return nil, evalContext, badRequest("flag or flags is required")
	}

	if strings.TrimSpace(evalContext.Identity) == "" {
		return nil, evalContext, badRequest("context.identity is required")
	}

	if principal, ok := middleware.PrincipalFromContext(ctx); ok {
		switch evalContext.TenantID {
		case "":
			evalContext.TenantID = principal.TenantID
		case principal.TenantID:
		default:
			return nil, evalContext, badRequest("context.tenant_id does not match the API key tenant")
		}
	}

	return names, evalContext, nil
}

// withActor records the authenticated caller on ctx for audit entries.
func withActor(ctx context.Context) context.Context {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return ctx
	}
	return service.ContextWithActor(ctx, service.Actor{
		TenantID: principal.TenantID,
		APIKeyID: principal.APIKeyID,
	})
}
