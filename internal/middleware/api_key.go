// Package middleware provides authentication and request logging for the
// rollout HTTP and gRPC transports: bearer API keys of the form
// "<keyID>.<secret>" checked against bcrypt hashes, a per-IP limiter for
// failed attempts, and request-scoped slog loggers.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/rollout/internal/repository"
)

var errInvalidAPIKey = errors.New("invalid api key")

// ErrAuthUnavailable means a token could not be checked, e.g. because the key
// store is down. It is not an authentication failure.
var ErrAuthUnavailable = errors.New("authentication unavailable")

// APIKeyLookup loads stored API keys by ID.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (repository.APIKey, error)
}

// APIKeyValidator is a [TokenValidator] for "<keyID>.<secret>" bearer tokens.
type APIKeyValidator struct {
	lookup APIKeyLookup
}

// NewAPIKeyValidator returns a validator backed by lookup.
func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	if v == nil || v.lookup == nil {
		return Principal{}, errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return Principal{}, errors.New("invalid token format")
	}

	key, err := v.lookup.ValidateAPIKey(ctx, keyID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Principal{}, fmt.Errorf("lookup api key: %w", errInvalidAPIKey)
	case err != nil:
		return Principal{}, fmt.Errorf("%w: lookup api key: %w", ErrAuthUnavailable, err)
	}
	if !repository.APIKeyMatchesHash(key.KeyHash, rawSecret) {
		return Principal{}, errInvalidAPIKey
	}

	return Principal{
		TenantID: key.TenantID,
		APIKeyID: key.ID,
		CanWrite: key.CanWrite,
	}, nil
}
