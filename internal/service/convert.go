package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/repository"
)

// Flag is a flag definition together with its administrative metadata.
type Flag struct {
	core.FlagDefinition
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

func flagFromRepository(stored repository.Flag) (Flag, error) {
	flag := Flag{
		FlagDefinition: core.FlagDefinition{
			Name:                     stored.Name,
			Enabled:                  stored.Enabled,
			Scope:                    core.Scope(stored.Scope),
			DefaultRolloutPercentage: stored.DefaultRolloutPercentage,
		},
		Description: stored.Description,
		CreatedAt:   stored.CreatedAt,
		UpdatedAt:   stored.UpdatedAt,
	}

	if len(stored.Variants) > 0 {
		if err := json.Unmarshal(stored.Variants, &flag.Variants); err != nil {
			return Flag{}, fmt.Errorf("%w: decode variants: %v", ErrInvalidFlag, err)
		}
	}
	if len(stored.Rules) > 0 {
		if err := json.Unmarshal(stored.Rules, &flag.Rules); err != nil {
			return Flag{}, fmt.Errorf("%w: decode rules: %v", ErrInvalidFlag, err)
		}
	}

	if err := core.Validate(flag.FlagDefinition); err != nil {
		return Flag{}, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}

	return flag, nil
}

func flagToRepository(flag Flag) (repository.Flag, error) {
	variants, err := json.Marshal(nonNil(flag.Variants))
	if err != nil {
		return repository.Flag{}, fmt.Errorf("encode variants: %w", err)
	}
	rules, err := json.Marshal(nonNil(flag.Rules))
	if err != nil {
		return repository.Flag{}, fmt.Errorf("encode rules: %w", err)
	}

	scope := flag.Scope
	if scope == "" {
		scope = core.ScopeUser
	}

	return repository.Flag{
		Name:                     flag.Name,
		Description:              flag.Description,
		Enabled:                  flag.Enabled,
		Scope:                    string(scope),
		DefaultRolloutPercentage: flag.DefaultRolloutPercentage,
		Variants:                 variants,
		Rules:                    rules,
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
