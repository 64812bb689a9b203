// Package service owns the evaluation snapshot and flag administration. Reads
// are served from an immutable snapshot behind an atomic pointer; every write
// and reload publishes a new snapshot.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/repository"
)

const (
	ActionCreated      = "created"
	ActionUpdated      = "updated"
	ActionDeleted      = "deleted"
	bestEffortTimeout  = 2 * time.Second
	cacheReloadTimeout = 5 * time.Second
	tracerName         = "github.com/matt-riley/rollout/internal/service"
)

var (
	ErrFlagNotFound  = errors.New("flag not found")
	ErrFlagExists    = errors.New("flag already exists")
	ErrInvalidFlag   = errors.New("invalid flag")
	ErrBatchTooLarge = errors.New("too many flags in batch")
	ErrNameRequired  = errors.New("flag name is required")
)

type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, name string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, name string) error
	PublishFlagChange(ctx context.Context, change repository.FlagChange) error
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type Service struct {
	repo    Repository
	logger  *slog.Logger
	metrics Recorder
	auditor Auditor
	tracer  trace.Tracer

	resyncInterval time.Duration
	maxBatchSize   int

	// writeMu serializes snapshot replacement; readers only load current.
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// New builds a Service and loads the initial snapshot. When repo can deliver
// change notifications, a background listener reloads the snapshot until ctx
// is cancelled.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		metrics:        nopRecorder{},
		tracer:         otel.Tracer(tracerName),
		resyncInterval: defaultCacheResyncInterval,
		maxBatchSize:   defaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.current.Store(newSnapshot(0, map[string]Flag{}))

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the snapshot with every valid flag in the repository.
// Stored flags that fail validation are logged and left out.
func (s *Service) LoadCache(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.LoadCache")
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored, err := s.repo.ListFlags(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list flags")
		return fmt.Errorf("load flags: %w", err)
	}

	next := make(map[string]Flag, len(stored))
	for _, row := range stored {
		flag, err := flagFromRepository(row)
		if err != nil {
			s.metrics.RecordRejectedFlag()
			s.logger.ErrorContext(ctx, "rejecting stored flag", "flag", row.Name, "error", err)
			continue
		}
		next[flag.Name] = flag
	}

	published := newSnapshot(s.current.Load().version+1, next)
	s.current.Store(published)

	s.metrics.IncCacheLoads()
	s.metrics.SetCacheSize(len(next))
	span.SetAttributes(
		attribute.Int("rollout.snapshot.flags", len(next)),
		attribute.Int64("rollout.snapshot.version", int64(published.version)),
	)
	s.logger.DebugContext(ctx, "flag snapshot loaded", "flags", len(next), "version", published.version)

	return nil
}

// Snapshot reports the version and size of the snapshot in use.
func (s *Service) Snapshot() SnapshotInfo {
	current := s.current.Load()
	return SnapshotInfo{Version: current.version, Flags: len(current.flags)}
}

func (s *Service) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	row, err := prepareWrite(flag)
	if err != nil {
		return Flag{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created, err := s.repo.CreateFlag(ctx, row)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateFlag) {
			return Flag{}, ErrFlagExists
		}
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	result, err := flagFromRepository(created)
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.current.Store(s.current.Load().with(result))
	s.afterWrite(ctx, ActionCreated, result.Name, &result)

	return result, nil
}

func (s *Service) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	row, err := prepareWrite(flag)
	if err != nil {
		return Flag{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updated, err := s.repo.UpdateFlag(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.evictLocked(flag.Name)
			return Flag{}, ErrFlagNotFound
		}
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	result, err := flagFromRepository(updated)
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.current.Store(s.current.Load().with(result))
	s.afterWrite(ctx, ActionUpdated, result.Name, &result)

	return result, nil
}

// GetFlag returns a flag from the current snapshot.
func (s *Service) GetFlag(_ context.Context, name string) (Flag, error) {
	if strings.TrimSpace(name) == "" {
		return Flag{}, ErrNameRequired
	}

	flag, ok := s.current.Load().flags[name]
	if !ok {
		return Flag{}, ErrFlagNotFound
	}

	return flag, nil
}

// ListFlags returns every flag in the current snapshot ordered by name.
func (s *Service) ListFlags(_ context.Context) ([]Flag, error) {
	current := s.current.Load()

	flags := make([]Flag, 0, len(current.flags))
	for _, flag := range current.flags {
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Name < flags[j].Name
	})

	return flags, nil
}

// DeleteFlag removes a flag. It deletes straight from storage so that rows
// rejected from the snapshot can still be removed.
func (s *Service) DeleteFlag(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrNameRequired
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.repo.DeleteFlag(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.evictLocked(name)
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.evictLocked(name)
	s.afterWrite(ctx, ActionDeleted, name, nil)

	return nil
}

// Evaluate resolves one flag against evalContext using the current snapshot.
// Unknown flags resolve to FLAG_NOT_FOUND.
func (s *Service) Evaluate(ctx context.Context, name string, evalContext core.EvaluationContext) (core.EvaluationResult, error) {
	results, err := s.EvaluateBatch(ctx, []string{name}, evalContext)
	if err != nil {
		return core.EvaluationResult{}, err
	}
	return results[name], nil
}

// EvaluateBatch resolves every named flag against one context. All results
// come from the same snapshot.
func (s *Service) EvaluateBatch(ctx context.Context, names []string, evalContext core.EvaluationContext) (map[string]core.EvaluationResult, error) {
	if len(names) == 0 {
		return nil, ErrNameRequired
	}
	if len(names) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d names, limit %d", ErrBatchTooLarge, len(names), s.maxBatchSize)
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, ErrNameRequired
		}
	}

	current := s.current.Load()

	_, span := s.tracer.Start(ctx, "service.EvaluateBatch", trace.WithAttributes(
		attribute.Int("rollout.batch.size", len(names)),
		attribute.Int64("rollout.snapshot.version", int64(current.version)),
	))
	defer span.End()

	results := core.EvaluateBatch(current.lookup, names, evalContext)
	for _, result := range results {
		s.metrics.RecordEvaluation(result.Reason)
	}

	return results, nil
}

func prepareWrite(flag Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Name) == "" {
		return repository.Flag{}, ErrNameRequired
	}
	if err := core.Validate(flag.FlagDefinition); err != nil {
		return repository.Flag{}, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}

	row, err := flagToRepository(flag)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}

	return row, nil
}

// evictLocked drops name from the snapshot. Callers hold writeMu.
func (s *Service) evictLocked(name string) {
	current := s.current.Load()
	if _, ok := current.flags[name]; !ok {
		return
	}
	s.current.Store(current.without(name))
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						s.logger.WarnContext(ctx, "resubscribe cache invalidation failed", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.metrics.IncCacheInvalidations()
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "flag snapshot reload failed", "error", err)
	}
}

// afterWrite publishes the change and the audit entry. Mutations have already
// committed, so failures are logged and swallowed.
func (s *Service) afterWrite(ctx context.Context, action, name string, flag *Flag) {
	bestEffortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.repo.PublishFlagChange(bestEffortCtx, repository.FlagChange{Name: name, Action: action}); err != nil {
		s.logger.WarnContext(ctx, "publish flag change failed", "flag", name, "action", action, "error", err)
	}

	if s.auditor == nil {
		return
	}

	entry := repository.AuditLogEntry{Action: action, FlagName: name}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.TenantID = actor.TenantID
		entry.APIKeyID = actor.APIKeyID
	}
	if flag != nil {
		if details, err := json.Marshal(flag); err == nil {
			entry.Details = details
		}
	}

	if err := s.auditor.InsertAuditLog(bestEffortCtx, entry); err != nil {
		s.logger.WarnContext(ctx, "audit log write failed", "flag", name, "action", action, "error", err)
	}
}
