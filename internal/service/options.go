package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/matt-riley/rollout/internal/core"
	"github.com/matt-riley/rollout/internal/repository"
)

const (
	defaultCacheResyncInterval = time.Minute
	defaultMaxBatchSize        = 100
)

// Recorder receives service-level measurements. [metrics.Metrics] satisfies it.
type Recorder interface {
	RecordEvaluation(reason core.Reason)
	RecordRejectedFlag()
	SetCacheSize(size int)
	IncCacheLoads()
	IncCacheInvalidations()
}

// Auditor persists audit entries for flag mutations.
type Auditor interface {
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger used for reloads and best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics wires a [Recorder] into the service.
func WithMetrics(recorder Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithCacheResyncInterval sets how often the snapshot is fully reloaded even
// without change notifications. Non-positive values keep the default.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithMaxBatchSize caps the number of flag names accepted by EvaluateBatch.
func WithMaxBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.maxBatchSize = size
		}
	}
}

// WithAuditor records every successful mutation through auditor.
func WithAuditor(auditor Auditor) Option {
	return func(s *Service) {
		s.auditor = auditor
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordEvaluation(core.Reason) {}
func (nopRecorder) RecordRejectedFlag()          {}
func (nopRecorder) SetCacheSize(int)             {}
func (nopRecorder) IncCacheLoads()               {}
func (nopRecorder) IncCacheInvalidations()       {}
