package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/common/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// JobChecker answers whether a session has an active (pending or processing)
// job. Implemented by the queue store; injected to keep this package off the
// job_queue table.
type JobChecker interface {
	HasActiveJobs(ctx context.Context, sessionID string) (bool, error)
}

// Service implements session lifecycle operations.
type Service struct {
	store  *Store
	jobs   JobChecker
	logger *logger.Logger
}

// NewService creates a session service.
func NewService(store *Store, jobs JobChecker, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		jobs:   jobs,
		logger: log.WithFields(zap.String("component", "session-service")),
	}
}

// Create validates the project path and inserts a new active session.
func (s *Service) Create(ctx context.Context, projectPath, provider string) (*Session, error) {
	if !ValidProvider(provider) {
		return nil, apperrors.Validation("provider",
			fmt.Sprintf("must be %q or %q", ProviderClaudeCode, ProviderCodexCLI))
	}
	if !filepath.IsAbs(projectPath) {
		return nil, apperrors.Validation("projectPath", "must be an absolute path")
	}
	info, err := os.Stat(projectPath)
	if err != nil || !info.IsDir() {
		return nil, apperrors.Validation("projectPath", "must be an existing directory")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.New().String(),
		Provider:       provider,
		ProjectPath:    projectPath,
		Name:           filepath.Base(projectPath),
		State:          StateActive,
		Metadata:       json.RawMessage(`{}`),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
	if provider == ProviderClaudeCode {
		dir := claudeProjectDir(projectPath)
		sess.ClaudeDirectoryPath = &dir
	}

	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("provider", provider),
		zap.String("project_path", projectPath))
	return sess, nil
}

// Get returns one session and stamps its access time.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.Touch(ctx, id); err != nil {
		s.logger.Warn("failed to touch session", zap.String("session_id", id), zap.Error(err))
	}
	return sess, nil
}

// List returns a page of sessions. Limit is clamped to [1,100], default 20.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if filter.State != "" && filter.State != StateActive && filter.State != StateInactive {
		return nil, apperrors.Validation("state", "must be active or inactive")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}

// Update applies the patchable fields (context, metadata).
func (s *Service) Update(ctx context.Context, id string, patch UpdatePatch) (*Session, error) {
	if len(patch.Metadata) > 0 && !json.Valid(patch.Metadata) {
		return nil, apperrors.Validation("metadata", "must be valid JSON")
	}
	if err := s.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Delete removes a session unless it still has an active job.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	active, err := s.jobs.HasActiveJobs(ctx, id)
	if err != nil {
		return err
	}
	if active {
		return apperrors.Conflict("cannot delete session with an active job")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// MarkWorking records that a job started for the session. Worker use only.
func (s *Service) MarkWorking(ctx context.Context, id, jobID string) error {
	return s.store.SetWorking(ctx, id, jobID)
}

// MarkIdle clears the working flags with the job's final status. Worker use
// only.
func (s *Service) MarkIdle(ctx context.Context, id, lastStatus string) error {
	return s.store.SetIdle(ctx, id, lastStatus)
}

// RecordProviderSessionID back-fills the provider's session handle on first
// sight. The handle is immutable once set; a differing later value is logged
// and ignored.
func (s *Service) RecordProviderSessionID(ctx context.Context, id, providerSessionID string) error {
	existing, err := s.store.SetProviderSessionID(ctx, id, providerSessionID)
	if err != nil {
		return err
	}
	if existing != nil && *existing != providerSessionID {
		s.logger.Warn("provider session id mismatch, keeping original",
			zap.String("session_id", id),
			zap.String("stored", *existing),
			zap.String("received", providerSessionID))
	}
	return nil
}

// SelfCheck repairs sessions whose derived state drifted from source data.
// Runs at startup and periodically.
func (s *Service) SelfCheck(ctx context.Context) error {
	rows, err := s.store.FindInconsistent(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		s.logger.Warn("repairing inconsistent session state",
			zap.String("session_id", row.ID),
			zap.Bool("is_working", row.IsWorking),
			zap.Bool("has_active_job", row.ActiveJobID != nil),
			zap.Int64("message_count", row.MessageCount),
			zap.Int64("real_message_count", row.RealMessageCount))
		if err := s.store.Repair(ctx, row); err != nil {
			s.logger.Error("failed to repair session",
				zap.String("session_id", row.ID), zap.Error(err))
		}
	}
	return nil
}

// StartSelfCheck runs SelfCheck immediately and then on the given interval
// until the context is cancelled.
func (s *Service) StartSelfCheck(ctx context.Context, interval time.Duration) {
	if err := s.SelfCheck(ctx); err != nil {
		s.logger.Error("session self-check failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.SelfCheck(ctx); err != nil {
					s.logger.Error("session self-check failed", zap.Error(err))
				}
			}
		}
	}()
}

// claudeProjectDir mirrors how the Claude Code CLI names its per-project
// state directory under ~/.claude/projects.
func claudeProjectDir(projectPath string) string {
	slug := strings.NewReplacer("/", "-", ".", "-", "_", "-").Replace(projectPath)
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ".claude", "projects", slug)
}
