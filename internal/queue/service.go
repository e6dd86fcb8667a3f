package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/events/bus"
)

// Options configures the queue's timing behavior.
type Options struct {
	LeaseTTL    time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Retention   time.Duration
}

// Service implements durable job enqueue/lease/complete/fail/cancel.
type Service struct {
	store  *Store
	bus    bus.EventBus
	opts   Options
	logger *logger.Logger
}

// NewService creates a queue service.
func NewService(store *Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Service {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Service{
		store:  store,
		bus:    eventBus,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "queue-service")),
	}
}

// EnqueueParams describes a new job.
type EnqueueParams struct {
	SessionID string
	Provider  string
	PromptID  string
	Data      JobData
}

// Enqueue inserts a pending job. Conflict when the session already has an
// active job.
func (s *Service) Enqueue(ctx context.Context, params EnqueueParams) (*Job, error) {
	data, err := json.Marshal(params.Data)
	if err != nil {
		return nil, apperrors.Internal("failed to marshal job data", err)
	}

	promptID := params.PromptID
	if promptID == "" {
		promptID = uuid.New().String()
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		SessionID:   params.SessionID,
		PromptID:    promptID,
		Provider:    params.Provider,
		Status:      StatusPending,
		MaxAttempts: s.opts.MaxAttempts,
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.String("provider", job.Provider))
	return job, nil
}

// GetNextJob leases the next runnable job, or returns nil.
func (s *Service) GetNextJob(ctx context.Context) (*Job, error) {
	job, err := s.store.Lease(ctx, s.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if job != nil && job.Attempts > 1 {
		s.logger.Warn("re-leasing job after expired lease or retry",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts))
	}
	return job, nil
}

// GetJob returns one job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// MarkJobProcessing extends the lease of a processing job. Idempotent.
func (s *Service) MarkJobProcessing(ctx context.Context, id string) error {
	return s.store.ExtendLease(ctx, id, s.opts.LeaseTTL)
}

// MarkJobCompleted moves the job to completed.
func (s *Service) MarkJobCompleted(ctx context.Context, id string) error {
	if err := s.store.Complete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job completed", zap.String("job_id", id))
	return nil
}

// MarkJobFailed records the error; the job retries with backoff below its
// attempt cap, otherwise becomes failed.
func (s *Service) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	if err := s.store.Fail(ctx, id, errMsg, s.opts.LeaseTTL, s.opts.MaxBackoff); err != nil {
		return err
	}
	s.logger.Warn("job failed", zap.String("job_id", id), zap.String("error", errMsg))
	return nil
}

// CancelSessionJobs cancels the session's pending and processing jobs. The
// worker's cancellation checker observes the change and aborts the runner.
func (s *Service) CancelSessionJobs(ctx context.Context, sessionID string) error {
	processing, err := s.store.CancelSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.logger.Info("cancelled session jobs",
		zap.String("session_id", sessionID),
		zap.Int("processing", len(processing)))
	return nil
}

// HasActiveJobs reports whether the session has a pending or processing job.
func (s *Service) HasActiveJobs(ctx context.Context, sessionID string) (bool, error) {
	return s.store.HasActiveJobs(ctx, sessionID)
}

// PublishEvent forwards an event onto the session's topic, stamping the
// prompt id into the payload envelope.
func (s *Service) PublishEvent(ctx context.Context, sessionID, promptID string, event *bus.Event) error {
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	if promptID != "" && len(event.Data) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(event.Data, &payload); err == nil {
			payload["promptId"] = promptID
			if data, err := json.Marshal(payload); err == nil {
				event.Data = data
			}
		}
	}
	return s.bus.Publish(ctx, sessionID, event)
}

// PruneTerminalOlderThan removes terminal jobs past the retention window.
func (s *Service) PruneTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.store.PruneTerminalBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned terminal jobs", zap.Int64("removed", n))
	}
	return n, nil
}

// StartRetentionLoop prunes hourly until the context is cancelled.
func (s *Service) StartRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.PruneTerminalOlderThan(ctx, s.opts.Retention); err != nil {
					s.logger.Error("retention prune failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stats summarizes the queue by status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.CountByStatus(ctx)
}
