// Package worker polls the job queue and drives agent runs: one runner per
// leased job, bounded concurrency, cooperative cancellation, and lease
// keep-alive while the agent is working.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/internal/queue"
	"github.com/pokecode/pokecode/internal/runner"
	"github.com/pokecode/pokecode/internal/session"
)

// CancelledNotice is appended to the conversation when a run is cancelled.
const CancelledNotice = "Operation was cancelled by user"

// RunnerFactory builds a fresh runner for one job.
type RunnerFactory func(provider string) runner.Runner

// Options configures the pool.
type Options struct {
	Concurrency       int
	PollInterval      time.Duration
	CancellationCheck time.Duration
	LeaseTTL          time.Duration
}

// Pool executes queued jobs against agent runners.
type Pool struct {
	queue     *queue.Service
	sessions  *session.Service
	messages  *message.Service
	newRunner RunnerFactory
	opts      Options
	logger    *logger.Logger

	sem    *semaphore.Weighted
	active sync.Map // prompt id -> runner.Runner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(q *queue.Service, sessions *session.Service, messages *message.Service,
	factory RunnerFactory, opts Options, log *logger.Logger) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	// Zero intervals would panic the tickers they feed.
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.CancellationCheck <= 0 {
		opts.CancellationCheck = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	return &Pool{
		queue:     q,
		sessions:  sessions,
		messages:  messages,
		newRunner: factory,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "worker-pool")),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Start launches the poll loop. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.pollLoop(ctx)
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("poll_interval", p.opts.PollInterval))
}

// Shutdown aborts all running agents and waits for job goroutines to
// finish, up to the context deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.active.Range(func(_, value any) bool {
		value.(runner.Runner).Abort()
		return true
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain leases runnable jobs until the queue is empty or all slots are
// taken.
func (p *Pool) drain(ctx context.Context) {
	for p.sem.TryAcquire(1) {
		job, err := p.queue.GetNextJob(ctx)
		if err != nil {
			p.logger.Error("failed to lease job", zap.Error(err))
			p.sem.Release(1)
			return
		}
		if job == nil {
			p.sem.Release(1)
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.runJob(ctx, job)
		}()
	}
}

func (p *Pool) runJob(ctx context.Context, job *queue.Job) {
	log := p.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.String("prompt_id", job.PromptID))

	// A cancel may have landed between lease and pickup; the lease query
	// does not see cancelled rows, but the row can flip while in flight.
	active, err := p.queue.HasActiveJobs(ctx, job.SessionID)
	if err == nil && !active {
		log.Info("job cancelled before start, dropping")
		return
	}

	data, err := job.ParseData()
	if err != nil {
		log.Error("job payload is unreadable", zap.Error(err))
		p.recordFailure(ctx, job, "job payload is unreadable: "+err.Error())
		return
	}

	sess, err := p.sessions.Get(ctx, job.SessionID)
	if err != nil {
		log.Error("session lookup failed", zap.Error(err))
		p.recordFailure(ctx, job, "session lookup failed: "+err.Error())
		return
	}

	if err := p.sessions.MarkWorking(ctx, job.SessionID, job.ID); err != nil {
		log.Warn("failed to mark session working", zap.Error(err))
	}
	if err := p.queue.MarkJobProcessing(ctx, job.ID); err != nil {
		log.Warn("failed to refresh lease", zap.Error(err))
	}

	req := runner.Request{
		SessionID:    job.SessionID,
		PromptID:     job.PromptID,
		ProjectPath:  data.ProjectPath,
		Prompt:       data.Prompt,
		Model:        data.Model,
		AllowedTools: data.AllowedTools,
	}
	if req.ProjectPath == "" {
		req.ProjectPath = sess.ProjectPath
	}
	if sess.ProviderSessionID != nil {
		req.ProviderSessionID = *sess.ProviderSessionID
	}

	r := p.newRunner(job.Provider)
	p.active.Store(job.PromptID, r)
	defer p.active.Delete(job.PromptID)

	items, err := r.Execute(ctx, req)
	if err != nil {
		log.Error("failed to start agent", zap.Error(err))
		p.recordFailure(ctx, job, "failed to start agent: "+err.Error())
		return
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go p.watchJob(ctx, job, r, watchDone)

	var errText string
	for item := range items {
		msg, err := p.messages.SaveSDKMessage(ctx, message.SaveSDKParams{
			SessionID:         job.SessionID,
			SDKMessage:        item.Envelope,
			ProviderSessionID: item.ProviderSessionID,
			Provider:          job.Provider,
		})
		if err != nil {
			log.Error("failed to persist agent message", zap.Error(err))
			continue
		}
		if msg != nil && msg.Type == message.TypeError {
			errText = "agent reported an error"
		}
	}

	// The stream is drained; decide the outcome.
	active, err = p.queue.HasActiveJobs(ctx, job.SessionID)
	if err == nil && !active {
		p.finishCancelled(ctx, job)
		return
	}
	if errText != "" {
		p.finishFailed(ctx, job, errText)
		return
	}
	p.finishCompleted(ctx, job)
}

// watchJob polls for external cancellation and keeps the lease alive while
// the agent runs.
func (p *Pool) watchJob(ctx context.Context, job *queue.Job, r runner.Runner, done <-chan struct{}) {
	cancelCheck := time.NewTicker(p.opts.CancellationCheck)
	defer cancelCheck.Stop()

	leaseExtend := time.NewTicker(p.opts.LeaseTTL / 3)
	defer leaseExtend.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-cancelCheck.C:
			active, err := p.queue.HasActiveJobs(ctx, job.SessionID)
			if err == nil && !active {
				p.logger.Info("cancellation detected, aborting agent",
					zap.String("job_id", job.ID))
				r.Abort()
				return
			}
		case <-leaseExtend.C:
			if err := p.queue.MarkJobProcessing(ctx, job.ID); err != nil {
				p.logger.Warn("lease extension failed",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (p *Pool) finishCompleted(ctx context.Context, job *queue.Job) {
	if err := p.queue.MarkJobCompleted(ctx, job.ID); err != nil {
		p.logger.Warn("failed to mark job completed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := p.sessions.MarkIdle(ctx, job.SessionID, queue.StatusCompleted); err != nil {
		p.logger.Warn("failed to mark session idle", zap.Error(err))
	}
	p.publishDone(ctx, job, queue.StatusCompleted)
}

// recordFailure persists a synthetic error envelope so the transcript
// explains what went wrong even when no live subscriber saw it, then
// closes out the job.
func (p *Pool) recordFailure(ctx context.Context, job *queue.Job, detail string) {
	if _, err := p.messages.SaveSDKMessage(ctx, message.SaveSDKParams{
		SessionID:  job.SessionID,
		SDKMessage: message.SyntheticError(detail),
		Provider:   job.Provider,
	}); err != nil {
		p.logger.Warn("failed to record failure message", zap.Error(err))
	}
	p.finishFailed(ctx, job, detail)
}

func (p *Pool) finishFailed(ctx context.Context, job *queue.Job, errText string) {
	if err := p.queue.MarkJobFailed(ctx, job.ID, errText); err != nil {
		p.logger.Warn("failed to mark job failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	errEvent := bus.NewEvent(bus.EventError, job.SessionID, map[string]string{"error": errText})
	if err := p.queue.PublishEvent(ctx, job.SessionID, job.PromptID, errEvent); err != nil {
		p.logger.Warn("failed to publish error event", zap.Error(err))
	}

	// Below the attempt cap the job goes back to pending for a retry; the
	// session stays working and the retry decides the terminal outcome.
	if fresh, err := p.queue.GetJob(ctx, job.ID); err == nil && fresh.Status == queue.StatusPending {
		p.logger.Info("job requeued for retry",
			zap.String("job_id", job.ID), zap.Int("attempts", fresh.Attempts))
		return
	}
	if err := p.sessions.MarkIdle(ctx, job.SessionID, queue.StatusFailed); err != nil {
		p.logger.Warn("failed to mark session idle", zap.Error(err))
	}
	p.publishDone(ctx, job, queue.StatusFailed)
}

// finishCancelled records the cancellation notice in the conversation and
// closes out the session. The job row is already terminal; CancelSession
// moved it when the cancel was requested.
func (p *Pool) finishCancelled(ctx context.Context, job *queue.Job) {
	_, err := p.messages.SaveSDKMessage(ctx, message.SaveSDKParams{
		SessionID:  job.SessionID,
		SDKMessage: message.SyntheticAssistantText(CancelledNotice),
		Provider:   job.Provider,
	})
	if err != nil {
		p.logger.Warn("failed to record cancellation notice", zap.Error(err))
	}
	if err := p.sessions.MarkIdle(ctx, job.SessionID, queue.StatusCancelled); err != nil {
		p.logger.Warn("failed to mark session idle", zap.Error(err))
	}
	p.publishDone(ctx, job, queue.StatusCancelled)
}

func (p *Pool) publishDone(ctx context.Context, job *queue.Job, status string) {
	event := bus.NewEvent(bus.EventSessionDone, job.SessionID, bus.SessionDonePayload{
		Status:   status,
		PromptID: job.PromptID,
	})
	if err := p.queue.PublishEvent(ctx, job.SessionID, job.PromptID, event); err != nil {
		p.logger.Warn("failed to publish session done", zap.Error(err))
	}
}
