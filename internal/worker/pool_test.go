package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/db"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/internal/queue"
	"github.com/pokecode/pokecode/internal/runner"
	"github.com/pokecode/pokecode/internal/session"
)

// fakeRunner replays canned envelopes, optionally blocking until aborted.
type fakeRunner struct {
	envelopes []json.RawMessage
	block     bool

	aborted   chan struct{}
	abortOnce sync.Once
}

func newFakeRunner(block bool, envelopes ...json.RawMessage) *fakeRunner {
	return &fakeRunner{envelopes: envelopes, block: block, aborted: make(chan struct{})}
}

func (f *fakeRunner) Execute(ctx context.Context, _ runner.Request) (<-chan runner.Item, error) {
	items := make(chan runner.Item, len(f.envelopes))
	go func() {
		defer close(items)
		for _, env := range f.envelopes {
			items <- runner.Item{Envelope: env}
		}
		if f.block {
			select {
			case <-f.aborted:
			case <-ctx.Done():
			}
		}
	}()
	return items, nil
}

func (f *fakeRunner) Abort() {
	f.abortOnce.Do(func() { close(f.aborted) })
}

type harness struct {
	pool     *Pool
	queue    *queue.Service
	sessions *session.Service
	messages *message.Service
	bus      *bus.MemoryEventBus
}

func newHarness(t *testing.T, factory RunnerFactory) *harness {
	t.Helper()
	return newHarnessOpts(t, factory, queue.Options{
		LeaseTTL:    time.Minute,
		MaxBackoff:  5 * time.Minute,
		MaxAttempts: 1,
	})
}

func newHarnessOpts(t *testing.T, factory RunnerFactory, qopts queue.Options) *harness {
	t.Helper()
	database, err := db.Open(":memory:", db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(1024, log)
	t.Cleanup(eventBus.Close)

	queueStore := queue.NewStore(database)
	queueSvc := queue.NewService(queueStore, eventBus, qopts, log)
	sessions := session.NewService(session.NewStore(database), queueStore, log)
	messages := message.NewService(message.NewStore(database), sessions, queueSvc, eventBus, true, log)

	pool := NewPool(queueSvc, sessions, messages, factory, Options{
		Concurrency:       2,
		PollInterval:      10 * time.Millisecond,
		CancellationCheck: 10 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, log)

	return &harness{pool: pool, queue: queueSvc, sessions: sessions, messages: messages, bus: eventBus}
}

func (h *harness) startSession(t *testing.T) (*session.Session, *queue.Job) {
	t.Helper()
	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, t.TempDir(), session.ProviderClaudeCode)
	require.NoError(t, err)

	_, err = h.messages.SaveUserMessage(ctx, sess.ID, "run the tests")
	require.NoError(t, err)

	job, err := h.queue.Enqueue(ctx, queue.EnqueueParams{
		SessionID: sess.ID,
		Provider:  sess.Provider,
		Data:      queue.JobData{ProjectPath: sess.ProjectPath, Prompt: "run the tests"},
	})
	require.NoError(t, err)
	return sess, job
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = h.pool.Shutdown(shutdownCtx)
	})
}

func waitForStatus(t *testing.T, h *harness, jobID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.queue.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", want)
}

func TestNewPoolDefaultsOptions(t *testing.T) {
	h := newHarness(t, func(string) runner.Runner { return newFakeRunner(false) })
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	p := NewPool(h.queue, h.sessions, h.messages,
		func(string) runner.Runner { return newFakeRunner(false) },
		Options{}, log)

	assert.Equal(t, 1, p.opts.Concurrency)
	assert.Positive(t, p.opts.PollInterval)
	assert.Positive(t, p.opts.CancellationCheck)
	assert.Positive(t, p.opts.LeaseTTL)
}

func TestPoolCompletesJob(t *testing.T) {
	h := newHarness(t, func(string) runner.Runner {
		return newFakeRunner(false,
			json.RawMessage(`{"type":"system","subtype":"init","session_id":"prov-1"}`),
			json.RawMessage(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":4,"output_tokens":2}}}`),
			json.RawMessage(`{"type":"result","subtype":"success","is_error":false}`),
		)
	})
	sess, job := h.startSession(t)

	sub, err := h.bus.Subscribe(sess.ID)
	require.NoError(t, err)

	h.run(t)
	waitForStatus(t, h, job.ID, queue.StatusCompleted)

	ctx := context.Background()
	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsWorking)
	require.NotNil(t, got.LastJobStatus)
	assert.Equal(t, queue.StatusCompleted, *got.LastJobStatus)
	require.NotNil(t, got.ProviderSessionID)
	assert.Equal(t, "prov-1", *got.ProviderSessionID)
	// User prompt plus the three streamed envelopes.
	assert.Equal(t, int64(4), got.MessageCount)

	var sawDone bool
	deadline := time.After(2 * time.Second)
	for !sawDone {
		select {
		case ev := <-sub.Events():
			if ev.Type == bus.EventSessionDone {
				sawDone = true
				assert.Contains(t, string(ev.Data), queue.StatusCompleted)
				assert.Contains(t, string(ev.Data), job.PromptID)
			}
		case <-deadline:
			t.Fatal("no session done event")
		}
	}
}

func TestPoolFailsJobOnErrorEnvelope(t *testing.T) {
	h := newHarness(t, func(string) runner.Runner {
		return newFakeRunner(false,
			json.RawMessage(`{"type":"error","error":"agent crashed"}`),
		)
	})
	sess, job := h.startSession(t)
	h.run(t)

	waitForStatus(t, h, job.ID, queue.StatusFailed)

	got, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastJobStatus)
	assert.Equal(t, queue.StatusFailed, *got.LastJobStatus)
}

func TestPoolRetriesFailedJob(t *testing.T) {
	var calls atomic.Int32
	factory := func(string) runner.Runner {
		if calls.Add(1) == 1 {
			return newFakeRunner(false,
				json.RawMessage(`{"type":"error","error":"transient crash"}`),
			)
		}
		return newFakeRunner(false,
			json.RawMessage(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"recovered"}]}}`),
			json.RawMessage(`{"type":"result","subtype":"success","is_error":false}`),
		)
	}
	// A tiny backoff cap makes the requeued job leasable immediately.
	h := newHarnessOpts(t, factory, queue.Options{
		LeaseTTL:    time.Minute,
		MaxBackoff:  time.Millisecond,
		MaxAttempts: 2,
	})
	sess, job := h.startSession(t)
	h.run(t)

	waitForStatus(t, h, job.ID, queue.StatusCompleted)

	ctx := context.Background()
	got, err := h.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)

	sessGot, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, sessGot.IsWorking)
	require.NotNil(t, sessGot.LastJobStatus)
	assert.Equal(t, queue.StatusCompleted, *sessGot.LastJobStatus)
}

func TestPoolCancellation(t *testing.T) {
	r := newFakeRunner(true,
		json.RawMessage(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working..."}]}}`),
	)
	h := newHarness(t, func(string) runner.Runner { return r })
	sess, job := h.startSession(t)
	h.run(t)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		got, err := h.sessions.Get(ctx, sess.ID)
		return err == nil && got.IsWorking
	}, 5*time.Second, 20*time.Millisecond, "session never started working")

	require.NoError(t, h.messages.CancelSession(ctx, sess.ID))
	waitForStatus(t, h, job.ID, queue.StatusCancelled)

	// The checker aborts the runner and the pool closes out the session.
	require.Eventually(t, func() bool {
		got, err := h.sessions.Get(ctx, sess.ID)
		return err == nil && !got.IsWorking
	}, 5*time.Second, 20*time.Millisecond, "session never went idle")

	select {
	case <-r.aborted:
	default:
		t.Fatal("runner was not aborted")
	}

	page, _, err := h.messages.GetMessages(ctx, message.GetParams{SessionID: sess.ID})
	require.NoError(t, err)
	require.NotEmpty(t, page.Messages)
	last := page.Messages[len(page.Messages)-1]
	assert.Equal(t, message.TypeAssistant, last.Type)
	assert.Contains(t, string(last.ContentData), CancelledNotice)

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastJobStatus)
	assert.Equal(t, queue.StatusCancelled, *got.LastJobStatus)
}

func TestPoolDropsJobCancelledBeforePickup(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, func(string) runner.Runner {
		started <- struct{}{}
		return newFakeRunner(false)
	})
	sess, job := h.startSession(t)

	// Cancel before the pool ever runs.
	require.NoError(t, h.queue.CancelSessionJobs(context.Background(), sess.ID))
	h.run(t)

	waitForStatus(t, h, job.ID, queue.StatusCancelled)
	time.Sleep(100 * time.Millisecond)
	select {
	case <-started:
		t.Fatal("runner was built for a cancelled job")
	default:
	}
}
