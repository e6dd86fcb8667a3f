package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/db"
)

type fakeJobChecker struct {
	active map[string]bool
}

func (f *fakeJobChecker) HasActiveJobs(_ context.Context, sessionID string) (bool, error) {
	return f.active[sessionID], nil
}

func newTestService(t *testing.T) (*Service, *Store, *fakeJobChecker) {
	t.Helper()
	database, err := db.Open(":memory:", db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	store := NewStore(database)
	jobs := &fakeJobChecker{active: map[string]bool{}}
	return NewService(store, jobs, log), store, jobs
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, t.TempDir(), "not-a-provider")
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Create(ctx, "relative/path", ProviderClaudeCode)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Create(ctx, "/definitely/does/not/exist", ProviderClaudeCode)
	assert.True(t, errors.IsValidation(err))
}

func TestCreateAndGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	sess, err := svc.Create(ctx, dir, ProviderClaudeCode)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StateActive, sess.State)
	assert.Equal(t, int64(0), sess.MessageCount)
	assert.NotNil(t, sess.ClaudeDirectoryPath)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, dir, got.ProjectPath)

	_, err = svc.Get(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestListOrderingAndLimits(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, t.TempDir(), ProviderClaudeCode)
	require.NoError(t, err)
	second, err := svc.Create(ctx, t.TempDir(), ProviderCodexCLI)
	require.NoError(t, err)

	// Give the first session a recent prompt so it sorts ahead.
	now := time.Now().UTC()
	_, err = store.db.Writer().Exec(
		`UPDATE sessions SET last_message_sent_at = ? WHERE id = ?`, now, first.ID)
	require.NoError(t, err)

	result, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, result.Sessions, 2)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 20, result.Limit)
	assert.Equal(t, first.ID, result.Sessions[0].ID)
	assert.Equal(t, second.ID, result.Sessions[1].ID)

	// Limit clamps to 100.
	result, err = svc.List(ctx, ListFilter{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 100, result.Limit)

	_, err = svc.List(ctx, ListFilter{State: "bogus"})
	assert.True(t, errors.IsValidation(err))
}

func TestUpdatePatchesContextAndMetadata(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, t.TempDir(), ProviderClaudeCode)
	require.NoError(t, err)

	newContext := "reviewing the parser"
	updated, err := svc.Update(ctx, sess.ID, UpdatePatch{
		Context:  &newContext,
		Metadata: json.RawMessage(`{"pinned":true}`),
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Context)
	assert.Equal(t, newContext, *updated.Context)
	assert.JSONEq(t, `{"pinned":true}`, string(updated.Metadata))

	_, err = svc.Update(ctx, sess.ID, UpdatePatch{Metadata: json.RawMessage(`{bad`)})
	assert.True(t, errors.IsValidation(err))
}

func TestDeleteBlockedWhileJobActive(t *testing.T) {
	svc, _, jobs := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, t.TempDir(), ProviderClaudeCode)
	require.NoError(t, err)

	jobs.active[sess.ID] = true
	err = svc.Delete(ctx, sess.ID)
	assert.True(t, errors.IsConflict(err))

	jobs.active[sess.ID] = false
	require.NoError(t, svc.Delete(ctx, sess.ID))

	_, err = svc.Get(ctx, sess.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestWorkingStateTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, t.TempDir(), ProviderClaudeCode)
	require.NoError(t, err)

	require.NoError(t, svc.MarkWorking(ctx, sess.ID, "job-1"))
	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.IsWorking)
	require.NotNil(t, got.CurrentJobID)
	assert.Equal(t, "job-1", *got.CurrentJobID)

	require.NoError(t, svc.MarkIdle(ctx, sess.ID, "completed"))
	got, err = svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsWorking)
	assert.Nil(t, got.CurrentJobID)
	require.NotNil(t, got.LastJobStatus)
	assert.Equal(t, "completed", *got.LastJobStatus)
}

func TestProviderSessionIDImmutable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, t.TempDir(), ProviderClaudeCode)
	require.NoError(t, err)

	require.NoError(t, svc.RecordProviderSessionID(ctx, sess.ID, "prov-1"))
	// A later differing id is ignored.
	require.NoError(t, svc.RecordProviderSessionID(ctx, sess.ID, "prov-2"))

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProviderSessionID)
	assert.Equal(t, "prov-1", *got.ProviderSessionID)
}

func TestSelfCheckRepairsCounters(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, t.TempDir(), ProviderClaudeCode)
	require.NoError(t, err)

	// Corrupt the derived state directly.
	_, err = store.db.Writer().Exec(
		`UPDATE sessions SET message_count = 42, is_working = 1, current_job_id = 'ghost' WHERE id = ?`,
		sess.ID)
	require.NoError(t, err)

	require.NoError(t, svc.SelfCheck(ctx))

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MessageCount)
	assert.False(t, got.IsWorking)
	assert.Nil(t, got.CurrentJobID)
}
