package message

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/db"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/session"
)

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) CancelSessionJobs(_ context.Context, sessionID string) error {
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

type noJobs struct{}

func (noJobs) HasActiveJobs(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	svc       *Service
	sessions  *session.Service
	bus       *bus.MemoryEventBus
	canceller *fakeCanceller
}

func newFixture(t *testing.T, persistSystem bool) *fixture {
	t.Helper()
	database, err := db.Open(":memory:", db.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(1024, log)
	t.Cleanup(eventBus.Close)

	sessions := session.NewService(session.NewStore(database), noJobs{}, log)
	canceller := &fakeCanceller{}
	svc := NewService(NewStore(database), sessions, canceller, eventBus, persistSystem, log)

	return &fixture{svc: svc, sessions: sessions, bus: eventBus, canceller: canceller}
}

func (f *fixture) newSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), t.TempDir(), session.ProviderClaudeCode)
	require.NoError(t, err)
	return sess
}

func TestRemoveMessage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	first, err := f.svc.SaveUserMessage(ctx, sess.ID, "keep")
	require.NoError(t, err)
	second, err := f.svc.SaveUserMessage(ctx, sess.ID, "withdraw")
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveMessage(ctx, sess.ID, second.ID))

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageCount)

	page, _, err := f.svc.GetMessages(ctx, GetParams{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, first.ID, page.Messages[0].ID)

	// Removing an already-removed message is a no-op.
	require.NoError(t, f.svc.RemoveMessage(ctx, sess.ID, second.ID))
}

func TestSaveUserMessage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	sub, err := f.bus.Subscribe(sess.ID)
	require.NoError(t, err)

	msg, err := f.svc.SaveUserMessage(ctx, sess.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, TypeUser, msg.Type)
	assert.Equal(t, int64(1), msg.Ordinal)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageCount)
	assert.NotNil(t, got.LastMessageSentAt)

	ev := <-sub.Events()
	assert.Equal(t, bus.EventMessageAppended, ev.Type)
	assert.Equal(t, msg.ID, ev.ID)
	assert.Equal(t, int64(1), ev.Ordinal)

	_, err = f.svc.SaveUserMessage(ctx, sess.ID, "")
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.SaveUserMessage(ctx, "missing", "hello")
	assert.True(t, errors.IsNotFound(err))
}

func TestSaveSDKMessageTokensAndBackfill(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	raw := json.RawMessage(`{"type":"assistant","session_id":"prov-7","message":{"role":"assistant","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":3}}}`)
	msg, err := f.svc.SaveSDKMessage(ctx, SaveSDKParams{SessionID: sess.ID, SDKMessage: raw, Provider: session.ProviderClaudeCode})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, TypeAssistant, msg.Type)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageCount)
	assert.Equal(t, int64(18), got.TokenCount)
	require.NotNil(t, got.ProviderSessionID)
	assert.Equal(t, "prov-7", *got.ProviderSessionID)
}

func TestSaveSDKMessageToolEvents(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	sub, err := f.bus.Subscribe(sess.ID)
	require.NoError(t, err)

	raw := json.RawMessage(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-1","name":"Bash","input":{"command":"ls"}}]}}`)
	_, err = f.svc.SaveSDKMessage(ctx, SaveSDKParams{SessionID: sess.ID, SDKMessage: raw})
	require.NoError(t, err)

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, bus.EventMessageAppended, first.Type)
	assert.Equal(t, bus.EventToolUse, second.Type)
	assert.Contains(t, string(second.Data), `"toolId":"tool-1"`)
}

func TestSystemMessagePolicy(t *testing.T) {
	ctx := context.Background()
	raw := json.RawMessage(`{"type":"system","subtype":"init","session_id":"prov-1"}`)

	persisting := newFixture(t, true)
	sess := persisting.newSession(t)
	msg, err := persisting.svc.SaveSDKMessage(ctx, SaveSDKParams{SessionID: sess.ID, SDKMessage: raw})
	require.NoError(t, err)
	assert.NotNil(t, msg)

	skipping := newFixture(t, false)
	sess = skipping.newSession(t)
	msg, err = skipping.svc.SaveSDKMessage(ctx, SaveSDKParams{SessionID: sess.ID, SDKMessage: raw})
	require.NoError(t, err)
	assert.Nil(t, msg)

	got, err := skipping.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MessageCount)
	// Provider session id is still recorded even when the envelope is skipped.
	require.NotNil(t, got.ProviderSessionID)
	assert.Equal(t, "prov-1", *got.ProviderSessionID)
}

func TestMalformedEnvelopeBecomesErrorMessage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	msg, err := f.svc.SaveSDKMessage(ctx, SaveSDKParams{SessionID: sess.ID, SDKMessage: json.RawMessage(`{broken`)})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, TypeError, msg.Type)
	assert.True(t, json.Valid(msg.ContentData))
}

func TestCursorPagination(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	const total = 250
	for i := 0; i < total; i++ {
		_, err := f.svc.SaveUserMessage(ctx, sess.ID, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, _, err := f.svc.GetMessages(ctx, GetParams{SessionID: sess.ID, After: cursor, Limit: 100})
		require.NoError(t, err)
		pages++

		var lastOrdinal int64
		for _, m := range page.Messages {
			assert.False(t, seen[m.ID], "message %s returned twice", m.ID)
			seen[m.ID] = true
			assert.Greater(t, m.Ordinal, lastOrdinal)
			lastOrdinal = m.Ordinal
		}

		if !page.Pagination.HasNextPage {
			assert.Len(t, page.Messages, 50)
			break
		}
		assert.Len(t, page.Messages, 100)
		require.NotNil(t, page.Pagination.NextCursor)
		cursor = *page.Pagination.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, total)
}

func TestPaginationLimitOne(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.SaveUserMessage(ctx, sess.ID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	cursor := ""
	count := 0
	for {
		page, _, err := f.svc.GetMessages(ctx, GetParams{SessionID: sess.ID, After: cursor, Limit: 1})
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		count++
		if !page.Pagination.HasNextPage {
			break
		}
		cursor = *page.Pagination.NextCursor
	}
	assert.Equal(t, 3, count)

	// Empty page has a nil cursor.
	page, _, err := f.svc.GetMessages(ctx, GetParams{SessionID: sess.ID, After: cursor, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Nil(t, page.Pagination.NextCursor)
	assert.False(t, page.Pagination.HasNextPage)
}

func TestGetRawMessagesRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	raw := json.RawMessage(`{"type":"assistant","session_id":"prov-1","message":{"role":"assistant","content":[{"type":"text","text":"hi"}],"extra_field":{"nested":true}}}`)
	_, err := f.svc.SaveSDKMessage(ctx, SaveSDKParams{SessionID: sess.ID, SDKMessage: raw})
	require.NoError(t, err)

	envelopes, err := f.svc.GetRawMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.JSONEq(t, string(raw), string(envelopes[0]))
}

func TestCancelSessionDelegates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sess := f.newSession(t)

	require.NoError(t, f.svc.CancelSession(ctx, sess.ID))
	assert.Equal(t, []string{sess.ID}, f.canceller.cancelled)

	err := f.svc.CancelSession(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}
