package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

func newLog(t *testing.T) *IntentLog {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestIntentLifecycle(t *testing.T) {
	w := newLog(t)

	id, err := w.LogIntent(types.IntentPlace, "btc-15m-1700000100", map[string]string{
		"token_id": "tok-up", "side": "buy",
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	in, err := w.Intent(id)
	require.NoError(t, err)
	assert.Equal(t, types.IntentPending, in.State)
	assert.Contains(t, in.Payload, "tok-up")

	require.NoError(t, w.MarkExecuting(id))
	in, err = w.Intent(id)
	require.NoError(t, err)
	assert.Equal(t, types.IntentExecuting, in.State)

	require.NoError(t, w.MarkCompleted(id, map[string]string{"order_id": "o-1"}))
	in, err = w.Intent(id)
	require.NoError(t, err)
	assert.Equal(t, types.IntentCompleted, in.State)
	assert.Contains(t, in.Result, "o-1")
}

func TestMarkExecutingIdempotent(t *testing.T) {
	w := newLog(t)

	id, err := w.LogIntent(types.IntentPlace, "w-1", nil)
	require.NoError(t, err)

	require.NoError(t, w.MarkExecuting(id))
	require.NoError(t, w.MarkExecuting(id), "repeating the same move is a no-op")
}

func TestMarkExecutingFromTerminalFails(t *testing.T) {
	w := newLog(t)

	id, err := w.LogIntent(types.IntentPlace, "w-1", nil)
	require.NoError(t, err)
	require.NoError(t, w.MarkExecuting(id))
	require.NoError(t, w.MarkCompleted(id, "done"))

	err = w.MarkExecuting(id)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.CodeOf(err))
}

func TestMarkCompletedIdempotentUnderEqualResult(t *testing.T) {
	w := newLog(t)

	id, err := w.LogIntent(types.IntentPlace, "w-1", nil)
	require.NoError(t, err)
	require.NoError(t, w.MarkExecuting(id))

	result := map[string]string{"order_id": "o-1"}
	require.NoError(t, w.MarkCompleted(id, result))
	require.NoError(t, w.MarkCompleted(id, result), "same terminal state and blob is fine")
}

func TestConflictingTerminalIsSwallowed(t *testing.T) {
	w := newLog(t)

	id, err := w.LogIntent(types.IntentPlace, "w-1", nil)
	require.NoError(t, err)
	require.NoError(t, w.MarkExecuting(id))
	require.NoError(t, w.MarkCompleted(id, "first"))

	// The side effect already happened; a conflicting terminal is recorded
	// as a violation, never an error that could unwind the caller.
	require.NoError(t, w.MarkFailed(id, types.NewError(types.ErrSubmissionFailed, "late failure")))

	in, err := w.Intent(id)
	require.NoError(t, err)
	assert.Equal(t, types.IntentCompleted, in.State, "first terminal wins")
}

func TestMarkFailedRecordsCode(t *testing.T) {
	w := newLog(t)

	id, err := w.LogIntent(types.IntentCancel, "w-1", nil)
	require.NoError(t, err)

	require.NoError(t, w.MarkFailed(id, types.NewError(types.ErrWindowCapExceeded, "window at cap")))

	in, err := w.Intent(id)
	require.NoError(t, err)
	assert.Equal(t, types.IntentFailed, in.State)
	assert.Contains(t, in.Result, "WINDOW_CAP_EXCEEDED")
	assert.Contains(t, in.Result, "window at cap")
}

func TestExecutingIntents(t *testing.T) {
	w := newLog(t)

	a, err := w.LogIntent(types.IntentPlace, "w-1", nil)
	require.NoError(t, err)
	b, err := w.LogIntent(types.IntentPlace, "w-1", nil)
	require.NoError(t, err)
	c, err := w.LogIntent(types.IntentPlace, "w-2", nil)
	require.NoError(t, err)

	require.NoError(t, w.MarkExecuting(a))
	require.NoError(t, w.MarkExecuting(b))
	require.NoError(t, w.MarkExecuting(c))
	require.NoError(t, w.MarkCompleted(b, "done"))

	stranded, err := w.ExecutingIntents()
	require.NoError(t, err)
	require.Len(t, stranded, 2)
	assert.Equal(t, a, stranded[0].ID, "oldest first")
	assert.Equal(t, c, stranded[1].ID)

	forWindow, err := w.WindowIntents("w-1")
	require.NoError(t, err)
	assert.Len(t, forWindow, 2)
}
