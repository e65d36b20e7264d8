package wal

import (
	"encoding/json"

	"github.com/web3guy0/updown/assertions"
	"github.com/web3guy0/updown/storage"
	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WRITE-AHEAD LOG - Durable intent records, committed before side effects
// ═══════════════════════════════════════════════════════════════════════════════

// IntentLog appends intent rows and walks them through
// PENDING → EXECUTING → COMPLETED|FAILED. The intent id doubles as the
// exchange clientOrderId, which is what makes crash reconciliation possible.
type IntentLog struct {
	db *storage.Database
}

func New(db *storage.Database) *IntentLog {
	return &IntentLog{db: db}
}

// LogIntent durably records "we are about to do this" and returns the new
// intent id. Nothing externally visible may happen before this commits.
func (w *IntentLog) LogIntent(kind types.IntentKind, windowID string, payload any) (uint, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, types.WrapError(types.ErrValidation, "marshal intent payload", err)
	}
	in := &storage.Intent{
		Kind:     kind,
		WindowID: windowID,
		Payload:  string(body),
		State:    types.IntentPending,
	}
	if err := w.db.CreateIntent(in); err != nil {
		return 0, err
	}
	return in.ID, nil
}

// MarkExecuting moves PENDING → EXECUTING. Repeating is a no-op.
func (w *IntentLog) MarkExecuting(id uint) error {
	ok, err := w.db.UpdateIntent(id,
		[]types.IntentState{types.IntentPending},
		map[string]any{"state": types.IntentExecuting})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	in, err := w.db.GetIntent(id)
	if err != nil {
		return err
	}
	if in.State == types.IntentExecuting {
		return nil
	}
	return types.NewErrorf(types.ErrInvalidTransition, "intent %d: %s → EXECUTING", id, in.State)
}

// MarkCompleted moves the intent to COMPLETED with a result blob.
func (w *IntentLog) MarkCompleted(id uint, result any) error {
	return w.markTerminal(id, types.IntentCompleted, result)
}

// MarkFailed moves the intent to FAILED, recording the error.
func (w *IntentLog) MarkFailed(id uint, cause error) error {
	blob := map[string]any{"error": cause.Error()}
	if code := types.CodeOf(cause); code != "" {
		blob["code"] = code
	}
	return w.markTerminal(id, types.IntentFailed, blob)
}

// markTerminal is idempotent under an equal result. A second call with a
// different terminal state or result is logged, not raised: the exchange
// side effect already happened and nothing here can undo it.
func (w *IntentLog) markTerminal(id uint, state types.IntentState, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return types.WrapError(types.ErrValidation, "marshal intent result", err)
	}
	ok, err := w.db.UpdateIntent(id,
		[]types.IntentState{types.IntentPending, types.IntentExecuting},
		map[string]any{"state": state, "result": string(body)})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	in, err := w.db.GetIntent(id)
	if err != nil {
		return err
	}
	if in.State == state && in.Result == string(body) {
		return nil
	}
	assertions.Fail("intent.double_transition",
		"intent %d already %s, refused move to %s", id, in.State, state)
	return nil
}

// Intent loads one intent row.
func (w *IntentLog) Intent(id uint) (*storage.Intent, error) {
	return w.db.GetIntent(id)
}

// ExecutingIntents returns rows stranded in EXECUTING, oldest first. These
// are the reconciler's work list after a restart.
func (w *IntentLog) ExecutingIntents() ([]storage.Intent, error) {
	return w.db.ListIntentsByState(types.IntentExecuting)
}

// WindowIntents returns a window's intents in append order.
func (w *IntentLog) WindowIntents(windowID string) ([]storage.Intent, error) {
	return w.db.ListWindowIntents(windowID)
}
