package storage

import (
	"errors"

	"gorm.io/gorm"

	"github.com/web3guy0/updown/types"
)

// CreateIntent appends a write-ahead row. The caller sets kind, window and
// payload; state starts at PENDING.
func (d *Database) CreateIntent(in *Intent) error {
	if in.State == "" {
		in.State = types.IntentPending
	}
	if err := d.db.Create(in).Error; err != nil {
		return types.WrapError(types.ErrStorage, "insert intent", err)
	}
	return nil
}

// GetIntent loads one intent row.
func (d *Database) GetIntent(id uint) (*Intent, error) {
	var in Intent
	err := d.db.First(&in, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "intent %d not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load intent", err)
	}
	return &in, nil
}

// UpdateIntent applies fields when the row is currently in one of the
// expected states. Returns false when the precondition did not hold, which
// lets the WAL implement idempotent transitions without extra locking.
func (d *Database) UpdateIntent(id uint, expect []types.IntentState, fields map[string]any) (bool, error) {
	res := d.db.Model(&Intent{}).
		Where("id = ? AND state IN ?", id, expect).
		Updates(fields)
	if res.Error != nil {
		return false, types.WrapError(types.ErrStorage, "update intent", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListIntentsByState returns all intents in a given state, oldest first.
// Used by the reconciler to find EXECUTING rows after a crash.
func (d *Database) ListIntentsByState(state types.IntentState) ([]Intent, error) {
	var intents []Intent
	err := d.db.Where("state = ?", state).Order("id ASC").Find(&intents).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list intents", err)
	}
	return intents, nil
}

// ListWindowIntents returns a window's intents in append order.
func (d *Database) ListWindowIntents(windowID string) ([]Intent, error) {
	var intents []Intent
	err := d.db.Where("window_id = ?", windowID).Order("id ASC").Find(&intents).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list window intents", err)
	}
	return intents, nil
}
