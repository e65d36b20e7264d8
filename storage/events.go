package storage

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/updown/types"
)

// OpenWindowEvent records a window's existence. Idempotent on window_id so
// the manager can call it every scan without duplicating rows.
func (d *Database) OpenWindowEvent(we *WindowEvent) error {
	err := d.db.Where(WindowEvent{WindowID: we.WindowID}).FirstOrCreate(we).Error
	if err != nil {
		return types.WrapError(types.ErrStorage, "open window event", err)
	}
	return nil
}

// LockStrike sets the strike exactly once. The WHERE strike IS NULL guard
// makes the lock immutable: a second call returns false and changes nothing.
func (d *Database) LockStrike(windowID string, strike decimal.Decimal, source string, at time.Time) (bool, error) {
	res := d.db.Model(&WindowEvent{}).
		Where("window_id = ? AND strike IS NULL", windowID).
		Updates(map[string]any{
			"strike":        strike,
			"strike_source": source,
			"strike_at":     at,
		})
	if res.Error != nil {
		return false, types.WrapError(types.ErrStorage, "lock strike", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ResolveWindow records the outcome at close.
func (d *Database) ResolveWindow(windowID string, outcome types.Direction, finalSpot decimal.Decimal, at time.Time) error {
	err := d.db.Model(&WindowEvent{}).
		Where("window_id = ?", windowID).
		Updates(map[string]any{
			"outcome":     outcome,
			"final_spot":  finalSpot,
			"resolved_at": at,
		}).Error
	if err != nil {
		return types.WrapError(types.ErrStorage, "resolve window", err)
	}
	return nil
}

// SetChainOutcome records the on-chain resolution when it is later observed.
func (d *Database) SetChainOutcome(windowID string, outcome types.Direction) error {
	err := d.db.Model(&WindowEvent{}).
		Where("window_id = ?", windowID).
		Update("chain_outcome", outcome).Error
	if err != nil {
		return types.WrapError(types.ErrStorage, "set chain outcome", err)
	}
	return nil
}

// GetWindowEvent loads one window row.
func (d *Database) GetWindowEvent(windowID string) (*WindowEvent, error) {
	var we WindowEvent
	err := d.db.Where("window_id = ?", windowID).First(&we).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "window %s not found", windowID)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load window event", err)
	}
	return &we, nil
}

// RecentWindows returns the newest windows for the dashboard.
func (d *Database) RecentWindows(limit int) ([]WindowEvent, error) {
	var windows []WindowEvent
	err := d.db.Order("epoch DESC").Limit(limit).Find(&windows).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list recent windows", err)
	}
	return windows, nil
}

// SaveTick persists one sampled tick.
func (d *Database) SaveTick(t *Tick) error {
	if err := d.db.Create(t).Error; err != nil {
		return types.WrapError(types.ErrStorage, "insert tick", err)
	}
	return nil
}

// RecentTicks returns the newest sampled ticks for a symbol.
func (d *Database) RecentTicks(symbol string, limit int) ([]Tick, error) {
	var ticks []Tick
	err := d.db.Where("symbol = ?", symbol).Order("at DESC").Limit(limit).Find(&ticks).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list recent ticks", err)
	}
	return ticks, nil
}

// SavePaperTrade records a simulated fill.
func (d *Database) SavePaperTrade(pt *PaperTrade) error {
	if err := d.db.Create(pt).Error; err != nil {
		return types.WrapError(types.ErrStorage, "insert paper trade", err)
	}
	return nil
}

// RecentPaperTrades returns the newest simulated fills.
func (d *Database) RecentPaperTrades(limit int) ([]PaperTrade, error) {
	var trades []PaperTrade
	err := d.db.Order("created_at DESC").Limit(limit).Find(&trades).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list paper trades", err)
	}
	return trades, nil
}
