package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/web3guy0/updown/types"
)

// Columns updateOrderStatus may touch. Anything else in the updates map is
// dropped before it reaches SQL.
var updatableOrderColumns = map[string]bool{
	"status":         true,
	"filled_size":    true,
	"avg_fill_price": true,
	"filled_at":      true,
	"cancelled_at":   true,
	"error_message":  true,
	"position_id":    true,
	"fee_amount":     true,
}

// CreateOrder inserts the row for an exchange-acknowledged order. The
// exchange id must be present; uniqueness of order_id and of
// (window_id, token_id, intent_id) is enforced by the schema.
func (d *Database) CreateOrder(o *Order) error {
	if o.OrderID == "" {
		return types.NewError(types.ErrValidation, "order id is required")
	}
	if !o.Status.Valid() {
		return types.NewErrorf(types.ErrValidation, "unknown order status %q", o.Status)
	}
	// Terminal rows carry a terminal timestamp from the start.
	now := time.Now().UTC()
	if o.Status.Terminal() {
		switch {
		case o.Status == types.StatusFilled && o.FilledAt == nil:
			o.FilledAt = &now
		case o.FilledAt == nil && o.CancelledAt == nil:
			o.CancelledAt = &now
		}
	}
	if err := d.db.Create(o).Error; err != nil {
		return types.WrapError(types.ErrStorage, "insert order", err)
	}
	return nil
}

// GetOrder loads one order by exchange id.
func (d *Database) GetOrder(orderID string) (*Order, error) {
	var o Order
	err := d.db.Where("order_id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load order", err)
	}
	return &o, nil
}

// GetOrderByIntent loads the order spawned by a place intent, if any.
func (d *Database) GetOrderByIntent(intentID uint) (*Order, error) {
	var o Order
	err := d.db.Where("intent_id = ?", intentID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "no order for intent %d", intentID)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load order by intent", err)
	}
	return &o, nil
}

// UpdateOrderStatus transitions an order through the status machine,
// applying only whitelisted columns. Concurrent callers serialize on the
// status precondition: the UPDATE carries WHERE status = <loaded status>,
// so a lost race surfaces as InvalidTransition instead of a silent clobber.
func (d *Database) UpdateOrderStatus(orderID string, newStatus types.OrderStatus, updates map[string]any) (*Order, error) {
	var out *Order
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var o Order
		err := tx.Where("order_id = ?", orderID).First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewErrorf(types.ErrNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return types.WrapError(types.ErrStorage, "load order", err)
		}

		if !o.Status.CanTransition(newStatus) {
			return types.NewErrorf(types.ErrInvalidTransition, "%s: %s → %s", orderID, o.Status, newStatus).
				WithDetail("order_id", orderID)
		}

		fields := make(map[string]any, len(updates)+3)
		for k, v := range updates {
			if updatableOrderColumns[k] {
				fields[k] = v
			}
		}
		fields["status"] = newStatus

		now := time.Now().UTC()
		switch newStatus {
		case types.StatusFilled:
			if o.FilledAt == nil && fields["filled_at"] == nil {
				fields["filled_at"] = now
			}
		case types.StatusCancelled, types.StatusExpired, types.StatusRejected:
			if o.CancelledAt == nil && fields["cancelled_at"] == nil {
				fields["cancelled_at"] = now
			}
		}

		res := tx.Model(&Order{}).
			Where("order_id = ? AND status = ?", orderID, o.Status).
			Updates(fields)
		if res.Error != nil {
			return types.WrapError(types.ErrStorage, "update order", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewErrorf(types.ErrInvalidTransition, "%s: status moved concurrently", orderID)
		}

		var fresh Order
		if err := tx.Where("order_id = ?", orderID).First(&fresh).Error; err != nil {
			return types.WrapError(types.ErrStorage, "reload order", err)
		}
		out = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetOrderPosition links a filled order to the position it opened or grew.
// Not a status transition, so it bypasses the machine.
func (d *Database) SetOrderPosition(orderID string, positionID uint) error {
	err := d.db.Model(&Order{}).Where("order_id = ?", orderID).
		Update("position_id", positionID).Error
	if err != nil {
		return types.WrapError(types.ErrStorage, "link order to position", err)
	}
	return nil
}

// CountWindowOrders counts orders for (window, token) that still count
// toward the per-window cap: everything except REJECTED and CANCELLED.
func (d *Database) CountWindowOrders(windowID, tokenID string) (int64, error) {
	var n int64
	err := d.db.Model(&Order{}).
		Where("window_id = ? AND token_id = ? AND status NOT IN ?",
			windowID, tokenID,
			[]types.OrderStatus{types.StatusRejected, types.StatusCancelled}).
		Count(&n).Error
	if err != nil {
		return 0, types.WrapError(types.ErrStorage, "count window orders", err)
	}
	return n, nil
}

// HasUnresolvedOrder reports whether (window, token) has an order stuck in
// UNKNOWN. Such a pair is gated until the reconciler resolves it.
func (d *Database) HasUnresolvedOrder(windowID, tokenID string) (bool, error) {
	var n int64
	err := d.db.Model(&Order{}).
		Where("window_id = ? AND token_id = ? AND status = ?", windowID, tokenID, types.StatusUnknown).
		Count(&n).Error
	if err != nil {
		return false, types.WrapError(types.ErrStorage, "count unknown orders", err)
	}
	return n > 0, nil
}

// ListOrdersByStatus returns all orders in any of the given statuses.
func (d *Database) ListOrdersByStatus(statuses ...types.OrderStatus) ([]Order, error) {
	var orders []Order
	err := d.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&orders).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list orders by status", err)
	}
	return orders, nil
}

// ListOpenOrders returns orders that are live on the exchange.
func (d *Database) ListOpenOrders() ([]Order, error) {
	return d.ListOrdersByStatus(types.StatusOpen, types.StatusPartiallyFilled)
}

// ListWindowOrders returns every order placed for a window.
func (d *Database) ListWindowOrders(windowID string) ([]Order, error) {
	var orders []Order
	err := d.db.Where("window_id = ?", windowID).Order("created_at ASC").Find(&orders).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list window orders", err)
	}
	return orders, nil
}

// RecentOrders returns the newest orders for the dashboard.
func (d *Database) RecentOrders(limit int) ([]Order, error) {
	var orders []Order
	err := d.db.Order("created_at DESC").Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list recent orders", err)
	}
	return orders, nil
}
