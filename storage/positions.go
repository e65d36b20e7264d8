package storage

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/updown/types"
)

// CreatePosition inserts a freshly opened position.
func (d *Database) CreatePosition(p *Position) error {
	if err := d.db.Create(p).Error; err != nil {
		return types.WrapError(types.ErrStorage, "insert position", err)
	}
	return nil
}

// SavePosition persists the current in-memory state of a position.
func (d *Database) SavePosition(p *Position) error {
	if err := d.db.Save(p).Error; err != nil {
		return types.WrapError(types.ErrStorage, "save position", err)
	}
	return nil
}

// GetPosition loads one position by id.
func (d *Database) GetPosition(id uint) (*Position, error) {
	var p Position
	err := d.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "position %d not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load position", err)
	}
	return &p, nil
}

// OpenPositions returns every position that has not reached CLOSED.
func (d *Database) OpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("state <> ?", types.PositionClosed).Order("opened_at ASC").Find(&positions).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list open positions", err)
	}
	return positions, nil
}

// OpenPositionsForWindow returns open positions bound to (symbol, epoch).
func (d *Database) OpenPositionsForWindow(symbol string, epoch int64) ([]Position, error) {
	var positions []Position
	err := d.db.Where("symbol = ? AND epoch = ? AND state <> ?", symbol, epoch, types.PositionClosed).
		Find(&positions).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list window positions", err)
	}
	return positions, nil
}

// OpenPositionForToken returns the single open position for one side of a
// window, or NotFound. At most one long-UP and one long-DOWN exist per
// (symbol, epoch); this query is how that invariant is checked before entry.
func (d *Database) OpenPositionForToken(symbol string, epoch int64, side types.TokenSide) (*Position, error) {
	var p Position
	err := d.db.Where("symbol = ? AND epoch = ? AND token_side = ? AND state <> ?",
		symbol, epoch, side, types.PositionClosed).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "no open %s position for %s@%d", side, symbol, epoch)
	}
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load token position", err)
	}
	return &p, nil
}

// RecentPositions returns the newest positions for the dashboard.
func (d *Database) RecentPositions(limit int) ([]Position, error) {
	var positions []Position
	err := d.db.Order("opened_at DESC").Limit(limit).Find(&positions).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "list recent positions", err)
	}
	return positions, nil
}

// DayStats aggregates closed positions for one UTC day.
type DayStats struct {
	Day    string          `json:"day"`
	Trades int64           `json:"trades"`
	Wins   int64           `json:"wins"`
	Losses int64           `json:"losses"`
	PnL    decimal.Decimal `json:"pnl"`
}

// DailyStats returns per-day trade counts and realized PnL for the last n
// days, newest first. Backs the trades API and the bot's /stats command.
// Grouping happens in Go: 15-minute windows bound the row count, and
// DATE() semantics differ between sqlite and postgres.
func (d *Database) DailyStats(days int) ([]DayStats, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
	var closed []Position
	err := d.db.Where("closed_at IS NOT NULL AND closed_at >= ?", since).
		Find(&closed).Error
	if err != nil {
		return nil, types.WrapError(types.ErrStorage, "load closed positions", err)
	}

	byDay := make(map[string]*DayStats)
	for _, p := range closed {
		day := p.ClosedAt.UTC().Format("2006-01-02")
		ds, ok := byDay[day]
		if !ok {
			ds = &DayStats{Day: day}
			byDay[day] = ds
		}
		ds.Trades++
		switch {
		case p.RealizedPnL.GreaterThan(decimal.Zero):
			ds.Wins++
		case p.RealizedPnL.LessThan(decimal.Zero):
			ds.Losses++
		}
		ds.PnL = ds.PnL.Add(p.RealizedPnL)
	}

	out := make([]DayStats, 0, len(byDay))
	for _, ds := range byDay {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	return out, nil
}

// RealizedPnLSince sums realized PnL over positions closed at or after t.
// The session-loss circuit breaker polls this.
func (d *Database) RealizedPnLSince(t time.Time) (decimal.Decimal, error) {
	var row struct{ Total decimal.NullDecimal }
	err := d.db.Model(&Position{}).
		Select("COALESCE(SUM(realized_pnl), 0) as total").
		Where("closed_at IS NOT NULL AND closed_at >= ?", t).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, types.WrapError(types.ErrStorage, "sum realized pnl", err)
	}
	if !row.Total.Valid {
		return decimal.Zero, nil
	}
	return row.Total.Decimal, nil
}
