package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/updown/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Durable store for intents, orders, positions, ticks, windows
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// New opens the store. A postgres:// URL selects PostgreSQL; anything else
// is treated as a SQLite file path (parent directory created on demand).
func New(databaseURL string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, types.WrapError(types.ErrStorage, "open postgres", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.WrapError(types.ErrStorage, "create db dir", err)
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, types.WrapError(types.ErrStorage, "open sqlite", err)
		}
		log.Info().Str("path", databaseURL).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&Intent{}, &Order{}, &Position{}, &WindowEvent{}, &Tick{}, &PaperTrade{},
	); err != nil {
		return nil, types.WrapError(types.ErrStorage, "auto-migrate", err)
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the underlying connection.
func (d *Database) Health() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Stats aggregates headline counters for the dashboard and the bot.
func (d *Database) Stats() (map[string]any, error) {
	stats := make(map[string]any)

	var orderCount int64
	d.db.Model(&Order{}).Count(&orderCount)
	stats["total_orders"] = orderCount

	var fillCount int64
	d.db.Model(&Order{}).Where("status = ?", types.StatusFilled).Count(&fillCount)
	stats["filled_orders"] = fillCount

	var unknownCount int64
	d.db.Model(&Order{}).Where("status = ?", types.StatusUnknown).Count(&unknownCount)
	stats["unknown_orders"] = unknownCount

	var openPositions int64
	d.db.Model(&Position{}).Where("state <> ?", types.PositionClosed).Count(&openPositions)
	stats["open_positions"] = openPositions

	var pnl struct{ Total decimal.NullDecimal }
	d.db.Model(&Position{}).Select("COALESCE(SUM(realized_pnl), 0) as total").Scan(&pnl)
	if pnl.Total.Valid {
		stats["realized_pnl"] = pnl.Total.Decimal
	}

	var windows int64
	d.db.Model(&WindowEvent{}).Where("resolved_at IS NOT NULL").Count(&windows)
	stats["windows_resolved"] = windows

	return stats, nil
}
