package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE ADAPTER - SQLite by default, PostgreSQL by DSN
// ═══════════════════════════════════════════════════════════════════════════════
//
// Ticks are append-only with a 24-hour TTL; candles upsert by
// (security, interval, timestamp) with a 7-day TTL on 1m bars; the
// trading entities are plain CRUD. A janitor goroutine sweeps expired
// rows hourly. Write failures never propagate into the event path;
// callers log and continue.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	tickTTL        = 24 * time.Hour
	minuteBarTTL   = 7 * 24 * time.Hour
	janitorCadence = time.Hour
)

type Database struct {
	db     *gorm.DB
	stopCh chan struct{}
}

// New opens the database: a postgres:// DSN or a sqlite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&TickRow{}, &CandleRow{}, &SignalRow{},
		&OrderRow{}, &PositionRow{}, &PortfolioRow{}, &InstrumentRow{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db, stopCh: make(chan struct{})}, nil
}

// StartJanitor begins the hourly TTL sweep.
func (d *Database) StartJanitor() {
	go func() {
		ticker := time.NewTicker(janitorCadence)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.sweepExpired()
			}
		}
	}()
}

// Close stops the janitor and closes the underlying connection.
func (d *Database) Close() error {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) sweepExpired() {
	now := time.Now()
	res := d.db.Where("timestamp < ?", now.Add(-tickTTL)).Delete(&TickRow{})
	if res.Error != nil {
		log.Error().Err(res.Error).Msg("Tick TTL sweep failed")
	} else if res.RowsAffected > 0 {
		log.Debug().Int64("rows", res.RowsAffected).Msg("Expired ticks swept")
	}

	res = d.db.Where("interval = ? AND timestamp < ?", string(types.Interval1m), now.Add(-minuteBarTTL)).
		Delete(&CandleRow{})
	if res.Error != nil {
		log.Error().Err(res.Error).Msg("Candle TTL sweep failed")
	} else if res.RowsAffected > 0 {
		log.Debug().Int64("rows", res.RowsAffected).Msg("Expired 1m candles swept")
	}
}

// Tick operations

func (d *Database) SaveTick(t types.Tick) error {
	at := t.LTT
	if at.IsZero() {
		at = t.CapturedAt
	}
	row := TickRow{
		SecurityID: t.SecurityID,
		LTP:        t.LTP,
		LTQ:        t.LTQ,
		Volume:     t.Volume,
		OI:         t.OI,
		Imbalance:  t.Metrics.BidAskImbalance,
		Strength:   t.Metrics.OrderBookStrength,
		Liquidity:  t.Metrics.LiquidityScore,
		Timestamp:  at,
	}
	return d.db.Create(&row).Error
}

// Candle operations

// UpsertCandle writes one bar, keyed by (security, interval, timestamp).
func (d *Database) UpsertCandle(c types.Candle) error {
	row := candleRow(c)
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "security_id"}, {Name: "interval"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open", "high", "low", "close", "volume",
			"avg_imbalance", "avg_spread", "avg_strength", "is_closed", "updated_at",
		}),
	}).Create(&row).Error
}

// RecentCandles returns up to limit closed candles, oldest first, for
// history warm-up at startup.
func (d *Database) RecentCandles(securityID string, interval types.Interval, limit int) ([]types.Candle, error) {
	var rows []CandleRow
	err := d.db.
		Where("security_id = ? AND interval = ? AND is_closed = ?", securityID, string(interval), true).
		Order("timestamp DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Candle, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toCandle()
	}
	return out, nil
}

// Signal operations

func (d *Database) SaveSignal(s *types.Signal) error {
	row := signalRow(s)
	return d.db.Save(&row).Error
}

func (d *Database) SignalsByStrategy(strategyName string, limit int) ([]SignalRow, error) {
	var rows []SignalRow
	err := d.db.Where("strategy_name = ?", strategyName).
		Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Order operations

func (d *Database) SaveOrder(o *types.Order) error {
	row := OrderRow{
		ID:             o.ID,
		SignalID:       o.SignalID,
		SecurityID:     o.SecurityID,
		Side:           string(o.Side),
		Quantity:       o.Quantity,
		RequestedPrice: o.RequestedPrice,
		FillPrice:      o.FillPrice,
		Status:         o.Status,
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
	}
	return d.db.Save(&row).Error
}

// Position operations

func (d *Database) SavePosition(p *types.Position) error {
	row := positionRow(p)
	return d.db.Save(&row).Error
}

func (d *Database) OpenPositions() ([]types.Position, error) {
	var rows []PositionRow
	err := d.db.Where("status = ?", string(types.PositionOpen)).
		Order("opened_at DESC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, len(rows))
	for i, r := range rows {
		out[i] = r.toPosition()
	}
	return out, nil
}

func (d *Database) PositionsByStrategy(strategyName string, limit int) ([]types.Position, error) {
	var rows []PositionRow
	err := d.db.Where("strategy_name = ?", strategyName).
		Order("opened_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, len(rows))
	for i, r := range rows {
		out[i] = r.toPosition()
	}
	return out, nil
}

// Portfolio operations

func (d *Database) SavePortfolio(p *types.Portfolio) error {
	row := portfolioRow(p)
	return d.db.Save(&row).Error
}

// LoadPortfolio returns (nil, nil) when no portfolio exists yet.
func (d *Database) LoadPortfolio(userID string) (*types.Portfolio, error) {
	var row PortfolioRow
	err := d.db.First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := row.toPortfolio()
	return &p, nil
}

// Instrument operations

func (d *Database) SaveInstrument(in types.Instrument) error {
	row := InstrumentRow{
		SecurityID:      in.SecurityID,
		Symbol:          in.Symbol,
		ExchangeSegment: uint8(in.ExchangeSegment),
		LotSize:         in.LotSize,
		TickSize:        in.TickSize,
	}
	return d.db.Save(&row).Error
}

func (d *Database) Instruments() ([]types.Instrument, error) {
	var rows []InstrumentRow
	if err := d.db.Order("symbol").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Instrument, len(rows))
	for i, r := range rows {
		out[i] = types.Instrument{
			SecurityID:      r.SecurityID,
			Symbol:          r.Symbol,
			ExchangeSegment: types.ExchangeSegment(r.ExchangeSegment),
			LotSize:         r.LotSize,
			TickSize:        r.TickSize,
		}
	}
	return out, nil
}
