package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - exit reasons, fills and liquidation state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every read and write goes through one mutex so a diagnostic reader never
// interleaves with a partial scheduler update.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExitRecord is the last exit of one instrument.
type ExitRecord struct {
	InstrumentID  string `gorm:"primaryKey"`
	Reason        string `gorm:"index"`
	Refillable    bool
	RetryCount    int
	HadPosition   bool
	LowLiquidity  bool
	SourceAccount string
	LastExitAt    time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExitReason returns the typed reason.
func (r ExitRecord) ExitReason() types.ExitReason { return types.ExitReason(r.Reason) }

// FillRecord is one executed order.
type FillRecord struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	InstrumentID string          `gorm:"index"`
	OrderID      string
	Side         string          // BUY or SELL
	Price        decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledAt     time.Time       `gorm:"index"`
	CreatedAt    time.Time
}

// LiquidationState is a single row holding the last total-liquidation time.
type LiquidationState struct {
	ID            uint `gorm:"primaryKey"`
	LastTriggerAt *time.Time
	Triggers      int
	UpdatedAt     time.Time
}

const liquidationRow = 1

// Ledger persists scheduler and worker records.
type Ledger struct {
	mu sync.Mutex
	db *gorm.DB
}

// New opens the ledger. A postgres:// or postgresql:// DSN uses PostgreSQL,
// anything else is a SQLite file path.
func New(dsn string) (*Ledger, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Ledger connected (PostgreSQL)")
		return Open(db)
	}

	if dsn == "" {
		dsn = "data/polymaker.db"
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	log.Info().Str("path", dsn).Msg("💾 Ledger initialized (SQLite)")
	return Open(db)
}

// Open wraps an existing connection and migrates the schema.
func Open(db *gorm.DB) (*Ledger, error) {
	if err := db.AutoMigrate(&ExitRecord{}, &FillRecord{}, &LiquidationState{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying connection.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Exit records

func (l *Ledger) UpsertExit(rec ExitRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.LastExitAt = rec.LastExitAt.UTC()
	return l.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (l *Ledger) GetExit(id string) (*ExitRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rec ExitRecord
	err := l.db.First(&rec, "instrument_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("exit %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListExits returns every record, oldest exit first.
func (l *Ledger) ListExits() ([]ExitRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var recs []ExitRecord
	err := l.db.Order("last_exit_at ASC").Find(&recs).Error
	return recs, err
}

func (l *Ledger) DeleteExit(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Delete(&ExitRecord{}, "instrument_id = ?", id).Error
}

// Fills

func (l *Ledger) RecordFill(f types.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	return l.db.Create(&FillRecord{
		InstrumentID: f.InstrumentID,
		OrderID:      f.OrderID,
		Side:         f.Side,
		Price:        f.Price,
		Size:         f.Size,
		FilledAt:     at.UTC(),
	}).Error
}

// LatestFillAt returns the time of the most recent fill across every
// instrument; false when there has been none.
func (l *Ledger) LatestFillAt() (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var f FillRecord
	err := l.db.Order("filled_at DESC").First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return f.FilledAt, true, nil
}

// FillsFor returns fills for one instrument, newest first.
func (l *Ledger) FillsFor(id string, limit int) ([]FillRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var fills []FillRecord
	err := l.db.Where("instrument_id = ?", id).Order("filled_at DESC").Limit(limit).Find(&fills).Error
	return fills, err
}

// Liquidation state

func (l *Ledger) LoadLastTrigger() (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var st LiquidationState
	err := l.db.First(&st, liquidationRow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && st.LastTriggerAt == nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return *st.LastTriggerAt, true, nil
}

func (l *Ledger) SaveLastTrigger(at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var st LiquidationState
	err := l.db.FirstOrCreate(&st, LiquidationState{ID: liquidationRow}).Error
	if err != nil {
		return err
	}
	utc := at.UTC()
	st.LastTriggerAt = &utc
	st.Triggers++
	return l.db.Save(&st).Error
}

// Reset clears every exit record. Fills and liquidation state are kept so the
// trigger interval still applies after a hard reset.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ExitRecord{}).Error
}

// TableCount is one row of Counts.
type TableCount struct {
	Table string
	Rows  int64
}

// Counts returns the row count of each ledger table.
func (l *Ledger) Counts() ([]TableCount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []TableCount
	for _, m := range []interface{}{&ExitRecord{}, &FillRecord{}, &LiquidationState{}} {
		stmt := &gorm.Statement{DB: l.db}
		if err := stmt.Parse(m); err != nil {
			return nil, err
		}
		var n int64
		if err := l.db.Model(m).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", stmt.Schema.Table, err)
		}
		out = append(out, TableCount{Table: stmt.Schema.Table, Rows: n})
	}
	return out, nil
}
