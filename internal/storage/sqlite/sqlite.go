// Package sqlite stores records and the abandon ledger in a SQLite file
// through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

const writeBatchSize = 200

type listingRow struct {
	Fingerprint  string `gorm:"primaryKey"`
	Title        string
	Organization string
	Location     string
	URL          string
	Domain       string `gorm:"index"`
	Query        string
	ExtractedAt  time.Time
}

func (listingRow) TableName() string { return "listings" }

type abandonRow struct {
	Target      string `gorm:"primaryKey"`
	Reason      string
	LastOutcome string
	AbandonedAt time.Time
}

func (abandonRow) TableName() string { return "abandoned_targets" }

// DB wraps a migrated gorm handle. It serves as both a record sink and an
// abandon ledger.
type DB struct {
	db *gorm.DB
}

var (
	_ scrape.RecordSink   = (*DB)(nil)
	_ store.AbandonLedger = (*DB)(nil)
)

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&listingRow{}, &abandonRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &DB{db: db}, nil
}

// Write inserts records, skipping fingerprints already present.
func (d *DB) Write(ctx context.Context, records []scrape.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]listingRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, listingRow{
			Fingerprint:  rec.Fingerprint,
			Title:        rec.Title,
			Organization: rec.Organization,
			Location:     rec.Location,
			URL:          rec.URL,
			Domain:       rec.Domain,
			Query:        rec.Query,
			ExtractedAt:  rec.ExtractedAt,
		})
	}
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, writeBatchSize).Error
	if err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (d *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&listingRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// RecordAbandon stores or replaces the entry for a.Target.
func (d *DB) RecordAbandon(ctx context.Context, a store.Abandonment) error {
	row := abandonRow{
		Target:      a.Target,
		Reason:      a.Reason,
		LastOutcome: a.LastOutcome,
		AbandonedAt: a.AbandonedAt,
	}
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("record abandon: %w", err)
	}
	return nil
}

// Lookup returns the entry for target.
func (d *DB) Lookup(ctx context.Context, target string) (store.Abandonment, bool, error) {
	var row abandonRow
	err := d.db.WithContext(ctx).Where("target = ?", target).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Abandonment{}, false, nil
	}
	if err != nil {
		return store.Abandonment{}, false, fmt.Errorf("lookup abandon: %w", err)
	}
	return store.Abandonment{
		Target:      row.Target,
		Reason:      row.Reason,
		LastOutcome: row.LastOutcome,
		AbandonedAt: row.AbandonedAt,
	}, true, nil
}

// Clear forgets target.
func (d *DB) Clear(ctx context.Context, target string) error {
	if err := d.db.WithContext(ctx).Delete(&abandonRow{Target: target}).Error; err != nil {
		return fmt.Errorf("clear abandon: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

// gormLogger routes gorm output through zap.
type gormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
	slow   time.Duration
}

func newGormLogger(l *zap.Logger) *gormLogger {
	return &gormLogger{logger: l.Named("sqlite"), level: gormlogger.Warn, slow: time.Second}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.Error("sql failed", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed), zap.Error(err))
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.Warn("slow sql", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.Debug("sql", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}
