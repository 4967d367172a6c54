package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	txTimeout    = 5 * time.Second
	busyAttempts = 5
)

// DB is the database struct.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the sqlite database at path and brings its schema up to date.
// ":memory:" opens a private in-memory database.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("db")

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			logger.Warn("failed to enable WAL mode", zap.Error(err))
		} else {
			logger.Debug("database journal mode", zap.String("mode", journalMode))
		}
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB, logger: logger}
	if err := db.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f within a transaction, starting over when sqlite
// reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		err = db.runTx(ctx, f)
		if !isBusy(err) {
			return err
		}
		db.logger.Debug("database busy, retrying transaction", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

func (db *DB) runTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Error("error starting transaction", zap.Error(err))
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		if !isBusy(err) {
			db.logger.Error("error in transaction", zap.Error(err))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		db.logger.Error("error committing transaction", zap.Error(err))
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
