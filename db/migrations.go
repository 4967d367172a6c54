package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	// Retry state per destination instance
	sqlCreateDeliveryQueueStateTable = `CREATE TABLE IF NOT EXISTS delivery_queue_state (
		destination TEXT NOT NULL PRIMARY KEY,
		last_successful_sequence_id INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMP,
		in_flight_sequence_id INTEGER,
		inactive INTEGER NOT NULL DEFAULT 0,
		inactive_reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Outgoing activities, sequence is the origin order
	sqlCreateSentActivitiesTable = `CREATE TABLE IF NOT EXISTS sent_activities (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id TEXT UNIQUE NOT NULL,
		actor TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateSentActivityInboxesTable = `CREATE TABLE IF NOT EXISTS sent_activity_inboxes (
		sequence INTEGER NOT NULL REFERENCES sent_activities(sequence) ON DELETE CASCADE,
		destination TEXT NOT NULL,
		inbox TEXT NOT NULL,
		PRIMARY KEY (sequence, inbox)
	)`

	sqlCreateSentActivityInboxesIndices = `
		CREATE INDEX IF NOT EXISTS idx_sent_activity_inboxes_destination ON sent_activity_inboxes(destination, sequence);
	`

	// Dereferenced remote objects, the id is stable per uri
	sqlCreateRemoteObjectsTable = `CREATE TABLE IF NOT EXISTS remote_objects (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		data TEXT NOT NULL,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"delivery_queue_state", sqlCreateDeliveryQueueStateTable},
			{"sent_activities", sqlCreateSentActivitiesTable},
			{"sent_activity_inboxes", sqlCreateSentActivityInboxesTable},
			{"remote_objects", sqlCreateRemoteObjectsTable},
			{"activities", sqlCreateActivitiesTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(sqlCreateSentActivityInboxesIndices); err != nil {
			db.logger.Warn("failed to create sent_activity_inboxes indices", zap.Error(err))
		}
		if _, err := tx.Exec(sqlCreateActivitiesIndices); err != nil {
			db.logger.Warn("failed to create activities indices", zap.Error(err))
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.logger.Error("error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.logger.Debug("table created or already exists", zap.String("table", tableName))
	return nil
}
