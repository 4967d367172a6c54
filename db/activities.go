package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/google/uuid"
)

// Activity queries
const (
	sqlClaimActivity = `INSERT OR IGNORE INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
	sqlDeleteActivityByURI   = `DELETE FROM activities WHERE activity_uri = ?`
	sqlSelectActivityByURI   = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at FROM activities WHERE activity_uri = ?`
)

// ClaimActivity records a received activity. It reports false when the
// activity id was already recorded, so it is applied at most once.
func (db *DB) ClaimActivity(ctx context.Context, activity *domain.InboundActivity) (bool, error) {
	var claimed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if activity.Id == uuid.Nil {
			activity.Id = uuid.New()
		}
		if activity.CreatedAt.IsZero() {
			activity.CreatedAt = time.Now()
		}
		res, err := tx.Exec(sqlClaimActivity,
			activity.Id.String(),
			activity.ActivityURI,
			string(activity.Kind),
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

func (db *DB) MarkActivityProcessed(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActivityProcessed, activityURI)
		return err
	})
}

// ReleaseActivity forgets a claimed activity so a redelivery is applied again
func (db *DB) ReleaseActivity(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByURI, activityURI)
		return err
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.InboundActivity, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri)
	var (
		activity  domain.InboundActivity
		idStr     string
		kind      string
		objectURI sql.NullString
	)
	err := row.Scan(&idStr, &activity.ActivityURI, &kind, &activity.ActorURI, &objectURI, &activity.RawJSON, &activity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	activity.Kind = domain.Kind(kind)
	activity.ObjectURI = objectURI.String
	return &activity, nil
}
