package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/deemkeen/federate/domain"
)

// Delivery queue queries
const (
	sqlInsertSentActivity      = `INSERT INTO sent_activities(activity_id, actor, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlInsertSentActivityInbox = `INSERT OR IGNORE INTO sent_activity_inboxes(sequence, destination, inbox) VALUES (?, ?, ?)`

	sqlSelectPendingDestinations = `SELECT DISTINCT i.destination FROM sent_activity_inboxes i
		LEFT JOIN delivery_queue_state s ON s.destination = i.destination
		WHERE s.destination IS NULL OR (s.inactive = 0 AND i.sequence > s.last_successful_sequence_id)
		ORDER BY i.destination`

	sqlSelectNextDeliveries = `SELECT a.sequence, a.activity_id, a.actor, a.payload, i.inbox FROM sent_activity_inboxes i
		INNER JOIN sent_activities a ON a.sequence = i.sequence
		WHERE i.destination = ? AND i.sequence IN (
			SELECT DISTINCT sequence FROM sent_activity_inboxes
			WHERE destination = ? AND sequence > ?
			ORDER BY sequence LIMIT ?)
		ORDER BY i.sequence, i.inbox`

	sqlSelectQueueState = `SELECT destination, last_successful_sequence_id, fail_count, last_retry_at, in_flight_sequence_id,
		inactive, inactive_reason, updated_at FROM delivery_queue_state WHERE destination = ?`
	sqlSelectAllQueueStates = `SELECT destination, last_successful_sequence_id, fail_count, last_retry_at, in_flight_sequence_id,
		inactive, inactive_reason, updated_at FROM delivery_queue_state ORDER BY destination`
	sqlUpsertQueueState = `INSERT INTO delivery_queue_state(destination, last_successful_sequence_id, fail_count, last_retry_at,
		in_flight_sequence_id, inactive, inactive_reason, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(destination) DO UPDATE SET
			last_successful_sequence_id = excluded.last_successful_sequence_id,
			fail_count = excluded.fail_count,
			last_retry_at = excluded.last_retry_at,
			in_flight_sequence_id = excluded.in_flight_sequence_id,
			inactive = excluded.inactive,
			inactive_reason = excluded.inactive_reason,
			updated_at = excluded.updated_at`
	sqlDeleteQueueState         = `DELETE FROM delivery_queue_state WHERE destination = ?`
	sqlDeleteDestinationInboxes = `DELETE FROM sent_activity_inboxes WHERE destination = ?`
)

// AppendActivity stores an outgoing activity together with the inboxes it is
// addressed to, keyed by destination, and returns its sequence number.
func (db *DB) AppendActivity(ctx context.Context, sent *domain.SentActivity, inboxes map[string][]string) (int64, error) {
	var seq int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created := sent.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		res, err := tx.Exec(sqlInsertSentActivity, sent.ActivityID, sent.Actor, string(sent.Kind), string(sent.Payload), created.UTC())
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for destination, list := range inboxes {
			for _, inbox := range list {
				if _, err := tx.Exec(sqlInsertSentActivityInbox, seq, destination, inbox); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store activity %s: %w", sent.ActivityID, err)
	}
	sent.Sequence = seq
	return seq, nil
}

// PendingDestinations lists destinations that are active and have activities
// beyond their last successful one.
func (db *DB) PendingDestinations(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDestinations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var destinations []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return destinations, err
		}
		destinations = append(destinations, d)
	}
	return destinations, rows.Err()
}

// NextDeliveries returns up to limit activities for destination with a
// sequence above after, in sequence order.
func (db *DB) NextDeliveries(ctx context.Context, destination string, after int64, limit int) ([]domain.PendingDelivery, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectNextDeliveries, destination, destination, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []domain.PendingDelivery
	for rows.Next() {
		var (
			seq               int64
			activityID, actor string
			payload, inbox    string
		)
		if err := rows.Scan(&seq, &activityID, &actor, &payload, &inbox); err != nil {
			return deliveries, err
		}
		if n := len(deliveries); n > 0 && deliveries[n-1].Sequence == seq {
			deliveries[n-1].Inboxes = append(deliveries[n-1].Inboxes, inbox)
			continue
		}
		deliveries = append(deliveries, domain.PendingDelivery{
			Sequence:    seq,
			ActivityID:  activityID,
			Actor:       actor,
			Destination: destination,
			Inboxes:     []string{inbox},
			Payload:     []byte(payload),
		})
	}
	return deliveries, rows.Err()
}

// LoadState returns the queue state of destination, or nil when the
// destination has never been attempted.
func (db *DB) LoadState(ctx context.Context, destination string) (*domain.DeliveryQueueState, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectQueueState, destination)
	state, err := scanQueueState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (db *DB) SaveState(ctx context.Context, state *domain.DeliveryQueueState) error {
	state.UpdatedAt = time.Now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertQueueState,
			state.Destination,
			state.LastSuccessfulSequenceID,
			state.FailCount,
			nullTime(state.LastRetryAt),
			nullInt64(state.InFlightSequenceID),
			state.Inactive,
			state.InactiveReason,
			state.UpdatedAt.UTC(),
		)
		return err
	})
}

func (db *DB) ListStates(ctx context.Context) ([]domain.DeliveryQueueState, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllQueueStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.DeliveryQueueState
	for rows.Next() {
		state, err := scanQueueState(rows)
		if err != nil {
			return states, err
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return states, err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Destination < states[j].Destination })
	return states, nil
}

// DeleteDestination removes the queue state of destination and every
// undelivered inbox row addressed to it.
func (db *DB) DeleteDestination(ctx context.Context, destination string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteDestinationInboxes, destination); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteQueueState, destination)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueueState(row scanner) (*domain.DeliveryQueueState, error) {
	var (
		state     domain.DeliveryQueueState
		lastRetry sql.NullTime
		inFlight  sql.NullInt64
		updatedAt sql.NullTime
	)
	err := row.Scan(
		&state.Destination,
		&state.LastSuccessfulSequenceID,
		&state.FailCount,
		&lastRetry,
		&inFlight,
		&state.Inactive,
		&state.InactiveReason,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRetry.Valid {
		t := lastRetry.Time
		state.LastRetryAt = &t
	}
	if inFlight.Valid {
		seq := inFlight.Int64
		state.InFlightSequenceID = &seq
	}
	if updatedAt.Valid {
		state.UpdatedAt = updatedAt.Time
	}
	return &state, nil
}
