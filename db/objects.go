package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/google/uuid"
)

// Remote object queries
const (
	sqlUpsertRemoteObject = `INSERT INTO remote_objects(id, uri, kind, data, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET kind = excluded.kind, data = excluded.data, fetched_at = excluded.fetched_at`
	sqlSelectRemoteObjectByURI = `SELECT id, uri, kind, data, fetched_at FROM remote_objects WHERE uri = ?`
	sqlDeleteRemoteObject      = `DELETE FROM remote_objects WHERE uri = ?`
)

// ReadRemoteObject returns the stored object for uri, or nil when none is stored.
func (db *DB) ReadRemoteObject(ctx context.Context, uri string) (*domain.RemoteObject, error) {
	obj, err := scanRemoteObject(db.db.QueryRowContext(ctx, sqlSelectRemoteObjectByURI, uri))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return obj, err
}

// UpsertRemoteObject stores obj keyed by its uri. A refresh of a known uri
// keeps the existing local id; the stored row is returned.
func (db *DB) UpsertRemoteObject(ctx context.Context, obj *domain.RemoteObject) (*domain.RemoteObject, error) {
	var stored *domain.RemoteObject
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		id := obj.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		fetched := obj.FetchedAt
		if fetched.IsZero() {
			fetched = time.Now()
		}
		if _, err := tx.Exec(sqlUpsertRemoteObject, id.String(), obj.URI, obj.Kind.String(), string(obj.Data), fetched.UTC()); err != nil {
			return err
		}
		var err error
		stored, err = scanRemoteObject(tx.QueryRow(sqlSelectRemoteObjectByURI, obj.URI))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store remote object %s: %w", obj.URI, err)
	}
	return stored, nil
}

func (db *DB) DeleteRemoteObject(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteObject, uri)
		return err
	})
}

func scanRemoteObject(row scanner) (*domain.RemoteObject, error) {
	var (
		obj         domain.RemoteObject
		idStr, kind string
		data        string
	)
	if err := row.Scan(&idStr, &obj.URI, &kind, &data, &obj.FetchedAt); err != nil {
		return nil, err
	}
	var err error
	if obj.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("bad id for %s: %w", obj.URI, err)
	}
	if obj.Kind, err = domain.ParseObjectKind(kind); err != nil {
		return nil, err
	}
	obj.Data = []byte(data)
	return &obj, nil
}
