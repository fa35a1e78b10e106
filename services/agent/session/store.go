// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	agentbadger "github.com/AleutianAI/quartermaster/services/agent/storage/badger"
)

// Store persists sessions across process restarts.
type Store interface {
	// Save writes the session. Called after every turn.
	Save(ctx context.Context, s *Session) error

	// Load reads a session by id. Returns (nil, nil) when absent or expired.
	Load(ctx context.Context, id string) (*Session, error)
}

// keyPrefix namespaces session records inside the shared Badger instance.
const keyPrefix = "session:"

// DefaultTTL is how long a persisted session survives without activity.
const DefaultTTL = 7 * 24 * time.Hour

// record is the gob-encoded on-disk form. Kept separate from Session so the
// in-memory struct can grow fields without breaking old records.
type record struct {
	ID         string
	UserID     string
	WorkingDir string
	Turns      []Turn
	CreatedAt  time.Time
	LastActive time.Time
}

// BadgerStore implements Store on the embedded Badger database.
//
// Description:
//
//	Sessions are gob-encoded under "session:<id>" with a TTL, so a crashed
//	or restarted process picks up each conversation's working directory and
//	history on the next request for that session id.
//
// Thread Safety: Safe for concurrent use; Badger transactions isolate writes.
type BadgerStore struct {
	db  *agentbadger.DB
	ttl time.Duration
}

// NewBadgerStore creates a BadgerStore. A non-positive ttl uses DefaultTTL.
func NewBadgerStore(db *agentbadger.DB, ttl time.Duration) *BadgerStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl}
}

// Save writes the session record with the store TTL.
func (bs *BadgerStore) Save(ctx context.Context, s *Session) error {
	rec := record{
		ID:         s.ID,
		UserID:     s.UserID,
		WorkingDir: s.WorkingDir,
		Turns:      s.Turns,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return bs.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		e := badgerdb.NewEntry([]byte(keyPrefix+s.ID), buf.Bytes()).WithTTL(bs.ttl)
		return txn.SetEntry(e)
	})
}

// Load reads a session record. Absent keys are not an error.
func (bs *BadgerStore) Load(ctx context.Context, id string) (*Session, error) {
	var raw []byte
	err := bs.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var rec record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &Session{
		ID:         rec.ID,
		UserID:     rec.UserID,
		WorkingDir: rec.WorkingDir,
		Turns:      rec.Turns,
		CreatedAt:  rec.CreatedAt,
		LastActive: rec.LastActive,
	}, nil
}
